package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreferenceListConsecutiveFromOwner(t *testing.T) {
	nodes := []string{"n3", "n1", "n2", "n4"}
	out := PreferenceList("n2", nodes, 3)
	assert.Equal(t, []string{"n2", "n3", "n4"}, out)
}

func TestPreferenceListWrapsAround(t *testing.T) {
	nodes := []string{"n1", "n2", "n3"}
	out := PreferenceList("n3", nodes, 3)
	assert.Equal(t, []string{"n3", "n1", "n2"}, out)
}

func TestPreferenceListCapsAtNodeCount(t *testing.T) {
	nodes := []string{"n1", "n2"}
	out := PreferenceList("n1", nodes, 5)
	assert.Len(t, out, 2)
}

func TestPreferenceListUnknownOwnerReturnsSelf(t *testing.T) {
	out := PreferenceList("ghost", []string{"n1", "n2"}, 2)
	assert.Equal(t, []string{"ghost"}, out)
}

func TestPreferenceListEmptyNodesReturnsNil(t *testing.T) {
	assert.Nil(t, PreferenceList("n1", nil, 2))
}
