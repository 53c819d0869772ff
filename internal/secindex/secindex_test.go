package secindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyFormat(t *testing.T) {
	assert.Equal(t, "idx:email:a@b.com:user1", Key("email", "a@b.com", "user1"))
}

func TestAddListRoundTrip(t *testing.T) {
	m := New([]string{"email"}, nil)
	m.Add("email", "a@b.com", "user1")
	m.Add("email", "a@b.com", "user2")

	assert.Equal(t, []string{"user1", "user2"}, m.List("email", "a@b.com"))
}

func TestRemove(t *testing.T) {
	m := New([]string{"email"}, nil)
	m.Add("email", "a@b.com", "user1")
	m.Add("email", "a@b.com", "user2")
	m.Remove("email", "a@b.com", "user1")

	assert.Equal(t, []string{"user2"}, m.List("email", "a@b.com"))
}

func TestRemoveNonExistentIsNoop(t *testing.T) {
	m := New([]string{"email"}, nil)
	m.Remove("email", "a@b.com", "user1")
	assert.Empty(t, m.List("email", "a@b.com"))
}

func TestListUnknownValueEmpty(t *testing.T) {
	m := New([]string{"email"}, nil)
	m.Add("email", "a@b.com", "user1")
	assert.Empty(t, m.List("email", "nobody@b.com"))
}

func TestIsIndexedAndIsGlobal(t *testing.T) {
	m := New([]string{"email"}, []string{"country"})
	assert.True(t, m.IsIndexed("email"))
	assert.True(t, m.IsIndexed("country"))
	assert.False(t, m.IsGlobal("email"))
	assert.True(t, m.IsGlobal("country"))
	assert.False(t, m.IsIndexed("unindexed_field"))
}
