package kvmetrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimerStartsImmediately(t *testing.T) {
	timer := NewTimer("get")
	require.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())
}

func TestTimerObserveDoesNotPanic(t *testing.T) {
	timer := NewTimer("put")
	time.Sleep(5 * time.Millisecond)
	assert.NotPanics(t, func() { timer.Observe("ok") })
}

func TestHandlerServesMetricsText(t *testing.T) {
	NodeUptime.Set(42)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "kv_node_uptime_seconds")
}
