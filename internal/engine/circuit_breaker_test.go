package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

// fakeClock lets tests move the breaker's notion of time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreakers(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		HalfOpenMax:      1,
	})
	r.now = clock.now
	return r, clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	assert.NoError(t, cbr.AllowRequest("summarize"))
	assert.Equal(t, CircuitClosed, cbr.GetState("summarize"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr, _ := newTestBreakers(3, 10*time.Second)

	cbr.RecordFailure("fetch")
	cbr.RecordFailure("fetch")
	assert.Equal(t, CircuitClosed, cbr.GetState("fetch"))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure("fetch"))

	err := cbr.AllowRequest("fetch")
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrCircuitOpen)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "fetch", ee.Details["agent"])
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cbr, _ := newTestBreakers(3, 10*time.Second)

	cbr.RecordFailure("fetch")
	cbr.RecordFailure("fetch")
	cbr.RecordSuccess("fetch")

	cbr.RecordFailure("fetch")
	cbr.RecordFailure("fetch")
	assert.Equal(t, CircuitClosed, cbr.GetState("fetch"))
	cbr.RecordFailure("fetch")
	assert.Equal(t, CircuitOpen, cbr.GetState("fetch"))
}

func TestCircuitBreaker_HalfOpenLifecycle(t *testing.T) {
	cbr, clock := newTestBreakers(2, time.Minute)

	cbr.RecordFailure("notify")
	cbr.RecordFailure("notify")
	require.Error(t, cbr.AllowRequest("notify"))

	clock.advance(time.Minute)
	require.NoError(t, cbr.AllowRequest("notify"), "first probe after cooldown is allowed")
	assert.Error(t, cbr.AllowRequest("notify"), "only HalfOpenMax probes are allowed")

	cbr.RecordSuccess("notify")
	assert.Equal(t, CircuitClosed, cbr.GetState("notify"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cbr, clock := newTestBreakers(2, time.Minute)

	cbr.RecordFailure("notify")
	cbr.RecordFailure("notify")
	clock.advance(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cbr.GetState("notify"))

	require.NoError(t, cbr.AllowRequest("notify"))
	assert.Equal(t, CircuitOpen, cbr.RecordFailure("notify"))
}

func TestCircuitBreaker_PerAgentIsolation(t *testing.T) {
	cbr, _ := newTestBreakers(2, time.Minute)

	cbr.RecordFailure("a")
	cbr.RecordFailure("a")
	assert.Equal(t, CircuitOpen, cbr.GetState("a"))
	assert.NoError(t, cbr.AllowRequest("b"))
}

func TestCircuitBreaker_DisabledAndNil(t *testing.T) {
	off := NewCircuitBreakerRegistry(CircuitBreakerConfig{})
	for i := 0; i < 10; i++ {
		off.RecordFailure("x")
	}
	assert.NoError(t, off.AllowRequest("x"))

	var none *CircuitBreakerRegistry
	assert.NoError(t, none.AllowRequest("x"))
	assert.Equal(t, CircuitClosed, none.RecordFailure("x"))
	none.RecordSuccess("x")
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	cbr.RecordFailure("stats")
	cbr.RecordFailure("stats")

	stats := cbr.GetStats("stats")
	assert.Equal(t, "stats", stats["agent"])
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 2, stats["consecutive_failures"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
