package endpoint

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/evm_gateway/internal/testhelpers"
)

func newTestEndpoint(name string, priority int) *Endpoint {
	clock := testhelpers.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	return New(name, "https://"+name+".example", "", priority, Thresholds{DegradeAfter: 3, DownAfter: 2}, clock.Now)
}

func TestRecordFailure_HealthyToDegradedToDown(t *testing.T) {
	ep := newTestEndpoint("a", 0)

	assert.Equal(t, StateHealthy, ep.RecordFailure().To)
	assert.Equal(t, StateHealthy, ep.RecordFailure().To)

	tr := ep.RecordFailure()
	assert.True(t, tr.Changed())
	assert.Equal(t, StateHealthy, tr.From)
	assert.Equal(t, StateDegraded, tr.To)

	assert.Equal(t, StateDegraded, ep.RecordFailure().To)
	tr = ep.RecordFailure()
	assert.Equal(t, StateDown, tr.To)
	assert.Equal(t, 5, ep.Snapshot().ConsecutiveFailures)
}

func TestRecordSuccess_ResetsFromAnyState(t *testing.T) {
	for _, start := range []int{0, 3, 5} {
		ep := newTestEndpoint("a", 0)
		for i := 0; i < start; i++ {
			ep.RecordFailure()
		}

		ep.RecordSuccess(10 * time.Millisecond)

		snap := ep.Snapshot()
		assert.Equal(t, StateHealthy, snap.State)
		assert.Equal(t, 0, snap.ConsecutiveFailures)
		assert.False(t, snap.LastSuccess.IsZero())
	}
}

func TestRecordInvalidResponse_ForcesDegraded(t *testing.T) {
	ep := newTestEndpoint("a", 0)

	tr := ep.RecordInvalidResponse()
	assert.Equal(t, StateDegraded, tr.To)
	assert.Equal(t, 3, ep.Snapshot().ConsecutiveFailures)

	ep.RecordFailure()
	assert.Equal(t, StateDown, ep.RecordFailure().To)
}

func TestRecordProbeFailure_MarksDown(t *testing.T) {
	ep := newTestEndpoint("a", 0)
	ep.RecordFailure()
	ep.RecordFailure()
	ep.RecordFailure()
	require.Equal(t, StateDegraded, ep.State())

	assert.Equal(t, StateDown, ep.RecordProbeFailure().To)
	assert.Equal(t, StateHealthy, ep.RecordSuccess(0).To)
}

func TestLatencyEWMA(t *testing.T) {
	ep := New("a", "https://a", "", 0, Thresholds{LatencyAlpha: 0.5}, nil)

	ep.RecordSuccess(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, ep.Latency())

	ep.RecordSuccess(200 * time.Millisecond)
	assert.Equal(t, 150*time.Millisecond, ep.Latency())

	ep.RecordSuccess(0)
	assert.Equal(t, 150*time.Millisecond, ep.Latency(), "zero latency is not a sample")
	assert.Equal(t, 2, ep.Snapshot().Samples)
}

func TestRank(t *testing.T) {
	a := newTestEndpoint("a", 0)
	b := newTestEndpoint("b", 1)
	c := newTestEndpoint("c", 2)
	d := newTestEndpoint("d", 3)

	a.RecordSuccess(80 * time.Millisecond)
	b.RecordSuccess(20 * time.Millisecond)
	c.RecordSuccess(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		c.RecordFailure()
	}
	d.RecordProbeFailure()

	ranked := Rank([]*Endpoint{a, b, c, d}, nil)
	names := make([]string, len(ranked))
	for i, ep := range ranked {
		names[i] = ep.Name
	}
	assert.Equal(t, []string{"b", "a", "c"}, names, "healthy by latency, then degraded; down never")

	ranked = Rank([]*Endpoint{a, b, c, d}, map[string]bool{"b": true})
	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].Name)
}

func TestRank_PriorityBreaksTies(t *testing.T) {
	a := newTestEndpoint("a", 1)
	b := newTestEndpoint("b", 0)

	ranked := Rank([]*Endpoint{a, b}, nil)
	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].Name)
}

func TestRank_AllDown(t *testing.T) {
	a := newTestEndpoint("a", 0)
	a.RecordProbeFailure()
	assert.Empty(t, Rank([]*Endpoint{a}, nil))
}

func TestSnapshotJSON(t *testing.T) {
	ep := newTestEndpoint("a", 0)
	ep.RecordProbeFailure()

	data, err := json.Marshal(ep.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"down"`)
	assert.NotContains(t, string(data), "last_success")
}

func TestConcurrentRecording(t *testing.T) {
	ep := New("a", "https://a", "", 0, Thresholds{DegradeAfter: 1000, DownAfter: 1000}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep.RecordFailure()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, ep.Snapshot().ConsecutiveFailures)
	assert.Equal(t, StateHealthy, ep.State())
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{StateHealthy, StateDegraded, StateDown} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("flaky")))
}
