package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratumsix/fieldgate/pkg/model"
)

func TestHealthTrackerTransitions(t *testing.T) {
	tr := newHealthTracker()
	require.Equal(t, model.StatusConnecting, tr.snapshot().Status)
	require.Zero(t, tr.snapshot().LastSuccessNS)

	require.Equal(t, 1, tr.failure(model.StatusConnecting))
	require.Equal(t, 2, tr.failure(model.StatusConnecting))
	require.Equal(t, 2, tr.snapshot().ConsecutiveFailures)

	tr.success(1000)
	h := tr.snapshot()
	require.Equal(t, model.StatusHealthy, h.Status)
	require.EqualValues(t, 1000, h.LastSuccessNS)
	require.Zero(t, h.ConsecutiveFailures)

	require.Equal(t, 1, tr.failure(model.StatusError))
	require.Equal(t, model.StatusError, tr.snapshot().Status)
	require.EqualValues(t, 1000, tr.lastSuccessNS())
}

func TestHealthTrackerMarkConnected(t *testing.T) {
	tr := newHealthTracker()

	tr.markConnected(500)
	h := tr.snapshot()
	require.Equal(t, model.StatusHealthy, h.Status)
	require.EqualValues(t, 500, h.LastSuccessNS)

	// A reconnect re-arms the staleness anchor, otherwise a stalled
	// device would trip the timeout again on its first post-reconnect
	// cycle.
	tr.success(900)
	tr.markConnected(2000)
	require.EqualValues(t, 2000, tr.snapshot().LastSuccessNS)
}

func TestCountersErrorHistoryBounded(t *testing.T) {
	c := &counters{}
	for i := 0; i < errorHistorySize+5; i++ {
		c.recordError(string(rune('a' + i)))
	}
	history := c.errorHistory()
	require.Len(t, history, errorHistorySize)
	require.Equal(t, "f", history[0])
	require.Equal(t, string(rune('a'+errorHistorySize+4)), history[len(history)-1])
}
