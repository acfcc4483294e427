package engine

import (
	"sync"

	"github.com/stratumsix/fieldgate/pkg/model"
)

// healthTracker holds one device's runtime health. The owning worker writes
// it; the engine's snapshotter and the status endpoint read it.
type healthTracker struct {
	mu     sync.Mutex
	health model.DeviceHealth
}

func newHealthTracker() *healthTracker {
	return &healthTracker{health: model.DeviceHealth{Status: model.StatusConnecting}}
}

func (t *healthTracker) snapshot() model.DeviceHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

func (t *healthTracker) set(status model.DeviceStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.health.Status = status
}

// success records a completed read cycle: healthy, failure streak reset.
func (t *healthTracker) success(nowNS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.health.Status = model.StatusHealthy
	t.health.LastSuccessNS = nowNS
	t.health.ConsecutiveFailures = 0
}

// failure bumps the failure streak, sets the status and returns the streak.
func (t *healthTracker) failure(status model.DeviceStatus) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.health.Status = status
	t.health.ConsecutiveFailures++
	return t.health.ConsecutiveFailures
}

func (t *healthTracker) lastSuccessNS() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health.LastSuccessNS
}

// markConnected re-arms the staleness anchor from the connect time so the
// reconnected device gets a full connection_timeout window before the next
// staleness check can trip.
func (t *healthTracker) markConnected(nowNS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.health.Status = model.StatusHealthy
	t.health.LastSuccessNS = nowNS
}
