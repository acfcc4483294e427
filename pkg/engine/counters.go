package engine

import (
	"sync"
	"sync/atomic"
)

const errorHistorySize = 10

// counters aggregates the loop statistics exposed through the session
// status and the terminal session summary. Workers and the flusher share
// one instance; they never share anything else.
type counters struct {
	cycles     atomic.Int64
	pointsRead atomic.Int64
	readErrors atomic.Int64
	flushes    atomic.Int64
	flushFails atomic.Int64
	dropped    atomic.Int64
	lastReadNS atomic.Int64

	mu         sync.Mutex
	lastErrors []string
}

// recordError keeps the most recent errors, oldest first.
func (c *counters) recordError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErrors = append(c.lastErrors, msg)
	if len(c.lastErrors) > errorHistorySize {
		c.lastErrors = c.lastErrors[len(c.lastErrors)-errorHistorySize:]
	}
}

func (c *counters) errorHistory() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lastErrors...)
}
