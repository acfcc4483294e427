package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/stratumsix/fieldgate/pkg/model"
)

// Engine runs one session: it owns the sink, the batch buffer and the
// device workers, and it is the only writer of the session record.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	in      chan []model.CanonicalPoint
	workers []*worker
	stats   *counters

	mu        sync.Mutex
	buffer    []model.CanonicalPoint
	lastFlush time.Time
	done      chan struct{}
}

// Status is the live counter snapshot merged into the session status
// document.
type Status struct {
	PointsRead     int64                         `json:"points_read"`
	LastReadNS     int64                         `json:"last_read_ns"`
	ErrorCount     int64                         `json:"error_count"`
	DroppedRecords int64                         `json:"dropped_records"`
	TotalCycles    int64                         `json:"total_cycles"`
	LastErrors     []string                      `json:"last_errors,omitempty"`
	DeviceHealth   map[string]model.DeviceHealth `json:"device_health"`
}

// New builds the engine and its workers. Adapters are created here but not
// connected; workers dial on their first tick.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate engine config: %w", err)
	}

	e := &Engine{
		cfg:   cfg,
		log:   cfg.Logger.With("task", cfg.Task.Code, "session", cfg.SessionID),
		clock: cfg.Clock,
		in:    make(chan []model.CanonicalPoint, len(cfg.Task.Devices)),
		stats: &counters{},
		done:  make(chan struct{}),
	}
	for _, device := range cfg.Task.Devices {
		adapter, err := cfg.AdapterFactory(device)
		if err != nil {
			return nil, fmt.Errorf("failed to build adapter for device %s: %w", device.Code, err)
		}
		e.workers = append(e.workers, newWorker(cfg, device, adapter, e.in, e.stats))
	}
	return e, nil
}

// Run executes the session until ctx is cancelled or an unrecoverable
// failure. Every exit path, the panic one included, flushes the remaining
// buffer once, closes every adapter and the sink, and finishes the session
// record.
func (e *Engine) Run(ctx context.Context) (err error) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine loop panicked: %v", r)
		}
		e.shutdown(err)
	}()

	if err := e.cfg.Sink.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect sink: %w", err)
	}

	e.log.Info("engine: session started",
		"devices", len(e.workers),
		"batch_size", e.cfg.BatchSize,
		"batch_timeout", e.cfg.BatchTimeout,
		"poll_interval", e.cfg.PollInterval)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range e.workers {
		g.Go(func() error { return w.run(gctx) })
	}

	e.mu.Lock()
	e.lastFlush = e.clock.Now()
	e.mu.Unlock()

	flushTicker := e.clock.NewTicker(e.cfg.BatchTimeout)
	defer flushTicker.Stop()
	healthTicker := e.clock.NewTicker(healthSnapshotInterval)
	defer healthTicker.Stop()

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case batch := <-e.in:
			if e.appendBatch(batch) {
				e.flush(gctx)
			}
		case <-flushTicker.Chan():
			e.mu.Lock()
			due := e.clock.Now().Sub(e.lastFlush) >= e.cfg.BatchTimeout
			e.mu.Unlock()
			if due {
				e.flush(gctx)
			}
		case <-healthTicker.Chan():
			e.snapshotHealth(gctx)
		}
	}

	if waitErr := g.Wait(); waitErr != nil {
		return fmt.Errorf("worker failed: %w", waitErr)
	}
	return nil
}

// Done closes when Run has fully shut down.
func (e *Engine) Done() <-chan struct{} { return e.done }

// appendBatch adds readings to the buffer, dropping oldest on overflow, and
// reports whether the size threshold was reached.
func (e *Engine) appendBatch(batch []model.CanonicalPoint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.pointsRead.Add(int64(len(batch)))
	e.buffer = append(e.buffer, batch...)
	if over := len(e.buffer) - e.cfg.BufferCap; over > 0 {
		e.buffer = append([]model.CanonicalPoint(nil), e.buffer[over:]...)
		e.stats.dropped.Add(int64(over))
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.DroppedRecords.Add(float64(over))
		}
		e.log.Warn("engine: batch buffer overflow, oldest readings dropped", "dropped", over, "cap", e.cfg.BufferCap)
	}
	return len(e.buffer) >= e.cfg.BatchSize
}

// flush writes the whole buffer in one sink call. On failure the buffer is
// retained and retried on the next trigger.
func (e *Engine) flush(ctx context.Context) {
	e.mu.Lock()
	pending := e.buffer
	e.mu.Unlock()
	if len(pending) == 0 {
		e.mu.Lock()
		e.lastFlush = e.clock.Now()
		e.mu.Unlock()
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	err := e.cfg.Sink.Write(wctx, pending)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		e.stats.flushFails.Add(1)
		e.stats.recordError(err.Error())
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.FlushErrors.Inc()
		}
		e.log.Warn("engine: sink write failed, batch retained", "points", len(pending), "error", err)
		return
	}

	e.stats.flushes.Add(1)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.BatchesFlushed.Inc()
	}
	e.mu.Lock()
	// Workers only append through the loop goroutine, so the buffer can
	// only have grown by what the flusher itself appended; drop exactly
	// what was written.
	e.buffer = append([]model.CanonicalPoint(nil), e.buffer[len(pending):]...)
	e.lastFlush = e.clock.Now()
	e.mu.Unlock()
}

// snapshotHealth serializes the per-device health into the session
// metadata.
func (e *Engine) snapshotHealth(ctx context.Context) {
	health := make(map[string]model.DeviceHealth, len(e.workers))
	for _, w := range e.workers {
		health[w.device.Code] = w.health.snapshot()
	}
	patch := map[string]any{
		"device_health":      health,
		"last_health_update": e.clock.Now().UTC().Format(time.RFC3339),
	}

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.cfg.Store.MergeMetadata(mctx, e.cfg.SessionID, patch); err != nil {
		e.log.Warn("engine: failed to snapshot device health", "error", err)
	}
}

// Snapshot returns the live counters for the session status document.
func (e *Engine) Snapshot() Status {
	health := make(map[string]model.DeviceHealth, len(e.workers))
	for _, w := range e.workers {
		health[w.device.Code] = w.health.snapshot()
	}
	return Status{
		PointsRead:     e.stats.pointsRead.Load(),
		LastReadNS:     e.stats.lastReadNS.Load(),
		ErrorCount:     e.stats.readErrors.Load() + e.stats.flushFails.Load(),
		DroppedRecords: e.stats.dropped.Load(),
		TotalCycles:    e.stats.cycles.Load(),
		LastErrors:     e.stats.errorHistory(),
		DeviceHealth:   health,
	}
}

// shutdown is the single exit path: terminal flush, resource release,
// session record finalization.
func (e *Engine) shutdown(runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Collect whatever the workers managed to send before they stopped.
drain:
	for {
		select {
		case batch := <-e.in:
			e.appendBatch(batch)
		default:
			break drain
		}
	}
	e.flush(ctx)
	e.cfg.Sink.Disconnect()

	status := model.SessionStopped
	errorMessage := ""
	if runErr != nil {
		status = model.SessionError
		errorMessage = runErr.Error()
	}

	summary := map[string]any{
		"total_cycles":    e.stats.cycles.Load(),
		"total_points":    e.stats.pointsRead.Load(),
		"read_errors":     e.stats.readErrors.Load(),
		"flush_errors":    e.stats.flushFails.Load(),
		"dropped_records": e.stats.dropped.Load(),
	}
	if history := e.stats.errorHistory(); len(history) > 0 {
		summary["last_errors"] = history
	}
	health := make(map[string]model.DeviceHealth, len(e.workers))
	for _, w := range e.workers {
		health[w.device.Code] = w.health.snapshot()
	}
	if err := e.cfg.Store.MergeMetadata(ctx, e.cfg.SessionID, map[string]any{
		"summary":            summary,
		"device_health":      health,
		"last_health_update": e.clock.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		e.log.Warn("engine: failed to store session summary", "error", err)
	}

	if err := e.cfg.Store.Finish(ctx, e.cfg.SessionID, status, errorMessage); err != nil {
		e.log.Error("engine: failed to finish session record", "error", err)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.SessionsStopped.WithLabelValues(string(status)).Inc()
	}
	e.log.Info("engine: session finished", "status", status, "points", e.stats.pointsRead.Load())
}
