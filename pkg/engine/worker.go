package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stratumsix/fieldgate/pkg/metrics"
	"github.com/stratumsix/fieldgate/pkg/model"
	"github.com/stratumsix/fieldgate/pkg/protocol"
)

// worker drives one device: it owns the protocol adapter, runs one read
// cycle per tick and reports health. Readings leave through the out channel
// as canonical points; the worker holds no reference to the engine.
type worker struct {
	log     *slog.Logger
	clock   clockwork.Clock
	site    string
	device  model.Device
	adapter protocol.Adapter
	out     chan<- []model.CanonicalPoint
	health  *healthTracker
	stats   *counters
	metrics *metrics.Metrics

	pollInterval      time.Duration
	connectionTimeout time.Duration
	callTimeout       time.Duration
	maxReconnect      int

	pointsByCode map[string]model.Point
	state        model.DeviceStatus
}

func newWorker(cfg Config, device model.Device, adapter protocol.Adapter, out chan<- []model.CanonicalPoint, stats *counters) *worker {
	pointsByCode := make(map[string]model.Point, len(device.Points))
	for _, p := range device.Points {
		pointsByCode[p.Code] = p
	}
	return &worker{
		log:               cfg.Logger.With("device", device.Code),
		clock:             cfg.Clock,
		site:              cfg.Task.Code,
		device:            device,
		adapter:           adapter,
		out:               out,
		health:            newHealthTracker(),
		stats:             stats,
		metrics:           cfg.Metrics,
		pollInterval:      cfg.PollInterval,
		connectionTimeout: cfg.ConnectionTimeout,
		callTimeout:       cfg.CallTimeout,
		maxReconnect:      cfg.MaxReconnect,
		pointsByCode:      pointsByCode,
		state:             model.StatusConnecting,
	}
}

// run ticks until cancellation or the disconnected terminal state. The
// ticker coalesces missed ticks, so an overrunning cycle skips them instead
// of queuing. The adapter is always closed on the way out.
func (w *worker) run(ctx context.Context) error {
	defer w.adapter.Disconnect()

	ticker := w.clock.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.tick(ctx)
		if w.state == model.StatusDisconnected {
			w.log.Warn("worker: device disconnected, no more readings this session")
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (w *worker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	switch w.state {
	case model.StatusConnecting:
		w.connect(ctx)
	case model.StatusTimeout:
		// The adapter was torn down on the previous tick; dial again.
		w.state = model.StatusConnecting
		w.connect(ctx)
	case model.StatusHealthy, model.StatusError:
		w.read(ctx)
	}
}

func (w *worker) connect(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()

	if err := w.adapter.Connect(cctx); err != nil {
		failures := w.health.failure(model.StatusConnecting)
		w.stats.recordError(err.Error())
		if failures >= w.maxReconnect {
			w.state = model.StatusDisconnected
			w.health.set(model.StatusDisconnected)
			return
		}
		w.log.Warn("worker: connect failed", "attempt", failures, "max", w.maxReconnect, "error", err)
		return
	}

	w.state = model.StatusHealthy
	w.health.markConnected(w.clock.Now().UnixNano())
	w.log.Debug("worker: connected")
}

func (w *worker) read(ctx context.Context) {
	now := w.clock.Now().UnixNano()
	if last := w.health.lastSuccessNS(); last > 0 && now-last > w.connectionTimeout.Nanoseconds() {
		w.log.Warn("worker: no successful read within connection timeout, reconnecting")
		w.adapter.Disconnect()
		w.state = model.StatusTimeout
		w.health.set(model.StatusTimeout)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()

	w.stats.cycles.Add(1)
	readings, err := w.adapter.ReadPoints(rctx, w.device.Points)
	if err != nil {
		w.state = model.StatusError
		w.health.failure(model.StatusError)
		w.stats.readErrors.Add(1)
		w.stats.recordError(err.Error())
		if w.metrics != nil {
			w.metrics.ReadErrors.WithLabelValues(w.site, w.device.Code).Inc()
		}
		w.log.Debug("worker: read cycle failed", "error", err)
		return
	}

	batch := w.canonicalize(readings)
	if w.metrics != nil {
		w.metrics.ReadingsRead.WithLabelValues(w.site, w.device.Code).Add(float64(len(batch)))
	}
	if len(batch) > 0 {
		select {
		case w.out <- batch:
		case <-ctx.Done():
			return
		}
	}

	w.state = model.StatusHealthy
	w.health.success(w.clock.Now().UnixNano())
	w.stats.lastReadNS.Store(w.clock.Now().UnixNano())
}

// canonicalize shapes good readings for the sink. Readings without a value
// carry no field and are skipped; their error already lives in the health
// counters.
func (w *worker) canonicalize(readings []model.Reading) []model.CanonicalPoint {
	batch := make([]model.CanonicalPoint, 0, len(readings))
	for _, r := range readings {
		if r.Value.IsEmpty() {
			if r.Error != "" {
				w.stats.recordError(w.device.Code + "/" + r.Code + ": " + r.Error)
			}
			continue
		}
		tags := map[string]string{
			"site":    w.site,
			"device":  w.device.Code,
			"point":   r.Code,
			"quality": string(r.Quality),
		}
		if p, ok := w.pointsByCode[r.Code]; ok {
			if p.Name != "" {
				tags["cn_name"] = p.Name
			}
			if p.Unit != "" {
				tags["unit"] = p.Unit
			}
		}
		batch = append(batch, model.CanonicalPoint{
			Measurement: w.device.Measurement(),
			Tags:        tags,
			Fields:      map[string]model.Value{r.Code: r.Value},
			TimestampNS: r.TimestampNS,
		})
	}
	return batch
}
