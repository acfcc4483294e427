// Package lifecycle is the supervisor-facing surface: it starts, stops and
// inspects acquisition sessions and owns the engines of the sessions this
// process runs.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/stratumsix/fieldgate/pkg/engine"
	"github.com/stratumsix/fieldgate/pkg/metrics"
	"github.com/stratumsix/fieldgate/pkg/model"
	"github.com/stratumsix/fieldgate/pkg/protocol"
	"github.com/stratumsix/fieldgate/pkg/sink"
)

const (
	defaultValidationTimeout = 5 * time.Second
	maxFailedPointsReported  = 20
)

var (
	// ErrNoDeviceConnected rejects a start when the trial connect failed
	// on every device of the task.
	ErrNoDeviceConnected = errors.New("no device connected during startup validation")

	// ErrValidationTimeout reports an overrun of the start deadline.
	ErrValidationTimeout = errors.New("startup validation deadline exceeded")

	// ErrSessionNotRunning rejects a stop for a session this process does
	// not run.
	ErrSessionNotRunning = errors.New("session is not running")
)

// Store is the session persistence the manager uses. *session.Store
// implements it.
type Store interface {
	Create(ctx context.Context, taskID int64, runnerHandle string, metadata map[string]any) (model.Session, error)
	Get(ctx context.Context, sessionID int64) (model.Session, error)
	Finish(ctx context.Context, sessionID int64, status model.SessionStatus, errorMessage string) error
	MergeMetadata(ctx context.Context, sessionID int64, patch map[string]any) error
	RunningSessions(ctx context.Context) ([]model.Session, error)
	Delete(ctx context.Context, sessionID int64) error
}

// TaskLoader resolves a task id into an immutable snapshot. *catalog.Catalog
// implements it.
type TaskLoader interface {
	LoadTask(ctx context.Context, taskID int64) (model.Task, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Store   Store
	Tasks   TaskLoader
	Metrics *metrics.Metrics

	// NewSink builds the sink for one session. Defaults to the sink
	// registry with SinkKind and SinkConfig.
	NewSink    func() (sink.Sink, error)
	SinkKind   string
	SinkConfig sink.Config

	// AdapterFactory defaults to the protocol registry.
	AdapterFactory engine.AdapterFactory

	ValidationTimeout time.Duration

	// Engine knobs, zero values fall back to the engine defaults.
	BatchSize         int
	BatchTimeout      time.Duration
	ConnectionTimeout time.Duration
	MaxReconnect      int
	PollInterval      time.Duration
	CallTimeout       time.Duration
	BufferCap         int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("session store is required")
	}
	if cfg.Tasks == nil {
		return errors.New("task loader is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.AdapterFactory == nil {
		cfg.AdapterFactory = func(device model.Device) (protocol.Adapter, error) {
			return protocol.New(protocol.Config{
				Logger:  cfg.Logger,
				Clock:   cfg.Clock,
				Device:  device,
				Timeout: cfg.CallTimeout,
			})
		}
	}
	if cfg.NewSink == nil {
		if cfg.SinkKind == "" {
			return errors.New("sink kind is required")
		}
		sinkCfg := cfg.SinkConfig
		sinkCfg.Logger = cfg.Logger
		sinkCfg.Clock = cfg.Clock
		cfg.NewSink = func() (sink.Sink, error) {
			return sink.New(cfg.SinkKind, sinkCfg)
		}
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = defaultValidationTimeout
	}
	return nil
}

// DeviceValidation is one device's row in the startup validation report.
type DeviceValidation struct {
	Status           string `json:"status"`
	Connected        bool   `json:"connected"`
	TotalPoints      int    `json:"total_points"`
	SuccessfulPoints int    `json:"successful_points"`
}

// ValidationReport is the result of the trial connect and read that Start
// performs before creating the session.
type ValidationReport struct {
	Healthy      bool                        `json:"healthy"`
	PerDevice    map[string]DeviceValidation `json:"per_device"`
	FailedPoints []string                    `json:"failed_points,omitempty"`
}

// StartResult is returned to the supervisor on a successful start.
type StartResult struct {
	SessionID    int64            `json:"session_id"`
	RunnerHandle string           `json:"runner_handle"`
	Validation   ValidationReport `json:"validation"`
}

// ProbeResult is the outcome of a one-shot connection test.
type ProbeResult struct {
	Connected bool   `json:"connected"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
}

// StatusDoc is the session status document.
type StatusDoc struct {
	SessionID      int64                         `json:"session_id"`
	TaskID         int64                         `json:"task_id"`
	Status         model.SessionStatus           `json:"status"`
	StartedAt      time.Time                     `json:"started_at"`
	StoppedAt      *time.Time                    `json:"stopped_at,omitempty"`
	PointsRead     int64                         `json:"points_read"`
	LastReadNS     int64                         `json:"last_read_ns"`
	ErrorCount     int64                         `json:"error_count"`
	DroppedRecords int64                         `json:"dropped_records"`
	ErrorMessage   string                        `json:"error_message,omitempty"`
	DeviceHealth   map[string]model.DeviceHealth `json:"device_health,omitempty"`
}

type runningEngine struct {
	engine *engine.Engine
	cancel context.CancelFunc
}

// Manager owns the sessions running in this process.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	mu      sync.Mutex
	engines map[int64]*runningEngine
	wg      sync.WaitGroup
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate lifecycle config: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		engines: make(map[int64]*runningEngine),
	}, nil
}

// Start validates the task's devices, creates the session record and hands
// off to a background engine. It returns within ValidationTimeout or fails
// with ErrValidationTimeout.
func (m *Manager) Start(ctx context.Context, taskID int64) (StartResult, error) {
	vctx, cancel := context.WithTimeout(ctx, m.cfg.ValidationTimeout)
	defer cancel()

	task, err := m.cfg.Tasks.LoadTask(vctx, taskID)
	if err != nil {
		if vctx.Err() != nil {
			return StartResult{}, ErrValidationTimeout
		}
		return StartResult{}, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}

	report, err := m.validateDevices(vctx, task)
	if err != nil {
		return StartResult{}, err
	}

	handle := uuid.NewString()
	sess, err := m.cfg.Store.Create(vctx, taskID, handle, map[string]any{
		"startup_validation": report,
	})
	if err != nil {
		if vctx.Err() != nil {
			return StartResult{}, ErrValidationTimeout
		}
		return StartResult{}, err
	}

	if err := m.launch(task, sess.ID); err != nil {
		// The record exists but no engine runs; close it out.
		_ = m.cfg.Store.Finish(context.WithoutCancel(ctx), sess.ID, model.SessionError, err.Error())
		return StartResult{}, err
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SessionsStarted.Inc()
	}
	m.log.Info("lifecycle: session started", "session", sess.ID, "task", task.Code, "handle", handle)
	return StartResult{SessionID: sess.ID, RunnerHandle: handle, Validation: report}, nil
}

// validateDevices probes every device concurrently: one connect, one trial
// read, one disconnect.
func (m *Manager) validateDevices(ctx context.Context, task model.Task) (ValidationReport, error) {
	report := ValidationReport{PerDevice: make(map[string]DeviceValidation, len(task.Devices))}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, device := range task.Devices {
		g.Go(func() error {
			dv, failed := m.probeDevice(gctx, device)
			mu.Lock()
			report.PerDevice[device.Code] = dv
			report.FailedPoints = append(report.FailedPoints, failed...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return ValidationReport{}, ErrValidationTimeout
	}

	anyConnected := false
	report.Healthy = true
	for _, dv := range report.PerDevice {
		if dv.Connected {
			anyConnected = true
		} else {
			report.Healthy = false
		}
		if dv.SuccessfulPoints < dv.TotalPoints {
			report.Healthy = false
		}
	}
	if !anyConnected {
		return ValidationReport{}, ErrNoDeviceConnected
	}
	if len(report.FailedPoints) > maxFailedPointsReported {
		report.FailedPoints = report.FailedPoints[:maxFailedPointsReported]
	}
	return report, nil
}

func (m *Manager) probeDevice(ctx context.Context, device model.Device) (DeviceValidation, []string) {
	dv := DeviceValidation{Status: "error", TotalPoints: len(device.Points)}

	adapter, err := m.cfg.AdapterFactory(device)
	if err != nil {
		m.log.Warn("lifecycle: failed to build adapter", "device", device.Code, "error", err)
		return dv, nil
	}
	defer adapter.Disconnect()

	if err := adapter.Connect(ctx); err != nil {
		m.log.Warn("lifecycle: trial connect failed", "device", device.Code, "error", err)
		return dv, nil
	}
	dv.Connected = true

	readings, err := adapter.ReadPoints(ctx, device.Points)
	if err != nil {
		m.log.Warn("lifecycle: trial read failed", "device", device.Code, "error", err)
		return dv, nil
	}

	var failed []string
	for _, r := range readings {
		if r.Quality == model.QualityGood {
			dv.SuccessfulPoints++
		} else {
			failed = append(failed, device.Code+"/"+r.Code)
		}
	}
	if dv.SuccessfulPoints == dv.TotalPoints {
		dv.Status = "healthy"
	} else {
		dv.Status = "degraded"
	}
	return dv, failed
}

// launch builds the sink and the engine and runs the engine in the
// background until Stop or failure.
func (m *Manager) launch(task model.Task, sessionID int64) error {
	snk, err := m.cfg.NewSink()
	if err != nil {
		return fmt.Errorf("failed to build sink: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Logger:            m.log,
		Clock:             m.clock,
		Task:              task,
		SessionID:         sessionID,
		Sink:              snk,
		Store:             m.cfg.Store,
		Metrics:           m.cfg.Metrics,
		AdapterFactory:    m.cfg.AdapterFactory,
		BatchSize:         m.cfg.BatchSize,
		BatchTimeout:      m.cfg.BatchTimeout,
		ConnectionTimeout: m.cfg.ConnectionTimeout,
		MaxReconnect:      m.cfg.MaxReconnect,
		PollInterval:      m.cfg.PollInterval,
		CallTimeout:       m.cfg.CallTimeout,
		BufferCap:         m.cfg.BufferCap,
	})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.engines[sessionID] = &runningEngine{engine: eng, cancel: cancel}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := eng.Run(runCtx); err != nil {
			m.log.Error("lifecycle: engine exited with error", "session", sessionID, "error", err)
		}
		m.mu.Lock()
		delete(m.engines, sessionID)
		m.mu.Unlock()
	}()
	return nil
}

// Stop signals the session's engine to shut down and returns immediately.
// The engine finishes the session record on its own exit path.
func (m *Manager) Stop(ctx context.Context, sessionID int64) error {
	m.mu.Lock()
	entry, ok := m.engines[sessionID]
	m.mu.Unlock()
	if ok {
		entry.cancel()
		m.log.Info("lifecycle: session stop requested", "session", sessionID)
		return nil
	}

	// Not ours. A stale running row (previous process) is closed directly.
	sess, err := m.cfg.Store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionRunning {
		return ErrSessionNotRunning
	}
	return m.cfg.Store.Finish(ctx, sessionID, model.SessionStopped, "")
}

// Status merges the persisted session row with the live engine counters
// when the session runs in this process.
func (m *Manager) Status(ctx context.Context, sessionID int64) (StatusDoc, error) {
	sess, err := m.cfg.Store.Get(ctx, sessionID)
	if err != nil {
		return StatusDoc{}, err
	}

	doc := StatusDoc{
		SessionID:    sess.ID,
		TaskID:       sess.TaskID,
		Status:       sess.Status,
		StartedAt:    sess.StartedAt,
		StoppedAt:    sess.StoppedAt,
		ErrorMessage: sess.ErrorMessage,
	}

	m.mu.Lock()
	entry, ok := m.engines[sessionID]
	m.mu.Unlock()
	if ok {
		snap := entry.engine.Snapshot()
		doc.PointsRead = snap.PointsRead
		doc.LastReadNS = snap.LastReadNS
		doc.ErrorCount = snap.ErrorCount
		doc.DroppedRecords = snap.DroppedRecords
		doc.DeviceHealth = snap.DeviceHealth
		return doc, nil
	}

	// Finished session; counters live in the persisted metadata.
	if raw, ok := sess.Metadata["device_health"]; ok {
		doc.DeviceHealth = decodeHealth(raw)
	}
	if raw, ok := sess.Metadata["summary"].(map[string]any); ok {
		doc.PointsRead = asInt64(raw["total_points"])
		doc.ErrorCount = asInt64(raw["read_errors"]) + asInt64(raw["flush_errors"])
		doc.DroppedRecords = asInt64(raw["dropped_records"])
	}
	return doc, nil
}

// TestConnection runs a one-shot probe against a device that need not be in
// the catalog. No session is created.
func (m *Manager) TestConnection(ctx context.Context, device model.Device) ProbeResult {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ValidationTimeout)
	defer cancel()

	adapter, err := m.cfg.AdapterFactory(device)
	if err != nil {
		return ProbeResult{Error: err.Error()}
	}
	defer adapter.Disconnect()

	if err := adapter.Connect(pctx); err != nil {
		return ProbeResult{Error: err.Error()}
	}
	return ProbeResult{Connected: true, Healthy: adapter.Health(pctx)}
}

// AcquireOnce performs a single read cycle over the task's devices without
// creating a session. Devices that fail to connect yield no readings.
func (m *Manager) AcquireOnce(ctx context.Context, taskID int64) (map[string][]model.Reading, error) {
	task, err := m.cfg.Tasks.LoadTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}

	var mu sync.Mutex
	out := make(map[string][]model.Reading, len(task.Devices))
	g, gctx := errgroup.WithContext(ctx)
	for _, device := range task.Devices {
		g.Go(func() error {
			adapter, err := m.cfg.AdapterFactory(device)
			if err != nil {
				return nil
			}
			defer adapter.Disconnect()
			if err := adapter.Connect(gctx); err != nil {
				m.log.Warn("lifecycle: acquire connect failed", "device", device.Code, "error", err)
				return nil
			}
			readings, err := adapter.ReadPoints(gctx, device.Points)
			if err != nil {
				m.log.Warn("lifecycle: acquire read failed", "device", device.Code, "error", err)
				return nil
			}
			mu.Lock()
			out[device.Code] = readings
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, ctx.Err()
}

// Recover closes out the running sessions a previous process left behind:
// the stale record is revoked and deleted, and a fresh session is started
// for the same task.
func (m *Manager) Recover(ctx context.Context) error {
	stale, err := m.cfg.Store.RunningSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running sessions: %w", err)
	}

	for _, sess := range stale {
		m.mu.Lock()
		_, ours := m.engines[sess.ID]
		m.mu.Unlock()
		if ours {
			continue
		}

		m.log.Warn("lifecycle: revoking stale session from previous run",
			"session", sess.ID, "task", sess.TaskID, "handle", sess.RunnerHandle)
		if err := m.cfg.Store.Delete(ctx, sess.ID); err != nil {
			m.log.Error("lifecycle: failed to delete stale session", "session", sess.ID, "error", err)
			continue
		}
		if _, err := m.Start(ctx, sess.TaskID); err != nil {
			m.log.Error("lifecycle: failed to restart task after recovery",
				"task", sess.TaskID, "error", err)
		}
	}
	return nil
}

// Shutdown stops every running engine and waits for their terminal flushes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for id, entry := range m.engines {
		m.log.Info("lifecycle: stopping session for shutdown", "session", id)
		entry.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop all sessions before deadline: %w", ctx.Err())
	}
}

// Running reports whether this process currently runs the session.
func (m *Manager) Running(sessionID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.engines[sessionID]
	return ok
}

func decodeHealth(raw any) map[string]model.DeviceHealth {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var health map[string]model.DeviceHealth
	if err := json.Unmarshal(buf, &health); err != nil {
		return nil
	}
	return health
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
