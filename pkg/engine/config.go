// Package engine runs acquisition sessions: one device worker per device
// feeding a batch buffer that a single flusher drains into the sink.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stratumsix/fieldgate/pkg/metrics"
	"github.com/stratumsix/fieldgate/pkg/model"
	"github.com/stratumsix/fieldgate/pkg/protocol"
	"github.com/stratumsix/fieldgate/pkg/sink"
)

const healthSnapshotInterval = time.Second

// SessionStore is the slice of session persistence the engine needs: it
// only ever finishes its own session row and merges metadata into it.
type SessionStore interface {
	Finish(ctx context.Context, sessionID int64, status model.SessionStatus, errorMessage string) error
	MergeMetadata(ctx context.Context, sessionID int64, patch map[string]any) error
}

// AdapterFactory builds the protocol adapter for one device.
type AdapterFactory func(device model.Device) (protocol.Adapter, error)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Task      model.Task
	SessionID int64
	Sink      sink.Sink
	Store     SessionStore
	Metrics   *metrics.Metrics

	// AdapterFactory defaults to the protocol registry.
	AdapterFactory AdapterFactory

	BatchSize         int
	BatchTimeout      time.Duration
	ConnectionTimeout time.Duration
	MaxReconnect      int
	PollInterval      time.Duration
	CallTimeout       time.Duration

	// BufferCap bounds the batch buffer; overflow drops oldest readings.
	// Defaults to ten batches.
	BufferCap int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Sink == nil {
		return errors.New("sink is required")
	}
	if cfg.Store == nil {
		return errors.New("session store is required")
	}
	if cfg.SessionID <= 0 {
		return errors.New("session id is required")
	}
	if len(cfg.Task.Devices) == 0 {
		return errors.New("task has no devices")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
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
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = cfg.Task.PollInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = 10 * cfg.BatchSize
	}
	return nil
}
