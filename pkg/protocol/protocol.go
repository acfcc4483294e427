// Package protocol defines the adapter contract every wire protocol driver
// implements, plus the process-scoped registry the engine resolves drivers
// from.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stratumsix/fieldgate/pkg/model"
)

// Adapter is the common contract of all protocol drivers.
//
// ReadPoints returns one reading per matched input point and must be callable
// repeatedly without re-connecting. Per-point failures come back as
// quality=bad readings; a *ReadError is returned only when the entire call
// failed. Connect is idempotent when already connected. Disconnect is
// idempotent and never fails. Health never fails; it reports false on error.
type Adapter interface {
	Connect(ctx context.Context) error
	ReadPoints(ctx context.Context, points []model.Point) ([]model.Reading, error)
	Health(ctx context.Context) bool
	Disconnect()
}

// Config carries what a factory needs to build an adapter for one device.
type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Device  model.Device
	Timeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Device.Code == "" {
		return fmt.Errorf("device code is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return nil
}

// Factory builds an adapter for one device. Building must not dial; the
// transport is established by Connect.
type Factory func(cfg Config) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[model.Protocol]Factory)
)

// Register installs a factory for a protocol name. Adapters register
// themselves from init.
func Register(p model.Protocol, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p] = f
}

// New resolves the factory for cfg.Device.Protocol and builds the adapter.
func New(cfg Config) (Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registryMu.RLock()
	f, ok := registry[cfg.Device.Protocol]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q (registered: %v)", cfg.Device.Protocol, Registered())
	}
	return f(cfg)
}

// Registered returns the sorted protocol names in the registry.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for p := range registry {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}
