// Package sink defines the time-series writer contract, the line-protocol
// encoder and the InfluxDB implementation.
package sink

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

// Sink writes canonical point batches to a time-series store. Write is
// synchronous and atomic from the caller's perspective: the entire batch was
// written (possibly through the fallback path) or an error comes back and
// the caller retains the batch. Writing an empty batch is a no-op.
type Sink interface {
	Connect(ctx context.Context) error
	Write(ctx context.Context, batch []model.CanonicalPoint) error
	Health(ctx context.Context) bool
	Disconnect()
}

// Config carries what a factory needs to build a sink.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	URL    string
	Token  string
	Org    string
	Bucket string

	// FallbackCommand, when set, is executed with the batch's line
	// protocol on stdin after a failed primary write. One attempt per
	// batch.
	FallbackCommand []string
	FallbackTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.URL == "" {
		return fmt.Errorf("sink url is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 10 * time.Second
	}
	return nil
}

// Factory builds a sink. Building must not dial; the transport is
// established by Connect.
type Factory func(cfg Config) (Sink, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a factory under a sink kind name.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// New resolves a registered factory and builds the sink.
func New(kind string, cfg Config) (Sink, error) {
	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink kind %q (registered: %v)", kind, Registered())
	}
	return f(cfg)
}

// Registered returns the sorted sink kind names in the registry.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
