package sink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/jonboulle/clockwork"

	"github.com/stratumsix/fieldgate/pkg/model"
)

// KindInfluxDB is the registry name of the InfluxDB sink.
const KindInfluxDB = "influxdb"

func init() {
	Register(KindInfluxDB, func(cfg Config) (Sink, error) {
		return NewInfluxSink(cfg)
	})
}

// InfluxSink writes line protocol to an InfluxDB v2 endpoint, with an
// optional local fallback command for failed batches.
type InfluxSink struct {
	log             *slog.Logger
	clock           clockwork.Clock
	cfg             Config
	enc             *Encoder
	fallbackTimeout time.Duration

	mu        sync.Mutex
	client    influxdb2.Client
	write     api.WriteAPIBlocking
	connected bool
}

// NewInfluxSink builds the sink without dialing.
func NewInfluxSink(cfg Config) (*InfluxSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate influxdb sink config: %w", err)
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("sink org and bucket are required")
	}
	return &InfluxSink{
		log:             cfg.Logger,
		clock:           cfg.Clock,
		cfg:             cfg,
		enc:             NewEncoder(cfg.Logger, cfg.Clock),
		fallbackTimeout: cfg.FallbackTimeout,
	}, nil
}

func (s *InfluxSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	client := influxdb2.NewClient(s.cfg.URL, s.cfg.Token)
	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to ping influxdb at %s: %w", s.cfg.URL, err)
	}
	if !ok {
		client.Close()
		return fmt.Errorf("influxdb at %s is not ready", s.cfg.URL)
	}

	s.client = client
	s.write = client.WriteAPIBlocking(s.cfg.Org, s.cfg.Bucket)
	s.connected = true
	s.log.Debug("sink: connected", "url", s.cfg.URL, "bucket", s.cfg.Bucket)
	return nil
}

func (s *InfluxSink) Write(ctx context.Context, batch []model.CanonicalPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if !s.connected {
		return fmt.Errorf("sink is not connected")
	}

	lines := s.enc.EncodeBatch(batch)
	if len(lines) == 0 {
		return nil
	}

	err := s.write.WriteRecord(ctx, string(bytes.TrimRight(lines, "\n")))
	if err == nil {
		return nil
	}

	if len(s.cfg.FallbackCommand) == 0 {
		return fmt.Errorf("failed to write batch of %d points: %w", len(batch), err)
	}
	if fbErr := s.runFallback(ctx, lines); fbErr != nil {
		return fmt.Errorf("failed to write batch of %d points: %w (fallback also failed: %v)", len(batch), err, fbErr)
	}
	s.log.Warn("sink: primary write failed, batch written through fallback",
		"points", len(batch), "error", err)
	return nil
}

// runFallback executes the configured command once with the batch's line
// protocol on stdin.
func (s *InfluxSink) runFallback(ctx context.Context, lines []byte) error {
	cctx, cancel := context.WithTimeout(ctx, s.fallbackTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, s.cfg.FallbackCommand[0], s.cfg.FallbackCommand[1:]...)
	cmd.Stdin = bytes.NewReader(lines)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("fallback command failed: %w (output: %s)", err, bytes.TrimSpace(out))
	}
	return nil
}

func (s *InfluxSink) Health(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return false
	}
	ok, err := s.client.Ping(ctx)
	return err == nil && ok
}

func (s *InfluxSink) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	s.client.Close()
	s.client = nil
	s.write = nil
	s.connected = false
}
