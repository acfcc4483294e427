package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratumsix/fieldgate/pkg/model"
	"github.com/stratumsix/fieldgate/pkg/protocol"
	"github.com/stratumsix/fieldgate/pkg/sink"
)

type finishCall struct {
	sessionID    int64
	status       model.SessionStatus
	errorMessage string
}

type mockSessionStore struct {
	mu       sync.Mutex
	finishes []finishCall
	patches  []map[string]any
}

func (m *mockSessionStore) Finish(ctx context.Context, sessionID int64, status model.SessionStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishes = append(m.finishes, finishCall{sessionID, status, errorMessage})
	return nil
}

func (m *mockSessionStore) MergeMetadata(ctx context.Context, sessionID int64, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches = append(m.patches, patch)
	return nil
}

func (m *mockSessionStore) finished() []finishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]finishCall(nil), m.finishes...)
}

func (m *mockSessionStore) metadataKeys() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := map[string]bool{}
	for _, p := range m.patches {
		for k := range p {
			keys[k] = true
		}
	}
	return keys
}

// sequenceAdapter emits one reading per cycle with a strictly increasing
// value, so tests can check ordering, retention and loss.
func sequenceAdapter(seq *atomic.Int64) AdapterFactory {
	return func(device model.Device) (protocol.Adapter, error) {
		return &protocol.MockAdapter{
			ReadPointsFunc: func(ctx context.Context, points []model.Point) ([]model.Reading, error) {
				return []model.Reading{{
					Code:        "seq",
					Value:       model.I64(seq.Add(1)),
					TimestampNS: time.Now().UnixNano(),
					Quality:     model.QualityGood,
				}}, nil
			},
		}, nil
	}
}

func testEngineConfig(t *testing.T, mock *sink.MockSink, store *mockSessionStore) Config {
	t.Helper()
	return Config{
		Logger:    slog.New(slog.DiscardHandler),
		Task:      model.Task{Code: "line-a", Devices: []model.Device{testDevice()}},
		SessionID: 42,
		Sink:      mock,
		Store:     store,

		PollInterval:      5 * time.Millisecond,
		ConnectionTimeout: time.Hour,
	}
}

func runEngine(t *testing.T, cfg Config) (*Engine, context.CancelFunc) {
	t.Helper()
	eng, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := eng.Run(ctx); err != nil {
			t.Errorf("engine run: %v", err)
		}
	}()
	return eng, cancel
}

func stopEngine(t *testing.T, eng *Engine, cancel context.CancelFunc) {
	t.Helper()
	cancel()
	select {
	case <-eng.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down")
	}
}

func TestEngineFlushesOnBatchSize(t *testing.T) {
	var seq atomic.Int64
	mock := &sink.MockSink{}
	store := &mockSessionStore{}

	cfg := testEngineConfig(t, mock, store)
	cfg.AdapterFactory = sequenceAdapter(&seq)
	cfg.BatchSize = 4
	cfg.BatchTimeout = time.Hour

	eng, cancel := runEngine(t, cfg)
	require.Eventually(t, func() bool {
		return len(mock.Batches()) >= 1
	}, 3*time.Second, 5*time.Millisecond)
	stopEngine(t, eng, cancel)

	first := mock.Batches()[0]
	require.GreaterOrEqual(t, len(first), cfg.BatchSize)
	require.Equal(t, model.I64(1), first[0].Fields["seq"])
}

func TestEngineFlushesOnTimeout(t *testing.T) {
	var seq atomic.Int64
	mock := &sink.MockSink{}
	store := &mockSessionStore{}

	cfg := testEngineConfig(t, mock, store)
	cfg.AdapterFactory = sequenceAdapter(&seq)
	cfg.BatchSize = 100000
	cfg.BatchTimeout = 30 * time.Millisecond

	eng, cancel := runEngine(t, cfg)
	require.Eventually(t, func() bool {
		return len(mock.Points()) >= 1
	}, 3*time.Second, 5*time.Millisecond)
	stopEngine(t, eng, cancel)
}

func TestEngineRetainsBatchOnSinkFailure(t *testing.T) {
	var seq atomic.Int64
	var writes atomic.Int64
	mock := &sink.MockSink{
		WriteFunc: func(ctx context.Context, batch []model.CanonicalPoint) error {
			if writes.Add(1) <= 2 {
				return errors.New("influx unavailable")
			}
			return nil
		},
	}
	store := &mockSessionStore{}

	cfg := testEngineConfig(t, mock, store)
	cfg.AdapterFactory = sequenceAdapter(&seq)
	cfg.BatchSize = 3
	cfg.BatchTimeout = time.Hour
	cfg.BufferCap = 100000

	eng, cancel := runEngine(t, cfg)
	require.Eventually(t, func() bool {
		return len(mock.Batches()) >= 1
	}, 3*time.Second, 5*time.Millisecond)
	stopEngine(t, eng, cancel)

	// The failed batches were retained, so the first successful write
	// carries them and nothing is written twice.
	first := mock.Batches()[0]
	require.GreaterOrEqual(t, len(first), cfg.BatchSize)
	require.Equal(t, model.I64(1), first[0].Fields["seq"])

	seen := map[int64]bool{}
	for _, p := range mock.Points() {
		v := p.Fields["seq"].I64()
		require.False(t, seen[v], "value %d written twice", v)
		seen[v] = true
	}
	require.GreaterOrEqual(t, eng.Snapshot().ErrorCount, int64(2))
}

func TestEngineDropsOldestOnOverflow(t *testing.T) {
	var seq atomic.Int64
	mock := &sink.MockSink{}
	store := &mockSessionStore{}

	cfg := testEngineConfig(t, mock, store)
	cfg.AdapterFactory = sequenceAdapter(&seq)
	cfg.BatchSize = 100000
	cfg.BatchTimeout = time.Hour
	cfg.BufferCap = 5

	eng, cancel := runEngine(t, cfg)
	require.Eventually(t, func() bool {
		return eng.Snapshot().DroppedRecords > 0
	}, 3*time.Second, 5*time.Millisecond)
	stopEngine(t, eng, cancel)

	// The terminal flush writes only what survived the cap.
	for _, b := range mock.Batches() {
		require.LessOrEqual(t, len(b), cfg.BufferCap)
	}
}

func TestEngineShutdownFinishesSession(t *testing.T) {
	var seq atomic.Int64
	mock := &sink.MockSink{}
	store := &mockSessionStore{}

	var disconnected atomic.Bool
	mock.DisconnectFunc = func() { disconnected.Store(true) }

	cfg := testEngineConfig(t, mock, store)
	cfg.AdapterFactory = sequenceAdapter(&seq)
	cfg.BatchSize = 100000
	cfg.BatchTimeout = time.Hour

	eng, cancel := runEngine(t, cfg)
	require.Eventually(t, func() bool {
		return eng.Snapshot().PointsRead >= 3
	}, 3*time.Second, 5*time.Millisecond)
	stopEngine(t, eng, cancel)

	// Readings still buffered at cancellation reach the sink once.
	require.NotEmpty(t, mock.Points())
	require.True(t, disconnected.Load())

	finishes := store.finished()
	require.Len(t, finishes, 1)
	require.EqualValues(t, 42, finishes[0].sessionID)
	require.Equal(t, model.SessionStopped, finishes[0].status)
	require.Empty(t, finishes[0].errorMessage)

	keys := store.metadataKeys()
	require.True(t, keys["summary"])
	require.True(t, keys["device_health"])
}

func TestEngineHealthSnapshots(t *testing.T) {
	var seq atomic.Int64
	mock := &sink.MockSink{}
	store := &mockSessionStore{}

	cfg := testEngineConfig(t, mock, store)
	cfg.AdapterFactory = sequenceAdapter(&seq)
	cfg.BatchTimeout = time.Hour
	cfg.BatchSize = 100000

	eng, cancel := runEngine(t, cfg)
	require.Eventually(t, func() bool {
		return store.metadataKeys()["device_health"]
	}, 3*time.Second, 10*time.Millisecond)

	snap := eng.Snapshot()
	require.Equal(t, model.StatusHealthy, snap.DeviceHealth["press01"].Status)
	stopEngine(t, eng, cancel)
}

func TestEngineSinkConnectFailure(t *testing.T) {
	mock := &sink.MockSink{
		ConnectFunc: func(ctx context.Context) error {
			return errors.New("unreachable")
		},
	}
	store := &mockSessionStore{}

	cfg := testEngineConfig(t, mock, store)
	cfg.AdapterFactory = sequenceAdapter(&atomic.Int64{})

	eng, err := New(cfg)
	require.NoError(t, err)
	err = eng.Run(context.Background())
	require.ErrorContains(t, err, "failed to connect sink")

	finishes := store.finished()
	require.Len(t, finishes, 1)
	require.Equal(t, model.SessionError, finishes[0].status)
	require.Contains(t, finishes[0].errorMessage, "unreachable")
}

func TestEngineConfigDefaults(t *testing.T) {
	cfg := testEngineConfig(t, &sink.MockSink{}, &mockSessionStore{})
	cfg.PollInterval = 0
	require.NoError(t, cfg.Validate())

	require.Equal(t, 50, cfg.BatchSize)
	require.Equal(t, 5*time.Second, cfg.BatchTimeout)
	require.Equal(t, 3, cfg.MaxReconnect)
	require.Equal(t, time.Second, cfg.PollInterval)
	require.Equal(t, 10*time.Second, cfg.CallTimeout)
	require.Equal(t, 500, cfg.BufferCap)
	require.NotNil(t, cfg.AdapterFactory)
	require.NotNil(t, cfg.Clock)
}
