package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratumsix/fieldgate/pkg/model"
	"github.com/stratumsix/fieldgate/pkg/protocol"
	"github.com/stratumsix/fieldgate/pkg/sink"
)

func testDevice() model.Device {
	return model.Device{
		Code:     "press01",
		Protocol: model.ProtocolModbusTCP,
		Points: []model.Point{
			{Code: "temp", Address: "40001", Type: model.TypeI16, Name: "temperature", Unit: "C"},
			{Code: "rpm", Address: "40002", Type: model.TypeI16},
		},
	}
}

func testWorkerConfig(t *testing.T, device model.Device) Config {
	t.Helper()
	cfg := Config{
		Logger:            slog.New(slog.DiscardHandler),
		Task:              model.Task{Code: "line-a", Devices: []model.Device{device}},
		SessionID:         1,
		Sink:              &sink.MockSink{},
		Store:             &mockSessionStore{},
		PollInterval:      5 * time.Millisecond,
		BatchTimeout:      time.Hour,
		ConnectionTimeout: time.Hour,
		MaxReconnect:      3,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func drainWorker(out <-chan []model.CanonicalPoint, got *atomic.Int64) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for batch := range out {
			got.Add(int64(len(batch)))
		}
	}()
	return func() { <-done }
}

func TestWorkerReadingsFlow(t *testing.T) {
	device := testDevice()
	adapter := &protocol.MockAdapter{
		ReadPointsFunc: func(ctx context.Context, points []model.Point) ([]model.Reading, error) {
			return []model.Reading{
				{Code: "temp", Value: model.F64(21.5), TimestampNS: time.Now().UnixNano(), Quality: model.QualityGood},
				{Code: "rpm", Value: model.I64(1500), TimestampNS: time.Now().UnixNano(), Quality: model.QualityGood},
			}, nil
		},
	}

	cfg := testWorkerConfig(t, device)
	out := make(chan []model.CanonicalPoint, 16)
	w := newWorker(cfg, device, adapter, out, &counters{})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		require.NoError(t, w.run(ctx))
	}()

	var batch []model.CanonicalPoint
	select {
	case batch = <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("no batch from worker")
	}
	cancel()
	<-runDone

	require.Len(t, batch, 2)
	cp := batch[0]
	require.Equal(t, "press01", cp.Measurement)
	require.Equal(t, "line-a", cp.Tags["site"])
	require.Equal(t, "press01", cp.Tags["device"])
	require.Equal(t, "temp", cp.Tags["point"])
	require.Equal(t, "good", cp.Tags["quality"])
	require.Equal(t, "temperature", cp.Tags["cn_name"])
	require.Equal(t, "C", cp.Tags["unit"])
	require.Equal(t, model.F64(21.5), cp.Fields["temp"])

	require.Equal(t, model.StatusHealthy, w.health.snapshot().Status)
}

func TestWorkerBadReadingsNotForwarded(t *testing.T) {
	device := testDevice()
	adapter := &protocol.MockAdapter{
		ReadPointsFunc: func(ctx context.Context, points []model.Point) ([]model.Reading, error) {
			return []model.Reading{
				{Code: "temp", Value: model.I64(7), TimestampNS: time.Now().UnixNano(), Quality: model.QualityGood},
				{Code: "rpm", Quality: model.QualityBad, Error: "illegal data address"},
			}, nil
		},
	}

	cfg := testWorkerConfig(t, device)
	stats := &counters{}
	out := make(chan []model.CanonicalPoint, 16)
	w := newWorker(cfg, device, adapter, out, stats)

	ctx, cancel := context.WithCancel(context.Background())
	go w.run(ctx)
	defer cancel()

	select {
	case batch := <-out:
		require.Len(t, batch, 1)
		require.Equal(t, "temp", batch[0].Tags["point"])
	case <-time.After(2 * time.Second):
		t.Fatal("no batch from worker")
	}
	require.Contains(t, stats.errorHistory(), "press01/rpm: illegal data address")
}

func TestWorkerReadErrorsCounted(t *testing.T) {
	device := testDevice()
	adapter := &protocol.MockAdapter{
		ReadPointsFunc: func(ctx context.Context, points []model.Point) ([]model.Reading, error) {
			return nil, errors.New("connection reset")
		},
	}

	cfg := testWorkerConfig(t, device)
	stats := &counters{}
	out := make(chan []model.CanonicalPoint, 16)
	w := newWorker(cfg, device, adapter, out, stats)

	ctx, cancel := context.WithCancel(context.Background())
	go w.run(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		return stats.readErrors.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, model.StatusError, w.health.snapshot().Status)
	require.Contains(t, stats.errorHistory(), "connection reset")
}

func TestWorkerMaxReconnectDisconnects(t *testing.T) {
	device := testDevice()
	var attempts atomic.Int64
	adapter := &protocol.MockAdapter{
		ConnectFunc: func(ctx context.Context) error {
			attempts.Add(1)
			return errors.New("connection refused")
		},
	}

	cfg := testWorkerConfig(t, device)
	out := make(chan []model.CanonicalPoint, 16)
	w := newWorker(cfg, device, adapter, out, &counters{})

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		require.NoError(t, w.run(context.Background()))
	}()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not reach disconnected state")
	}
	require.EqualValues(t, cfg.MaxReconnect, attempts.Load())
	require.Equal(t, model.StatusDisconnected, w.health.snapshot().Status)
}

func TestWorkerStaleReadsForceReconnect(t *testing.T) {
	device := testDevice()
	var connects, disconnects atomic.Int64
	adapter := &protocol.MockAdapter{
		ConnectFunc: func(ctx context.Context) error {
			connects.Add(1)
			return nil
		},
		DisconnectFunc: func() {
			disconnects.Add(1)
		},
		ReadPointsFunc: func(ctx context.Context, points []model.Point) ([]model.Reading, error) {
			return nil, errors.New("device busy")
		},
	}

	cfg := testWorkerConfig(t, device)
	cfg.ConnectionTimeout = 30 * time.Millisecond
	out := make(chan []model.CanonicalPoint, 16)
	w := newWorker(cfg, device, adapter, out, &counters{})
	// Arm the staleness anchor as a prior successful cycle would.
	w.health.success(time.Now().UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	go w.run(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		return connects.Load() >= 1 && disconnects.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerRecoversAfterStaleTimeout(t *testing.T) {
	device := testDevice()
	var disconnects atomic.Int64
	adapter := &protocol.MockAdapter{
		DisconnectFunc: func() {
			disconnects.Add(1)
		},
		ReadPointsFunc: func(ctx context.Context, points []model.Point) ([]model.Reading, error) {
			// The device stalls until the worker cycles the connection,
			// then answers normally.
			if disconnects.Load() == 0 {
				return nil, errors.New("device busy")
			}
			return []model.Reading{
				{Code: "temp", Value: model.F64(21.5), TimestampNS: time.Now().UnixNano(), Quality: model.QualityGood},
				{Code: "rpm", Value: model.I64(1500), TimestampNS: time.Now().UnixNano(), Quality: model.QualityGood},
			}, nil
		},
	}

	cfg := testWorkerConfig(t, device)
	cfg.ConnectionTimeout = 30 * time.Millisecond
	out := make(chan []model.CanonicalPoint, 16)
	w := newWorker(cfg, device, adapter, out, &counters{})
	// Arm the staleness anchor as a prior successful cycle would.
	w.health.success(time.Now().UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	go w.run(ctx)
	defer cancel()

	select {
	case batch := <-out:
		require.Len(t, batch, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("no batch after reconnect")
	}
	require.GreaterOrEqual(t, disconnects.Load(), int64(1))
	require.Eventually(t, func() bool {
		return w.health.snapshot().Status == model.StatusHealthy
	}, 2*time.Second, 5*time.Millisecond)
}
