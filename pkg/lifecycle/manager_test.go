package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratumsix/fieldgate/pkg/engine"
	"github.com/stratumsix/fieldgate/pkg/model"
	"github.com/stratumsix/fieldgate/pkg/protocol"
	"github.com/stratumsix/fieldgate/pkg/sink"
)

type memoryStore struct {
	mu        sync.Mutex
	nextID    int64
	sessions  map[int64]model.Session
	deleted   []int64
	createErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: map[int64]model.Session{}}
}

func (s *memoryStore) Create(ctx context.Context, taskID int64, runnerHandle string, metadata map[string]any) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return model.Session{}, s.createErr
	}
	s.nextID++
	sess := model.Session{
		ID:           s.nextID,
		TaskID:       taskID,
		RunnerHandle: runnerHandle,
		Status:       model.SessionRunning,
		StartedAt:    time.Now(),
		Metadata:     metadata,
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *memoryStore) Get(ctx context.Context, sessionID int64) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return model.Session{}, errors.New("session not found")
	}
	return sess, nil
}

func (s *memoryStore) Finish(ctx context.Context, sessionID int64, status model.SessionStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Status != model.SessionRunning {
		return nil
	}
	now := time.Now()
	sess.Status = status
	sess.StoppedAt = &now
	sess.ErrorMessage = errorMessage
	s.sessions[sessionID] = sess
	return nil
}

func (s *memoryStore) MergeMetadata(ctx context.Context, sessionID int64, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return errors.New("session not found")
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	for k, v := range patch {
		sess.Metadata[k] = v
	}
	s.sessions[sessionID] = sess
	return nil
}

func (s *memoryStore) RunningSessions(ctx context.Context) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Session
	for _, sess := range s.sessions {
		if sess.Status == model.SessionRunning {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *memoryStore) Delete(ctx context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	s.deleted = append(s.deleted, sessionID)
	return nil
}

func (s *memoryStore) status(t *testing.T, id int64) model.SessionStatus {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id].Status
}

type staticLoader struct {
	task model.Task
	err  error
}

func (l *staticLoader) LoadTask(ctx context.Context, taskID int64) (model.Task, error) {
	if l.err != nil {
		return model.Task{}, l.err
	}
	return l.task, nil
}

func managerTask() model.Task {
	return model.Task{
		ID:   7,
		Code: "line-a",
		Devices: []model.Device{{
			Code:     "press01",
			Protocol: model.ProtocolModbusTCP,
			Host:     "10.0.0.10",
			Points: []model.Point{
				{Code: "temp", Address: "40001", Type: model.TypeI16},
				{Code: "rpm", Address: "40002", Type: model.TypeI16},
			},
		}},
	}
}

func goodAdapterFactory() engine.AdapterFactory {
	return func(device model.Device) (protocol.Adapter, error) {
		return &protocol.MockAdapter{
			ReadPointsFunc: func(ctx context.Context, points []model.Point) ([]model.Reading, error) {
				readings := make([]model.Reading, len(points))
				for i, p := range points {
					readings[i] = model.Reading{
						Code:        p.Code,
						Value:       model.I64(int64(i)),
						TimestampNS: time.Now().UnixNano(),
						Quality:     model.QualityGood,
					}
				}
				return readings, nil
			},
		}, nil
	}
}

func newTestManager(t *testing.T, store *memoryStore, loader TaskLoader, factory engine.AdapterFactory, mock *sink.MockSink) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Logger:         slog.New(slog.DiscardHandler),
		Store:          store,
		Tasks:          loader,
		AdapterFactory: factory,
		NewSink:        func() (sink.Sink, error) { return mock, nil },
		PollInterval:   5 * time.Millisecond,
		BatchTimeout:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
	})
	return m
}

func TestManagerStartStop(t *testing.T) {
	store := newMemoryStore()
	mock := &sink.MockSink{}
	m := newTestManager(t, store, &staticLoader{task: managerTask()}, goodAdapterFactory(), mock)

	result, err := m.Start(context.Background(), 7)
	require.NoError(t, err)
	require.NotZero(t, result.SessionID)
	require.NotEmpty(t, result.RunnerHandle)
	require.True(t, result.Validation.Healthy)
	require.Equal(t, DeviceValidation{
		Status:           "healthy",
		Connected:        true,
		TotalPoints:      2,
		SuccessfulPoints: 2,
	}, result.Validation.PerDevice["press01"])
	require.True(t, m.Running(result.SessionID))

	sess, err := store.Get(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Contains(t, sess.Metadata, "startup_validation")

	require.Eventually(t, func() bool {
		return len(mock.Points()) > 0
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(context.Background(), result.SessionID))
	require.Eventually(t, func() bool {
		return store.status(t, result.SessionID) == model.SessionStopped
	}, 3*time.Second, 5*time.Millisecond)
	require.False(t, m.Running(result.SessionID))
}

func TestManagerStartNoDeviceConnected(t *testing.T) {
	store := newMemoryStore()
	factory := func(device model.Device) (protocol.Adapter, error) {
		return &protocol.MockAdapter{
			ConnectFunc: func(ctx context.Context) error { return errors.New("refused") },
		}, nil
	}
	m := newTestManager(t, store, &staticLoader{task: managerTask()}, factory, &sink.MockSink{})

	_, err := m.Start(context.Background(), 7)
	require.ErrorIs(t, err, ErrNoDeviceConnected)
	require.Empty(t, store.sessions)
}

func TestManagerStartDegradedValidation(t *testing.T) {
	store := newMemoryStore()
	factory := func(device model.Device) (protocol.Adapter, error) {
		return &protocol.MockAdapter{
			ReadPointsFunc: func(ctx context.Context, points []model.Point) ([]model.Reading, error) {
				return []model.Reading{
					{Code: "temp", Value: model.I64(1), Quality: model.QualityGood},
					{Code: "rpm", Quality: model.QualityBad, Error: "illegal data address"},
				}, nil
			},
		}, nil
	}
	m := newTestManager(t, store, &staticLoader{task: managerTask()}, factory, &sink.MockSink{})

	result, err := m.Start(context.Background(), 7)
	require.NoError(t, err)
	require.False(t, result.Validation.Healthy)
	require.Equal(t, "degraded", result.Validation.PerDevice["press01"].Status)
	require.Equal(t, []string{"press01/rpm"}, result.Validation.FailedPoints)
}

func TestManagerStartValidationTimeout(t *testing.T) {
	store := newMemoryStore()
	factory := func(device model.Device) (protocol.Adapter, error) {
		return &protocol.MockAdapter{
			ConnectFunc: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}, nil
	}
	m, err := NewManager(Config{
		Logger:            slog.New(slog.DiscardHandler),
		Store:             store,
		Tasks:             &staticLoader{task: managerTask()},
		AdapterFactory:    factory,
		NewSink:           func() (sink.Sink, error) { return &sink.MockSink{}, nil },
		ValidationTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = m.Start(context.Background(), 7)
	require.ErrorIs(t, err, ErrValidationTimeout)
}

func TestManagerStopUnknownSession(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(t, store, &staticLoader{task: managerTask()}, goodAdapterFactory(), &sink.MockSink{})

	require.Error(t, m.Stop(context.Background(), 12345))
}

func TestManagerStopStaleRow(t *testing.T) {
	store := newMemoryStore()
	sess, err := store.Create(context.Background(), 7, "stale-handle", nil)
	require.NoError(t, err)

	m := newTestManager(t, store, &staticLoader{task: managerTask()}, goodAdapterFactory(), &sink.MockSink{})
	require.NoError(t, m.Stop(context.Background(), sess.ID))
	require.Equal(t, model.SessionStopped, store.status(t, sess.ID))
}

func TestManagerStatusLiveAndFinished(t *testing.T) {
	store := newMemoryStore()
	mock := &sink.MockSink{}
	m := newTestManager(t, store, &staticLoader{task: managerTask()}, goodAdapterFactory(), mock)

	result, err := m.Start(context.Background(), 7)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		doc, err := m.Status(context.Background(), result.SessionID)
		return err == nil && doc.PointsRead > 0 && doc.DeviceHealth["press01"].Status == model.StatusHealthy
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(context.Background(), result.SessionID))
	require.Eventually(t, func() bool {
		return !m.Running(result.SessionID)
	}, 3*time.Second, 5*time.Millisecond)

	doc, err := m.Status(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Equal(t, model.SessionStopped, doc.Status)
	require.NotNil(t, doc.StoppedAt)
	require.Greater(t, doc.PointsRead, int64(0))
	require.Equal(t, model.StatusHealthy, doc.DeviceHealth["press01"].Status)
}

func TestManagerTestConnection(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(t, store, &staticLoader{task: managerTask()}, goodAdapterFactory(), &sink.MockSink{})

	res := m.TestConnection(context.Background(), managerTask().Devices[0])
	require.True(t, res.Connected)
	require.True(t, res.Healthy)
	require.Empty(t, res.Error)
	require.Empty(t, store.sessions)
}

func TestManagerTestConnectionFailure(t *testing.T) {
	store := newMemoryStore()
	factory := func(device model.Device) (protocol.Adapter, error) {
		return &protocol.MockAdapter{
			ConnectFunc: func(ctx context.Context) error { return errors.New("refused") },
		}, nil
	}
	m := newTestManager(t, store, &staticLoader{task: managerTask()}, factory, &sink.MockSink{})

	res := m.TestConnection(context.Background(), managerTask().Devices[0])
	require.False(t, res.Connected)
	require.Contains(t, res.Error, "refused")
}

func TestManagerAcquireOnce(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(t, store, &staticLoader{task: managerTask()}, goodAdapterFactory(), &sink.MockSink{})

	readings, err := m.AcquireOnce(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, readings["press01"], 2)
	require.Empty(t, store.sessions)
}

func TestManagerRecover(t *testing.T) {
	store := newMemoryStore()
	stale, err := store.Create(context.Background(), 7, "dead-handle", nil)
	require.NoError(t, err)

	m := newTestManager(t, store, &staticLoader{task: managerTask()}, goodAdapterFactory(), &sink.MockSink{})
	require.NoError(t, m.Recover(context.Background()))

	require.Contains(t, store.deleted, stale.ID)
	running, err := store.RunningSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.NotEqual(t, stale.ID, running[0].ID)
	require.True(t, m.Running(running[0].ID))
}
