package sink

import (
	"context"
	"sync"

	"github.com/stratumsix/fieldgate/pkg/model"
)

// MockSink is a function-backed Sink for tests. It records every batch that
// reached a successful Write.
type MockSink struct {
	ConnectFunc    func(ctx context.Context) error
	WriteFunc      func(ctx context.Context, batch []model.CanonicalPoint) error
	HealthFunc     func(ctx context.Context) bool
	DisconnectFunc func()

	mu      sync.Mutex
	batches [][]model.CanonicalPoint
}

func (m *MockSink) Connect(ctx context.Context) error {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx)
	}
	return nil
}

func (m *MockSink) Write(ctx context.Context, batch []model.CanonicalPoint) error {
	if m.WriteFunc != nil {
		if err := m.WriteFunc(ctx, batch); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]model.CanonicalPoint(nil), batch...))
	return nil
}

func (m *MockSink) Health(ctx context.Context) bool {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return true
}

func (m *MockSink) Disconnect() {
	if m.DisconnectFunc != nil {
		m.DisconnectFunc()
	}
}

// Batches returns a copy of the successfully written batches.
func (m *MockSink) Batches() [][]model.CanonicalPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]model.CanonicalPoint(nil), m.batches...)
}

// Points flattens every written batch into one slice.
func (m *MockSink) Points() []model.CanonicalPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CanonicalPoint
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}
