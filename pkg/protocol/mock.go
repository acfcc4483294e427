package protocol

import (
	"context"

	"github.com/stratumsix/fieldgate/pkg/model"
)

// MockAdapter is a function-backed Adapter for tests.
type MockAdapter struct {
	ConnectFunc    func(ctx context.Context) error
	ReadPointsFunc func(ctx context.Context, points []model.Point) ([]model.Reading, error)
	HealthFunc     func(ctx context.Context) bool
	DisconnectFunc func()
}

func (m *MockAdapter) Connect(ctx context.Context) error {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx)
	}
	return nil
}

func (m *MockAdapter) ReadPoints(ctx context.Context, points []model.Point) ([]model.Reading, error) {
	if m.ReadPointsFunc != nil {
		return m.ReadPointsFunc(ctx, points)
	}
	return nil, nil
}

func (m *MockAdapter) Health(ctx context.Context) bool {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return true
}

func (m *MockAdapter) Disconnect() {
	if m.DisconnectFunc != nil {
		m.DisconnectFunc()
	}
}
