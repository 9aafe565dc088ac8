package storagemock

import (
	"context"

	"github.com/raterudder/energycost/pkg/storage"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) Save(ctx context.Context, key, value string) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockDatabase) Load(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.String(0), args.Bool(1), args.Error(2)
	}
	return "", false, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
