package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

// stubStrategy is a minimal Strategy implementation used in registry tests.
type stubStrategy struct {
	name    string
	signals []domain.Signal
}

func (s *stubStrategy) Name() string                           { return s.name }
func (s *stubStrategy) Init(_ context.Context, _ *Host) error { return nil }
func (s *stubStrategy) OnBars(_ context.Context, _ domain.TradeBars) ([]domain.Signal, error) {
	out := s.signals
	s.signals = nil
	return out, nil
}
func (s *stubStrategy) OnTicks(_ context.Context, _ domain.Ticks) ([]domain.Signal, error) {
	return nil, nil
}
func (s *stubStrategy) OnData(_ context.Context, _ domain.DataPoint) ([]domain.Signal, error) {
	return nil, nil
}

func stubFactory(name string) Factory {
	return func(map[string]float64) (Strategy, error) { return &stubStrategy{name: name}, nil }
}

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	r.Register("test-strategy", stubFactory("test-strategy"))

	got, err := r.New("test-strategy", nil)
	require.NoError(t, err)
	assert.Equal(t, "test-strategy", got.Name())
}

func TestRegistryNew_NotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.New("nonexistent", nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestRegistryNew_FactoryError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("bad params")
	r.Register("broken", func(map[string]float64) (Strategy, error) { return nil, boom })
	_, err := r.New("broken", nil)
	assert.ErrorIs(t, err, boom)
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register("beta", stubFactory("beta"))
	r.Register("alpha", stubFactory("alpha"))

	// List returns sorted names.
	assert.Equal(t, []string{"alpha", "beta"}, r.List())
}

func TestParam(t *testing.T) {
	params := map[string]float64{"short": 5}
	assert.Equal(t, 5.0, Param(params, "short", 10))
	assert.Equal(t, 30.0, Param(params, "long", 30), "missing keys take the default")
	assert.Equal(t, 1.0, Param(nil, "x", 1))
}
