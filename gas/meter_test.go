package gas

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystonechain/keystone/ledgererrors"
)

func TestConsume(t *testing.T) {
	m := NewMeter(100)
	require.NoError(t, m.Consume(40))
	require.NoError(t, m.Consume(60))
	require.Equal(t, uint64(100), m.Used())
	require.Equal(t, uint64(0), m.Remaining())
	require.True(t, m.Exhausted())
}

func TestConsumePinsAtLimit(t *testing.T) {
	m := NewMeter(100)
	require.NoError(t, m.Consume(90))
	err := m.Consume(20)
	require.ErrorIs(t, err, ledgererrors.ErrGOutOfGas)
	// the failing charge pins usage to the ceiling, never beyond it
	require.Equal(t, uint64(100), m.Used())
	require.True(t, m.Exhausted())
	// once exhausted, any further charge fails
	require.ErrorIs(t, m.Consume(1), ledgererrors.ErrGOutOfGas)
	require.Equal(t, uint64(100), m.Used())
}

func TestConsumeOverflowProof(t *testing.T) {
	m := NewMeter(^uint64(0))
	require.NoError(t, m.Consume(^uint64(0) - 1))
	require.ErrorIs(t, m.Consume(2), ledgererrors.ErrGOutOfGas)
	require.Equal(t, ^uint64(0), m.Used())
}

func TestCanConsume(t *testing.T) {
	m := NewMeter(10)
	require.True(t, m.CanConsume(10))
	require.False(t, m.CanConsume(11))
	require.NoError(t, m.Consume(5))
	require.False(t, m.CanConsume(6))
}

func TestMulCost(t *testing.T) {
	require.Equal(t, uint64(15), MulCost(5, 3))
	require.Equal(t, uint64(0), MulCost(5, 0))
	// saturates instead of wrapping
	require.Equal(t, ^uint64(0), MulCost(^uint64(0), 2))
}
