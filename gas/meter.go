// Package gas implements the per-transaction gas accountant: one strictly
// increasing counter shared by transaction code and every validity
// predicate it triggers, compared against a fixed ceiling.
package gas

import (
	"math"

	"github.com/keystonechain/keystone/ledgererrors"
)

// Meter is a single transaction's gas budget. Not safe for concurrent use;
// execution is single-threaded by construction.
type Meter struct {
	limit uint64
	used  uint64
}

// NewMeter creates a meter with the given ceiling.
func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit}
}

// Consume charges cost against the budget. The check happens before the
// charge lands: on exhaustion the counter pins to the ceiling and
// ErrGOutOfGas is returned, so no work is ever performed past the limit.
func (m *Meter) Consume(cost uint64) error {
	if cost > m.limit-m.used {
		m.used = m.limit
		return ledgererrors.ErrGOutOfGas
	}
	m.used += cost
	return nil
}

// CanConsume reports whether cost fits in the remaining budget without
// charging it.
func (m *Meter) CanConsume(cost uint64) bool {
	return cost <= m.limit-m.used
}

// Used returns gas consumed so far. Never decreases.
func (m *Meter) Used() uint64 {
	return m.used
}

// Limit returns the ceiling.
func (m *Meter) Limit() uint64 {
	return m.limit
}

// Remaining returns the unspent budget.
func (m *Meter) Remaining() uint64 {
	return m.limit - m.used
}

// Exhausted reports whether the ceiling has been hit.
func (m *Meter) Exhausted() bool {
	return m.used >= m.limit
}

// MulCost multiplies a per-unit cost by a byte count, saturating instead of
// wrapping so oversized inputs always exhaust the meter.
func MulCost(perUnit uint64, units int) uint64 {
	if perUnit == 0 || units <= 0 {
		return 0
	}
	u := uint64(units)
	if perUnit > math.MaxUint64/u {
		return math.MaxUint64
	}
	return perUnit * u
}
