package ledger

import "strconv"

// Status is the outcome of one delivered transaction.
type Status uint8

const (
	StatusAccepted Status = iota
	StatusRejected
	StatusOutOfGas
	StatusTrap
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusOutOfGas:
		return "out_of_gas"
	case StatusTrap:
		return "trap"
	default:
		return "unknown"
	}
}

// Event is an observable emission: either raised by sandboxed code through
// emit_event, or synthesized per transaction result. Every transaction,
// success or failure, produces a result event; none disappears silently.
type Event struct {
	Kind  string
	Data  []byte
	Attrs map[string]string
}

// ExecutionResult records one transaction's outcome, its machine-readable
// reason code, gas consumed, and the events it emitted - regardless of
// whether it was accepted. GasUsed is the budget actually burned;
// GasCharged is the amount to bill, which the chain may waive for failed
// transactions via charge_failed_tx.
type ExecutionResult struct {
	Status     Status
	Reason     string // ledgererrors code, empty on acceptance
	GasUsed    uint64
	GasCharged uint64
	Events     []Event
}

func resultEvent(index int, res ExecutionResult) Event {
	attrs := map[string]string{
		"status":  res.Status.String(),
		"gas":     strconv.FormatUint(res.GasUsed, 10),
		"charged": strconv.FormatUint(res.GasCharged, 10),
		"index":   strconv.Itoa(index),
	}
	if res.Reason != "" {
		attrs["reason"] = res.Reason
	}
	return Event{Kind: "tx_result", Attrs: attrs}
}
