// Package params holds the process-wide chain parameters: the gas cost
// table, sandbox limits, and store retention policy. Parameters are loaded
// once at startup and treated as immutable for the life of a running chain;
// changing them changes consensus rules and is gated by FormatVersion.
package params

import (
	"encoding/json"
	"fmt"
	"os"
)

// ChainParamsFormatVersion gates persisted chainspec compatibility. A
// mismatch at load time is a hard error, never a silent default.
const ChainParamsFormatVersion = 1

// Default predicate policies for accounts with no registered predicate code.
const (
	DefaultPredicateSignature = "signature" // baseline signature check (documented in ledger)
	DefaultPredicateReject    = "reject"    // no predicate means no writes
)

// GasTable assigns a fixed, statically known cost to every unit of sandbox
// work. All costs are consensus parameters.
type GasTable struct {
	Instruction      uint64 `json:"instruction"`        // per executed instruction
	HostCallBase     uint64 `json:"host_call_base"`     // flat cost of entering any host call
	StorageReadByte  uint64 `json:"storage_read_byte"`  // per byte of key+value read
	StorageWriteByte uint64 `json:"storage_write_byte"` // per byte of key+value written
	IterNextByte     uint64 `json:"iter_next_byte"`     // per byte yielded by prefix iteration
	VerifySignature  uint64 `json:"verify_signature"`   // per signature verification
	EmitEventByte    uint64 `json:"emit_event_byte"`    // per byte of emitted event payload
}

// ChainParams is the full consensus-parameter set.
type ChainParams struct {
	FormatVersion    int      `json:"format_version"`
	ChainID          string   `json:"chain_id"`
	MaxCodeSize      uint32   `json:"max_code_size"`     // sandbox code blob ceiling, bytes
	MemoryBytes      uint32   `json:"memory_bytes"`      // sandbox linear memory ceiling, bytes
	StepLimit        uint64   `json:"step_limit"`        // hard instruction ceiling independent of gas
	TxGasLimit       uint64   `json:"tx_gas_limit"`      // per-transaction gas budget
	RetentionWindow  uint64   `json:"retention_window"`  // historical roots kept, in blocks
	DefaultPredicate string   `json:"default_predicate"` // policy for accounts without predicate code
	ChargeFailedTx   bool     `json:"charge_failed_tx"`  // whether failed execution still spends gas
	Gas              GasTable `json:"gas"`
}

// DefaultGasTable returns the flat development cost table.
func DefaultGasTable() GasTable {
	return GasTable{
		Instruction:      1,
		HostCallBase:     10,
		StorageReadByte:  1,
		StorageWriteByte: 5,
		IterNextByte:     1,
		VerifySignature:  1000,
		EmitEventByte:    2,
	}
}

// DefaultParams returns the development parameter set.
func DefaultParams() *ChainParams {
	return &ChainParams{
		FormatVersion:    ChainParamsFormatVersion,
		ChainID:          "keystone-dev",
		MaxCodeSize:      1 << 20,
		MemoryBytes:      1 << 20,
		StepLimit:        1 << 24,
		TxGasLimit:       10_000_000,
		RetentionWindow:  256,
		DefaultPredicate: DefaultPredicateSignature,
		ChargeFailedTx:   true,
		Gas:              DefaultGasTable(),
	}
}

// LoadParams reads a chainspec JSON file and validates it.
func LoadParams(path string) (*ChainParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chainspec %s: %w", path, err)
	}
	return ParseParams(data)
}

// ParseParams decodes and validates chainspec JSON.
func ParseParams(data []byte) (*ChainParams, error) {
	var p ChainParams
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse chainspec: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate rejects chainspecs this binary cannot honor.
func (p *ChainParams) Validate() error {
	if p.FormatVersion != ChainParamsFormatVersion {
		return fmt.Errorf("chainspec format version %d, want %d", p.FormatVersion, ChainParamsFormatVersion)
	}
	if p.ChainID == "" {
		return fmt.Errorf("chainspec missing chain_id")
	}
	if p.MemoryBytes == 0 || p.MaxCodeSize == 0 {
		return fmt.Errorf("chainspec sandbox limits must be nonzero")
	}
	if p.TxGasLimit == 0 || p.StepLimit == 0 {
		return fmt.Errorf("chainspec gas and step limits must be nonzero")
	}
	if p.RetentionWindow == 0 {
		return fmt.Errorf("chainspec retention window must be nonzero")
	}
	switch p.DefaultPredicate {
	case DefaultPredicateSignature, DefaultPredicateReject:
	default:
		return fmt.Errorf("unknown default predicate policy %q", p.DefaultPredicate)
	}
	return nil
}
