// Package svm implements the deterministic execution sandbox: a register
// bytecode machine with bounded linear memory, per-instruction gas charging,
// and an enumerated host-call surface. Transaction code and validity
// predicate code both target this machine.
package svm

import (
	"bytes"
	"fmt"

	"github.com/keystonechain/keystone/ledgererrors"
)

// Code blob framing. The magic and version are checked before anything else
// so foreign or stale blobs fail fast.
var codeMagic = []byte("KST1")

const codeVersion = 1

// NumRegs is the register file size.
const NumRegs = 13

// Opcodes.
const (
	TRAP   = 0x00
	HALT   = 0x01
	ECALLI = 0x02

	LOAD_IMM   = 0x10
	LOAD_IMM64 = 0x11
	MOV        = 0x12

	ADD  = 0x20
	SUB  = 0x21
	MUL  = 0x22
	DIVU = 0x23
	REMU = 0x24
	AND  = 0x25
	OR   = 0x26
	XOR  = 0x27
	SHLO = 0x28
	SHRL = 0x29

	ADD_IMM = 0x2A

	BRANCH_EQ   = 0x30
	BRANCH_NE   = 0x31
	BRANCH_LT_U = 0x32
	BRANCH_GE_U = 0x33
	JUMP        = 0x34

	LOAD_U8  = 0x40
	LOAD_U32 = 0x41
	LOAD_U64 = 0x42

	STORE_U8  = 0x43
	STORE_U32 = 0x44
	STORE_U64 = 0x45
)

// Operand shapes.
const (
	shapeNone      = iota // no operands
	shapeImm32            // imm u32
	shapeReg              // ra
	shapeRegImm32         // ra, imm u32
	shapeRegImm64         // ra, imm u64
	shapeRegReg           // ra, rb
	shapeRegRegReg        // ra, rb, rc
	shapeRegRegImm        // ra, rb, imm u32
)

type opInfo struct {
	name  string
	shape int
}

var opTable = map[byte]opInfo{
	TRAP:        {"trap", shapeNone},
	HALT:        {"halt", shapeNone},
	ECALLI:      {"ecalli", shapeImm32},
	LOAD_IMM:    {"load_imm", shapeRegImm32},
	LOAD_IMM64:  {"load_imm64", shapeRegImm64},
	MOV:         {"mov", shapeRegReg},
	ADD:         {"add", shapeRegRegReg},
	SUB:         {"sub", shapeRegRegReg},
	MUL:         {"mul", shapeRegRegReg},
	DIVU:        {"divu", shapeRegRegReg},
	REMU:        {"remu", shapeRegRegReg},
	AND:         {"and", shapeRegRegReg},
	OR:          {"or", shapeRegRegReg},
	XOR:         {"xor", shapeRegRegReg},
	SHLO:        {"shlo", shapeRegRegReg},
	SHRL:        {"shrl", shapeRegRegReg},
	ADD_IMM:     {"add_imm", shapeRegRegImm},
	BRANCH_EQ:   {"branch_eq", shapeRegRegImm},
	BRANCH_NE:   {"branch_ne", shapeRegRegImm},
	BRANCH_LT_U: {"branch_lt_u", shapeRegRegImm},
	BRANCH_GE_U: {"branch_ge_u", shapeRegRegImm},
	JUMP:        {"jump", shapeImm32},
	LOAD_U8:     {"load_u8", shapeRegRegImm},
	LOAD_U32:    {"load_u32", shapeRegRegImm},
	LOAD_U64:    {"load_u64", shapeRegRegImm},
	STORE_U8:    {"store_u8", shapeRegRegImm},
	STORE_U32:   {"store_u32", shapeRegRegImm},
	STORE_U64:   {"store_u64", shapeRegRegImm},
}

func operandLen(shape int) int {
	switch shape {
	case shapeNone:
		return 0
	case shapeImm32:
		return 4
	case shapeReg:
		return 1
	case shapeRegImm32:
		return 5
	case shapeRegImm64:
		return 9
	case shapeRegReg:
		return 2
	case shapeRegRegReg:
		return 3
	case shapeRegRegImm:
		return 6
	default:
		panic("unknown operand shape")
	}
}

// Code is a validated program: raw instruction bytes plus the set of valid
// instruction boundaries.
type Code struct {
	raw        []byte
	boundaries map[uint64]struct{}
}

// Len returns the code section length in bytes.
func (c *Code) Len() int {
	return len(c.raw)
}

// IsBoundary reports whether pc starts an instruction.
func (c *Code) IsBoundary(pc uint64) bool {
	_, ok := c.boundaries[pc]
	return ok
}

// Validate performs the fail-fast static pass over a code blob: framing,
// opcode set, operand completeness, register indices, and jump targets are
// all checked before the first instruction runs. Malformed code never
// executes.
func Validate(blob []byte, maxCodeSize uint32) (*Code, error) {
	if len(blob) < len(codeMagic)+1 {
		return nil, fmt.Errorf("%w: blob of %d bytes", ledgererrors.ErrSBadMagic, len(blob))
	}
	if !bytes.Equal(blob[:len(codeMagic)], codeMagic) {
		return nil, ledgererrors.ErrSBadMagic
	}
	if blob[len(codeMagic)] != codeVersion {
		return nil, fmt.Errorf("%w: code version %d", ledgererrors.ErrSBadMagic, blob[len(codeMagic)])
	}
	raw := blob[len(codeMagic)+1:]
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty code section", ledgererrors.ErrSMalformedCode)
	}
	if uint32(len(raw)) > maxCodeSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ledgererrors.ErrSCodeTooLarge, len(raw), maxCodeSize)
	}

	code := &Code{raw: raw, boundaries: make(map[uint64]struct{})}
	var targets []uint64

	pc := uint64(0)
	for pc < uint64(len(raw)) {
		op := raw[pc]
		info, ok := opTable[op]
		if !ok {
			return nil, fmt.Errorf("%w: opcode 0x%02x at pc %d", ledgererrors.ErrSUnknownOpcode, op, pc)
		}
		olen := uint64(operandLen(info.shape))
		if pc+1+olen > uint64(len(raw)) {
			return nil, fmt.Errorf("%w: truncated %s at pc %d", ledgererrors.ErrSMalformedCode, info.name, pc)
		}
		operands := raw[pc+1 : pc+1+olen]
		if err := checkRegs(info.shape, operands); err != nil {
			return nil, fmt.Errorf("%w: %s at pc %d: %v", ledgererrors.ErrSMalformedCode, info.name, pc, err)
		}
		code.boundaries[pc] = struct{}{}

		switch op {
		case JUMP:
			targets = append(targets, uint64(leU32(operands[0:4])))
		case BRANCH_EQ, BRANCH_NE, BRANCH_LT_U, BRANCH_GE_U:
			targets = append(targets, uint64(leU32(operands[2:6])))
		}
		pc += 1 + olen
	}

	for _, target := range targets {
		if !code.IsBoundary(target) {
			return nil, fmt.Errorf("%w: target %d", ledgererrors.ErrSBadJumpTarget, target)
		}
	}
	return code, nil
}

func checkRegs(shape int, operands []byte) error {
	var regCount int
	switch shape {
	case shapeReg, shapeRegImm32, shapeRegImm64:
		regCount = 1
	case shapeRegReg, shapeRegRegImm:
		regCount = 2
	case shapeRegRegReg:
		regCount = 3
	}
	for i := 0; i < regCount; i++ {
		if operands[i] >= NumRegs {
			return fmt.Errorf("register r%d out of range", operands[i])
		}
	}
	return nil
}

// Seal frames raw instruction bytes into a code blob.
func Seal(raw []byte) []byte {
	blob := make([]byte, 0, len(codeMagic)+1+len(raw))
	blob = append(blob, codeMagic...)
	blob = append(blob, codeVersion)
	blob = append(blob, raw...)
	return blob
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leU64(b []byte) uint64 {
	return uint64(leU32(b[0:4])) | uint64(leU32(b[4:8]))<<32
}
