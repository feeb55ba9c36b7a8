package svm

import (
	"encoding/binary"
)

// Host-call and memory result codes, at the top of the uint64 range so they
// never collide with ordinary lengths or values.
const (
	NONE = (1 << 64) - 1 // item does not exist
	WHAT = (1 << 64) - 2 // name unknown
	OOB  = (1 << 64) - 3 // out-of-bounds access
	WHO  = (1 << 64) - 4 // operation not allowed in this context
	OK   = 0
)

// RAM is the sandbox's single bounded linear memory. All accesses are
// bounds-checked; an access past the ceiling returns OOB and the caller
// traps. There is no host memory reachable from here.
type RAM struct {
	data []byte
}

// NewRAM allocates a zeroed linear memory of the given size.
func NewRAM(size uint32) *RAM {
	return &RAM{data: make([]byte, size)}
}

// Size returns the memory ceiling in bytes.
func (r *RAM) Size() uint32 {
	return uint32(len(r.data))
}

func (r *RAM) inBounds(addr uint32, n uint32) bool {
	end := uint64(addr) + uint64(n)
	return end <= uint64(len(r.data))
}

// ReadBytes copies n bytes starting at addr.
func (r *RAM) ReadBytes(addr uint32, n uint32) ([]byte, uint64) {
	if !r.inBounds(addr, n) {
		return nil, OOB
	}
	out := make([]byte, n)
	copy(out, r.data[addr:addr+n])
	return out, OK
}

// WriteBytes copies b into memory at addr.
func (r *RAM) WriteBytes(addr uint32, b []byte) uint64 {
	if !r.inBounds(addr, uint32(len(b))) {
		return OOB
	}
	copy(r.data[addr:], b)
	return OK
}

func (r *RAM) ReadU8(addr uint32) (uint64, uint64) {
	if !r.inBounds(addr, 1) {
		return 0, OOB
	}
	return uint64(r.data[addr]), OK
}

func (r *RAM) ReadU32(addr uint32) (uint64, uint64) {
	if !r.inBounds(addr, 4) {
		return 0, OOB
	}
	return uint64(binary.LittleEndian.Uint32(r.data[addr:])), OK
}

func (r *RAM) ReadU64(addr uint32) (uint64, uint64) {
	if !r.inBounds(addr, 8) {
		return 0, OOB
	}
	return binary.LittleEndian.Uint64(r.data[addr:]), OK
}

func (r *RAM) WriteU8(addr uint32, v uint8) uint64 {
	if !r.inBounds(addr, 1) {
		return OOB
	}
	r.data[addr] = v
	return OK
}

func (r *RAM) WriteU32(addr uint32, v uint32) uint64 {
	if !r.inBounds(addr, 4) {
		return OOB
	}
	binary.LittleEndian.PutUint32(r.data[addr:], v)
	return OK
}

func (r *RAM) WriteU64(addr uint32, v uint64) uint64 {
	if !r.inBounds(addr, 8) {
		return OOB
	}
	binary.LittleEndian.PutUint64(r.data[addr:], v)
	return OK
}
