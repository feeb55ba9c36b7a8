package svm

import "encoding/binary"

// Assembler builds code blobs instruction by instruction. It exists for
// tests, genesis tooling, and fixtures; production predicate code arrives
// as prebuilt blobs.
type Assembler struct {
	buf []byte
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Pos returns the offset the next instruction will occupy, usable as a
// branch or jump target.
func (a *Assembler) Pos() uint32 {
	return uint32(len(a.buf))
}

func (a *Assembler) op(op byte, operands ...byte) *Assembler {
	a.buf = append(a.buf, op)
	a.buf = append(a.buf, operands...)
	return a
}

func imm32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func imm64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func (a *Assembler) Trap() *Assembler { return a.op(TRAP) }
func (a *Assembler) Halt() *Assembler { return a.op(HALT) }

func (a *Assembler) ECalli(id uint32) *Assembler {
	return a.op(ECALLI, imm32(id)...)
}

func (a *Assembler) LoadImm(r byte, v uint32) *Assembler {
	return a.op(LOAD_IMM, append([]byte{r}, imm32(v)...)...)
}

func (a *Assembler) LoadImm64(r byte, v uint64) *Assembler {
	return a.op(LOAD_IMM64, append([]byte{r}, imm64(v)...)...)
}

func (a *Assembler) Mov(ra, rb byte) *Assembler {
	return a.op(MOV, ra, rb)
}

// Arith emits one of the three-register arithmetic/logic opcodes.
func (a *Assembler) Arith(op byte, ra, rb, rc byte) *Assembler {
	return a.op(op, ra, rb, rc)
}

func (a *Assembler) AddImm(ra, rb byte, v uint32) *Assembler {
	return a.op(ADD_IMM, append([]byte{ra, rb}, imm32(v)...)...)
}

// Branch emits a conditional branch to an absolute code offset.
func (a *Assembler) Branch(op byte, ra, rb byte, target uint32) *Assembler {
	return a.op(op, append([]byte{ra, rb}, imm32(target)...)...)
}

func (a *Assembler) Jump(target uint32) *Assembler {
	return a.op(JUMP, imm32(target)...)
}

func (a *Assembler) Load(op byte, ra, rb byte, offset uint32) *Assembler {
	return a.op(op, append([]byte{ra, rb}, imm32(offset)...)...)
}

func (a *Assembler) Store(op byte, ra, rb byte, offset uint32) *Assembler {
	return a.op(op, append([]byte{ra, rb}, imm32(offset)...)...)
}

// WriteMem lays raw bytes into memory at addr using r12 as scratch.
func (a *Assembler) WriteMem(addr uint32, data []byte) *Assembler {
	const scratch = 12
	a.LoadImm(11, addr)
	off := uint32(0)
	for len(data)-int(off) >= 8 {
		a.LoadImm64(scratch, binary.LittleEndian.Uint64(data[off:]))
		a.Store(STORE_U64, scratch, 11, off)
		off += 8
	}
	for int(off) < len(data) {
		a.LoadImm64(scratch, uint64(data[off]))
		a.Store(STORE_U8, scratch, 11, off)
		off++
	}
	return a
}

// Seal frames the assembled code into a validated blob format.
func (a *Assembler) Seal() []byte {
	return Seal(a.buf)
}
