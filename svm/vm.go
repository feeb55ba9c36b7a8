package svm

import (
	"fmt"

	"github.com/keystonechain/keystone/gas"
	"github.com/keystonechain/keystone/ledgererrors"
	"github.com/keystonechain/keystone/log"
	"github.com/keystonechain/keystone/params"
)

// Machine states.
const (
	MachineRun   uint8 = iota // executing
	MachineHalt               // regular halt
	MachinePanic              // trap: illegal access, bad instruction
	MachineOOG                // out of gas
)

// InputAddr is where SetInput lays the argument blob; r7/r8 receive its
// address and length before the first instruction.
const InputAddr = 0x1000

// VM is one sandboxed execution: validated code, a bounded linear memory,
// a register file, and a shared gas meter. Execution is single-threaded and
// has no wall-clock dependency; block time reaches code only through the
// host environment.
type VM struct {
	code    *Code
	Ram     *RAM
	regs    [NumRegs]uint64
	pc      uint64
	meter   *gas.Meter
	hostenv HostEnv
	table   *params.GasTable

	steps     uint64
	stepLimit uint64

	MachineState uint8
	TrapCause    error
}

// NewVM prepares an execution of already-validated code. The meter is
// shared across transaction code and predicates; pass the same meter for
// every VM in one transaction.
func NewVM(code *Code, ram *RAM, meter *gas.Meter, hostenv HostEnv, table *params.GasTable, stepLimit uint64) *VM {
	return &VM{
		code:      code,
		Ram:       ram,
		meter:     meter,
		hostenv:   hostenv,
		table:     table,
		stepLimit: stepLimit,
	}
}

// SetInput writes the argument blob into memory and points r7/r8 at it.
func (vm *VM) SetInput(data []byte) error {
	if code := vm.Ram.WriteBytes(InputAddr, data); code != OK {
		return fmt.Errorf("input of %d bytes exceeds sandbox memory", len(data))
	}
	vm.regs[7] = InputAddr
	vm.regs[8] = uint64(len(data))
	return nil
}

func (vm *VM) ReadRegister(i int) uint64 {
	return vm.regs[i]
}

func (vm *VM) WriteRegister(i int, v uint64) {
	vm.regs[i] = v
}

// ReturnCode is the r7 convention: host-call results and program return
// values land there.
func (vm *VM) ReturnCode() uint64 {
	return vm.regs[7]
}

// GasUsed returns the meter's consumed total.
func (vm *VM) GasUsed() uint64 {
	return vm.meter.Used()
}

// Steps returns the number of instructions executed.
func (vm *VM) Steps() uint64 {
	return vm.steps
}

func (vm *VM) trap(cause error) {
	vm.MachineState = MachinePanic
	vm.TrapCause = cause
	log.Debug(log.SandboxMonitoring, "trap", "pc", vm.pc, "cause", cause)
}

// Run executes until halt, trap, or gas exhaustion. The result is a pure
// function of (code, input, host environment, gas budget): two runs with
// identical inputs consume identical gas and halt at the identical
// instruction.
func (vm *VM) Run() {
	for vm.MachineState == MachineRun {
		if vm.steps >= vm.stepLimit {
			vm.trap(ledgererrors.ErrSStepLimit)
			return
		}
		vm.steps++

		if err := vm.meter.Consume(vm.table.Instruction); err != nil {
			vm.MachineState = MachineOOG
			return
		}
		if !vm.code.IsBoundary(vm.pc) {
			vm.trap(fmt.Errorf("%w: pc %d past code", ledgererrors.ErrSTrap, vm.pc))
			return
		}
		vm.step()
	}
}

func (vm *VM) step() {
	op := vm.code.raw[vm.pc]
	info := opTable[op]
	olen := uint64(operandLen(info.shape))
	operands := vm.code.raw[vm.pc+1 : vm.pc+1+olen]
	next := vm.pc + 1 + olen

	switch op {
	case TRAP:
		vm.trap(fmt.Errorf("%w: explicit trap at pc %d", ledgererrors.ErrSTrap, vm.pc))
	case HALT:
		vm.MachineState = MachineHalt

	case ECALLI:
		vm.hostCall(leU32(operands))
		if vm.MachineState == MachineRun {
			vm.pc = next
		}

	case LOAD_IMM:
		vm.regs[operands[0]] = uint64(leU32(operands[1:5]))
		vm.pc = next
	case LOAD_IMM64:
		vm.regs[operands[0]] = leU64(operands[1:9])
		vm.pc = next
	case MOV:
		vm.regs[operands[0]] = vm.regs[operands[1]]
		vm.pc = next

	case ADD, SUB, MUL, DIVU, REMU, AND, OR, XOR, SHLO, SHRL:
		vm.regs[operands[0]] = arith(op, vm.regs[operands[1]], vm.regs[operands[2]])
		vm.pc = next
	case ADD_IMM:
		vm.regs[operands[0]] = vm.regs[operands[1]] + uint64(leU32(operands[2:6]))
		vm.pc = next

	case BRANCH_EQ, BRANCH_NE, BRANCH_LT_U, BRANCH_GE_U:
		a, b := vm.regs[operands[0]], vm.regs[operands[1]]
		if branchTaken(op, a, b) {
			vm.pc = uint64(leU32(operands[2:6]))
		} else {
			vm.pc = next
		}
	case JUMP:
		vm.pc = uint64(leU32(operands[0:4]))

	case LOAD_U8, LOAD_U32, LOAD_U64:
		addr := uint32(vm.regs[operands[1]]) + leU32(operands[2:6])
		var v, code uint64
		switch op {
		case LOAD_U8:
			v, code = vm.Ram.ReadU8(addr)
		case LOAD_U32:
			v, code = vm.Ram.ReadU32(addr)
		default:
			v, code = vm.Ram.ReadU64(addr)
		}
		if code != OK {
			vm.trap(fmt.Errorf("%w: load at %#x", ledgererrors.ErrSTrap, addr))
			return
		}
		vm.regs[operands[0]] = v
		vm.pc = next

	case STORE_U8, STORE_U32, STORE_U64:
		addr := uint32(vm.regs[operands[1]]) + leU32(operands[2:6])
		v := vm.regs[operands[0]]
		var code uint64
		switch op {
		case STORE_U8:
			code = vm.Ram.WriteU8(addr, uint8(v))
		case STORE_U32:
			code = vm.Ram.WriteU32(addr, uint32(v))
		default:
			code = vm.Ram.WriteU64(addr, v)
		}
		if code != OK {
			vm.trap(fmt.Errorf("%w: store at %#x", ledgererrors.ErrSTrap, addr))
			return
		}
		vm.pc = next

	default:
		// Validate keeps this unreachable.
		vm.trap(fmt.Errorf("%w: opcode 0x%02x", ledgererrors.ErrSUnknownOpcode, op))
	}
}

func arith(op byte, a, b uint64) uint64 {
	switch op {
	case ADD:
		return a + b
	case SUB:
		return a - b
	case MUL:
		return a * b
	case DIVU:
		if b == 0 {
			return ^uint64(0)
		}
		return a / b
	case REMU:
		if b == 0 {
			return a
		}
		return a % b
	case AND:
		return a & b
	case OR:
		return a | b
	case XOR:
		return a ^ b
	case SHLO:
		return a << (b % 64)
	case SHRL:
		return a >> (b % 64)
	default:
		panic("not an arithmetic opcode")
	}
}

func branchTaken(op byte, a, b uint64) bool {
	switch op {
	case BRANCH_EQ:
		return a == b
	case BRANCH_NE:
		return a != b
	case BRANCH_LT_U:
		return a < b
	case BRANCH_GE_U:
		return a >= b
	default:
		panic("not a branch opcode")
	}
}
