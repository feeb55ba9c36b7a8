package svm

import (
	"errors"
	"fmt"

	"github.com/keystonechain/keystone/codec"
	"github.com/keystonechain/keystone/gas"
	"github.com/keystonechain/keystone/ledgererrors"
	"github.com/keystonechain/keystone/log"
)

// Host function indexes. This is the whole ABI: any code targeting it is
// accepted uniformly regardless of which account authored it.
const (
	HostGas               = 0
	HostStorageRead       = 1
	HostStorageWrite      = 2
	HostStorageDelete     = 3
	HostStorageIterPrefix = 4
	HostStorageIterNext   = 5
	HostStorageHasKey     = 6
	HostBlockHeight       = 7
	HostBlockTime         = 8
	HostEmitEvent         = 9
	HostVerifySignature   = 10
	HostStorageReadPre    = 11
	HostChangedKeys       = 12
)

// HostEnv is the only surface through which sandboxed code touches the
// outside world. Transaction mode sees the write log over committed state;
// predicate mode sees the same overlay read-only, plus the committed (pre)
// view and the transaction's changed keys.
type HostEnv interface {
	StorageRead(key []byte) ([]byte, bool, error)
	StorageReadPre(key []byte) ([]byte, bool, error)
	StorageWrite(key, value []byte) error
	StorageDelete(key []byte) error
	StorageHasKey(key []byte) (bool, error)
	StorageIterPrefix(prefix []byte) (uint64, error)
	StorageIterNext(id uint64) (key, value []byte, ok bool, err error)
	BlockHeight() uint64
	BlockTime() uint64
	EmitEvent(kind, data []byte) error
	VerifySignature(scheme uint8, pubkey, msg, sig []byte) bool
	ChangedKeys() [][]byte
}

// chargeHost applies a host-call cost. Returns false after halting the
// machine when the budget cannot cover it; the call body never runs.
func (vm *VM) chargeHost(cost uint64) bool {
	if err := vm.meter.Consume(cost); err != nil {
		vm.MachineState = MachineOOG
		return false
	}
	return true
}

// ramArg fetches a (addr, len) argument pair from memory, reporting OOB in
// r7 without trapping, matching the host-call error convention.
func (vm *VM) ramArg(addrReg, lenReg int) ([]byte, bool) {
	b, code := vm.Ram.ReadBytes(uint32(vm.regs[addrReg]), uint32(vm.regs[lenReg]))
	if code != OK {
		vm.regs[7] = OOB
		return nil, false
	}
	return b, true
}

func (vm *VM) hostCall(id uint32) {
	log.Trace(log.SandboxMonitoring, "host call", "id", id, "pc", vm.pc)
	switch id {
	case HostGas:
		if !vm.chargeHost(vm.table.HostCallBase) {
			return
		}
		vm.regs[7] = vm.meter.Remaining()

	case HostStorageRead, HostStorageReadPre:
		key, ok := vm.ramArg(7, 8)
		if !ok {
			return
		}
		if !vm.chargeHost(vm.table.HostCallBase + gas.MulCost(vm.table.StorageReadByte, len(key))) {
			return
		}
		var value []byte
		var found bool
		var err error
		if id == HostStorageReadPre {
			value, found, err = vm.hostenv.StorageReadPre(key)
		} else {
			value, found, err = vm.hostenv.StorageRead(key)
		}
		if err != nil {
			vm.trap(err)
			return
		}
		if !found {
			vm.regs[7] = NONE
			return
		}
		if !vm.chargeHost(gas.MulCost(vm.table.StorageReadByte, len(value))) {
			return
		}
		outAddr, outCap := uint32(vm.regs[9]), uint32(vm.regs[10])
		n := uint32(len(value))
		if n > outCap {
			n = outCap
		}
		if code := vm.Ram.WriteBytes(outAddr, value[:n]); code != OK {
			vm.regs[7] = OOB
			return
		}
		vm.regs[7] = uint64(len(value))

	case HostStorageWrite:
		key, ok := vm.ramArg(7, 8)
		if !ok {
			return
		}
		value, ok := vm.ramArg(9, 10)
		if !ok {
			return
		}
		if !vm.chargeHost(vm.table.HostCallBase + gas.MulCost(vm.table.StorageWriteByte, len(key)+len(value))) {
			return
		}
		vm.storageResult(vm.hostenv.StorageWrite(key, value))

	case HostStorageDelete:
		key, ok := vm.ramArg(7, 8)
		if !ok {
			return
		}
		if !vm.chargeHost(vm.table.HostCallBase + gas.MulCost(vm.table.StorageWriteByte, len(key))) {
			return
		}
		vm.storageResult(vm.hostenv.StorageDelete(key))

	case HostStorageHasKey:
		key, ok := vm.ramArg(7, 8)
		if !ok {
			return
		}
		if !vm.chargeHost(vm.table.HostCallBase + gas.MulCost(vm.table.StorageReadByte, len(key))) {
			return
		}
		has, err := vm.hostenv.StorageHasKey(key)
		if err != nil {
			vm.trap(err)
			return
		}
		vm.regs[7] = 0
		if has {
			vm.regs[7] = 1
		}

	case HostStorageIterPrefix:
		prefix, ok := vm.ramArg(7, 8)
		if !ok {
			return
		}
		if !vm.chargeHost(vm.table.HostCallBase + gas.MulCost(vm.table.StorageReadByte, len(prefix))) {
			return
		}
		iterID, err := vm.hostenv.StorageIterPrefix(prefix)
		if err != nil {
			vm.trap(err)
			return
		}
		vm.regs[7] = iterID

	case HostStorageIterNext:
		if !vm.chargeHost(vm.table.HostCallBase) {
			return
		}
		key, value, ok, err := vm.hostenv.StorageIterNext(vm.regs[7])
		if err != nil {
			vm.trap(err)
			return
		}
		if !ok {
			vm.regs[7] = NONE
			return
		}
		e := codec.NewEncoder()
		e.PutBytes(key)
		e.PutRaw(value)
		enc := e.Bytes()
		if !vm.chargeHost(gas.MulCost(vm.table.IterNextByte, len(enc))) {
			return
		}
		outAddr, outCap := uint32(vm.regs[8]), uint32(vm.regs[9])
		n := uint32(len(enc))
		if n > outCap {
			n = outCap
		}
		if code := vm.Ram.WriteBytes(outAddr, enc[:n]); code != OK {
			vm.regs[7] = OOB
			return
		}
		vm.regs[7] = uint64(len(enc))

	case HostBlockHeight:
		if !vm.chargeHost(vm.table.HostCallBase) {
			return
		}
		vm.regs[7] = vm.hostenv.BlockHeight()

	case HostBlockTime:
		if !vm.chargeHost(vm.table.HostCallBase) {
			return
		}
		vm.regs[7] = vm.hostenv.BlockTime()

	case HostEmitEvent:
		kind, ok := vm.ramArg(7, 8)
		if !ok {
			return
		}
		data, ok := vm.ramArg(9, 10)
		if !ok {
			return
		}
		if !vm.chargeHost(vm.table.HostCallBase + gas.MulCost(vm.table.EmitEventByte, len(kind)+len(data))) {
			return
		}
		if err := vm.hostenv.EmitEvent(kind, data); err != nil {
			vm.trap(err)
			return
		}
		vm.regs[7] = OK

	case HostVerifySignature:
		blob, ok := vm.ramArg(7, 8)
		if !ok {
			return
		}
		if !vm.chargeHost(vm.table.HostCallBase + vm.table.VerifySignature) {
			return
		}
		d := codec.NewDecoder(blob)
		scheme := d.Byte()
		pubkey := d.Bytes()
		msg := d.Bytes()
		sig := d.Bytes()
		if d.Finish() != nil {
			vm.regs[7] = WHAT
			return
		}
		vm.regs[7] = 0
		if vm.hostenv.VerifySignature(scheme, pubkey, msg, sig) {
			vm.regs[7] = 1
		}

	case HostChangedKeys:
		if !vm.chargeHost(vm.table.HostCallBase) {
			return
		}
		e := codec.NewEncoder()
		for _, k := range vm.hostenv.ChangedKeys() {
			e.PutBytes(k)
		}
		enc := e.Bytes()
		if !vm.chargeHost(gas.MulCost(vm.table.IterNextByte, len(enc))) {
			return
		}
		outAddr, outCap := uint32(vm.regs[7]), uint32(vm.regs[8])
		n := uint32(len(enc))
		if n > outCap {
			n = outCap
		}
		if code := vm.Ram.WriteBytes(outAddr, enc[:n]); code != OK {
			vm.regs[7] = OOB
			return
		}
		vm.regs[7] = uint64(len(enc))

	default:
		vm.trap(fmt.Errorf("%w: id %d", ledgererrors.ErrSUnknownHostCall, id))
	}
}

// storageResult maps a mutation outcome to the r7 convention: WHO for
// mutations from a read-only (predicate) context, trap on real failures.
func (vm *VM) storageResult(err error) {
	switch {
	case err == nil:
		vm.regs[7] = OK
	case errors.Is(err, ledgererrors.ErrSReadOnlyContext):
		vm.regs[7] = WHO
	default:
		vm.trap(err)
	}
}
