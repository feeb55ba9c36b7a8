package svm

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystonechain/keystone/codec"
	"github.com/keystonechain/keystone/gas"
	"github.com/keystonechain/keystone/ledgererrors"
	"github.com/keystonechain/keystone/params"
)

// mockEnv is a self-contained host environment for sandbox tests: a flat
// map for storage, canned block header values, and a signature oracle that
// accepts exactly the signature "good".
type mockEnv struct {
	store    map[string][]byte
	pre      map[string][]byte
	readOnly bool
	height   uint64
	time     uint64
	changed  [][]byte

	events []struct{ kind, data string }

	iters  map[uint64][]string
	nextID uint64
}

func newMockEnv() *mockEnv {
	return &mockEnv{
		store: make(map[string][]byte),
		pre:   make(map[string][]byte),
		iters: make(map[uint64][]string),
	}
}

func (m *mockEnv) StorageRead(key []byte) ([]byte, bool, error) {
	v, ok := m.store[string(key)]
	return v, ok, nil
}

func (m *mockEnv) StorageReadPre(key []byte) ([]byte, bool, error) {
	v, ok := m.pre[string(key)]
	return v, ok, nil
}

func (m *mockEnv) StorageWrite(key, value []byte) error {
	if m.readOnly {
		return ledgererrors.ErrSReadOnlyContext
	}
	m.store[string(key)] = append([]byte{}, value...)
	return nil
}

func (m *mockEnv) StorageDelete(key []byte) error {
	if m.readOnly {
		return ledgererrors.ErrSReadOnlyContext
	}
	delete(m.store, string(key))
	return nil
}

func (m *mockEnv) StorageHasKey(key []byte) (bool, error) {
	_, ok := m.store[string(key)]
	return ok, nil
}

func (m *mockEnv) StorageIterPrefix(prefix []byte) (uint64, error) {
	var keys []string
	for k := range m.store {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	m.nextID++
	m.iters[m.nextID] = keys
	return m.nextID, nil
}

func (m *mockEnv) StorageIterNext(id uint64) ([]byte, []byte, bool, error) {
	keys := m.iters[id]
	if len(keys) == 0 {
		return nil, nil, false, nil
	}
	k := keys[0]
	m.iters[id] = keys[1:]
	return []byte(k), m.store[k], true, nil
}

func (m *mockEnv) BlockHeight() uint64 { return m.height }
func (m *mockEnv) BlockTime() uint64   { return m.time }

func (m *mockEnv) EmitEvent(kind, data []byte) error {
	m.events = append(m.events, struct{ kind, data string }{string(kind), string(data)})
	return nil
}

func (m *mockEnv) VerifySignature(scheme uint8, pubkey, msg, sig []byte) bool {
	return string(sig) == "good"
}

func (m *mockEnv) ChangedKeys() [][]byte { return m.changed }

var _ HostEnv = (*mockEnv)(nil)

func runHost(t *testing.T, env HostEnv, build func(a *Assembler), gasLimit uint64) *VM {
	t.Helper()
	a := NewAssembler()
	build(a)
	code, err := Validate(a.Seal(), testCodeSize)
	require.NoError(t, err)
	table := params.DefaultGasTable()
	vm := NewVM(code, NewRAM(testMemory), gas.NewMeter(gasLimit), env, &table, testSteps)
	vm.Run()
	return vm
}

func TestHostWriteThenRead(t *testing.T) {
	env := newMockEnv()
	vm := runHost(t, env, func(a *Assembler) {
		a.WriteMem(0x2000, []byte("alice/x"))
		a.WriteMem(0x2100, []byte("hi"))
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 7)
		a.LoadImm(9, 0x2100)
		a.LoadImm(10, 2)
		a.ECalli(HostStorageWrite)
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 7)
		a.LoadImm(9, 0x3000)
		a.LoadImm(10, 64)
		a.ECalli(HostStorageRead)
		a.Halt()
	}, 100000)

	require.Equal(t, MachineHalt, vm.MachineState)
	require.Equal(t, uint64(2), vm.ReturnCode())
	out, code := vm.Ram.ReadBytes(0x3000, 2)
	require.Equal(t, uint64(OK), code)
	require.Equal(t, []byte("hi"), out)
	require.Equal(t, []byte("hi"), env.store["alice/x"])
}

func TestHostReadAbsent(t *testing.T) {
	vm := runHost(t, newMockEnv(), func(a *Assembler) {
		a.WriteMem(0x2000, []byte("missing"))
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 7)
		a.ECalli(HostStorageRead)
		a.Halt()
	}, 100000)

	require.Equal(t, MachineHalt, vm.MachineState)
	require.Equal(t, uint64(NONE), vm.ReturnCode())
}

func TestHostReadTruncatesToCapacity(t *testing.T) {
	env := newMockEnv()
	env.store["k"] = []byte("0123456789")
	vm := runHost(t, env, func(a *Assembler) {
		a.WriteMem(0x2000, []byte("k"))
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 1)
		a.LoadImm(9, 0x3000)
		a.LoadImm(10, 4)
		a.ECalli(HostStorageRead)
		a.Halt()
	}, 100000)

	require.Equal(t, MachineHalt, vm.MachineState)
	// r7 reports the full value length even when the copy is truncated
	require.Equal(t, uint64(10), vm.ReturnCode())
	out, _ := vm.Ram.ReadBytes(0x3000, 4)
	require.Equal(t, []byte("0123"), out)
}

func TestHostWriteInReadOnlyContext(t *testing.T) {
	env := newMockEnv()
	env.readOnly = true
	vm := runHost(t, env, func(a *Assembler) {
		a.WriteMem(0x2000, []byte("alice/x"))
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 7)
		a.LoadImm(9, 0x2000)
		a.LoadImm(10, 1)
		a.ECalli(HostStorageWrite)
		a.Halt()
	}, 100000)

	// denial is reported in r7, not a trap: the predicate keeps running
	require.Equal(t, MachineHalt, vm.MachineState)
	require.Equal(t, uint64(WHO), vm.ReturnCode())
	require.Empty(t, env.store)
}

func TestHostDeleteAndHasKey(t *testing.T) {
	env := newMockEnv()
	env.store["alice/x"] = []byte("v")
	vm := runHost(t, env, func(a *Assembler) {
		a.WriteMem(0x2000, []byte("alice/x"))
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 7)
		a.ECalli(HostStorageHasKey)
		a.Mov(1, 7) // r1 = 1 (present)
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 7)
		a.ECalli(HostStorageDelete)
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 7)
		a.ECalli(HostStorageHasKey)
		a.Halt()
	}, 100000)

	require.Equal(t, MachineHalt, vm.MachineState)
	require.Equal(t, uint64(1), vm.ReadRegister(1))
	require.Equal(t, uint64(0), vm.ReturnCode())
	require.Empty(t, env.store)
}

func TestHostIterNextEncoding(t *testing.T) {
	env := newMockEnv()
	env.store["p/a"] = []byte("1")
	env.store["p/b"] = []byte("22")
	env.store["q/c"] = []byte("no")

	vm := runHost(t, env, func(a *Assembler) {
		a.WriteMem(0x2000, []byte("p/"))
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 2)
		a.ECalli(HostStorageIterPrefix)
		// r7 now holds the iterator id
		a.LoadImm(8, 0x3000)
		a.LoadImm(9, 128)
		a.Mov(1, 7)
		a.ECalli(HostStorageIterNext)
		a.Mov(2, 7) // first entry length
		a.Mov(7, 1)
		a.LoadImm(8, 0x3100)
		a.LoadImm(9, 128)
		a.ECalli(HostStorageIterNext)
		a.Mov(3, 7) // second entry length
		a.Mov(7, 1)
		a.LoadImm(8, 0x3200)
		a.LoadImm(9, 128)
		a.ECalli(HostStorageIterNext)
		a.Halt()
	}, 100000)

	require.Equal(t, MachineHalt, vm.MachineState)
	// entries are (u32 key length || key || value)
	wantFirst := append([]byte{3, 0, 0, 0}, []byte("p/a1")...)
	require.Equal(t, uint64(len(wantFirst)), vm.ReadRegister(2))
	out, _ := vm.Ram.ReadBytes(0x3000, uint32(len(wantFirst)))
	require.Equal(t, wantFirst, out)

	d := codec.NewDecoder(out)
	require.Equal(t, []byte("p/a"), d.Bytes())

	wantSecond := append([]byte{3, 0, 0, 0}, []byte("p/b22")...)
	require.Equal(t, uint64(len(wantSecond)), vm.ReadRegister(3))

	// exhausted iterator reports NONE
	require.Equal(t, uint64(NONE), vm.ReturnCode())
}

func TestHostBlockHeaderValues(t *testing.T) {
	env := newMockEnv()
	env.height = 42
	env.time = 1700000000
	vm := runHost(t, env, func(a *Assembler) {
		a.ECalli(HostBlockHeight)
		a.Mov(1, 7)
		a.ECalli(HostBlockTime)
		a.Mov(2, 7)
		a.ECalli(HostGas)
		a.Halt()
	}, 100000)

	require.Equal(t, MachineHalt, vm.MachineState)
	require.Equal(t, uint64(42), vm.ReadRegister(1))
	require.Equal(t, uint64(1700000000), vm.ReadRegister(2))
	// gas host call reports the remaining budget
	require.Equal(t, vm.ReturnCode(), 100000-vm.GasUsed()+1) // +1: the final halt had not run yet
}

func TestHostEmitEvent(t *testing.T) {
	env := newMockEnv()
	vm := runHost(t, env, func(a *Assembler) {
		a.WriteMem(0x2000, []byte("transfer"))
		a.WriteMem(0x2100, []byte("payload"))
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 8)
		a.LoadImm(9, 0x2100)
		a.LoadImm(10, 7)
		a.ECalli(HostEmitEvent)
		a.Halt()
	}, 100000)

	require.Equal(t, MachineHalt, vm.MachineState)
	require.Equal(t, uint64(OK), vm.ReturnCode())
	require.Len(t, env.events, 1)
	require.Equal(t, "transfer", env.events[0].kind)
	require.Equal(t, "payload", env.events[0].data)
}

func TestHostVerifySignature(t *testing.T) {
	e := codec.NewEncoder()
	e.PutByte(0)
	e.PutBytes([]byte("pubkey"))
	e.PutBytes([]byte("message"))
	e.PutBytes([]byte("good"))
	blob := e.Bytes()

	vm := runHost(t, newMockEnv(), func(a *Assembler) {
		a.WriteMem(0x2000, blob)
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, uint32(len(blob)))
		a.ECalli(HostVerifySignature)
		a.Halt()
	}, 100000)
	require.Equal(t, MachineHalt, vm.MachineState)
	require.Equal(t, uint64(1), vm.ReturnCode())
}

func TestHostVerifySignatureMalformedBlob(t *testing.T) {
	vm := runHost(t, newMockEnv(), func(a *Assembler) {
		a.WriteMem(0x2000, []byte{1, 2, 3})
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 3)
		a.ECalli(HostVerifySignature)
		a.Halt()
	}, 100000)
	require.Equal(t, MachineHalt, vm.MachineState)
	require.Equal(t, uint64(WHAT), vm.ReturnCode())
}

func TestHostChangedKeys(t *testing.T) {
	env := newMockEnv()
	env.changed = [][]byte{[]byte("alice/a"), []byte("alice/b")}
	vm := runHost(t, env, func(a *Assembler) {
		a.LoadImm(7, 0x3000)
		a.LoadImm(8, 128)
		a.ECalli(HostChangedKeys)
		a.Halt()
	}, 100000)

	require.Equal(t, MachineHalt, vm.MachineState)
	want := codec.NewEncoder()
	want.PutBytes([]byte("alice/a"))
	want.PutBytes([]byte("alice/b"))
	require.Equal(t, uint64(len(want.Bytes())), vm.ReturnCode())
	out, _ := vm.Ram.ReadBytes(0x3000, uint32(len(want.Bytes())))
	require.Equal(t, want.Bytes(), out)
}

func TestHostUnknownCallTraps(t *testing.T) {
	vm := runHost(t, newMockEnv(), func(a *Assembler) {
		a.ECalli(999)
		a.Halt()
	}, 100000)
	require.Equal(t, MachinePanic, vm.MachineState)
	require.ErrorIs(t, vm.TrapCause, ledgererrors.ErrSUnknownHostCall)
}

func TestHostOOBKeyArgument(t *testing.T) {
	vm := runHost(t, newMockEnv(), func(a *Assembler) {
		a.LoadImm64(7, uint64(testMemory))
		a.LoadImm(8, 16)
		a.ECalli(HostStorageRead)
		a.Halt()
	}, 100000)
	// bad pointers surface as OOB in r7, not a trap
	require.Equal(t, MachineHalt, vm.MachineState)
	require.Equal(t, uint64(OOB), vm.ReturnCode())
}

func TestHostCallChargedBeforeExecution(t *testing.T) {
	env := newMockEnv()
	// enough gas for the instructions, not for the host call body
	vm := runHost(t, env, func(a *Assembler) {
		a.WriteMem(0x2000, []byte("alice/x"))
		a.LoadImm(7, 0x2000)
		a.LoadImm(8, 7)
		a.LoadImm(9, 0x2000)
		a.LoadImm(10, 1)
		a.ECalli(HostStorageWrite)
		a.Halt()
	}, 30)

	require.Equal(t, MachineOOG, vm.MachineState)
	require.Equal(t, uint64(30), vm.GasUsed())
	require.Empty(t, env.store, "an unpaid host call must not execute")
}
