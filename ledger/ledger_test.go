package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystonechain/keystone/common"
	"github.com/keystonechain/keystone/ledgererrors"
	"github.com/keystonechain/keystone/params"
	"github.com/keystonechain/keystone/storage"
	"github.com/keystonechain/keystone/svm"
)

func newTestLedger(t *testing.T, p *params.ChainParams) *Ledger {
	t.Helper()
	kv, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	state, err := storage.NewState(kv, p.RetentionWindow)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	return New(state, p)
}

type signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
	addr string
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &signer{pub: pub, priv: priv, addr: common.PubKeyToAddress(common.SchemeEd25519, pub)}
}

func (s *signer) sign(tx *Tx) {
	sig := ed25519.Sign(s.priv, tx.SigHash().Bytes())
	tx.Sigs = append(tx.Sigs, AuthSig{Scheme: common.SchemeEd25519, PubKey: s.pub, Signature: sig})
}

// pkRecord is the registered-key format: scheme byte followed by the key.
func pkRecord(s *signer) []byte {
	return append([]byte{common.SchemeEd25519}, s.pub...)
}

func writeProgram(pairs ...string) []byte {
	a := svm.NewAssembler()
	addr := uint32(0x2000)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, value := pairs[i], pairs[i+1]
		keyAddr, valAddr := addr, addr+0x100
		a.WriteMem(keyAddr, []byte(key))
		a.WriteMem(valAddr, []byte(value))
		a.LoadImm(7, keyAddr)
		a.LoadImm(8, uint32(len(key)))
		a.LoadImm(9, valAddr)
		a.LoadImm(10, uint32(len(value)))
		a.ECalli(svm.HostStorageWrite)
		addr += 0x200
	}
	a.Halt()
	return a.Seal()
}

func acceptAllPredicate() []byte {
	a := svm.NewAssembler()
	a.LoadImm(7, 1)
	a.Halt()
	return a.Seal()
}

func rejectAllPredicate() []byte {
	a := svm.NewAssembler()
	a.LoadImm(7, 0)
	a.Halt()
	return a.Seal()
}

func applyBlock(t *testing.T, l *Ledger, height uint64, txs ...*Tx) (common.Hash, []ExecutionResult) {
	t.Helper()
	ctx, err := l.BeginBlock(height, 1000+height)
	require.NoError(t, err)
	for _, tx := range txs {
		_, err := l.Deliver(ctx, tx.Encode())
		require.NoError(t, err)
	}
	require.NoError(t, l.EndBlock(ctx))
	root, results, err := l.Commit(ctx)
	require.NoError(t, err)
	return root, results
}

func TestSignedWriteAccepted(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())
	alice := newSigner(t)

	tx := &Tx{Code: writeProgram(alice.addr+"/balance", "100")}
	alice.sign(tx)
	root, results := applyBlock(t, l, 1, tx)

	require.Equal(t, StatusAccepted, results[0].Status)
	require.Empty(t, results[0].Reason)
	require.NotZero(t, results[0].GasUsed)
	require.False(t, root.IsZero())

	v, found, err := l.Store().ReadCurrent(storage.MustParseKey(alice.addr + "/balance"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("100"), v)
}

func TestUnsignedWriteRejectedByDefaultPolicy(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())
	alice := newSigner(t)

	signed := &Tx{Code: writeProgram(alice.addr+"/balance", "100")}
	alice.sign(signed)
	rootOne, _ := applyBlock(t, l, 1, signed)

	unsigned := &Tx{Code: writeProgram(alice.addr+"/balance", "999")}
	rootTwo, results := applyBlock(t, l, 2, unsigned)

	require.Equal(t, StatusRejected, results[0].Status)
	require.Equal(t, "V2", results[0].Reason)
	// the rejected write left no trace: the root carries over unchanged
	require.Equal(t, rootOne, rootTwo)
	require.Equal(t, uint64(2), l.Store().Height())

	v, _, err := l.Store().ReadCurrent(storage.MustParseKey(alice.addr + "/balance"))
	require.NoError(t, err)
	require.Equal(t, []byte("100"), v)
}

func TestRegisteredKeyGatesAccount(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())
	alice := newSigner(t)
	bob := newSigner(t)

	register := &Tx{Code: writeProgram(alice.addr+"/pk", string(pkRecord(alice)))}
	alice.sign(register)
	_, results := applyBlock(t, l, 1, register)
	require.Equal(t, StatusAccepted, results[0].Status)

	// bob's signature is valid, but it is not alice's registered key
	intruder := &Tx{Code: writeProgram(alice.addr+"/data", "stolen")}
	bob.sign(intruder)
	_, results = applyBlock(t, l, 2, intruder)
	require.Equal(t, StatusRejected, results[0].Status)
	require.Equal(t, "V2", results[0].Reason)

	owner := &Tx{Code: writeProgram(alice.addr+"/data", "fine")}
	alice.sign(owner)
	_, results = applyBlock(t, l, 3, owner)
	require.Equal(t, StatusAccepted, results[0].Status)

	v, found, err := l.Store().ReadCurrent(storage.MustParseKey(alice.addr + "/data"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("fine"), v)
}

func TestAllOrNothingAcrossAccounts(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())
	alice := newSigner(t)
	bob := newSigner(t)

	register := &Tx{Code: writeProgram(alice.addr+"/pk", string(pkRecord(alice)))}
	alice.sign(register)
	_, results := applyBlock(t, l, 1, register)
	require.Equal(t, StatusAccepted, results[0].Status)

	// one transaction touching bob's own account and alice's guarded one:
	// alice's account rejects it, so bob's write must vanish with it
	tx := &Tx{Code: writeProgram(
		bob.addr+"/note", "mine",
		alice.addr+"/note", "not yours",
	)}
	bob.sign(tx)
	rootOne := l.Store().Root()
	rootTwo, results := applyBlock(t, l, 2, tx)

	require.Equal(t, StatusRejected, results[0].Status)
	require.Equal(t, "V2", results[0].Reason)
	require.Equal(t, rootOne, rootTwo)

	_, found, err := l.Store().ReadCurrent(storage.MustParseKey(bob.addr + "/note"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestPredicateGovernsItsOwnInstallation(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())
	alice := newSigner(t)

	// installing a predicate runs it: a reject-all predicate refuses to land
	install := &Tx{Code: writeProgram("guarded/?", string(rejectAllPredicate()))}
	alice.sign(install)
	_, results := applyBlock(t, l, 1, install)
	require.Equal(t, StatusRejected, results[0].Status)
	require.Equal(t, "V1", results[0].Reason)

	_, found, err := l.Store().ReadCurrent(storage.PredicateKey("guarded"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestInstalledPredicateReplacesDefaultPolicy(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())
	alice := newSigner(t)

	install := &Tx{Code: writeProgram("open/?", string(acceptAllPredicate()))}
	alice.sign(install)
	_, results := applyBlock(t, l, 1, install)
	require.Equal(t, StatusAccepted, results[0].Status)

	// with an accept-all predicate installed, even an unsigned write lands
	unsigned := &Tx{Code: writeProgram("open/greeting", "hello")}
	_, results = applyBlock(t, l, 2, unsigned)
	require.Equal(t, StatusAccepted, results[0].Status)

	v, found, err := l.Store().ReadCurrent(storage.MustParseKey("open/greeting"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hello"), v)
}

func TestRejectPolicyClosesUnguardedAccounts(t *testing.T) {
	p := params.DefaultParams()
	p.DefaultPredicate = params.DefaultPredicateReject
	l := newTestLedger(t, p)
	alice := newSigner(t)

	tx := &Tx{Code: writeProgram(alice.addr+"/balance", "100")}
	alice.sign(tx)
	_, results := applyBlock(t, l, 1, tx)
	require.Equal(t, StatusRejected, results[0].Status)
	require.Equal(t, "V3", results[0].Reason)
}

func TestOutOfGas(t *testing.T) {
	p := params.DefaultParams()
	p.TxGasLimit = 500
	l := newTestLedger(t, p)

	a := svm.NewAssembler()
	a.Jump(0)
	tx := &Tx{Code: a.Seal()}

	rootBefore := l.Store().Root()
	root, results := applyBlock(t, l, 1, tx)
	require.Equal(t, StatusOutOfGas, results[0].Status)
	require.Equal(t, "G1", results[0].Reason)
	// failed execution still burns and bills its budget when the chain says so
	require.Equal(t, uint64(500), results[0].GasUsed)
	require.Equal(t, uint64(500), results[0].GasCharged)
	require.Equal(t, rootBefore, root)
}

func TestFailedTxFreeWhenConfigured(t *testing.T) {
	p := params.DefaultParams()
	p.TxGasLimit = 500
	p.ChargeFailedTx = false
	l := newTestLedger(t, p)

	a := svm.NewAssembler()
	a.Jump(0)
	tx := &Tx{Code: a.Seal()}
	_, results := applyBlock(t, l, 1, tx)
	require.Equal(t, StatusOutOfGas, results[0].Status)
	// the burn is still recorded, only the bill is waived
	require.Equal(t, uint64(500), results[0].GasUsed)
	require.Zero(t, results[0].GasCharged)
}

func TestTrapRejectsTransaction(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())
	a := svm.NewAssembler()
	a.Trap()
	tx := &Tx{Code: a.Seal()}

	_, results := applyBlock(t, l, 1, tx)
	require.Equal(t, StatusTrap, results[0].Status)
	require.Equal(t, "S3", results[0].Reason)
}

func TestFailedTxKeepsEmittedEvents(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())

	a := svm.NewAssembler()
	a.WriteMem(0x2000, []byte("ping"))
	a.LoadImm(7, 0x2000)
	a.LoadImm(8, 4)
	a.LoadImm(9, 0x2000)
	a.LoadImm(10, 0)
	a.ECalli(svm.HostEmitEvent)
	a.Trap()
	tx := &Tx{Code: a.Seal()}

	rootBefore := l.Store().Root()
	root, results := applyBlock(t, l, 1, tx)
	require.Equal(t, StatusTrap, results[0].Status)
	require.Equal(t, "S3", results[0].Reason)
	// the write set is rolled back, the emitted events are not lost
	require.Equal(t, rootBefore, root)
	require.Len(t, results[0].Events, 1)
	require.Equal(t, "ping", results[0].Events[0].Kind)
	require.NotZero(t, results[0].GasUsed)
}

func TestOversizedInputTraps(t *testing.T) {
	p := params.DefaultParams()
	p.MemoryBytes = 1 << 12
	l := newTestLedger(t, p)

	a := svm.NewAssembler()
	a.Halt()
	tx := &Tx{Code: a.Seal(), Data: make([]byte, 64)} // lands past the memory ceiling

	_, results := applyBlock(t, l, 1, tx)
	require.Equal(t, StatusTrap, results[0].Status)
	require.Equal(t, "S3", results[0].Reason)
}

func TestMalformedCodeRejected(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())
	tx := &Tx{Code: []byte("not a code blob")}
	_, results := applyBlock(t, l, 1, tx)
	require.Equal(t, StatusRejected, results[0].Status)
	require.Equal(t, "S2", results[0].Reason)
}

func TestMalformedTxBytesRejected(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())
	ctx, err := l.BeginBlock(1, 1001)
	require.NoError(t, err)
	res, err := l.Deliver(ctx, []byte{0xff, 0x01})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, res.Status)
	require.Equal(t, "V4", res.Reason)
}

func TestBlockSequencing(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())

	_, err := l.BeginBlock(5, 1000)
	require.ErrorIs(t, err, ledgererrors.ErrDHeightRegression)

	ctx, err := l.BeginBlock(1, 1000)
	require.NoError(t, err)

	_, _, err = l.Commit(ctx)
	require.ErrorIs(t, err, ledgererrors.ErrDBlockScopeMisuse)

	require.NoError(t, l.EndBlock(ctx))
	require.ErrorIs(t, l.EndBlock(ctx), ledgererrors.ErrDBlockScopeMisuse)

	_, err = l.Deliver(ctx, nil)
	require.ErrorIs(t, err, ledgererrors.ErrDBlockScopeMisuse)

	_, _, err = l.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), l.Store().Height())
}

func TestResultEventsAlwaysEmitted(t *testing.T) {
	l := newTestLedger(t, params.DefaultParams())
	alice := newSigner(t)

	good := &Tx{Code: writeProgram(alice.addr+"/x", "1")}
	alice.sign(good)
	bad := &Tx{Code: writeProgram(alice.addr+"/x", "2")} // unsigned

	ctx, err := l.BeginBlock(1, 1000)
	require.NoError(t, err)
	_, err = l.Deliver(ctx, good.Encode())
	require.NoError(t, err)
	_, err = l.Deliver(ctx, bad.Encode())
	require.NoError(t, err)

	events := ctx.Events()
	var resultEvents []Event
	for _, e := range events {
		if e.Kind == "tx_result" {
			resultEvents = append(resultEvents, e)
		}
	}
	require.Len(t, resultEvents, 2)
	require.Equal(t, "accepted", resultEvents[0].Attrs["status"])
	require.Equal(t, "0", resultEvents[0].Attrs["index"])
	require.Equal(t, "rejected", resultEvents[1].Attrs["status"])
	require.Equal(t, "V2", resultEvents[1].Attrs["reason"])
}

func TestTwoLedgersConverge(t *testing.T) {
	alice := newSigner(t)
	bob := newSigner(t)

	blocks := func(l *Ledger) []common.Hash {
		var roots []common.Hash
		tx1 := &Tx{Code: writeProgram(alice.addr+"/balance", "100")}
		alice.sign(tx1)
		root, _ := applyBlock(t, l, 1, tx1)
		roots = append(roots, root)

		tx2 := &Tx{Code: writeProgram(bob.addr+"/balance", "40", alice.addr+"/balance", "60")}
		alice.sign(tx2)
		bob.sign(tx2)
		root, _ = applyBlock(t, l, 2, tx2)
		return append(roots, root)
	}

	rootsA := blocks(newTestLedger(t, params.DefaultParams()))
	rootsB := blocks(newTestLedger(t, params.DefaultParams()))
	require.Equal(t, rootsA, rootsB)
}
