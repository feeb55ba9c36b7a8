package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystonechain/keystone/ledgererrors"
	"github.com/keystonechain/keystone/storage"
	"github.com/keystonechain/keystone/writelog"
)

func newEnvFixture(t *testing.T) (*storage.State, *writelog.WriteLog) {
	t.Helper()
	kv, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	state, err := storage.NewState(kv, 8)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	_, err = state.WriteBatch([]storage.Entry{
		{Key: storage.MustParseKey("alice/balance"), Value: []byte("100")},
		{Key: storage.MustParseKey("alice/nonce"), Value: []byte("1")},
	}, 1)
	require.NoError(t, err)
	return state, writelog.New(state.ReadCurrent)
}

func TestTxEnvReadsThroughOverlay(t *testing.T) {
	state, wl := newEnvFixture(t)
	env := newTxEnv(state, wl, 2, 1000, &[]Event{})

	require.NoError(t, env.StorageWrite([]byte("alice/balance"), []byte("50")))

	v, found, err := env.StorageRead([]byte("alice/balance"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("50"), v)

	// the pre view still serves the committed value
	v, found, err = env.StorageReadPre([]byte("alice/balance"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("100"), v)
}

func TestPredicateEnvIsReadOnly(t *testing.T) {
	state, wl := newEnvFixture(t)
	wl.Fork()
	wl.Write(storage.MustParseKey("alice/balance"), []byte("50"))
	wl.Write(storage.MustParseKey("bob/balance"), []byte("7"))

	env := newPredicateEnv(state, wl, 2, 1000, &[]Event{}, "alice")
	require.Error(t, env.StorageWrite([]byte("alice/x"), []byte("v")))
	require.Error(t, env.StorageDelete([]byte("alice/balance")))

	// changed keys are scoped to the account under validation
	require.Equal(t, [][]byte{[]byte("alice/balance")}, env.ChangedKeys())
}

func TestEnvIterMergesOverlayAndCommitted(t *testing.T) {
	state, wl := newEnvFixture(t)
	wl.Write(storage.MustParseKey("alice/extra"), []byte("new"))
	wl.Write(storage.MustParseKey("alice/balance"), []byte("50"))
	wl.Delete(storage.MustParseKey("alice/nonce"))

	env := newTxEnv(state, wl, 2, 1000, &[]Event{})
	id, err := env.StorageIterPrefix([]byte("alice"))
	require.NoError(t, err)

	var got []string
	for {
		key, value, ok, err := env.StorageIterNext(id)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(key)+"="+string(value))
	}
	// overlay write shadows committed, delete hides, new key appears, in order
	require.Equal(t, []string{"alice/balance=50", "alice/extra=new"}, got)

	_, _, _, err = env.StorageIterNext(99)
	require.ErrorIs(t, err, ledgererrors.ErrSTrap)
}

func TestEnvRejectsMalformedKeys(t *testing.T) {
	state, wl := newEnvFixture(t)
	env := newTxEnv(state, wl, 2, 1000, &[]Event{})

	_, _, err := env.StorageRead([]byte("a//b"))
	require.Error(t, err)
	require.Error(t, env.StorageWrite([]byte(""), nil))
}

func TestEnvEmitEvent(t *testing.T) {
	state, wl := newEnvFixture(t)
	var events []Event
	env := newTxEnv(state, wl, 2, 1000, &events)

	require.NoError(t, env.EmitEvent([]byte("transfer"), []byte("p")))
	require.Len(t, events, 1)
	require.Equal(t, "transfer", events[0].Kind)
	require.Equal(t, uint64(2), env.BlockHeight())
	require.Equal(t, uint64(1000), env.BlockTime())
}
