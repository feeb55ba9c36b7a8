package ledger

import (
	"fmt"
	"sort"

	"github.com/keystonechain/keystone/common"
	"github.com/keystonechain/keystone/ledgererrors"
	"github.com/keystonechain/keystone/storage"
	"github.com/keystonechain/keystone/svm"
	"github.com/keystonechain/keystone/writelog"
)

// mergedEntry is one row of a materialized prefix iteration: the overlay
// view laid over committed state, in canonical key order.
type mergedEntry struct {
	key   []byte
	value []byte
}

type prefixIter struct {
	entries []mergedEntry
	pos     int
}

// hostEnv adapts the write log, committed store, and block header into the
// sandbox's host-call surface. readOnly is set for validity predicates,
// whose only allowed effect is their verdict.
type hostEnv struct {
	store  *storage.State
	wl     *writelog.WriteLog
	height uint64
	time   uint64

	readOnly bool
	account  string   // predicate mode: the account under validation
	changed  [][]byte // predicate mode: tx-changed keys under account

	events *[]Event

	iters  map[uint64]*prefixIter
	nextID uint64
}

var _ svm.HostEnv = (*hostEnv)(nil)

func newTxEnv(store *storage.State, wl *writelog.WriteLog, height, time uint64, events *[]Event) *hostEnv {
	return &hostEnv{
		store:  store,
		wl:     wl,
		height: height,
		time:   time,
		events: events,
		iters:  make(map[uint64]*prefixIter),
	}
}

func newPredicateEnv(store *storage.State, wl *writelog.WriteLog, height, time uint64, events *[]Event, account string) *hostEnv {
	env := newTxEnv(store, wl, height, time, events)
	env.readOnly = true
	env.account = account
	for _, e := range wl.ScopeEntries() {
		if e.Account == account {
			env.changed = append(env.changed, []byte(e.Key.String()))
		}
	}
	return env
}

func (env *hostEnv) parseKey(raw []byte) (storage.Key, error) {
	key, err := storage.ParseKey(string(raw))
	if err != nil {
		return storage.Key{}, fmt.Errorf("%w: %v", ledgererrors.ErrQInvalidKey, err)
	}
	return key, nil
}

func (env *hostEnv) StorageRead(rawKey []byte) ([]byte, bool, error) {
	key, err := env.parseKey(rawKey)
	if err != nil {
		return nil, false, err
	}
	value, deleted, found, err := env.wl.Read(key)
	if err != nil {
		return nil, false, err
	}
	if deleted || !found {
		return nil, false, nil
	}
	return value, true, nil
}

// StorageReadPre bypasses the overlay: the committed (pre-transaction)
// view, used by predicates comparing prior and proposed state.
func (env *hostEnv) StorageReadPre(rawKey []byte) ([]byte, bool, error) {
	key, err := env.parseKey(rawKey)
	if err != nil {
		return nil, false, err
	}
	return env.store.ReadCurrent(key)
}

func (env *hostEnv) StorageWrite(rawKey, value []byte) error {
	if env.readOnly {
		return ledgererrors.ErrSReadOnlyContext
	}
	key, err := env.parseKey(rawKey)
	if err != nil {
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	env.wl.Write(key, cp)
	return nil
}

func (env *hostEnv) StorageDelete(rawKey []byte) error {
	if env.readOnly {
		return ledgererrors.ErrSReadOnlyContext
	}
	key, err := env.parseKey(rawKey)
	if err != nil {
		return err
	}
	env.wl.Delete(key)
	return nil
}

func (env *hostEnv) StorageHasKey(rawKey []byte) (bool, error) {
	key, err := env.parseKey(rawKey)
	if err != nil {
		return false, err
	}
	return env.wl.Has(key)
}

// StorageIterPrefix materializes the merged committed-plus-overlay view
// under prefix, in canonical key order, and hands back an iterator id.
func (env *hostEnv) StorageIterPrefix(rawPrefix []byte) (uint64, error) {
	prefix, err := env.parseKey(rawPrefix)
	if err != nil {
		return 0, err
	}

	merged := make(map[string][]byte)
	if err := env.store.IterPrefix(prefix, func(key storage.Key, value []byte) bool {
		merged[key.String()] = value
		return true
	}); err != nil {
		return 0, err
	}
	env.wl.IterPrefix(prefix, func(e writelog.Entry) bool {
		if e.Kind == writelog.EntryDelete {
			delete(merged, e.Key.String())
		} else {
			merged[e.Key.String()] = e.Value
		}
		return true
	})

	keys := make([]storage.Key, 0, len(merged))
	for ks := range merged {
		keys = append(keys, storage.MustParseKey(ks))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	it := &prefixIter{}
	for _, k := range keys {
		it.entries = append(it.entries, mergedEntry{key: []byte(k.String()), value: merged[k.String()]})
	}

	env.nextID++
	env.iters[env.nextID] = it
	return env.nextID, nil
}

func (env *hostEnv) StorageIterNext(id uint64) ([]byte, []byte, bool, error) {
	it, ok := env.iters[id]
	if !ok {
		return nil, nil, false, fmt.Errorf("%w: unknown iterator %d", ledgererrors.ErrSTrap, id)
	}
	if it.pos >= len(it.entries) {
		return nil, nil, false, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e.key, e.value, true, nil
}

func (env *hostEnv) BlockHeight() uint64 {
	return env.height
}

func (env *hostEnv) BlockTime() uint64 {
	return env.time
}

func (env *hostEnv) EmitEvent(kind, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	*env.events = append(*env.events, Event{Kind: string(kind), Data: cp})
	return nil
}

func (env *hostEnv) VerifySignature(scheme uint8, pubkey, msg, sig []byte) bool {
	return common.VerifySignature(scheme, pubkey, msg, sig)
}

func (env *hostEnv) ChangedKeys() [][]byte {
	return env.changed
}
