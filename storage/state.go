package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/keystonechain/keystone/codec"
	"github.com/keystonechain/keystone/common"
	"github.com/keystonechain/keystone/ledgererrors"
	"github.com/keystonechain/keystone/log"
)

// StoreFormatVersion gates the persisted layout. Opening a store written by
// an incompatible binary fails fast instead of loading corrupt state.
const StoreFormatVersion = 1

var metaDBKey = []byte("meta")

func flatDBKey(k Key) []byte {
	return append([]byte{'f'}, k.Encoded()...)
}

func rootDBKey(height uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = 'r'
	binary.BigEndian.PutUint64(buf[1:], height)
	return buf
}

// Entry is one mutation in a block's committed batch.
type Entry struct {
	Key    Key
	Value  []byte
	Delete bool
}

// State is the authenticated, versioned key-value store. It is mutated only
// through WriteBatch at block-commit boundaries; all read paths serve
// committed state and are safe to use concurrently with each other.
type State struct {
	mu     sync.RWMutex
	kv     KVStore
	tree   *Tree
	height uint64
	root   common.Hash
	window uint64
}

// NewState opens the authenticated store over kv, creating the meta record
// on first use. window is the number of historical roots retained.
func NewState(kv KVStore, window uint64) (*State, error) {
	if window == 0 {
		return nil, fmt.Errorf("retention window must be nonzero")
	}
	s := &State{kv: kv, tree: NewTree(kv), window: window}

	rec, found, err := kv.Get(metaDBKey)
	if err != nil {
		return nil, err
	}
	if !found {
		batch := new(leveldb.Batch)
		batch.Put(metaDBKey, s.encodeMeta())
		batch.Put(rootDBKey(0), common.ZeroHash.Bytes())
		if err := kv.Write(batch); err != nil {
			return nil, err
		}
		log.Info(log.StoreMonitoring, "initialized empty store", "window", window)
		return s, nil
	}

	d := codec.NewDecoder(rec)
	version := d.Uint32()
	s.height = d.Uint64()
	s.root = common.BytesToHash(d.Raw(common.HashLength))
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("%w: meta record: %v", ledgererrors.ErrDFormatMismatch, err)
	}
	if version != StoreFormatVersion {
		return nil, fmt.Errorf("%w: store format %d, binary supports %d", ledgererrors.ErrDFormatMismatch, version, StoreFormatVersion)
	}
	log.Info(log.StoreMonitoring, "opened store", "height", s.height, "root", s.root.StringShort())
	return s, nil
}

func (s *State) encodeMeta() []byte {
	e := codec.NewEncoder()
	e.PutUint32(StoreFormatVersion)
	e.PutUint64(s.height)
	e.PutRaw(s.root.Bytes())
	return e.Bytes()
}

// Height returns the last committed block height.
func (s *State) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

// Root returns the current committed root.
func (s *State) Root() common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// RootAt returns the root committed at the given height, or
// ErrQHeightUnavailable when the height is unknown or pruned.
func (s *State) RootAt(height uint64) (common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if height > s.height {
		return common.ZeroHash, fmt.Errorf("%w: height %d not yet committed", ledgererrors.ErrQHeightUnavailable, height)
	}
	rec, found, err := s.kv.Get(rootDBKey(height))
	if err != nil {
		return common.ZeroHash, err
	}
	if !found {
		return common.ZeroHash, fmt.Errorf("%w: height %d pruned", ledgererrors.ErrQHeightUnavailable, height)
	}
	return common.BytesToHash(rec), nil
}

// Read returns the value of key at the given height, walking the Merkle
// tree rooted there. A nil value with found == false means the key was
// absent at that height.
func (s *State) Read(key Key, height uint64) ([]byte, bool, error) {
	root, err := s.RootAt(height)
	if err != nil {
		return nil, false, err
	}
	return s.tree.Get(root, key.Hash())
}

// ReadCurrent serves the flat current-state namespace, bypassing the tree.
// This is the fall-through path for write-log reads during execution.
func (s *State) ReadCurrent(key Key) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kv.Get(flatDBKey(key))
}

// Prove produces a (non-)membership proof for key at height, along with the
// value present there (nil when absent).
func (s *State) Prove(key Key, height uint64) (*Proof, []byte, error) {
	root, err := s.RootAt(height)
	if err != nil {
		return nil, nil, err
	}
	value, found, err := s.tree.Get(root, key.Hash())
	if err != nil {
		return nil, nil, err
	}
	proof, err := s.tree.Prove(root, key.Hash())
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return proof, nil, nil
	}
	return proof, value, nil
}

// WriteBatch commits a block's surviving entries atomically and returns the
// new root. height must be exactly the next height. Either every entry, the
// new root record, and the meta update land together, or the store is left
// exactly as it was; on failure the prior root remains valid and queryable.
func (s *State) WriteBatch(entries []Entry, height uint64) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if height != s.height+1 {
		return common.ZeroHash, fmt.Errorf("%w: commit height %d, committed %d", ledgererrors.ErrDHeightRegression, height, s.height)
	}

	// Last-writer-wins per key, then canonical order. The root is a
	// function of the resulting set, not of the order entries arrived in.
	byKey := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byKey[e.Key.String()] = e
	}
	sorted := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Compare(sorted[j].Key) < 0 })

	items := make([]TreeItem, 0, len(sorted))
	for _, e := range sorted {
		it := TreeItem{KeyHash: e.Key.Hash(), Delete: e.Delete}
		if !e.Delete {
			it.Value = e.Value
			it.ValueHash = common.Blake2Hash(e.Value)
		}
		items = append(items, it)
	}

	batch := new(leveldb.Batch)
	newRoot, err := s.tree.Apply(s.root, items, batch)
	if err != nil {
		return common.ZeroHash, fmt.Errorf("%w: %v", ledgererrors.ErrDCommitFailed, err)
	}

	for _, e := range sorted {
		if e.Delete {
			batch.Delete(flatDBKey(e.Key))
		} else {
			batch.Put(flatDBKey(e.Key), e.Value)
		}
	}
	batch.Put(rootDBKey(height), newRoot.Bytes())
	if height >= s.window {
		batch.Delete(rootDBKey(height - s.window))
	}

	prevHeight, prevRoot := s.height, s.root
	s.height, s.root = height, newRoot
	batch.Put(metaDBKey, s.encodeMeta())

	if err := s.kv.Write(batch); err != nil {
		s.height, s.root = prevHeight, prevRoot
		return common.ZeroHash, fmt.Errorf("%w: %v", ledgererrors.ErrDCommitFailed, err)
	}

	log.Debug(log.StoreMonitoring, "committed block", "height", height, "entries", len(sorted), "root", newRoot.StringShort())
	return newRoot, nil
}

// IterPrefix walks the current committed state in canonical key order,
// visiting every key at or under prefix until fn returns false.
func (s *State) IterPrefix(prefix Key, fn func(key Key, value []byte) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := flatDBKey(prefix)
	limit := append(append([]byte{}, start...), 0x01)
	iter := s.kv.NewIterator(&util.Range{Start: start, Limit: limit})
	defer iter.Release()

	sep := append(append([]byte{}, start...), 0x00)
	for iter.Next() {
		dbKey := iter.Key()
		// The range catches sibling segments sharing the byte prefix;
		// keep only the prefix key itself and true descendants.
		if !bytes.Equal(dbKey, start) && !bytes.HasPrefix(dbKey, sep) {
			continue
		}
		key, err := DecodeKey(dbKey[1:])
		if err != nil {
			return err
		}
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		if !fn(key, value) {
			break
		}
	}
	return iter.Error()
}

// Close releases the underlying persistence handle.
func (s *State) Close() error {
	return s.kv.Close()
}
