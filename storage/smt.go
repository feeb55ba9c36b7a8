package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/keystonechain/keystone/codec"
	"github.com/keystonechain/keystone/common"
	"github.com/keystonechain/keystone/ledgererrors"
)

// TreeDepth is the fixed depth of the sparse Merkle tree: one level per bit
// of the blake2b key hash, so every key owns a unique leaf slot.
const TreeDepth = 256

// Node record tags.
const (
	tagLeaf   = 0x00
	tagBranch = 0x01
)

// Nodes and values are hash-addressed: the tree is a flat arena indexed by
// node hash, never a linked structure in memory.
func nodeDBKey(h common.Hash) []byte {
	return append([]byte{'n'}, h.Bytes()...)
}

func valueDBKey(h common.Hash) []byte {
	return append([]byte{'v'}, h.Bytes()...)
}

// leafHash commits to one (key hash, value hash) pair.
func leafHash(keyHash, valueHash common.Hash) common.Hash {
	buf := make([]byte, 0, 1+2*common.HashLength)
	buf = append(buf, tagLeaf)
	buf = append(buf, keyHash.Bytes()...)
	buf = append(buf, valueHash.Bytes()...)
	return common.Blake2Hash(buf)
}

// branchHash combines two child commitments. A branch over two empty
// subtrees is itself empty, which keeps the sparse tree collapsed and makes
// the root independent of where content sits in the key space.
func branchHash(left, right common.Hash) common.Hash {
	if left.IsZero() && right.IsZero() {
		return common.ZeroHash
	}
	buf := make([]byte, 0, 1+2*common.HashLength)
	buf = append(buf, tagBranch)
	buf = append(buf, left.Bytes()...)
	buf = append(buf, right.Bytes()...)
	return common.Blake2Hash(buf)
}

func encodeBranch(left, right common.Hash) []byte {
	rec := make([]byte, 0, 1+2*common.HashLength)
	rec = append(rec, tagBranch)
	rec = append(rec, left.Bytes()...)
	rec = append(rec, right.Bytes()...)
	return rec
}

func encodeLeaf(keyHash, valueHash common.Hash) []byte {
	rec := make([]byte, 0, 1+2*common.HashLength)
	rec = append(rec, tagLeaf)
	rec = append(rec, keyHash.Bytes()...)
	rec = append(rec, valueHash.Bytes()...)
	return rec
}

// TreeItem is one mutation applied to the tree.
type TreeItem struct {
	KeyHash   common.Hash
	Value     []byte
	ValueHash common.Hash
	Delete    bool
}

// Tree is the sparse Merkle tree over a hash-addressed node arena. It holds
// no in-memory state: every operation is a pure function of a root hash and
// the persisted node records, which is what makes historical roots readable
// for as long as their nodes survive.
type Tree struct {
	kv KVStore
}

func NewTree(kv KVStore) *Tree {
	return &Tree{kv: kv}
}

func (t *Tree) getNode(h common.Hash) (byte, common.Hash, common.Hash, error) {
	rec, found, err := t.kv.Get(nodeDBKey(h))
	if err != nil {
		return 0, common.ZeroHash, common.ZeroHash, err
	}
	if !found {
		return 0, common.ZeroHash, common.ZeroHash, fmt.Errorf("%w: node %s missing", ledgererrors.ErrDCorruptNode, h.StringShort())
	}
	if len(rec) != 1+2*common.HashLength || (rec[0] != tagLeaf && rec[0] != tagBranch) {
		return 0, common.ZeroHash, common.ZeroHash, fmt.Errorf("%w: node %s malformed", ledgererrors.ErrDCorruptNode, h.StringShort())
	}
	return rec[0], common.BytesToHash(rec[1 : 1+common.HashLength]), common.BytesToHash(rec[1+common.HashLength:]), nil
}

// Apply folds a set of mutations into the tree rooted at root, staging new
// node and value records into batch, and returns the new root. The result
// depends only on the set of items, not their order: items are partitioned
// by key-hash bits, so two nodes applying the same set in different orders
// converge on the same root.
func (t *Tree) Apply(root common.Hash, items []TreeItem, batch *leveldb.Batch) (common.Hash, error) {
	return t.apply(root, 0, items, batch)
}

func (t *Tree) apply(nodeHash common.Hash, depth int, items []TreeItem, batch *leveldb.Batch) (common.Hash, error) {
	if len(items) == 0 {
		return nodeHash, nil
	}
	if depth == TreeDepth {
		// Unique leaf slot; later items shadow earlier ones.
		it := items[len(items)-1]
		if it.Delete {
			return common.ZeroHash, nil
		}
		leaf := leafHash(it.KeyHash, it.ValueHash)
		batch.Put(nodeDBKey(leaf), encodeLeaf(it.KeyHash, it.ValueHash))
		batch.Put(valueDBKey(it.ValueHash), it.Value)
		return leaf, nil
	}

	var left, right common.Hash
	if !nodeHash.IsZero() {
		tag, l, r, err := t.getNode(nodeHash)
		if err != nil {
			return common.ZeroHash, err
		}
		if tag != tagBranch {
			return common.ZeroHash, fmt.Errorf("%w: leaf %s above full depth", ledgererrors.ErrDCorruptNode, nodeHash.StringShort())
		}
		left, right = l, r
	}

	var leftItems, rightItems []TreeItem
	for _, it := range items {
		if it.KeyHash.Bit(depth) {
			rightItems = append(rightItems, it)
		} else {
			leftItems = append(leftItems, it)
		}
	}

	newLeft, err := t.apply(left, depth+1, leftItems, batch)
	if err != nil {
		return common.ZeroHash, err
	}
	newRight, err := t.apply(right, depth+1, rightItems, batch)
	if err != nil {
		return common.ZeroHash, err
	}

	h := branchHash(newLeft, newRight)
	if !h.IsZero() {
		batch.Put(nodeDBKey(h), encodeBranch(newLeft, newRight))
	}
	return h, nil
}

// Get walks the tree from root to the key's leaf slot. Returns the value
// and true when present.
func (t *Tree) Get(root common.Hash, keyHash common.Hash) ([]byte, bool, error) {
	cur := root
	for depth := 0; depth < TreeDepth; depth++ {
		if cur.IsZero() {
			return nil, false, nil
		}
		tag, l, r, err := t.getNode(cur)
		if err != nil {
			return nil, false, err
		}
		if tag != tagBranch {
			return nil, false, fmt.Errorf("%w: leaf %s above full depth", ledgererrors.ErrDCorruptNode, cur.StringShort())
		}
		if keyHash.Bit(depth) {
			cur = r
		} else {
			cur = l
		}
	}
	if cur.IsZero() {
		return nil, false, nil
	}
	tag, kh, vh, err := t.getNode(cur)
	if err != nil {
		return nil, false, err
	}
	if tag != tagLeaf || kh != keyHash {
		return nil, false, fmt.Errorf("%w: leaf slot %s holds foreign key", ledgererrors.ErrDCorruptNode, cur.StringShort())
	}
	value, found, err := t.kv.Get(valueDBKey(vh))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, fmt.Errorf("%w: value %s missing", ledgererrors.ErrDCorruptNode, vh.StringShort())
	}
	return value, true, nil
}

// Proof is a compact (non-)membership proof: the non-empty siblings along
// the key's path, with a bitmap marking which of the 256 levels they cover.
type Proof struct {
	KeyHash  common.Hash
	Bitmap   [TreeDepth / 8]byte
	Siblings []common.Hash
}

// Prove collects the sibling path for the key's leaf slot under root. Works
// for both present and absent keys; the caller proves which with the value
// argument to VerifyProof.
func (t *Tree) Prove(root common.Hash, keyHash common.Hash) (*Proof, error) {
	p := &Proof{KeyHash: keyHash}
	cur := root
	for depth := 0; depth < TreeDepth; depth++ {
		if cur.IsZero() {
			break
		}
		tag, l, r, err := t.getNode(cur)
		if err != nil {
			return nil, err
		}
		if tag != tagBranch {
			return nil, fmt.Errorf("%w: leaf %s above full depth", ledgererrors.ErrDCorruptNode, cur.StringShort())
		}
		var sibling common.Hash
		if keyHash.Bit(depth) {
			sibling, cur = l, r
		} else {
			sibling, cur = r, l
		}
		if !sibling.IsZero() {
			p.Bitmap[depth/8] |= 1 << (7 - uint(depth%8))
			p.Siblings = append(p.Siblings, sibling)
		}
	}
	return p, nil
}

// VerifyProof checks a proof against a root. value == nil verifies absence;
// otherwise membership of exactly that value.
func VerifyProof(root common.Hash, p *Proof, key Key, value []byte) bool {
	if p == nil || key.Hash() != p.KeyHash {
		return false
	}
	var cur common.Hash
	if value != nil {
		cur = leafHash(p.KeyHash, common.Blake2Hash(value))
	}
	sibIdx := len(p.Siblings) - 1
	for depth := TreeDepth - 1; depth >= 0; depth-- {
		var sibling common.Hash
		if p.Bitmap[depth/8]&(1<<(7-uint(depth%8))) != 0 {
			if sibIdx < 0 {
				return false
			}
			sibling = p.Siblings[sibIdx]
			sibIdx--
		}
		if p.KeyHash.Bit(depth) {
			cur = branchHash(sibling, cur)
		} else {
			cur = branchHash(cur, sibling)
		}
	}
	return sibIdx == -1 && cur == root
}

// Encode serializes the proof canonically.
func (p *Proof) Encode() []byte {
	e := codec.NewEncoder()
	e.PutRaw(p.KeyHash.Bytes())
	e.PutRaw(p.Bitmap[:])
	e.PutUint32(uint32(len(p.Siblings)))
	for _, s := range p.Siblings {
		e.PutRaw(s.Bytes())
	}
	return e.Bytes()
}

// DecodeProof reverses Encode.
func DecodeProof(data []byte) (*Proof, error) {
	d := codec.NewDecoder(data)
	p := &Proof{}
	p.KeyHash = common.BytesToHash(d.Raw(common.HashLength))
	copy(p.Bitmap[:], d.Raw(len(p.Bitmap)))
	n := d.Uint32()
	if d.Err() != nil {
		return nil, d.Err()
	}
	if n > TreeDepth {
		return nil, fmt.Errorf("proof sibling count %d out of range", n)
	}
	for i := uint32(0); i < n; i++ {
		p.Siblings = append(p.Siblings, common.BytesToHash(d.Raw(common.HashLength)))
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return p, nil
}
