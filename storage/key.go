package storage

import (
	"fmt"
	"strings"

	"github.com/keystonechain/keystone/common"
)

// KeySegmentSeparator joins key segments in the human-readable form.
const KeySegmentSeparator = "/"

// Reserved per-account sub-keys. An account's validity predicate code lives
// at <addr>/?, its public key at <addr>/pk.
const (
	PredicateSegment = "?"
	PublicKeySegment = "pk"
)

// Key is a hierarchical storage path: an ordered sequence of non-empty
// string segments. The first segment is the account address that owns the
// key's subtree.
type Key struct {
	Segments []string
}

// ParseKey splits a "/"-separated path into a Key. Empty segments and NUL
// bytes are rejected; NUL is reserved as the on-disk segment separator.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("empty storage key")
	}
	segments := strings.Split(s, KeySegmentSeparator)
	for _, seg := range segments {
		if seg == "" {
			return Key{}, fmt.Errorf("storage key %q has an empty segment", s)
		}
		if strings.ContainsRune(seg, 0) {
			return Key{}, fmt.Errorf("storage key %q contains NUL", s)
		}
	}
	return Key{Segments: segments}, nil
}

// MustParseKey is ParseKey for statically known keys.
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) String() string {
	return strings.Join(k.Segments, KeySegmentSeparator)
}

// IsZero reports whether the key has no segments.
func (k Key) IsZero() bool {
	return len(k.Segments) == 0
}

// Account returns the address owning this key's subtree.
func (k Key) Account() string {
	if len(k.Segments) == 0 {
		return ""
	}
	return k.Segments[0]
}

// Push returns a new key with seg appended.
func (k Key) Push(seg string) Key {
	segments := make([]string, 0, len(k.Segments)+1)
	segments = append(segments, k.Segments...)
	segments = append(segments, seg)
	return Key{Segments: segments}
}

// HasPrefix reports whether p is a segment-wise prefix of k.
func (k Key) HasPrefix(p Key) bool {
	if len(p.Segments) > len(k.Segments) {
		return false
	}
	for i, seg := range p.Segments {
		if k.Segments[i] != seg {
			return false
		}
	}
	return true
}

// Compare orders keys canonically: segment by segment, then by length.
// This is the iteration and drain order everywhere in the state layer.
func (k Key) Compare(other Key) int {
	n := len(k.Segments)
	if len(other.Segments) < n {
		n = len(other.Segments)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(k.Segments[i], other.Segments[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k.Segments) < len(other.Segments):
		return -1
	case len(k.Segments) > len(other.Segments):
		return 1
	default:
		return 0
	}
}

// Encoded returns the on-disk form: segments joined by NUL. NUL sorts below
// every legal segment byte, so byte order over encoded keys equals the
// canonical segment order.
func (k Key) Encoded() []byte {
	return []byte(strings.Join(k.Segments, "\x00"))
}

// DecodeKey reverses Encoded.
func DecodeKey(b []byte) (Key, error) {
	if len(b) == 0 {
		return Key{}, fmt.Errorf("empty encoded storage key")
	}
	segments := strings.Split(string(b), "\x00")
	for _, seg := range segments {
		if seg == "" {
			return Key{}, fmt.Errorf("encoded storage key %x has an empty segment", b)
		}
	}
	return Key{Segments: segments}, nil
}

// Hash returns the tree path for the key: blake2b of its string form.
func (k Key) Hash() common.Hash {
	return common.Blake2Hash([]byte(k.String()))
}

// PredicateKey returns <addr>/? where an account's validity predicate code
// is registered.
func PredicateKey(addr string) Key {
	return Key{Segments: []string{addr, PredicateSegment}}
}

// PublicKeyKey returns <addr>/pk where an account's public key is registered.
func PublicKeyKey(addr string) Key {
	return Key{Segments: []string{addr, PublicKeySegment}}
}
