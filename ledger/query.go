package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keystonechain/keystone/common"
	"github.com/keystonechain/keystone/ledgererrors"
	"github.com/keystonechain/keystone/storage"
)

// QueryLatest selects the current committed height.
const QueryLatest = ^uint64(0)

var queryTracer = otel.Tracer("keystone/query")

// QueryResult is one read served from committed state, optionally carrying
// a Merkle proof for the root at the resolved height.
type QueryResult struct {
	Height uint64
	Value  []byte // nil when the key is absent
	Found  bool
	Proof  []byte // encoded proof, when requested
}

func (l *Ledger) resolveHeight(height uint64) (uint64, error) {
	if height == QueryLatest {
		return l.store.Height(), nil
	}
	if height > l.store.Height() {
		return 0, fmt.Errorf("%w: height %d beyond committed %d", ledgererrors.ErrQHeightUnavailable, height, l.store.Height())
	}
	return height, nil
}

// Value reads one key at the given height. With prove set, the result
// carries a membership or absence proof against that height's root.
func (l *Ledger) Value(ctx context.Context, rawKey string, height uint64, prove bool) (*QueryResult, error) {
	_, span := queryTracer.Start(ctx, "query.Value", trace.WithAttributes(
		attribute.String("key", rawKey),
		attribute.Bool("prove", prove),
	))
	defer span.End()

	key, err := storage.ParseKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledgererrors.ErrQInvalidKey, err)
	}
	h, err := l.resolveHeight(height)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("height", int64(h)))

	res := &QueryResult{Height: h}
	if prove {
		proof, value, err := l.store.Prove(key, h)
		if err != nil {
			return nil, err
		}
		res.Value = value
		res.Found = value != nil
		res.Proof = proof.Encode()
		return res, nil
	}
	value, found, err := l.store.Read(key, h)
	if err != nil {
		return nil, err
	}
	res.Value = value
	res.Found = found
	return res, nil
}

// HasKey reports key presence at the given height.
func (l *Ledger) HasKey(ctx context.Context, rawKey string, height uint64) (bool, error) {
	res, err := l.Value(ctx, rawKey, height, false)
	if err != nil {
		return false, err
	}
	return res.Found, nil
}

// Prefix collects every key-value pair under prefix from the current
// committed state, in canonical key order.
func (l *Ledger) Prefix(ctx context.Context, rawPrefix string) ([]storage.Key, [][]byte, error) {
	_, span := queryTracer.Start(ctx, "query.Prefix", trace.WithAttributes(
		attribute.String("prefix", rawPrefix),
	))
	defer span.End()

	prefix, err := storage.ParseKey(rawPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ledgererrors.ErrQInvalidKey, err)
	}
	var keys []storage.Key
	var values [][]byte
	if err := l.store.IterPrefix(prefix, func(key storage.Key, value []byte) bool {
		keys = append(keys, key)
		values = append(values, value)
		return true
	}); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

// Root returns the state root at the given height, subject to the
// retention window.
func (l *Ledger) Root(ctx context.Context, height uint64) (common.Hash, uint64, error) {
	_, span := queryTracer.Start(ctx, "query.Root")
	defer span.End()

	h, err := l.resolveHeight(height)
	if err != nil {
		return common.Hash{}, 0, err
	}
	root, err := l.store.RootAt(h)
	if err != nil {
		return common.Hash{}, 0, err
	}
	return root, h, nil
}

// VerifyValue checks an encoded proof against a root for a key and an
// expected value; nil value checks absence.
func VerifyValue(root common.Hash, encodedProof []byte, rawKey string, value []byte) error {
	key, err := storage.ParseKey(rawKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ledgererrors.ErrQInvalidKey, err)
	}
	proof, err := storage.DecodeProof(encodedProof)
	if err != nil {
		return fmt.Errorf("%w: %v", ledgererrors.ErrQProofMismatch, err)
	}
	if !storage.VerifyProof(root, proof, key, value) {
		return ledgererrors.ErrQProofMismatch
	}
	return nil
}
