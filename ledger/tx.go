package ledger

import (
	"fmt"

	"github.com/keystonechain/keystone/codec"
	"github.com/keystonechain/keystone/common"
	"github.com/keystonechain/keystone/ledgererrors"
)

// AuthSig is one entry of a transaction's declared signer set.
type AuthSig struct {
	Scheme    uint8
	PubKey    []byte
	Signature []byte
}

// Tx is the unit of work delivered by consensus: a code blob to run in the
// sandbox, its argument data, and the signatures authorizing it.
type Tx struct {
	Code []byte
	Data []byte
	Sigs []AuthSig
}

// Encode serializes the transaction canonically.
func (tx *Tx) Encode() []byte {
	e := codec.NewEncoder()
	e.PutBytes(tx.Code)
	e.PutBytes(tx.Data)
	e.PutUint32(uint32(len(tx.Sigs)))
	for _, s := range tx.Sigs {
		e.PutByte(s.Scheme)
		e.PutBytes(s.PubKey)
		e.PutBytes(s.Signature)
	}
	return e.Bytes()
}

// DecodeTx reverses Encode.
func DecodeTx(data []byte) (*Tx, error) {
	d := codec.NewDecoder(data)
	tx := &Tx{}
	tx.Code = d.Bytes()
	tx.Data = d.Bytes()
	n := d.Uint32()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ledgererrors.ErrVBadTxEncoding, d.Err())
	}
	if n > 64 {
		return nil, fmt.Errorf("%w: %d signatures", ledgererrors.ErrVBadTxEncoding, n)
	}
	for i := uint32(0); i < n; i++ {
		s := AuthSig{Scheme: d.Byte()}
		s.PubKey = d.Bytes()
		s.Signature = d.Bytes()
		tx.Sigs = append(tx.Sigs, s)
	}
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %v", ledgererrors.ErrVBadTxEncoding, err)
	}
	return tx, nil
}

// SigHash is the message every signature covers: the blake2b hash of the
// canonical code and data fields.
func (tx *Tx) SigHash() common.Hash {
	e := codec.NewEncoder()
	e.PutBytes(tx.Code)
	e.PutBytes(tx.Data)
	return common.Blake2Hash(e.Bytes())
}

// ValidSigners verifies every declared signature and returns the set of
// account addresses with a valid one. Invalid signatures are dropped, not
// fatal: whether a missing signer matters is the validity engine's call.
func (tx *Tx) ValidSigners() map[string]bool {
	signers := make(map[string]bool)
	msg := tx.SigHash().Bytes()
	for _, s := range tx.Sigs {
		if common.VerifySignature(s.Scheme, s.PubKey, msg, s.Signature) {
			signers[common.PubKeyToAddress(s.Scheme, s.PubKey)] = true
		}
	}
	return signers
}
