package ledger

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/keystonechain/keystone/storage"
	"github.com/keystonechain/keystone/writelog"
)

// Token balances live at <token>/balance/<owner> as 32-byte little-endian
// amounts. The token account's predicate governs every transfer, since any
// balance write touches the token account.

func BalanceKey(token, owner string) storage.Key {
	return storage.Key{Segments: []string{token, "balance", owner}}
}

func EncodeAmount(amount *uint256.Int) []byte {
	buf := make([]byte, 32)
	b32 := amount.Bytes32()
	for i := 0; i < 32; i++ {
		buf[i] = b32[31-i]
	}
	return buf
}

func DecodeAmount(data []byte) (*uint256.Int, error) {
	if len(data) != 32 {
		return nil, fmt.Errorf("amount record is %d bytes, want 32", len(data))
	}
	var b32 [32]byte
	for i := 0; i < 32; i++ {
		b32[i] = data[31-i]
	}
	return new(uint256.Int).SetBytes32(b32[:]), nil
}

// ReadBalance reads a balance from the write log's merged view; an absent
// record is a zero balance.
func ReadBalance(wl *writelog.WriteLog, token, owner string) (*uint256.Int, error) {
	value, deleted, found, err := wl.Read(BalanceKey(token, owner))
	if err != nil {
		return nil, err
	}
	if deleted || !found {
		return uint256.NewInt(0), nil
	}
	return DecodeAmount(value)
}

func writeBalance(wl *writelog.WriteLog, token, owner string, amount *uint256.Int) {
	wl.Write(BalanceKey(token, owner), EncodeAmount(amount))
}

// Credit adds amount to owner's balance. Overflow is an error, not a wrap.
func Credit(wl *writelog.WriteLog, token, owner string, amount *uint256.Int) error {
	balance, err := ReadBalance(wl, token, owner)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return fmt.Errorf("credit overflows balance of %s/%s", token, owner)
	}
	writeBalance(wl, token, owner, sum)
	return nil
}

// Debit subtracts amount from owner's balance, failing on insufficient funds.
func Debit(wl *writelog.WriteLog, token, owner string, amount *uint256.Int) error {
	balance, err := ReadBalance(wl, token, owner)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("balance of %s/%s is %s, want %s", token, owner, balance, amount)
	}
	writeBalance(wl, token, owner, new(uint256.Int).Sub(balance, amount))
	return nil
}

// Transfer moves amount between owners under one token.
func Transfer(wl *writelog.WriteLog, token, from, to string, amount *uint256.Int) error {
	if from == to {
		return nil
	}
	if err := Debit(wl, token, from, amount); err != nil {
		return err
	}
	return Credit(wl, token, to, amount)
}
