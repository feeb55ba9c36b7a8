package ledger

import (
	"fmt"

	"github.com/keystonechain/keystone/common"
	"github.com/keystonechain/keystone/gas"
	"github.com/keystonechain/keystone/ledgererrors"
	"github.com/keystonechain/keystone/log"
	"github.com/keystonechain/keystone/params"
	"github.com/keystonechain/keystone/storage"
	"github.com/keystonechain/keystone/svm"
	"github.com/keystonechain/keystone/writelog"
)

// predicateCode looks up the validity predicate installed for an account.
// The committed copy wins; a predicate installed by the very transaction
// under validation is visible through the overlay, so accounts created in
// this transaction are governed by the predicate they ship with.
func predicateCode(store *storage.State, wl *writelog.WriteLog, account string) ([]byte, bool, error) {
	key := storage.PredicateKey(account)
	code, found, err := store.ReadCurrent(key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return code, true, nil
	}
	value, deleted, found, err := wl.Read(key)
	if err != nil {
		return nil, false, err
	}
	if deleted || !found {
		return nil, false, nil
	}
	return value, true, nil
}

// runValidity checks every account touched by the transaction's write set.
// All predicates share the transaction's gas meter. The first rejection
// wins; a transaction is accepted only when every touched account accepts.
func runValidity(l *Ledger, ctx *BlockContext, tx *Tx, meter *gas.Meter, events *[]Event) error {
	signers := tx.ValidSigners()
	for _, account := range ctx.wl.TouchedAccounts() {
		code, found, err := predicateCode(l.store, ctx.wl, account)
		if err != nil {
			return err
		}
		if !found {
			if err := defaultPolicy(l, ctx, account, signers); err != nil {
				return err
			}
			continue
		}
		if err := runPredicate(l, ctx, account, code, meter, events); err != nil {
			return err
		}
	}
	return nil
}

// runPredicate executes one account's predicate in a read-only sandbox.
// Acceptance is an orderly halt with r7 == 1; anything else rejects.
func runPredicate(l *Ledger, ctx *BlockContext, account string, blob []byte, meter *gas.Meter, events *[]Event) error {
	code, err := svm.Validate(blob, l.params.MaxCodeSize)
	if err != nil {
		return fmt.Errorf("%w: account %s: %v", ledgererrors.ErrVPredicateRejected, account, err)
	}

	env := newPredicateEnv(l.store, ctx.wl, ctx.height, ctx.time, events, account)
	vm := svm.NewVM(code, svm.NewRAM(l.params.MemoryBytes), meter, env, &l.params.Gas, l.params.StepLimit)
	if err := vm.SetInput([]byte(account)); err != nil {
		return fmt.Errorf("%w: account %s: %v", ledgererrors.ErrVPredicateRejected, account, err)
	}
	vm.Run()

	switch vm.MachineState {
	case svm.MachineOOG:
		return ledgererrors.ErrGOutOfGas
	case svm.MachineHalt:
		if vm.ReturnCode() == 1 {
			return nil
		}
		return fmt.Errorf("%w: account %s returned %d", ledgererrors.ErrVPredicateRejected, account, vm.ReturnCode())
	default:
		log.Debug(log.LedgerMonitoring, "predicate trapped", "account", account, "cause", vm.TrapCause)
		return fmt.Errorf("%w: account %s trapped: %v", ledgererrors.ErrVPredicateRejected, account, vm.TrapCause)
	}
}

// defaultPolicy governs accounts with no installed predicate. Under the
// signature policy an account with a registered public key demands that
// key among the transaction's valid signers; an account with no key
// accepts any validly signed transaction. The reject policy closes the
// ledger to unguarded accounts entirely.
func defaultPolicy(l *Ledger, ctx *BlockContext, account string, signers map[string]bool) error {
	if l.params.DefaultPredicate == params.DefaultPredicateReject {
		return fmt.Errorf("%w: account %s", ledgererrors.ErrVDefaultReject, account)
	}
	pk, found, err := l.store.ReadCurrent(storage.PublicKeyKey(account))
	if err != nil {
		return err
	}
	if !found {
		if value, deleted, ok, err := ctx.wl.Read(storage.PublicKeyKey(account)); err != nil {
			return err
		} else if ok && !deleted {
			pk, found = value, true
		}
	}
	if found {
		if len(pk) == 0 {
			return fmt.Errorf("%w: account %s: empty key record", ledgererrors.ErrVNoValidSignature, account)
		}
		addr := common.PubKeyToAddress(pk[0], pk[1:])
		if !signers[addr] {
			return fmt.Errorf("%w: account %s wants %s", ledgererrors.ErrVNoValidSignature, account, addr)
		}
		return nil
	}
	if len(signers) == 0 {
		return fmt.Errorf("%w: account %s", ledgererrors.ErrVNoValidSignature, account)
	}
	return nil
}
