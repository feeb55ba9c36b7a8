// Package ledger applies blocks of transactions against the authenticated
// store. A block runs begin_block, a deliver per transaction, end_block,
// then commit; every state mutation flows through a block-scoped write log
// and reaches disk only in commit's single atomic batch.
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

type blockStage uint8

const (
	stageIdle blockStage = iota
	stageOpen
	stageEnded
)

// Ledger owns the committed store and the chain parameters. One Ledger
// drives one chain; block application is strictly sequential.
type Ledger struct {
	store  *storage.State
	params *params.ChainParams
}

// BlockContext is the mutable state of one block under construction. It is
// created by BeginBlock and consumed by Commit.
type BlockContext struct {
	height uint64
	time   uint64

	wl      *writelog.WriteLog
	results []ExecutionResult
	events  []Event
	stage   blockStage
}

func New(store *storage.State, p *params.ChainParams) *Ledger {
	return &Ledger{store: store, params: p}
}

func (l *Ledger) Store() *storage.State {
	return l.store
}

func (l *Ledger) Params() *params.ChainParams {
	return l.params
}

// BeginBlock opens block application at the next height. Exactly one block
// may be open at a time.
func (l *Ledger) BeginBlock(height, time uint64) (*BlockContext, error) {
	if height != l.store.Height()+1 {
		return nil, fmt.Errorf("%w: begin %d over committed %d", ledgererrors.ErrDHeightRegression, height, l.store.Height())
	}
	ctx := &BlockContext{
		height: height,
		time:   time,
		wl:     writelog.New(l.store.ReadCurrent),
		stage:  stageOpen,
	}
	log.Debug(log.LedgerMonitoring, "begin block", "height", height, "time", time)
	return ctx, nil
}

// Deliver executes one transaction inside the open block. It always
// returns a result; transaction failure is a result status, not an error.
// The returned error is reserved for block-sequencing misuse.
func (l *Ledger) Deliver(ctx *BlockContext, raw []byte) (ExecutionResult, error) {
	if ctx.stage != stageOpen {
		return ExecutionResult{}, fmt.Errorf("%w: deliver outside an open block", ledgererrors.ErrDBlockScopeMisuse)
	}
	index := len(ctx.results)
	res := l.deliverTx(ctx, raw)
	ctx.results = append(ctx.results, res)
	ctx.events = append(ctx.events, resultEvent(index, res))
	if res.Status == StatusAccepted {
		ctx.events = append(ctx.events, res.Events...)
	}
	log.Debug(log.LedgerMonitoring, "delivered tx",
		"height", ctx.height, "index", index,
		"status", res.Status.String(), "reason", res.Reason, "gas", res.GasUsed)
	return res, nil
}

func (l *Ledger) deliverTx(ctx *BlockContext, raw []byte) ExecutionResult {
	tx, err := DecodeTx(raw)
	if err != nil {
		return ExecutionResult{Status: StatusRejected, Reason: ledgererrors.GetErrorCode(ledgererrors.ErrVBadTxEncoding)}
	}

	meter := gas.NewMeter(l.params.TxGasLimit)
	if err := meter.Consume(gas.MulCost(l.params.Gas.VerifySignature, len(tx.Sigs))); err != nil {
		return l.failed(meter, StatusOutOfGas, err, nil)
	}

	code, err := svm.Validate(tx.Code, l.params.MaxCodeSize)
	if err != nil {
		return l.failed(meter, StatusRejected, err, nil)
	}

	ctx.wl.Fork()
	var txEvents []Event
	env := newTxEnv(l.store, ctx.wl, ctx.height, ctx.time, &txEvents)
	vm := svm.NewVM(code, svm.NewRAM(l.params.MemoryBytes), meter, env, &l.params.Gas, l.params.StepLimit)
	if err := vm.SetInput(tx.Data); err != nil {
		ctx.wl.Discard()
		return l.failed(meter, StatusTrap, fmt.Errorf("%w: %v", ledgererrors.ErrSTrap, err), txEvents)
	}
	vm.Run()

	switch vm.MachineState {
	case svm.MachineOOG:
		ctx.wl.Discard()
		return l.failed(meter, StatusOutOfGas, ledgererrors.ErrGOutOfGas, txEvents)
	case svm.MachinePanic:
		ctx.wl.Discard()
		return l.failed(meter, StatusTrap, vm.TrapCause, txEvents)
	}

	if err := runValidity(l, ctx, tx, meter, &txEvents); err != nil {
		ctx.wl.Discard()
		if meter.Exhausted() {
			return l.failed(meter, StatusOutOfGas, ledgererrors.ErrGOutOfGas, txEvents)
		}
		return l.failed(meter, StatusRejected, err, txEvents)
	}

	ctx.wl.Merge()
	return ExecutionResult{
		Status:     StatusAccepted,
		GasUsed:    meter.Used(),
		GasCharged: meter.Used(),
		Events:     txEvents,
	}
}

// failed records the full burned budget and the events emitted before the
// failure; charge_failed_tx only decides whether the burn is billed.
func (l *Ledger) failed(meter *gas.Meter, status Status, cause error, events []Event) ExecutionResult {
	res := ExecutionResult{
		Status:  status,
		Reason:  ledgererrors.GetErrorCode(cause),
		GasUsed: meter.Used(),
		Events:  events,
	}
	if l.params.ChargeFailedTx {
		res.GasCharged = meter.Used()
	}
	return res
}

// EndBlock closes the block to further transactions. Protocol-level
// end-of-block work would run here; the block's write set is frozen.
func (l *Ledger) EndBlock(ctx *BlockContext) error {
	if ctx.stage != stageOpen {
		return fmt.Errorf("%w: end_block outside an open block", ledgererrors.ErrDBlockScopeMisuse)
	}
	ctx.stage = stageEnded
	return nil
}

// Commit drains the block's write log into one atomic store batch and
// advances the committed height. A commit failure is fatal to the chain:
// the store may not be advanced by any other means.
func (l *Ledger) Commit(ctx *BlockContext) (common.Hash, []ExecutionResult, error) {
	if ctx.stage != stageEnded {
		return common.Hash{}, nil, fmt.Errorf("%w: commit before end_block", ledgererrors.ErrDBlockScopeMisuse)
	}
	entries, err := ctx.wl.Drain()
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("%w: %v", ledgererrors.ErrDBlockScopeMisuse, err)
	}
	batch := make([]storage.Entry, 0, len(entries))
	for _, e := range entries {
		batch = append(batch, storage.Entry{
			Key:    e.Key,
			Value:  e.Value,
			Delete: e.Kind == writelog.EntryDelete,
		})
	}
	root, err := l.store.WriteBatch(batch, ctx.height)
	if err != nil {
		log.Crit(log.LedgerMonitoring, "block commit failed", "height", ctx.height, "err", err)
		return common.Hash{}, nil, err
	}
	ctx.stage = stageIdle
	log.Info(log.LedgerMonitoring, "committed block",
		"height", ctx.height, "root", root.Hex(), "txs", len(ctx.results), "writes", len(batch))
	return root, ctx.results, nil
}

// Events returns everything emitted so far in the open block, result
// events included, in emission order.
func (ctx *BlockContext) Events() []Event {
	return ctx.events
}
