// Package writelog implements the in-memory overlay holding a block's
// pending, uncommitted mutations. Reads are serviced from the log first and
// fall through to the committed store on a miss; deletions shadow the
// underlying value without touching history. Scopes support per-transaction
// isolation: fork before running a transaction, merge on acceptance,
// discard on rejection.
package writelog

import (
	"fmt"
	"sort"

	"github.com/keystonechain/keystone/log"
	"github.com/keystonechain/keystone/storage"
)

// EntryKind discriminates write-log entries.
type EntryKind uint8

const (
	EntryWrite EntryKind = iota
	EntryDelete
)

// Entry is one pending mutation, with provenance: the account whose subtree
// the key falls under, so validity-predicate fan-out never rescans the log.
type Entry struct {
	Key     storage.Key
	Value   []byte
	Kind    EntryKind
	Account string
}

// ReadFunc is the fall-through reader into committed state.
type ReadFunc func(storage.Key) ([]byte, bool, error)

type scope struct {
	entries map[string]Entry
	touched map[string]struct{}
}

func newScope() *scope {
	return &scope{
		entries: make(map[string]Entry),
		touched: make(map[string]struct{}),
	}
}

// WriteLog is the scoped overlay. The zero scope is the block scope; each
// transaction runs in a forked scope on top of it.
type WriteLog struct {
	scopes      []*scope
	fallThrough ReadFunc
}

// New creates a write log with a single (block) scope.
func New(fallThrough ReadFunc) *WriteLog {
	return &WriteLog{
		scopes:      []*scope{newScope()},
		fallThrough: fallThrough,
	}
}

func (wl *WriteLog) top() *scope {
	return wl.scopes[len(wl.scopes)-1]
}

// Write stages a write in the innermost scope, last-writer-wins.
func (wl *WriteLog) Write(key storage.Key, value []byte) {
	s := wl.top()
	s.entries[key.String()] = Entry{Key: key, Value: value, Kind: EntryWrite, Account: key.Account()}
	s.touched[key.Account()] = struct{}{}
	log.Trace(log.WriteLogMonitoring, "write", "key", key.String(), "len", len(value))
}

// Delete stages a deletion in the innermost scope. The committed value is
// shadowed, not removed.
func (wl *WriteLog) Delete(key storage.Key) {
	s := wl.top()
	s.entries[key.String()] = Entry{Key: key, Kind: EntryDelete, Account: key.Account()}
	s.touched[key.Account()] = struct{}{}
	log.Trace(log.WriteLogMonitoring, "delete", "key", key.String())
}

// Read resolves a key through the scopes, innermost first, then falls
// through to committed state. deleted reports a shadowing deletion.
func (wl *WriteLog) Read(key storage.Key) (value []byte, deleted bool, found bool, err error) {
	ks := key.String()
	for i := len(wl.scopes) - 1; i >= 0; i-- {
		if e, ok := wl.scopes[i].entries[ks]; ok {
			if e.Kind == EntryDelete {
				return nil, true, false, nil
			}
			return e.Value, false, true, nil
		}
	}
	if wl.fallThrough == nil {
		return nil, false, false, nil
	}
	v, ok, err := wl.fallThrough(key)
	if err != nil {
		return nil, false, false, err
	}
	return v, false, ok, nil
}

// Has reports whether the key resolves to a live value.
func (wl *WriteLog) Has(key storage.Key) (bool, error) {
	_, deleted, found, err := wl.Read(key)
	if err != nil {
		return false, err
	}
	return found && !deleted, nil
}

// Fork pushes a fresh scope. Subsequent writes land there until Merge or
// Discard.
func (wl *WriteLog) Fork() {
	wl.scopes = append(wl.scopes, newScope())
}

// Merge folds the innermost scope into its parent.
func (wl *WriteLog) Merge() error {
	if len(wl.scopes) < 2 {
		return fmt.Errorf("write log: merge without fork")
	}
	child := wl.top()
	wl.scopes = wl.scopes[:len(wl.scopes)-1]
	parent := wl.top()
	for ks, e := range child.entries {
		parent.entries[ks] = e
	}
	for acct := range child.touched {
		parent.touched[acct] = struct{}{}
	}
	return nil
}

// Discard drops the innermost scope and everything staged in it.
func (wl *WriteLog) Discard() error {
	if len(wl.scopes) < 2 {
		return fmt.Errorf("write log: discard without fork")
	}
	wl.scopes = wl.scopes[:len(wl.scopes)-1]
	return nil
}

// Depth returns the number of open scopes.
func (wl *WriteLog) Depth() int {
	return len(wl.scopes)
}

// ScopeEntries returns the innermost scope's surviving entries in canonical
// key order, without consuming them.
func (wl *WriteLog) ScopeEntries() []Entry {
	return sortedEntries(wl.top())
}

// TouchedAccounts returns the distinct account prefixes touched in the
// innermost scope, sorted. This drives validity-predicate fan-out.
func (wl *WriteLog) TouchedAccounts() []string {
	s := wl.top()
	accounts := make([]string, 0, len(s.touched))
	for acct := range s.touched {
		accounts = append(accounts, acct)
	}
	sort.Strings(accounts)
	return accounts
}

// Drain returns every surviving entry in canonical key order and resets the
// log. It requires all forks to be resolved first.
func (wl *WriteLog) Drain() ([]Entry, error) {
	if len(wl.scopes) != 1 {
		return nil, fmt.Errorf("write log: drain with %d unresolved forks", len(wl.scopes)-1)
	}
	entries := sortedEntries(wl.top())
	wl.scopes = []*scope{newScope()}
	return entries, nil
}

func sortedEntries(s *scope) []Entry {
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.Compare(entries[j].Key) < 0 })
	return entries
}

// IterPrefix visits live overlay entries under prefix in canonical order.
// Committed state is not consulted; callers merge the two views.
func (wl *WriteLog) IterPrefix(prefix storage.Key, fn func(e Entry) bool) {
	seen := make(map[string]struct{})
	var merged []Entry
	for i := len(wl.scopes) - 1; i >= 0; i-- {
		for ks, e := range wl.scopes[i].entries {
			if _, ok := seen[ks]; ok {
				continue
			}
			seen[ks] = struct{}{}
			if e.Key.HasPrefix(prefix) {
				merged = append(merged, e)
			}
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Key.Compare(merged[j].Key) < 0 })
	for _, e := range merged {
		if !fn(e) {
			return
		}
	}
}
