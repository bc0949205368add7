// Package txn implements the transaction layer: grouping
// multiple B-tree updates into one atomic, crash-safe commit with
// optimistic concurrency and a transparent restart loop.
//
// Manager coordinates many trees (one btree.Tree per fskey.BTreeID)
// inside a single atomic commit, so pre-commit hooks can append
// further updates across the allocator/extent/replicas accounting
// btrees before anything reaches the journal.
package txn

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/mstenber/cowfs/btree"
	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/mlog"
)

// JournalAppender is the minimal journal contract the transaction
// layer needs. The journal
// package implements this; kept as a narrow interface here so txn has
// no import cycle with journal.
type JournalAppender interface {
	Reserve(nbytes int) (func(), error)
	Append(entries []Update) (seq uint64, err error)
}

// Update is one staged change: the btree it targets, a snapshot of the
// key's old value (nil if this is an insert) used for the optimistic
// re-check, and the new key to apply.
type Update struct {
	BTreeID fskey.BTreeID
	OldKey  *fskey.Key
	NewKey  fskey.Key
	Delete  bool
}

// PreCommitHook runs during commit and may append further Updates.
type PreCommitHook func(t *Txn) error

// Manager owns one btree.Tree per BTreeID plus the journal, and
// produces Txn objects.
type Manager struct {
	Trees   map[fskey.BTreeID]*btree.Tree
	Journal JournalAppender
	Hooks   []PreCommitHook

	// RootSink, when set, runs after a commit has applied its updates
	// to every tree's in-memory nodes: it lets a caller durably record
	// each tree's current root pointer and the just-committed journal
	// sequence (e.g. into the superblock) so a later Mount can resume
	// from on-disk nodes and replay only what the roots don't already
	// reflect. Left nil in tests that only exercise the
	// transaction/btree layers in isolation.
	RootSink func(seq uint64) error

	restartLock sync.Mutex // serializes retries so a restarting txn eventually wins
}

// Begin allocates a new Txn bound to self.
func (self *Manager) Begin() *Txn {
	return &Txn{mgr: self}
}

// Run executes body inside a transaction, retrying on
// ferr.ErrTransactionRestart until it commits or body itself returns a
// non-restart error. body must be idempotent / side-effect-free
// outside of the Txn it is given, since it may run more than once.
func (self *Manager) Run(body func(t *Txn) error) error {
	first := true
	for {
		t := self.Begin()
		if err := body(t); err != nil {
			return err
		}
		err := t.Commit()
		if err == nil {
			return nil
		}
		if err != ferr.ErrTransactionRestart {
			return err
		}
		if first {
			self.restartLock.Lock()
			defer self.restartLock.Unlock()
			first = false
		}
		mlog.Printf2("txn/txn", "transaction restarting")
	}
}

// Txn is one attempt at a transaction. It is not safe
// for concurrent use from multiple goroutines.
type Txn struct {
	mgr     *Manager
	updates []Update
	paths   map[fskey.BTreeID]*btree.Path
}

// Stage records an update for commit, reading (and snapshotting) the
// current value at key.Pos first so the commit phase can detect a
// concurrent writer.
func (self *Txn) Stage(btreeID fskey.BTreeID, key fskey.Key, deleteIt bool) error {
	tree, ok := self.mgr.Trees[btreeID]
	if !ok {
		return fmt.Errorf("unknown btree id %v", btreeID)
	}
	path, err := tree.IterInit(key.Pos)
	if err != nil {
		return err
	}
	var oldKey *fskey.Key
	if k := path.IterPeek(); k != nil && k.Pos.Equal(key.Pos) {
		cp := *k
		oldKey = &cp
	}
	if self.paths == nil {
		self.paths = map[fskey.BTreeID]*btree.Path{}
	}
	self.paths[btreeID] = path
	self.updates = append(self.updates, Update{BTreeID: btreeID, OldKey: oldKey, NewKey: key, Delete: deleteIt})
	return nil
}

// Set stages an upsert.
func (self *Txn) Set(btreeID fskey.BTreeID, key fskey.Key) error {
	return self.Stage(btreeID, key, false)
}

// Delete stages a removal.
func (self *Txn) Delete(btreeID fskey.BTreeID, key fskey.Key) error {
	return self.Stage(btreeID, key, true)
}

// Updates exposes the currently-staged update set, for pre-commit
// hooks that need to inspect what this transaction is about to do
// (e.g. the extent trigger recomputing replicas accounting).
func (self *Txn) Updates() []Update { return self.updates }

// Peek returns the live key at pos in btreeID, or nil, without
// staging anything; pre-commit hooks use it to read the current value
// of an entry they are about to rewrite.
func (self *Txn) Peek(btreeID fskey.BTreeID, pos fskey.Position) (*fskey.Key, error) {
	tree, ok := self.mgr.Trees[btreeID]
	if !ok {
		return nil, fmt.Errorf("unknown btree id %v", btreeID)
	}
	path, err := tree.IterInit(pos)
	if err != nil {
		return nil, err
	}
	if k := path.IterPeek(); k != nil && k.Pos.Equal(pos) {
		cp := *k
		return &cp, nil
	}
	return nil, nil
}

// Commit runs the commit phase: pre-commit hooks, journal
// reservation, optimistic re-check, journal append, apply to
// in-memory nodes.
func (self *Txn) Commit() error {
	for _, hook := range self.mgr.Hooks {
		if err := hook(self); err != nil {
			return err
		}
	}

	release, err := self.mgr.Journal.Reserve(estimateSize(self.updates))
	if err != nil {
		return err
	}
	defer release()

	if err := self.recheck(); err != nil {
		return err
	}

	seq, err := self.mgr.Journal.Append(self.updates)
	if err != nil {
		return err
	}

	if err := self.apply(); err != nil {
		return err
	}

	if self.mgr.RootSink != nil {
		if err := self.mgr.RootSink(seq); err != nil {
			return err
		}
		// Once the roots are durable every entry up to seq has been
		// fully applied; reclaim its journal space.
		if p, ok := self.mgr.Journal.(interface{ Prune(uint64) }); ok {
			p.Prune(seq)
		}
	}
	return nil
}

// recheck re-verifies every staged OldKey snapshot still matches the
// live value; a mismatch means a concurrent
// transaction committed first and this one must restart.
func (self *Txn) recheck() error {
	for _, u := range self.updates {
		tree := self.mgr.Trees[u.BTreeID]
		path, err := tree.IterInit(u.NewKey.Pos)
		if err != nil {
			return err
		}
		live := path.IterPeek()
		switch {
		case u.OldKey == nil && live != nil && live.Pos.Equal(u.NewKey.Pos):
			return ferr.ErrTransactionRestart
		case u.OldKey != nil && (live == nil || live.Compare(*u.OldKey) != 0 || !bytes.Equal(live.Value, u.OldKey.Value)):
			return ferr.ErrTransactionRestart
		}
	}
	return nil
}

// apply pushes every staged update into its tree's in-memory nodes,
// marking them dirty under the sequence just journaled.
func (self *Txn) apply() error {
	for _, u := range self.updates {
		tree := self.mgr.Trees[u.BTreeID]
		path, err := tree.IterInit(u.NewKey.Pos)
		if err != nil {
			return err
		}
		if u.Delete {
			if err := tree.Delete(path, u.NewKey); err != nil {
				return err
			}
			continue
		}
		if err := tree.Update(path, u.NewKey); err != nil {
			return err
		}
	}
	return nil
}

func estimateSize(updates []Update) int {
	n := 0
	for _, u := range updates {
		n += len(u.NewKey.Value) + 64
	}
	return n
}
