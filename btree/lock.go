package btree

import "sync"

// SixStateLock is the per-node lock with read, intent and write
// modes: intent excludes intent and write; read excludes write. The
// name counts the distinct hold/wait combinations a path can be in
// (unlocked, read, read+intent-waiting, intent, intent+write-waiting,
// write); callers only ever see the three acquire methods below.
type SixStateLock struct {
	mu      sync.Mutex
	cond    sync.Cond
	readers int
	intent  bool
	write   bool
}

func (self *SixStateLock) init() {
	if self.cond.L == nil {
		self.cond.L = &self.mu
	}
}

// LockRead blocks until no writer holds the node, then registers a
// reader. Multiple readers may hold simultaneously.
func (self *SixStateLock) LockRead() {
	self.mu.Lock()
	self.init()
	for self.write {
		self.cond.Wait()
	}
	self.readers++
	self.mu.Unlock()
}

func (self *SixStateLock) UnlockRead() {
	self.mu.Lock()
	self.readers--
	if self.readers == 0 {
		self.cond.Broadcast()
	}
	self.mu.Unlock()
}

// LockIntent blocks until no other intent or write holder exists, then
// marks intent held. Intent is compatible with concurrent readers; it
// exists so a path walking down toward a mutation doesn't need to take
// a write lock (and thus block readers) until it knows which leaf it
// will actually modify.
func (self *SixStateLock) LockIntent() {
	self.mu.Lock()
	self.init()
	for self.intent || self.write {
		self.cond.Wait()
	}
	self.intent = true
	self.mu.Unlock()
}

func (self *SixStateLock) UnlockIntent() {
	self.mu.Lock()
	self.intent = false
	self.cond.Broadcast()
	self.mu.Unlock()
}

// UpgradeToWrite blocks until every reader has released, then marks
// write held; the caller must already hold intent. Write excludes new
// readers (LockRead blocks) but does not itself exclude intent - the
// holder's own intent flag stays set until UnlockWrite.
func (self *SixStateLock) UpgradeToWrite() {
	self.mu.Lock()
	for self.readers > 0 {
		self.cond.Wait()
	}
	self.write = true
	self.mu.Unlock()
}

func (self *SixStateLock) UnlockWrite() {
	self.mu.Lock()
	self.write = false
	self.intent = false
	self.cond.Broadcast()
	self.mu.Unlock()
}
