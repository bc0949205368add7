package util

import "github.com/mstenber/cowfs/mlog"

// MutexLockedMap hands out a per-key mutex, created on first use and
// discarded once its last holder releases it.
type MutexLockedMap struct {
	l MutexLocked
	m map[interface{}]*MutexLocked
	q map[interface{}]int
}

func (self *MutexLockedMap) GetLockedByName(name interface{}) *MutexLocked {
	defer self.l.Locked()()
	return self.m[name]
}

func (self *MutexLockedMap) Locked(name interface{}) (unlock func()) {
	self.l.Lock()
	if self.m == nil {
		self.m = make(map[interface{}]*MutexLocked)
		self.q = make(map[interface{}]int)
	}
	ll := self.m[name]
	if ll == nil {
		mlog.Printf2("util/lockedmap", "Locked created lock %v", name)
		ll = &MutexLocked{}
		self.m[name] = ll
	}
	self.q[name]++
	self.l.Unlock()
	ul := ll.Locked()
	mlog.Printf2("util/lockedmap", "Locked %v", name)
	return func() {
		defer self.l.Locked()()
		mlog.Printf2("util/lockedmap", "Releasing %v", name)
		self.q[name]--
		if self.q[name] == 0 {
			delete(self.m, name)
			delete(self.q, name)
			return
		}
		ul()
	}
}
