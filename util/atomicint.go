package util

import "sync/atomic"

// AtomicInt is a lock-free int64 counter.
type AtomicInt int64

func (self *AtomicInt) Get() int64 {
	return atomic.LoadInt64((*int64)(self))
}

func (self *AtomicInt) GetInt() int {
	return int(self.Get())
}

func (self *AtomicInt) Add(value int64) int64 {
	return atomic.AddInt64((*int64)(self), value)
}

func (self *AtomicInt) AddInt(value int) int {
	return int(self.Add(int64(value)))
}

func (self *AtomicInt) Set(value int64) {
	atomic.StoreInt64((*int64)(self), value)
}

func (self *AtomicInt) CompareAndSwap(old, new int64) bool {
	return atomic.CompareAndSwapInt64((*int64)(self), old, new)
}
