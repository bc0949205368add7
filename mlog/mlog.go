// Package mlog is a maybe-log: a thin wrapper around the standard
// 'log' package that is gated by an environment variable (or -mlog
// flag) regular expression matched against the calling file. What is
// not enabled costs essentially nothing beyond an atomic load.
//
// Call stack depth is used to auto-indent nested traces, and every
// line is tagged with the producing goroutine id, which makes
// interleaved concurrent traces from the btree/txn/journal/alloc
// packages readable.
package mlog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mstenber/cowfs/util/gid"
)

var logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateDisabled
	stateEnabled
)

var status int32 = stateUninitialized

var mutex sync.Mutex

// Everything below is guarded by mutex.
var flagPattern *string
var pattern string
var patternRegexp *regexp.Regexp
var file2Debug map[string]*bool
var minDepth int
var callers []uintptr

const maxDepth = 100

func init() {
	flagPattern = flag.String("mlog", "", "Enable mlog logging matching the given file/line regular expression")
	reset()
}

func reset() {
	mutex.Lock()
	defer mutex.Unlock()
	atomic.StoreInt32(&status, stateUninitialized)
	minDepth = maxDepth
	callers = make([]uintptr, maxDepth)
}

// IsEnabled lets a caller skip expensive argument construction when
// mlog is not active at all.
func IsEnabled() bool {
	return atomic.LoadInt32(&status) != stateDisabled
}

// SetLogger overrides the destination logger; the returned func
// restores the previous one.
func SetLogger(l *log.Logger) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := logger
	logger = l
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = old
	}
}

// SetPattern overrides the MLOG pattern programmatically; the returned
// func restores the previous one.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := pattern
	initializeWithPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		initializeWithPattern(old)
	}
}

func initializeWithPattern(p string) {
	if p == "" {
		atomic.StoreInt32(&status, stateDisabled)
		pattern = p
		return
	}
	patternRegexp = regexp.MustCompile(p)
	file2Debug = make(map[string]*bool)
	atomic.StoreInt32(&status, stateEnabled)
	pattern = p
}

func initialize() {
	if !atomic.CompareAndSwapInt32(&status, stateUninitialized, stateInitializing) {
		return
	}
	p := os.Getenv("MLOG")
	if *flagPattern != "" {
		p = *flagPattern
	}
	initializeWithPattern(p)
}

// Printf is a drop-in replacement for log.Printf; it still calls
// runtime.Caller(1) whenever mlog is enabled at all.
func Printf(format string, args ...interface{}) {
	if atomic.LoadInt32(&status) == stateDisabled {
		return
	}
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return
	}
	Printf2(file, format, args...)
}

var dumpGoroutineIDs = true

// Printf2 takes the file name explicitly, avoiding a runtime.Caller
// call on the hot path when only a subset of files is enabled.
func Printf2(file, format string, args ...interface{}) {
	st := atomic.LoadInt32(&status)
	if st == stateDisabled {
		return
	}
	mutex.Lock()
	if st < stateDisabled {
		initialize()
		st = atomic.LoadInt32(&status)
		if st <= stateDisabled {
			mutex.Unlock()
			return
		}
	}
	debug := true
	debugp := file2Debug[file]
	if debugp == nil {
		debug = patternRegexp.Find([]byte(file)) != nil
		file2Debug[file] = &debug
	} else {
		debug = *debugp
	}
	depth := 0
	if debug {
		depth = runtime.Callers(1, callers)
		if depth < minDepth {
			minDepth = depth
		}
		depth -= minDepth
		if depth > 0 {
			format = fmt.Sprint(strings.Repeat(".", depth), format)
		}
		if dumpGoroutineIDs {
			format = fmt.Sprintf("%8d %s", gid.Get(), format)
		}
		logger.Printf(format, args...)
	}
	mutex.Unlock()
}
