// Package gid extracts the current goroutine id from the runtime stack
// trace. It exists solely so mlog can tag each log line with the
// goroutine that produced it; there is no supported API for this in
// the standard library.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Get parses "goroutine NNN [...]" out of a small runtime.Stack dump.
func Get() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}
