package ops

import "github.com/mstenber/cowfs/ferr"

// Scrub is reserved.
func (self *Filesystem) Scrub(progress func(Progress)) error {
	return ferr.ErrNotImplemented
}
