package ops

import (
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/mlog"
)

// RunDiscardPass drains the need_discard btree once, discarding each
// queued bucket and returning it to the freespace index. The
// storage.Device interface has no TRIM primitive, so "discard" here
// zero-fills the block; a raw-device backend would issue the real
// thing.
func (self *Filesystem) RunDiscardPass() error {
	return self.Alloc.DiscardWorker(func(dev uint32, bucket uint64) error {
		d, ok := self.Devices[dev]
		if !ok {
			// Offline member: leave its queue entries for when it
			// comes back rather than stalling the whole pass.
			mlog.Printf2("ops/maintenance", "discard: member %d offline, skipping bucket %d", dev, bucket)
			return nil
		}
		return d.WriteBlock(bucket, make([]byte, d.BlockSize()))
	})
}

// RunCopygcPass reclaims dirty buckets no longer referenced by any
// extent pointer: an overwritten extent leaves its old buckets dirty
// but unreferenced, and nothing else ever frees them. Buckets whose
// live fraction is below threshold are invalidated into the
// need_discard queue; a following RunDiscardPass returns them to
// freespace.
func (self *Filesystem) RunCopygcPass(threshold float64) error {
	live := map[[2]uint64]bool{}
	tree := self.Mgr.Trees[fskey.BTreeExtents]
	path, err := tree.IterInit(fskey.PosMin)
	if err != nil {
		return err
	}
	for {
		k := path.Advance()
		if k == nil {
			break
		}
		val, err := decodeExtentValue(k.Value)
		if err != nil {
			return err
		}
		for _, p := range val.Pointers {
			live[[2]uint64{uint64(p.Device), p.Offset}] = true
		}
	}

	return self.Alloc.Copygc(threshold,
		func(dev uint32, bucket uint64) float64 {
			if live[[2]uint64{uint64(dev), bucket}] {
				return 1
			}
			return 0
		},
		func(dev uint32, bucket uint64) error {
			return self.Alloc.Invalidate(dev, bucket)
		})
}
