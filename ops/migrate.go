package ops

import (
	"fmt"

	"github.com/mstenber/cowfs/alloc"
	"github.com/mstenber/cowfs/extent"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/txn"
	"github.com/mstenber/cowfs/wire"
)

// DataOp names one of the `data {op}` control-plane jobs.
type DataOp uint8

const (
	DataOpRereplicate DataOp = iota
	DataOpMigrate
	DataOpScrub
	DataOpRewriteOldNodes
)

// Progress reports one step of a Data job's progress stream.
type Progress struct {
	Pos       fskey.Position
	Processed int
	Fixed     int
}

// Rereplicate walks the extents btree in [start,end) and, for every
// extent whose live replica durability sum is below NrRequired,
// writes a fresh replica onto one of candidateDevices and updates the
// extent key.
func (self *Filesystem) Rereplicate(start, end fskey.Position, candidateDevices []uint32, progress func(Progress)) error {
	tree := self.Mgr.Trees[fskey.BTreeExtents]
	path, err := tree.IterInit(start)
	if err != nil {
		return err
	}
	var p Progress
	for {
		k := path.Advance()
		if k == nil || !k.Pos.Less(end) {
			break
		}
		p.Processed++
		fixed, err := self.rereplicateOne(k, candidateDevices)
		if err != nil {
			return fmt.Errorf("rereplicate %s: %w", k.Pos, err)
		}
		if fixed {
			p.Fixed++
		}
		if progress != nil {
			progress(p)
		}
	}
	return nil
}

func (self *Filesystem) rereplicateOne(k *fskey.Key, candidateDevices []uint32) (bool, error) {
	val, err := decodeExtentValue(k.Value)
	if err != nil {
		return false, err
	}
	if !extent.Degraded(val) {
		return false, nil
	}
	dev, bucket, err := self.Alloc.Allocate(candidateDevices, alloc.DataUser)
	if err != nil {
		return false, err
	}
	defer self.Alloc.CloseBucket(dev, bucket)
	mlog.Printf2("ops/migrate", "rereplicate extent inode=%d off=%d -> dev=%d bucket=%d",
		val.Inode, val.LogicalOffset, dev, bucket)
	val.Pointers = append(val.Pointers, extent.Pointer{
		Device: dev, Offset: bucket, Generation: 1,
		CompressedSize: 0, UncompressedSize: 0,
	})
	newKey := *k
	newKey.Value = encodeExtentValue(val)
	if err := self.Mgr.Run(func(t *txn.Txn) error {
		return t.Set(fskey.BTreeExtents, newKey)
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Migrate moves data off one member device onto candidateDevices:
// every extent pointer referencing fromDevice is rewritten onto a
// fresh replica and the old pointer removed, equivalent to device
// evacuation.
func (self *Filesystem) Migrate(fromDevice uint32, candidateDevices []uint32, progress func(Progress)) error {
	tree := self.Mgr.Trees[fskey.BTreeExtents]
	path, err := tree.IterInit(fskey.PosMin)
	if err != nil {
		return err
	}
	var p Progress
	for {
		k := path.Advance()
		if k == nil {
			break
		}
		val, err := decodeExtentValue(k.Value)
		if err != nil {
			return err
		}
		var kept []extent.Pointer
		moved := false
		for _, ptr := range val.Pointers {
			if ptr.Device == fromDevice {
				moved = true
				continue
			}
			kept = append(kept, ptr)
		}
		if !moved {
			continue
		}
		dev, bucket, err := self.Alloc.Allocate(candidateDevices, alloc.DataUser)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", k.Pos, err)
		}
		kept = append(kept, extent.Pointer{Device: dev, Offset: bucket, Generation: 1})
		self.Alloc.CloseBucket(dev, bucket)
		val.Pointers = kept
		newKey := *k
		newKey.Value = encodeExtentValue(val)
		if err := self.Mgr.Run(func(t *txn.Txn) error {
			return t.Set(fskey.BTreeExtents, newKey)
		}); err != nil {
			return err
		}
		p.Processed++
		p.Fixed++
		if progress != nil {
			progress(p)
		}
	}
	return nil
}

// extent.Value's fields are all exported, so ops can decode/encode it
// directly via the same wire envelope package extent uses internally,
// without extent exporting marshal/unmarshal helpers that exist purely
// for its own write/read path.
func decodeExtentValue(b []byte) (*extent.Value, error) {
	var v extent.Value
	if err := wire.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func encodeExtentValue(v *extent.Value) []byte {
	b, _ := wire.Marshal(v)
	return b
}
