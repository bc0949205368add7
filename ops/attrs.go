package ops

import (
	"hash/fnv"

	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/txn"
	"github.com/mstenber/cowfs/wire"
)

// attrPrefix is the extended-attribute namespace reserved for
// per-inode option overrides.
const attrPrefix = "cowfs."

// Dirent is one directory entry, mapping a name to a child inode
// within the directory's key range.
type Dirent struct {
	Name       string
	ChildInode uint64
	IsDir      bool
}

func direntPos(dirInode uint64, name string) fskey.Position {
	h := fnv.New64a()
	h.Write([]byte(name))
	return fskey.Position{Inode: dirInode, Offset: h.Sum64()}
}

// AttrValue is one stored extended attribute. Inherited
// distinguishes a value this inode received via re-inherit
// propagation from one it set explicitly itself; only a non-Inherited
// entry blocks further propagation from an ancestor.
type AttrValue struct {
	Value     string
	Inherited bool
}

// Xattrs is the set of per-inode extended attributes, including the
// option overrides under attrPrefix.
type Xattrs map[string]AttrValue

func xattrPos(inode uint64) fskey.Position { return fskey.Position{Inode: inode} }

func (self *Filesystem) loadXattrs(inode uint64) (Xattrs, error) {
	tree := self.Mgr.Trees[fskey.BTreeXattrs]
	path, err := tree.IterInit(xattrPos(inode))
	if err != nil {
		return nil, err
	}
	k := path.IterPeek()
	if k == nil || !k.Pos.Equal(xattrPos(inode)) {
		return Xattrs{}, nil
	}
	var x Xattrs
	if err := wire.Unmarshal(k.Value, &x); err != nil {
		return nil, err
	}
	return x, nil
}

func (self *Filesystem) storeXattrs(inode uint64, x Xattrs) error {
	b, _ := wire.Marshal(&x)
	key := fskey.Key{Pos: xattrPos(inode), Type: fskey.KeyTypeXattr, Value: b}
	return self.Mgr.Run(func(t *txn.Txn) error {
		return t.Set(fskey.BTreeXattrs, key)
	})
}

// SetAttr sets a cowfs.* option override on inode. If inode is a
// directory, the override is also reinherited to descendants that
// have not themselves overridden that option.
func (self *Filesystem) SetAttr(inode uint64, name, value string, isDir bool) error {
	x, err := self.loadXattrs(inode)
	if err != nil {
		return err
	}
	if x == nil {
		x = Xattrs{}
	}
	x[attrPrefix+name] = AttrValue{Value: value, Inherited: false}
	if err := self.storeXattrs(inode, x); err != nil {
		return err
	}
	if isDir {
		return self.ReinheritAttrs(inode)
	}
	return nil
}

// children lists the directory entries directly under dirInode.
func (self *Filesystem) children(dirInode uint64) ([]Dirent, error) {
	tree := self.Mgr.Trees[fskey.BTreeDirents]
	path, err := tree.IterInit(fskey.Position{Inode: dirInode})
	if err != nil {
		return nil, err
	}
	var out []Dirent
	for {
		k := path.Advance()
		if k == nil || k.Pos.Inode != dirInode {
			break
		}
		var d Dirent
		if err := wire.Unmarshal(k.Value, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ReinheritAttrs recursively propagates dirInode's cowfs.* option
// overrides to every descendant that has not itself overridden the
// same option.
func (self *Filesystem) ReinheritAttrs(dirInode uint64) error {
	parent, err := self.loadXattrs(dirInode)
	if err != nil {
		return err
	}
	kids, err := self.children(dirInode)
	if err != nil {
		return err
	}
	for _, kid := range kids {
		childAttrs, err := self.loadXattrs(kid.ChildInode)
		if err != nil {
			return err
		}
		if childAttrs == nil {
			childAttrs = Xattrs{}
		}
		changed := false
		for k, v := range parent {
			if existing, present := childAttrs[k]; present && !existing.Inherited {
				continue // child explicitly overrode this option itself
			}
			inherited := v
			inherited.Inherited = true
			if existing, present := childAttrs[k]; !present || existing != inherited {
				childAttrs[k] = inherited
				changed = true
			}
		}
		if changed {
			if err := self.storeXattrs(kid.ChildInode, childAttrs); err != nil {
				return err
			}
		}
		if kid.IsDir {
			if err := self.ReinheritAttrs(kid.ChildInode); err != nil {
				return err
			}
		}
	}
	return nil
}
