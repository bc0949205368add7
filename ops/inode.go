package ops

import (
	"time"

	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/txn"
	"github.com/mstenber/cowfs/wire"
)

// Inode is the value of a fskey.KeyTypeInode key: the small set of
// stat(2)-visible attributes every file/directory carries - mode,
// size, link count and the modification time the FUSE Getattr path
// reports.
type Inode struct {
	Mode   uint32 // syscall.S_IFREG/S_IFDIR bits plus permission bits
	Size   uint64
	Nlink  uint32
	Mtime  int64 // unix nanoseconds
	Parent uint64
}

func inodePos(id uint64) fskey.Position { return fskey.Position{Inode: id} }

// LoadInode reads one inode's attributes.
func (self *Filesystem) LoadInode(id uint64) (*Inode, error) {
	tree := self.Mgr.Trees[fskey.BTreeInodes]
	path, err := tree.IterInit(inodePos(id))
	if err != nil {
		return nil, err
	}
	k := path.IterPeek()
	if k == nil || !k.Pos.Equal(inodePos(id)) {
		return nil, errNoSuchInode(id)
	}
	var in Inode
	if err := wire.Unmarshal(k.Value, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// StoreInode writes id's attributes, creating the key if it doesn't
// already exist.
func (self *Filesystem) StoreInode(id uint64, in *Inode) error {
	b, _ := wire.Marshal(in)
	key := fskey.Key{Pos: inodePos(id), Type: fskey.KeyTypeInode, Value: b}
	return self.Mgr.Run(func(t *txn.Txn) error {
		return t.Set(fskey.BTreeInodes, key)
	})
}

// AllocInode picks a fresh inode number one past the highest
// currently in use, deriving it from the existing table rather than
// keeping a separate persistent counter key.
func (self *Filesystem) AllocInode() (uint64, error) {
	tree := self.Mgr.Trees[fskey.BTreeInodes]
	path, err := tree.IterInit(fskey.PosMin)
	if err != nil {
		return 0, err
	}
	var max uint64
	for {
		k := path.Advance()
		if k == nil {
			break
		}
		if k.Pos.Inode > max {
			max = k.Pos.Inode
		}
	}
	if max == 0 {
		return 2, nil // inode 1 is reserved for the filesystem root
	}
	return max + 1, nil
}

// CreateInode allocates a fresh inode number, stores its initial
// attributes, and links it into parentInode's directory under name.
func (self *Filesystem) CreateInode(parentInode uint64, name string, mode uint32) (uint64, error) {
	id, err := self.AllocInode()
	if err != nil {
		return 0, err
	}
	in := &Inode{Mode: mode, Mtime: nowUnixNano(), Parent: parentInode, Nlink: 1}
	if err := self.StoreInode(id, in); err != nil {
		return 0, err
	}
	if err := self.addDirent(parentInode, name, id, isDirMode(mode)); err != nil {
		return 0, err
	}
	return id, nil
}

func isDirMode(mode uint32) bool { return mode&0o40000 != 0 } // syscall.S_IFDIR, spelled out to avoid a syscall import here

func (self *Filesystem) addDirent(dirInode uint64, name string, childInode uint64, isDir bool) error {
	d := Dirent{Name: name, ChildInode: childInode, IsDir: isDir}
	b, _ := wire.Marshal(&d)
	key := fskey.Key{Pos: direntPos(dirInode, name), Type: fskey.KeyTypeDirent, Value: b}
	return self.Mgr.Run(func(t *txn.Txn) error {
		return t.Set(fskey.BTreeDirents, key)
	})
}

// RemoveDirent unlinks name from dirInode's directory without touching
// the target inode's own attribute or extent keys; callers that are
// removing the last link are responsible for reclaiming those
// separately.
func (self *Filesystem) RemoveDirent(dirInode uint64, name string) error {
	pos := direntPos(dirInode, name)
	tree := self.Mgr.Trees[fskey.BTreeDirents]
	path, err := tree.IterInit(pos)
	if err != nil {
		return err
	}
	k := path.IterPeek()
	if k == nil || !k.Pos.Equal(pos) {
		return errNoSuchDirent(dirInode, name)
	}
	return self.Mgr.Run(func(t *txn.Txn) error {
		return t.Delete(fskey.BTreeDirents, *k)
	})
}

// Lookup resolves name within dirInode's directory to a Dirent.
func (self *Filesystem) Lookup(dirInode uint64, name string) (*Dirent, error) {
	pos := direntPos(dirInode, name)
	tree := self.Mgr.Trees[fskey.BTreeDirents]
	path, err := tree.IterInit(pos)
	if err != nil {
		return nil, err
	}
	k := path.IterPeek()
	if k == nil || !k.Pos.Equal(pos) {
		return nil, errNoSuchDirent(dirInode, name)
	}
	var d Dirent
	if err := wire.Unmarshal(k.Value, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Readdir lists dirInode's children, exported for fuseadapter's
// Readdir callback (ops.children already does this walk internally
// for ReinheritAttrs; this is the same walk under a public name).
func (self *Filesystem) Readdir(dirInode uint64) ([]Dirent, error) {
	return self.children(dirInode)
}

func nowUnixNano() int64 { return time.Now().UnixNano() }

func errNoSuchInode(id uint64) error {
	return &notFoundError{what: "inode", detail: inodePos(id).String()}
}

func errNoSuchDirent(dirInode uint64, name string) error {
	return &notFoundError{what: "dirent", detail: name}
}

type notFoundError struct {
	what   string
	detail string
}

func (self *notFoundError) Error() string { return "no such " + self.what + ": " + self.detail }
