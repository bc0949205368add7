// Package fuseadapter resolves an already-mounted ops.Filesystem to
// a live FUSE mount at a given path, built on hanwen/go-fuse/v2's
// `fs` InodeEmbedder API (NewPersistentInode, StableAttr,
// NodeLookuper/NodeReaddirer/NodeOpener/NodeReader).
package fuseadapter

import (
	"context"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/mstenber/cowfs/alloc"
	"github.com/mstenber/cowfs/checksum"
	"github.com/mstenber/cowfs/codec"
	"github.com/mstenber/cowfs/extent"
	"github.com/mstenber/cowfs/ops"
)

const rootInode = 1

// Mount mounts fs at mountpoint and blocks serving requests until the
// mount is unmounted. Callers that want to control the
// mount's lifetime call MountServer directly instead.
func Mount(fs *ops.Filesystem, mountpoint string) error {
	server, err := MountServer(fs, mountpoint, Options{})
	if err != nil {
		return err
	}
	server.Wait()
	return nil
}

// Options tunes the FUSE mount.
type Options struct {
	AllowOther  bool
	Compression codec.CompressionType
	Checksum    checksum.Algorithm

	// EncryptCodec is nil for encryption=none; cmd/cowfsctl builds one
	// from the unwrapped filesystem master key before calling MountServer.
	EncryptCodec *codec.EncryptingCodec
}

// MountServer mounts fs at mountpoint and returns the running
// *fuse.Server without blocking, so a caller (or cmd/cowfsctl's own
// signal handling) controls when to Unmount.
func MountServer(fsys *ops.Filesystem, mountpoint string, opts Options) (*fuse.Server, error) {
	if opts.Checksum == 0 {
		opts.Checksum = checksum.CRC32C
	}
	root := &node{fs: fsys, ino: rootInode, opts: opts}
	entryTimeout := time.Second
	attrTimeout := time.Second
	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "cowfs",
			Name:       "cowfs",
			AllowOther: opts.AllowOther,
		},
	})
	if err != nil {
		return nil, err
	}
	return server, nil
}

// node is one live inode's FUSE-facing view, backed by ops.Filesystem's
// inode/dirent/extent/xattr operations.
type node struct {
	gofuse.Inode
	fs   *ops.Filesystem
	ino  uint64
	opts Options
}

var (
	_ gofuse.InodeEmbedder = (*node)(nil)
	_ gofuse.NodeLookuper  = (*node)(nil)
	_ gofuse.NodeGetattrer = (*node)(nil)
	_ gofuse.NodeSetattrer = (*node)(nil)
	_ gofuse.NodeReaddirer = (*node)(nil)
	_ gofuse.NodeOpener    = (*node)(nil)
	_ gofuse.NodeReader    = (*node)(nil)
	_ gofuse.NodeWriter    = (*node)(nil)
	_ gofuse.NodeMkdirer   = (*node)(nil)
	_ gofuse.NodeCreater   = (*node)(nil)
	_ gofuse.NodeUnlinker  = (*node)(nil)
	_ gofuse.NodeRmdirer   = (*node)(nil)
)

func (self *node) statOut(in *ops.Inode, out *fuse.AttrOut) {
	out.Mode = in.Mode
	out.Size = in.Size
	out.Nlink = in.Nlink
	out.Mtime = uint64(in.Mtime / int64(time.Second))
	out.Mtimensec = uint32(in.Mtime % int64(time.Second))
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
}

func (self *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	in, err := self.fs.LoadInode(self.ino)
	if err != nil {
		return syscall.ENOENT
	}
	self.statOut(in, out)
	return 0
}

func (self *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	attrs, err := self.fs.LoadInode(self.ino)
	if err != nil {
		return syscall.ENOENT
	}
	if size, ok := in.GetSize(); ok {
		attrs.Size = size
	}
	attrs.Mtime = time.Now().UnixNano()
	if err := self.fs.StoreInode(self.ino, attrs); err != nil {
		return syscall.EIO
	}
	self.statOut(attrs, out)
	return 0
}

func (self *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	d, err := self.fs.Lookup(self.ino, name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	attrs, err := self.fs.LoadInode(d.ChildInode)
	if err != nil {
		return nil, syscall.ENOENT
	}
	out.Attr.Mode = attrs.Mode
	out.Attr.Size = attrs.Size
	child := self.NewInode(ctx, &node{fs: self.fs, ino: d.ChildInode, opts: self.opts},
		gofuse.StableAttr{Mode: attrs.Mode, Ino: d.ChildInode})
	return child, 0
}

func (self *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	kids, err := self.fs.Readdir(self.ino)
	if err != nil {
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, len(kids))
	for _, kid := range kids {
		mode := uint32(syscall.S_IFREG)
		if kid.IsDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: kid.Name, Mode: mode, Ino: kid.ChildInode})
	}
	return gofuse.NewListDirStream(entries), 0
}

func (self *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	id, err := self.fs.CreateInode(self.ino, name, mode|syscall.S_IFDIR)
	if err != nil {
		return nil, syscall.EIO
	}
	out.Attr.Mode = mode | syscall.S_IFDIR
	child := self.NewInode(ctx, &node{fs: self.fs, ino: id, opts: self.opts},
		gofuse.StableAttr{Mode: mode | syscall.S_IFDIR, Ino: id})
	return child, 0
}

func (self *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	id, err := self.fs.CreateInode(self.ino, name, mode|syscall.S_IFREG)
	if err != nil {
		return nil, nil, 0, syscall.EIO
	}
	out.Attr.Mode = mode | syscall.S_IFREG
	child := self.NewInode(ctx, &node{fs: self.fs, ino: id, opts: self.opts},
		gofuse.StableAttr{Mode: mode | syscall.S_IFREG, Ino: id})
	return child, nil, 0, 0
}

func (self *node) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := self.fs.RemoveDirent(self.ino, name); err != nil {
		return syscall.ENOENT
	}
	return 0
}

func (self *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if err := self.fs.RemoveDirent(self.ino, name); err != nil {
		return syscall.ENOENT
	}
	return 0
}

func (self *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	return nil, 0, 0
}

func (self *node) extentOptions() extent.Options {
	return extent.Options{
		Compression:      self.opts.Compression,
		Checksum:         self.opts.Checksum,
		Replicas:         1,
		NrRequired:       1,
		DataType:         alloc.DataUser,
		CandidateDevices: self.fs.MemberIndices(),
		EncryptCodec:     self.opts.EncryptCodec,
	}
}

func (self *node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	attrs, err := self.fs.LoadInode(self.ino)
	if err != nil {
		return nil, syscall.ENOENT
	}
	if uint64(off) >= attrs.Size {
		return fuse.ReadResultData(nil), 0
	}
	length := uint64(len(dest))
	if uint64(off)+length > attrs.Size {
		length = attrs.Size - uint64(off)
	}
	data, err := self.fs.Extent.Read(self.ino, uint64(off), length, self.extentOptions())
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(data), 0
}

func (self *node) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if err := self.fs.Extent.Write(self.ino, uint64(off), data, self.extentOptions()); err != nil {
		return 0, syscall.EIO
	}
	attrs, err := self.fs.LoadInode(self.ino)
	if err != nil {
		return 0, syscall.EIO
	}
	if end := uint64(off) + uint64(len(data)); end > attrs.Size {
		attrs.Size = end
	}
	attrs.Mtime = time.Now().UnixNano()
	if err := self.fs.StoreInode(self.ino, attrs); err != nil {
		return 0, syscall.EIO
	}
	return uint32(len(data)), 0
}
