// Package fusefs adapts kernel FUSE callbacks onto the engine. It
// contains no filesystem logic of its own: every node method resolves
// its virtual path and delegates to the corresponding engine
// operation, translating errors to errnos.
package fusefs

import (
	"context"
	"errors"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/marmos91/liveraid/internal/engine"
	"github.com/marmos91/liveraid/internal/logger"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the merged namespace appears.
	Mountpoint string

	// Engine is the storage engine serving every operation.
	Engine *engine.Engine

	// AllowOther permits other users to access the mount; requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug enables go-fuse protocol tracing.
	Debug bool
}

// Mount mounts the filesystem. The caller unmounts with
// Server.Unmount and then shuts the engine down.
func Mount(options Options) (*fuse.Server, error) {
	root := &node{eng: options.Engine}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "liveraid",
			Name:       "liveraid",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
		},
	})
	if err != nil {
		return nil, err
	}

	logger.Info("mounted on %s", options.Mountpoint)
	return server, nil
}

// node serves every inode; the engine resolves by virtual path, so the
// node itself is stateless beyond its position in the tree.
type node struct {
	gofuse.Inode
	eng *engine.Engine
}

var (
	_ gofuse.NodeGetattrer  = (*node)(nil)
	_ gofuse.NodeLookuper   = (*node)(nil)
	_ gofuse.NodeReaddirer  = (*node)(nil)
	_ gofuse.NodeCreater    = (*node)(nil)
	_ gofuse.NodeOpener     = (*node)(nil)
	_ gofuse.NodeUnlinker   = (*node)(nil)
	_ gofuse.NodeMkdirer    = (*node)(nil)
	_ gofuse.NodeRmdirer    = (*node)(nil)
	_ gofuse.NodeRenamer    = (*node)(nil)
	_ gofuse.NodeSymlinker  = (*node)(nil)
	_ gofuse.NodeReadlinker = (*node)(nil)
	_ gofuse.NodeSetattrer  = (*node)(nil)
	_ gofuse.NodeStatfser   = (*node)(nil)
	_ gofuse.NodeFsyncer    = (*node)(nil)
)

// vpath returns this node's absolute virtual path.
func (n *node) vpath() string {
	return "/" + n.Path(n.Root())
}

func (n *node) childVPath(name string) string {
	vp := n.vpath()
	if vp == "/" {
		return "/" + name
	}
	return vp + "/" + name
}

// toErrno maps engine sentinels and wrapped OS errors onto errnos.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, engine.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, engine.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, engine.ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, engine.ErrNoSpace),
		errors.Is(err, engine.ErrNamespaceExhausted):
		return syscall.ENOSPC
	case errors.Is(err, engine.ErrIO),
		errors.Is(err, engine.ErrTooManyFailures):
		return syscall.EIO
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

func fillAttr(a engine.Attr, out *fuse.Attr) {
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Size = uint64(a.Size)
	out.Uid = a.UID
	out.Gid = a.GID
	out.Mtime = uint64(a.MTimeSec)
	out.Mtimensec = uint32(a.MTimeNsec)
	out.Ctime = out.Mtime
	out.Ctimensec = out.Mtimensec
}

func (n *node) newChild(ctx context.Context, mode uint32) *gofuse.Inode {
	return n.NewInode(ctx, &node{eng: n.eng}, gofuse.StableAttr{Mode: mode & syscall.S_IFMT})
}

/* -------------------------------------------------------------- */
/* Node operations                                                 */
/* -------------------------------------------------------------- */

func (n *node) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.eng.GetAttr(n.vpath())
	if err != nil {
		return toErrno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := n.eng.GetAttr(n.childVPath(name))
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(attr, &out.Attr)
	return n.newChild(ctx, attr.Mode), 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.eng.ReadDir(n.vpath())
	if err != nil {
		return nil, toErrno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: e.Mode})
	}
	return gofuse.NewListDirStream(out), 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	vpath := n.childVPath(name)
	h, err := n.eng.Create(vpath, int(flags), mode)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	attr, aerr := n.eng.GetAttr(vpath)
	if aerr == nil {
		fillAttr(attr, &out.Attr)
	}
	return n.newChild(ctx, syscall.S_IFREG), &fileHandle{eng: n.eng, h: h}, 0, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	h, err := n.eng.Open(n.vpath(), int(flags))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{eng: n.eng, h: h}, 0, 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.eng.Unlink(n.childVPath(name)))
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	vpath := n.childVPath(name)
	if err := n.eng.Mkdir(vpath, mode); err != nil {
		return nil, toErrno(err)
	}
	if attr, err := n.eng.GetAttr(vpath); err == nil {
		fillAttr(attr, &out.Attr)
	}
	return n.newChild(ctx, syscall.S_IFDIR), 0
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.eng.Rmdir(n.childVPath(name)))
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	from := n.childVPath(name)
	parentPath := "/" + newParent.EmbeddedInode().Path(n.Root())
	to := parentPath + "/" + newName
	if parentPath == "/" {
		to = "/" + newName
	}
	return toErrno(n.eng.Rename(from, to, flags))
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	caller, _ := fuse.FromContext(ctx)
	var uid, gid uint32
	if caller != nil {
		uid, gid = caller.Uid, caller.Gid
	}
	vpath := n.childVPath(name)
	if err := n.eng.Symlink(target, vpath, uid, gid, time.Now().Unix()); err != nil {
		return nil, toErrno(err)
	}
	if attr, err := n.eng.GetAttr(vpath); err == nil {
		fillAttr(attr, &out.Attr)
	}
	return n.newChild(ctx, syscall.S_IFLNK), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.eng.Readlink(n.vpath())
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

func (n *node) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	vpath := n.vpath()

	if sz, ok := in.GetSize(); ok {
		if err := n.eng.Truncate(vpath, int64(sz)); err != nil {
			return toErrno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := n.eng.Chmod(vpath, mode); err != nil {
			return toErrno(err)
		}
	}

	uid, hasUID := in.GetUID()
	gid, hasGID := in.GetGID()
	if hasUID || hasGID {
		if !hasUID {
			uid = ^uint32(0)
		}
		if !hasGID {
			gid = ^uint32(0)
		}
		if err := n.eng.Chown(vpath, uid, gid); err != nil {
			return toErrno(err)
		}
	}

	if mtime, ok := in.GetMTime(); ok {
		if err := n.eng.Utimens(vpath, mtime.Unix(), int64(mtime.Nanosecond())); err != nil {
			return toErrno(err)
		}
	}

	attr, err := n.eng.GetAttr(vpath)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st := n.eng.StatFS()
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = st.TotalBlocks
	out.Bfree = st.FreeBlocks
	out.Bavail = st.AvailBlocks
	out.NameLen = st.NameMax
	return 0
}

func (n *node) Fsync(ctx context.Context, fh gofuse.FileHandle, flags uint32) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok {
		return toErrno(n.eng.Fsync(h.h))
	}
	return syscall.EBADF
}

/* -------------------------------------------------------------- */
/* File handle                                                     */
/* -------------------------------------------------------------- */

type fileHandle struct {
	eng *engine.Engine
	h   *engine.Handle
}

var (
	_ gofuse.FileReader   = (*fileHandle)(nil)
	_ gofuse.FileWriter   = (*fileHandle)(nil)
	_ gofuse.FileReleaser = (*fileHandle)(nil)
	_ gofuse.FileFsyncer  = (*fileHandle)(nil)
)

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.eng.Read(f.h, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.eng.Write(f.h, data, off)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), 0
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	f.eng.Release(f.h)
	return 0
}

func (f *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return toErrno(f.eng.Fsync(f.h))
}
