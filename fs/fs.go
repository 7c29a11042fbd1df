// Copyright 2024 The fuse-adapter Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fs contains the FUSE bridge: it translates inode-based kernel
// requests into path-based operations against the capability-decorated
// connector and the write-buffer cache.
package fs

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/cache"
	"github.com/aar10n/fuse-adapter/capability"
	"github.com/aar10n/fuse-adapter/connector"
	"github.com/aar10n/fuse-adapter/fs/inode"
	"github.com/aar10n/fuse-adapter/metrics"
)

type ServerConfig struct {
	// A clock used for attribute expiration times.
	Clock timeutil.Clock

	// The decorated connector (see package capability) for namespace
	// operations, and the raw connector's capability record as the bridge
	// should plan against it.
	Connector     connector.Connector
	Capabilities  connector.Capabilities
	WriteBuffered bool

	// The content layer. Never nil; a pass-through cache stands in when
	// the mount is configured without buffering.
	Cache cache.Cache

	// Mount-level read-only. Overrides everything the connector declares.
	ReadOnly bool

	// The owner reported for all inodes. When OwnerExplicit is set the values
	// override anything the backend reports; otherwise backend-reported
	// owners win when present.
	Uid           uint32
	Gid           uint32
	OwnerExplicit bool

	// Permission bits used when the backend carries none. No bits outside
	// of os.ModePerm may be set.
	FilePerms os.FileMode
	DirPerms  os.FileMode

	// How long the kernel may cache attributes and entries. Comes from the
	// connector's metadata TTL unless overridden by mount configuration.
	AttributeTTL time.Duration

	// Destination for op counters. Nil means no metrics.
	Metrics metrics.Handle
}

// NewServer creates a fuse server for the supplied configuration.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	fs, err := newFileSystem(cfg)
	if err != nil {
		return nil, err
	}
	return fuseutil.NewFileSystemServer(fs), nil
}

func newFileSystem(cfg *ServerConfig) (*fileSystem, error) {
	if cfg.FilePerms&^os.ModePerm != 0 {
		return nil, fmt.Errorf("illegal file perms: %v", cfg.FilePerms)
	}
	if cfg.DirPerms&^os.ModePerm != 0 {
		return nil, fmt.Errorf("illegal dir perms: %v", cfg.DirPerms)
	}
	if cfg.Connector == nil || cfg.Cache == nil {
		return nil, fmt.Errorf("connector and cache are required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	mh := cfg.Metrics
	if mh == nil {
		mh = metrics.NewNoop()
	}

	fs := &fileSystem{
		clock:     clock,
		connector: cfg.Connector,
		caps:      capability.Effective(cfg.Capabilities, cfg.ReadOnly, cfg.WriteBuffered),
		cache:     cfg.Cache,
		readOnly:  cfg.ReadOnly,
		uid:       cfg.Uid,
		gid:       cfg.Gid,
		ownerSet:  cfg.OwnerExplicit,
		fileMode:  cfg.FilePerms,
		dirMode:   cfg.DirPerms | os.ModeDir,
		attrTTL:   cfg.AttributeTTL,
		metrics:   mh,
		inodes:    inode.NewTable(),
		handles:   make(map[fuseops.HandleID]interface{}),
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	return fs, nil
}

////////////////////////////////////////////////////////////////////////
// fileSystem type
////////////////////////////////////////////////////////////////////////

// LOCK ORDERING
//
// The file system lock guards only the handle table; the inode table
// and the cache do their own locking internally. The file system lock
// is never held across a connector or cache call.

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock     timeutil.Clock
	connector connector.Connector
	cache     cache.Cache
	metrics   metrics.Handle
	inodes    *inode.Table

	/////////////////////////
	// Constant data
	/////////////////////////

	caps     connector.Capabilities
	readOnly bool

	uid      uint32
	gid      uint32
	ownerSet bool

	fileMode os.FileMode
	dirMode  os.FileMode

	attrTTL time.Duration

	/////////////////////////
	// Mutable state
	/////////////////////////

	// A lock protecting the handle table.
	mu syncutil.InvariantMutex

	// The collection of live handles, keyed by handle ID.
	//
	// INVARIANT: All values are of type *dirHandle or *fileHandle
	//
	// GUARDED_BY(mu)
	handles map[fuseops.HandleID]interface{}

	// The next handle ID to hand out. We assume that this will never
	// overflow.
	//
	// INVARIANT: For all keys k in handles, k < nextHandleID
	//
	// GUARDED_BY(mu)
	nextHandleID fuseops.HandleID
}

// A handle for an open file. The bridge needs no backend-level open;
// this exists purely for its own bookkeeping.
type fileHandle struct {
	in          fuseops.InodeID
	writeIntent bool
}

// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) checkInvariants() {
	for k, h := range fs.handles {
		switch h.(type) {
		case *dirHandle:
		case *fileHandle:
		default:
			panic(fmt.Sprintf("unexpected handle type %T for ID %v", h, k))
		}

		if k >= fs.nextHandleID {
			panic(fmt.Sprintf("illegal handle ID: %v", k))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// pathOf resolves an inode to its current path, failing with a stale
// error for orphans.
func (fs *fileSystem) pathOf(id fuseops.InodeID) (string, error) {
	info, err := fs.inodes.Lookup(id)
	if err != nil {
		return "", err
	}
	return info.Path, nil
}

// childPath validates name and joins it onto the parent inode's path.
func (fs *fileSystem) childPath(parent fuseops.InodeID, name string) (string, error) {
	if err := connector.ValidateName(name); err != nil {
		return "", err
	}

	parentPath, err := fs.pathOf(parent)
	if err != nil {
		return "", err
	}
	return connector.Child(parentPath, name), nil
}

// shapeAttributes applies the mount's attribute policy to backend
// metadata.
func (fs *fileSystem) shapeAttributes(m *connector.Metadata) fuseops.InodeAttributes {
	attrs := fuseops.InodeAttributes{
		Size:  uint64(m.Size),
		Nlink: 1,
		Atime: m.Mtime,
		Mtime: m.Mtime,
		Ctime: m.Mtime,
		Uid:   fs.uid,
		Gid:   fs.gid,
	}

	switch m.Kind {
	case connector.KindDirectory:
		attrs.Mode = fs.dirMode
	case connector.KindSymlink:
		attrs.Mode = fs.fileMode | os.ModeSymlink
	default:
		attrs.Mode = fs.fileMode
	}

	// Backend-carried attributes win only where the backend is
	// authoritative and the mount doesn't override.
	if m.Mode != nil {
		attrs.Mode = attrs.Mode&^os.ModePerm | *m.Mode&os.ModePerm
	}
	if !fs.ownerSet {
		if m.Uid != nil {
			attrs.Uid = *m.Uid
		}
		if m.Gid != nil {
			attrs.Gid = *m.Gid
		}
	}

	return attrs
}

func (fs *fileSystem) expiration() time.Time {
	return fs.clock.Now().Add(fs.attrTTL)
}

// fillChildEntry completes a ChildInodeEntry for a freshly interned
// path.
func (fs *fileSystem) fillChildEntry(
	e *fuseops.ChildInodeEntry,
	info inode.Info,
	m *connector.Metadata) {
	e.Child = info.ID
	e.Generation = info.Generation
	e.Attributes = fs.shapeAttributes(m)
	e.AttributesExpiration = fs.expiration()
	e.EntryExpiration = e.AttributesExpiration
}

// allocHandle registers a handle and returns its ID.
func (fs *fileSystem) allocHandle(h interface{}) fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[id] = h
	return id
}

// checkWritable refuses mutations on read-only mounts before anything
// touches the backend.
func (fs *fileSystem) checkWritable() error {
	if fs.readOnly {
		return &connector.ReadOnlyError{Op: "mount"}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem methods
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) error {
	fs.metrics.OpCount("StatFS")

	// Report something df can render; the backend has no real notion of
	// capacity.
	op.BlockSize = 4096
	op.IoSize = 1 << 20
	op.Blocks = 1 << 33
	op.BlocksFree = op.Blocks / 2
	op.BlocksAvailable = op.BlocksFree
	op.Inodes = 1 << 40
	op.InodesFree = op.Inodes - uint64(fs.inodes.Count())

	return nil
}

func (fs *fileSystem) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) error {
	fs.metrics.OpCount("LookUpInode")

	path, err := fs.childPath(op.Parent, op.Name)
	if err != nil {
		return errno("LookUpInode", err)
	}

	m, err := fs.cache.Stat(ctx, path)
	if err != nil {
		return errno("LookUpInode", err)
	}

	info := fs.inodes.Intern(path, m.Kind)
	fs.fillChildEntry(&op.Entry, info, m)
	return nil
}

func (fs *fileSystem) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) error {
	fs.metrics.OpCount("GetInodeAttributes")

	info, err := fs.inodes.Lookup(op.Inode)
	if err != nil {
		return errno("GetInodeAttributes", err)
	}

	m, err := fs.cache.Stat(ctx, info.Path)
	if err != nil {
		return errno("GetInodeAttributes", err)
	}

	op.Attributes = fs.shapeAttributes(m)
	op.AttributesExpiration = fs.expiration()
	return nil
}

func (fs *fileSystem) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) error {
	fs.metrics.OpCount("SetInodeAttributes")

	if op.Size != nil || op.Mtime != nil {
		if err := fs.checkWritable(); err != nil {
			return errno("SetInodeAttributes", err)
		}
	}

	info, err := fs.inodes.Lookup(op.Inode)
	if err != nil {
		return errno("SetInodeAttributes", err)
	}

	if op.Size != nil {
		if info.Kind == connector.KindDirectory {
			return errno("SetInodeAttributes", &connector.IsADirectoryError{
				Err: fmt.Errorf("truncate %q", info.Path),
			})
		}
		if err := fs.cache.Truncate(ctx, info.Path, int64(*op.Size)); err != nil {
			return errno("SetInodeAttributes", err)
		}
	}

	if op.Mtime != nil {
		// Silently ignored by the decorators when the backend can't store
		// mtimes.
		if err := fs.connector.SetMtime(ctx, info.Path, *op.Mtime); err != nil {
			return errno("SetInodeAttributes", err)
		}
		fs.cache.InvalidateMetadata(info.Path)
	}

	// Mode/owner changes have nowhere to go; report current state rather
	// than failing chmod-happy tools.
	m, err := fs.cache.Stat(ctx, info.Path)
	if err != nil {
		return errno("SetInodeAttributes", err)
	}

	op.Attributes = fs.shapeAttributes(m)
	op.AttributesExpiration = fs.expiration()
	return nil
}

func (fs *fileSystem) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) error {
	fs.metrics.OpCount("ForgetInode")

	fs.inodes.Forget(op.Inode, op.N)
	return nil
}

func (fs *fileSystem) BatchForget(
	ctx context.Context,
	op *fuseops.BatchForgetOp) error {
	fs.metrics.OpCount("BatchForget")

	for _, e := range op.Entries {
		fs.inodes.Forget(e.Inode, e.N)
	}
	return nil
}

func (fs *fileSystem) MkDir(
	ctx context.Context,
	op *fuseops.MkDirOp) error {
	fs.metrics.OpCount("MkDir")

	if err := fs.checkWritable(); err != nil {
		return errno("MkDir", err)
	}

	path, err := fs.childPath(op.Parent, op.Name)
	if err != nil {
		return errno("MkDir", err)
	}

	m, err := fs.connector.CreateDir(ctx, path)
	if err != nil {
		return errno("MkDir", err)
	}

	fs.invalidateParentOf(path)

	info := fs.inodes.Intern(path, connector.KindDirectory)
	fs.fillChildEntry(&op.Entry, info, m)
	return nil
}

func (fs *fileSystem) CreateFile(
	ctx context.Context,
	op *fuseops.CreateFileOp) error {
	fs.metrics.OpCount("CreateFile")

	if err := fs.checkWritable(); err != nil {
		return errno("CreateFile", err)
	}

	path, err := fs.childPath(op.Parent, op.Name)
	if err != nil {
		return errno("CreateFile", err)
	}

	m, err := fs.connector.CreateFile(ctx, path)
	if err != nil {
		return errno("CreateFile", err)
	}

	// Seed the write buffer so the first write doesn't fetch.
	if err := fs.cache.Create(ctx, path); err != nil {
		return errno("CreateFile", err)
	}

	fs.invalidateParentOf(path)

	info := fs.inodes.Intern(path, connector.KindFile)
	fs.fillChildEntry(&op.Entry, info, m)
	op.Handle = fs.allocHandle(&fileHandle{in: info.ID, writeIntent: true})
	return nil
}

func (fs *fileSystem) CreateSymlink(
	ctx context.Context,
	op *fuseops.CreateSymlinkOp) error {
	fs.metrics.OpCount("CreateSymlink")

	if err := fs.checkWritable(); err != nil {
		return errno("CreateSymlink", err)
	}

	sc, ok := fs.connector.(connector.SymlinkConnector)
	if !ok {
		return fuse.ENOSYS
	}

	path, err := fs.childPath(op.Parent, op.Name)
	if err != nil {
		return errno("CreateSymlink", err)
	}

	m, err := sc.CreateSymlink(ctx, path, op.Target)
	if err != nil {
		return errno("CreateSymlink", err)
	}

	fs.invalidateParentOf(path)

	info := fs.inodes.Intern(path, connector.KindSymlink)
	fs.fillChildEntry(&op.Entry, info, m)
	return nil
}

func (fs *fileSystem) ReadSymlink(
	ctx context.Context,
	op *fuseops.ReadSymlinkOp) error {
	fs.metrics.OpCount("ReadSymlink")

	sc, ok := fs.connector.(connector.SymlinkConnector)
	if !ok {
		return fuse.ENOSYS
	}

	info, err := fs.inodes.Lookup(op.Inode)
	if err != nil {
		return errno("ReadSymlink", err)
	}

	op.Target, err = sc.ReadSymlink(ctx, info.Path)
	return errno("ReadSymlink", err)
}

func (fs *fileSystem) Rename(
	ctx context.Context,
	op *fuseops.RenameOp) error {
	fs.metrics.OpCount("Rename")

	if err := fs.checkWritable(); err != nil {
		return errno("Rename", err)
	}

	oldPath, err := fs.childPath(op.OldParent, op.OldName)
	if err != nil {
		return errno("Rename", err)
	}
	newPath, err := fs.childPath(op.NewParent, op.NewName)
	if err != nil {
		return errno("Rename", err)
	}

	// The backend must see the latest bytes for the source; a rename of a
	// dirty file would otherwise move stale contents.
	if err := fs.cache.Sync(ctx, oldPath); err != nil {
		return errno("Rename", err)
	}

	if err := fs.connector.Rename(ctx, oldPath, newPath); err != nil {
		return errno("Rename", err)
	}

	// Drop whatever was buffered for the clobbered destination before the
	// source's state takes over its name.
	fs.cache.Invalidate(newPath)
	fs.cache.Rename(oldPath, newPath)
	fs.inodes.Rename(oldPath, newPath)
	fs.invalidateParentOf(oldPath)
	fs.invalidateParentOf(newPath)
	return nil
}

func (fs *fileSystem) RmDir(
	ctx context.Context,
	op *fuseops.RmDirOp) error {
	fs.metrics.OpCount("RmDir")

	if err := fs.checkWritable(); err != nil {
		return errno("RmDir", err)
	}

	path, err := fs.childPath(op.Parent, op.Name)
	if err != nil {
		return errno("RmDir", err)
	}

	if err := fs.connector.RemoveDir(ctx, path, false); err != nil {
		return errno("RmDir", err)
	}

	fs.cache.InvalidateMetadata(path)
	fs.inodes.Unlink(path)
	fs.invalidateParentOf(path)
	return nil
}

func (fs *fileSystem) Unlink(
	ctx context.Context,
	op *fuseops.UnlinkOp) error {
	fs.metrics.OpCount("Unlink")

	if err := fs.checkWritable(); err != nil {
		return errno("Unlink", err)
	}

	path, err := fs.childPath(op.Parent, op.Name)
	if err != nil {
		return errno("Unlink", err)
	}

	if err := fs.connector.RemoveFile(ctx, path); err != nil {
		return errno("Unlink", err)
	}

	fs.cache.Invalidate(path)
	fs.inodes.Unlink(path)
	fs.invalidateParentOf(path)
	return nil
}

// invalidateParentOf drops cached metadata for path's parent: creating
// or removing a child changes what a listing of the parent means.
func (fs *fileSystem) invalidateParentOf(path string) {
	parent, _ := connector.Parent(path)
	fs.cache.InvalidateMetadata(parent)
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) error {
	fs.metrics.OpCount("OpenDir")

	info, err := fs.inodes.Lookup(op.Inode)
	if err != nil {
		return errno("OpenDir", err)
	}
	if info.Kind != connector.KindDirectory {
		return syscall.ENOTDIR
	}

	dh := newDirHandle(info.ID, info.Path, fs.connector, fs.inodes)
	op.Handle = fs.allocHandle(dh)
	return nil
}

func (fs *fileSystem) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) error {
	fs.metrics.OpCount("ReadDir")

	fs.mu.Lock()
	dh, ok := fs.handles[op.Handle].(*dirHandle)
	fs.mu.Unlock()

	if !ok {
		return fuse.EINVAL
	}

	// ReadDir ops on one handle are serialized by the kernel, so the
	// handle needs no lock of its own.
	if err := dh.readDir(ctx, op); err != nil {
		return errno("ReadDir", err)
	}
	return nil
}

func (fs *fileSystem) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) error {
	fs.metrics.OpCount("ReleaseDirHandle")

	fs.mu.Lock()
	dh, _ := fs.handles[op.Handle].(*dirHandle)
	delete(fs.handles, op.Handle)
	fs.mu.Unlock()

	if dh != nil {
		dh.destroy()
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) error {
	fs.metrics.OpCount("OpenFile")

	info, err := fs.inodes.Lookup(op.Inode)
	if err != nil {
		return errno("OpenFile", err)
	}
	if info.Kind == connector.KindDirectory {
		return syscall.EISDIR
	}

	op.Handle = fs.allocHandle(&fileHandle{in: info.ID})

	// The cache owns coherence between processes on this machine; letting
	// the kernel keep pages would serve stale bytes after a backend
	// change went unnoticed.
	op.KeepPageCache = false
	return nil
}

func (fs *fileSystem) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) error {
	fs.metrics.OpCount("ReadFile")

	info, err := fs.inodes.Lookup(op.Inode)
	if err != nil {
		return errno("ReadFile", err)
	}

	op.BytesRead, err = fs.cache.ReadAt(ctx, info.Path, op.Dst, op.Offset)
	return errno("ReadFile", err)
}

func (fs *fileSystem) WriteFile(
	ctx context.Context,
	op *fuseops.WriteFileOp) error {
	fs.metrics.OpCount("WriteFile")

	if err := fs.checkWritable(); err != nil {
		return errno("WriteFile", err)
	}

	info, err := fs.inodes.Lookup(op.Inode)
	if err != nil {
		return errno("WriteFile", err)
	}

	_, err = fs.cache.WriteAt(ctx, info.Path, op.Data, op.Offset)
	return errno("WriteFile", err)
}

func (fs *fileSystem) SyncFile(
	ctx context.Context,
	op *fuseops.SyncFileOp) error {
	fs.metrics.OpCount("SyncFile")

	info, err := fs.inodes.Lookup(op.Inode)
	if err != nil {
		return errno("SyncFile", err)
	}

	return errno("SyncFile", fs.cache.Sync(ctx, info.Path))
}

func (fs *fileSystem) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) error {
	fs.metrics.OpCount("FlushFile")

	info, err := fs.inodes.Lookup(op.Inode)
	if err != nil {
		return errno("FlushFile", err)
	}

	return errno("FlushFile", fs.cache.Sync(ctx, info.Path))
}

func (fs *fileSystem) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) error {
	fs.metrics.OpCount("ReleaseFileHandle")

	fs.mu.Lock()
	delete(fs.handles, op.Handle)
	fs.mu.Unlock()
	return nil
}

func (fs *fileSystem) Destroy() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for id, h := range fs.handles {
		if dh, ok := h.(*dirHandle); ok {
			dh.destroy()
		}
		delete(fs.handles, id)
	}
}
