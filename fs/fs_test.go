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

package fs

import (
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/cache"
	"github.com/aar10n/fuse-adapter/capability"
	"github.com/aar10n/fuse-adapter/connector"
	"github.com/aar10n/fuse-adapter/connector/memfs"
)

type bridgeFixture struct {
	ctx     context.Context
	clock   timeutil.SimulatedClock
	backend *memfs.Connector
	fs      *fileSystem
}

type fixtureOptions struct {
	readOnly bool
	caps     *connector.Capabilities
	uid      *uint32
	gid      *uint32
}

func newBridgeFixture(t *testing.T, opts fixtureOptions) *bridgeFixture {
	f := &bridgeFixture{ctx: context.Background()}
	f.clock.SetTime(time.Date(2024, 4, 4, 0, 0, 0, 0, time.Local))

	f.backend = memfs.New(memfs.Options{
		Clock:        &f.clock,
		Capabilities: opts.caps,
	})

	contentCache, err := cache.NewFileCache(cache.Config{
		Connector: f.backend,
		Clock:     &f.clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { contentCache.Destroy() })

	cfg := &ServerConfig{
		Clock:         &f.clock,
		Connector:     capability.Compose(f.backend, opts.readOnly),
		Capabilities:  f.backend.Capabilities(),
		WriteBuffered: true,
		Cache:         contentCache,
		ReadOnly:      opts.readOnly,
		Uid:           1234,
		Gid:           1234,
		FilePerms:     0644,
		DirPerms:      0755,
		AttributeTTL:  time.Minute,
	}
	if opts.uid != nil {
		cfg.Uid = *opts.uid
		cfg.Gid = *opts.gid
		cfg.OwnerExplicit = true
	}

	f.fs, err = newFileSystem(cfg)
	require.NoError(t, err)
	return f
}

func (f *bridgeFixture) lookup(t *testing.T, parent fuseops.InodeID, name string) *fuseops.LookUpInodeOp {
	op := &fuseops.LookUpInodeOp{Parent: parent, Name: name}
	require.NoError(t, f.fs.LookUpInode(f.ctx, op))
	return op
}

func (f *bridgeFixture) create(t *testing.T, parent fuseops.InodeID, name string) *fuseops.CreateFileOp {
	op := &fuseops.CreateFileOp{Parent: parent, Name: name, Mode: 0644}
	require.NoError(t, f.fs.CreateFile(f.ctx, op))
	return op
}

func (f *bridgeFixture) write(t *testing.T, in fuseops.InodeID, handle fuseops.HandleID, data string, offset int64) {
	op := &fuseops.WriteFileOp{Inode: in, Handle: handle, Data: []byte(data), Offset: offset}
	require.NoError(t, f.fs.WriteFile(f.ctx, op))
}

func (f *bridgeFixture) flush(t *testing.T, in fuseops.InodeID) {
	op := &fuseops.FlushFileOp{Inode: in}
	require.NoError(t, f.fs.FlushFile(f.ctx, op))
}

func (f *bridgeFixture) read(t *testing.T, in fuseops.InodeID, size int) string {
	op := &fuseops.ReadFileOp{Inode: in, Offset: 0, Size: int64(size), Dst: make([]byte, size)}
	require.NoError(t, f.fs.ReadFile(f.ctx, op))
	return string(op.Dst[:op.BytesRead])
}

////////////////////////////////////////////////////////////////////////
// Create / write / read round trips
////////////////////////////////////////////////////////////////////////

func TestBridge_CreateWriteFlushRead(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	created := f.create(t, fuseops.RootInodeID, "a.txt")
	f.write(t, created.Entry.Child, created.Handle, "hi\n", 0)
	f.flush(t, created.Entry.Child)

	// Durable on the backend after flush.
	got, ok := f.backend.Contents("/a.txt")
	require.True(t, ok)
	assert.Equal(t, "hi\n", string(got))

	assert.Equal(t, "hi\n", f.read(t, created.Entry.Child, 16))
}

func TestBridge_LookupReturnsShapedAttributes(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	created := f.create(t, fuseops.RootInodeID, "a.txt")
	f.write(t, created.Entry.Child, created.Handle, "tacos", 0)
	f.flush(t, created.Entry.Child)

	op := f.lookup(t, fuseops.RootInodeID, "a.txt")
	assert.Equal(t, created.Entry.Child, op.Entry.Child)
	assert.EqualValues(t, 5, op.Entry.Attributes.Size)
	assert.EqualValues(t, 1234, op.Entry.Attributes.Uid)
	assert.Equal(t, "-rw-r--r--", op.Entry.Attributes.Mode.String())
	assert.True(t, op.Entry.AttributesExpiration.After(f.clock.Now()))
}

func TestBridge_LookupMissingIsENOENT(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope"}
	assert.ErrorIs(t, f.fs.LookUpInode(f.ctx, op), fuse.ENOENT)
}

func TestBridge_NameTooLong(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	op := &fuseops.LookUpInodeOp{
		Parent: fuseops.RootInodeID,
		Name:   strings.Repeat("x", 300),
	}
	assert.ErrorIs(t, f.fs.LookUpInode(f.ctx, op), syscall.ENAMETOOLONG)
}

func TestBridge_CreateExistingIsEEXIST(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	f.create(t, fuseops.RootInodeID, "a.txt")
	op := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "a.txt", Mode: 0644}
	assert.ErrorIs(t, f.fs.CreateFile(f.ctx, op), fuse.EEXIST)
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

func TestBridge_MkDirRmDir(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	mk := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0755}
	require.NoError(t, f.fs.MkDir(f.ctx, mk))

	// Repeated mkdir of the same path fails with EEXIST.
	again := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0755}
	assert.ErrorIs(t, f.fs.MkDir(f.ctx, again), fuse.EEXIST)

	// A populated directory refuses rmdir.
	f.create(t, mk.Entry.Child, "f")
	rm := &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"}
	assert.ErrorIs(t, f.fs.RmDir(f.ctx, rm), fuse.ENOTEMPTY)

	// Empty it and try again.
	unlink := &fuseops.UnlinkOp{Parent: mk.Entry.Child, Name: "f"}
	require.NoError(t, f.fs.Unlink(f.ctx, unlink))
	require.NoError(t, f.fs.RmDir(f.ctx, rm))

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "d"}
	assert.ErrorIs(t, f.fs.LookUpInode(f.ctx, op), fuse.ENOENT)
}

func TestBridge_ReadDirEmitsDotEntriesFirst(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	f.create(t, fuseops.RootInodeID, "b.txt")
	f.create(t, fuseops.RootInodeID, "a.txt")

	open := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, f.fs.OpenDir(f.ctx, open))

	readOp := &fuseops.ReadDirOp{
		Inode:  fuseops.RootInodeID,
		Handle: open.Handle,
		Offset: 0,
		Dst:    make([]byte, 4096),
	}
	require.NoError(t, f.fs.ReadDir(f.ctx, readOp))
	assert.Greater(t, readOp.BytesRead, 0)

	f.fs.mu.Lock()
	dh := f.fs.handles[open.Handle].(*dirHandle)
	f.fs.mu.Unlock()

	var names []string
	for _, e := range dh.entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{".", "..", "a.txt", "b.txt"}, names)

	release := &fuseops.ReleaseDirHandleOp{Handle: open.Handle}
	require.NoError(t, f.fs.ReleaseDirHandle(f.ctx, release))
}

func TestBridge_OpenDirOnFileIsENOTDIR(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	created := f.create(t, fuseops.RootInodeID, "a.txt")
	open := &fuseops.OpenDirOp{Inode: created.Entry.Child}
	assert.ErrorIs(t, f.fs.OpenDir(f.ctx, open), syscall.ENOTDIR)
}

////////////////////////////////////////////////////////////////////////
// Rename
////////////////////////////////////////////////////////////////////////

func TestBridge_RenamePreservesInode(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	created := f.create(t, fuseops.RootInodeID, "src")
	f.write(t, created.Entry.Child, created.Handle, "contents", 0)
	f.flush(t, created.Entry.Child)

	op := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID,
		OldName:   "src",
		NewParent: fuseops.RootInodeID,
		NewName:   "dst",
	}
	require.NoError(t, f.fs.Rename(f.ctx, op))

	// Same inode number observed under the new name.
	got := f.lookup(t, fuseops.RootInodeID, "dst")
	assert.Equal(t, created.Entry.Child, got.Entry.Child)
	assert.Equal(t, "contents", f.read(t, got.Entry.Child, 32))

	missing := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "src"}
	assert.ErrorIs(t, f.fs.LookUpInode(f.ctx, missing), fuse.ENOENT)
}

// A connector without native rename gets copy+delete synthesis; the
// result must be indistinguishable apart from atomicity.
func TestBridge_RenameSynthesized(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{
		caps: &connector.Capabilities{
			Read:      true,
			Write:     true,
			RangeRead: true,
		},
	})

	created := f.create(t, fuseops.RootInodeID, "src")
	f.write(t, created.Entry.Child, created.Handle, "payload", 0)
	f.flush(t, created.Entry.Child)

	op := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID,
		OldName:   "src",
		NewParent: fuseops.RootInodeID,
		NewName:   "dst",
	}
	require.NoError(t, f.fs.Rename(f.ctx, op))

	_, ok := f.backend.Contents("/src")
	assert.False(t, ok)
	got, ok := f.backend.Contents("/dst")
	require.True(t, ok)
	assert.Equal(t, "payload", string(got))

	// Synthesis went through primitives, not the backend's Rename.
	assert.Equal(t, 0, f.backend.CallCount("Rename"))
}

func TestBridge_RenameFlushesDirtySource(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	created := f.create(t, fuseops.RootInodeID, "src")
	f.write(t, created.Entry.Child, created.Handle, "fresh bytes", 0)

	op := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID,
		OldName:   "src",
		NewParent: fuseops.RootInodeID,
		NewName:   "dst",
	}
	require.NoError(t, f.fs.Rename(f.ctx, op))

	got, ok := f.backend.Contents("/dst")
	require.True(t, ok)
	assert.Equal(t, "fresh bytes", string(got))
}

////////////////////////////////////////////////////////////////////////
// Stale inodes and forgetting
////////////////////////////////////////////////////////////////////////

func TestBridge_UnlinkedInodeGoesStale(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	created := f.create(t, fuseops.RootInodeID, "a.txt")

	unlink := &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "a.txt"}
	require.NoError(t, f.fs.Unlink(f.ctx, unlink))

	attrs := &fuseops.GetInodeAttributesOp{Inode: created.Entry.Child}
	assert.ErrorIs(t, f.fs.GetInodeAttributes(f.ctx, attrs), syscall.ESTALE)
}

func TestBridge_RecreatedPathGetsFreshInode(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	first := f.create(t, fuseops.RootInodeID, "a.txt")

	unlink := &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "a.txt"}
	require.NoError(t, f.fs.Unlink(f.ctx, unlink))

	second := f.create(t, fuseops.RootInodeID, "a.txt")
	assert.NotEqual(t, first.Entry.Child, second.Entry.Child)
}

func TestBridge_ForgetThenBatchForget(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	created := f.create(t, fuseops.RootInodeID, "a.txt")
	looked := f.lookup(t, fuseops.RootInodeID, "a.txt")
	require.Equal(t, created.Entry.Child, looked.Entry.Child)

	forget := &fuseops.ForgetInodeOp{Inode: created.Entry.Child, N: 1}
	require.NoError(t, f.fs.ForgetInode(f.ctx, forget))

	batch := &fuseops.BatchForgetOp{
		Entries: []fuseops.BatchForgetEntry{{Inode: created.Entry.Child, N: 1}},
	}
	require.NoError(t, f.fs.BatchForget(f.ctx, batch))

	attrs := &fuseops.GetInodeAttributesOp{Inode: created.Entry.Child}
	assert.ErrorIs(t, f.fs.GetInodeAttributes(f.ctx, attrs), syscall.ESTALE)
}

////////////////////////////////////////////////////////////////////////
// Read-only mounts
////////////////////////////////////////////////////////////////////////

func TestBridge_ReadOnlyMountFailsMutationsWithoutBackendTouch(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{readOnly: true})

	_, err := f.backend.Write(f.ctx, "/existing", 0, []byte("x"))
	require.NoError(t, err)

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "new", Mode: 0644}
	assert.ErrorIs(t, f.fs.CreateFile(f.ctx, create), syscall.EROFS)

	mkdir := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0755}
	assert.ErrorIs(t, f.fs.MkDir(f.ctx, mkdir), syscall.EROFS)

	unlink := &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "existing"}
	assert.ErrorIs(t, f.fs.Unlink(f.ctx, unlink), syscall.EROFS)

	rename := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "existing",
		NewParent: fuseops.RootInodeID, NewName: "moved",
	}
	assert.ErrorIs(t, f.fs.Rename(f.ctx, rename), syscall.EROFS)

	size := uint64(0)
	setattr := &fuseops.SetInodeAttributesOp{Inode: fuseops.RootInodeID, Size: &size}
	assert.ErrorIs(t, f.fs.SetInodeAttributes(f.ctx, setattr), syscall.EROFS)

	// None of it reached the backend.
	assert.Equal(t, 0, f.backend.CallCount("CreateFile"))
	assert.Equal(t, 0, f.backend.CallCount("CreateDir"))
	assert.Equal(t, 0, f.backend.CallCount("RemoveFile"))
	assert.Equal(t, 0, f.backend.CallCount("Rename"))
	assert.Equal(t, 0, f.backend.CallCount("Truncate"))

	// Reads still work.
	open := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	assert.NoError(t, f.fs.OpenDir(f.ctx, open))
}

////////////////////////////////////////////////////////////////////////
// Attribute shaping
////////////////////////////////////////////////////////////////////////

func TestBridge_ConfiguredOwnerOverridesEverything(t *testing.T) {
	uid := uint32(1000)
	gid := uint32(1000)
	f := newBridgeFixture(t, fixtureOptions{uid: &uid, gid: &gid})

	created := f.create(t, fuseops.RootInodeID, "a.txt")

	attrs := &fuseops.GetInodeAttributesOp{Inode: created.Entry.Child}
	require.NoError(t, f.fs.GetInodeAttributes(f.ctx, attrs))
	assert.EqualValues(t, 1000, attrs.Attributes.Uid)
	assert.EqualValues(t, 1000, attrs.Attributes.Gid)
}

func TestBridge_TruncateThroughSetattr(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	created := f.create(t, fuseops.RootInodeID, "a.txt")
	f.write(t, created.Entry.Child, created.Handle, "0123456789", 0)

	size := uint64(4)
	setattr := &fuseops.SetInodeAttributesOp{Inode: created.Entry.Child, Size: &size}
	require.NoError(t, f.fs.SetInodeAttributes(f.ctx, setattr))
	assert.EqualValues(t, 4, setattr.Attributes.Size)

	assert.Equal(t, "0123", f.read(t, created.Entry.Child, 16))
}

func TestBridge_SetMtimeSilentlyIgnoredWhenUnsupported(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{
		caps: &connector.Capabilities{
			Read:      true,
			Write:     true,
			RangeRead: true,
		},
	})

	created := f.create(t, fuseops.RootInodeID, "a.txt")

	mtime := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	setattr := &fuseops.SetInodeAttributesOp{Inode: created.Entry.Child, Mtime: &mtime}
	assert.NoError(t, f.fs.SetInodeAttributes(f.ctx, setattr))
}

////////////////////////////////////////////////////////////////////////
// Symlinks
////////////////////////////////////////////////////////////////////////

func TestBridge_SymlinkRoundTrip(t *testing.T) {
	f := newBridgeFixture(t, fixtureOptions{})

	create := &fuseops.CreateSymlinkOp{
		Parent: fuseops.RootInodeID,
		Name:   "link",
		Target: "/elsewhere",
	}
	require.NoError(t, f.fs.CreateSymlink(f.ctx, create))

	read := &fuseops.ReadSymlinkOp{Inode: create.Entry.Child}
	require.NoError(t, f.fs.ReadSymlink(f.ctx, read))
	assert.Equal(t, "/elsewhere", read.Target)
}
