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
	"fmt"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/connector"
	"github.com/aar10n/fuse-adapter/fs/inode"
)

// The d_ino value reported for children we haven't interned. The kernel
// uses readdir inode numbers for display only; correctness comes from
// lookup.
const unknownInodeID = ^fuseops.InodeID(0)

// State required for reading from directories.
type dirHandle struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	in        fuseops.InodeID
	path      string
	connector connector.Connector
	inodes    *inode.Table

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The open stream behind the entries buffered so far, or nil if we
	// haven't started or have finished listing.
	//
	// Not locked: the kernel serializes ReadDir ops on one handle.
	stream connector.DirStream

	// All entries yielded so far, "." and ".." included. Entry i has
	// offset i+1.
	//
	// INVARIANT: For each i, entries[i].Offset == DirOffset(i)+1
	//
	// Not locked: the kernel serializes ReadDir ops on one handle.
	entries []fuseutil.Dirent

	// Not locked: the kernel serializes ReadDir ops on one handle.
	listed bool
}

func newDirHandle(
	id fuseops.InodeID,
	path string,
	c connector.Connector,
	inodes *inode.Table) *dirHandle {
	return &dirHandle{
		in:        id,
		path:      path,
		connector: c,
		inodes:    inodes,
	}
}

func (dh *dirHandle) destroy() {
	if dh.stream != nil {
		dh.stream.Close()
		dh.stream = nil
	}
}

// reset discards buffered entries and seeds the listing with "." and
// "..", which posix requires to come first.
func (dh *dirHandle) reset() {
	dh.destroy()
	dh.listed = false
	dh.entries = []fuseutil.Dirent{
		{
			Offset: 1,
			Inode:  dh.in,
			Name:   ".",
			Type:   fuseutil.DT_Directory,
		},
		{
			Offset: 2,
			Inode:  unknownInodeID,
			Name:   "..",
			Type:   fuseutil.DT_Directory,
		},
	}
}

func direntType(k connector.Kind) fuseutil.DirentType {
	switch k {
	case connector.KindDirectory:
		return fuseutil.DT_Directory
	case connector.KindSymlink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

// fetchUntil extends the buffer until it covers index or the listing is
// exhausted.
func (dh *dirHandle) fetchUntil(ctx context.Context, index int) error {
	for !dh.listed && len(dh.entries) <= index {
		if dh.stream == nil {
			var err error
			dh.stream, err = dh.connector.ListDir(ctx, dh.path)
			if err != nil {
				return fmt.Errorf("ListDir: %w", err)
			}
		}

		e, err := dh.stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("DirStream.Next: %w", err)
		}
		if e == nil {
			dh.listed = true
			dh.destroy()
			break
		}

		id, ok := dh.inodes.PeekID(connector.Child(dh.path, e.Name))
		if !ok {
			id = unknownInodeID
		}

		dh.entries = append(dh.entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(dh.entries)) + 1,
			Inode:  id,
			Name:   e.Name,
			Type:   direntType(e.Kind),
		})
	}
	return nil
}

// readDir fills op.Dst with entries at and after op.Offset.
//
// An offset of zero means the first read or a rewinddir; either way the
// listing starts over. Offsets inside the buffered window replay the
// snapshot, which keeps the listing stable for one traversal even as
// the directory changes underneath.
func (dh *dirHandle) readDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	if op.Offset == 0 {
		dh.reset()
	}

	if op.Offset > fuseops.DirOffset(len(dh.entries)) && dh.listed {
		return fuse.EINVAL
	}

	index := int(op.Offset)
	for {
		if err := dh.fetchUntil(ctx, index); err != nil {
			return err
		}
		if index >= len(dh.entries) {
			return nil
		}

		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dh.entries[index])
		if n == 0 {
			return nil
		}

		op.BytesRead += n
		index++
	}
}
