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

package inode

import (
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aar10n/fuse-adapter/connector"
)

func TestTable_Root(t *testing.T) {
	table := NewTable()

	info, err := table.Lookup(fuseops.RootInodeID)
	require.NoError(t, err)
	assert.Equal(t, connector.RootPath, info.Path)
	assert.Equal(t, connector.KindDirectory, info.Kind)

	// Forgetting the root must be harmless.
	table.Forget(fuseops.RootInodeID, 1)
	_, err = table.Lookup(fuseops.RootInodeID)
	assert.NoError(t, err)
}

func TestTable_InternIsIdempotent(t *testing.T) {
	table := NewTable()

	a := table.Intern("/a.txt", connector.KindFile)
	b := table.Intern("/a.txt", connector.KindFile)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.Generation, b.Generation)
}

// The (path -> inode) and (inode -> path) views must agree for every
// live entry.
func TestTable_BidirectionalAgreement(t *testing.T) {
	table := NewTable()

	paths := []string{"/a", "/b", "/dir", "/dir/c"}
	kinds := []connector.Kind{
		connector.KindFile,
		connector.KindFile,
		connector.KindDirectory,
		connector.KindFile,
	}

	for i, p := range paths {
		info := table.Intern(p, kinds[i])

		got, err := table.Lookup(info.ID)
		require.NoError(t, err)
		assert.Equal(t, p, got.Path)
		assert.Equal(t, kinds[i], got.Kind)

		id, ok := table.PeekID(p)
		require.True(t, ok)
		assert.Equal(t, info.ID, id)
	}
}

func TestTable_ForgetReclaims(t *testing.T) {
	table := NewTable()

	info := table.Intern("/a.txt", connector.KindFile)
	table.Intern("/a.txt", connector.KindFile)

	// Two references; one forget is not enough.
	table.Forget(info.ID, 1)
	_, err := table.Lookup(info.ID)
	assert.NoError(t, err)

	table.Forget(info.ID, 1)
	_, err = table.Lookup(info.ID)
	assert.ErrorIs(t, err, ErrStale)

	_, ok := table.PeekID("/a.txt")
	assert.False(t, ok)
}

func TestTable_RecycledIDGetsNewGeneration(t *testing.T) {
	table := NewTable()

	first := table.Intern("/a.txt", connector.KindFile)
	table.Forget(first.ID, 1)

	// The freed ID may be handed out again, but never with the same
	// generation.
	second := table.Intern("/b.txt", connector.KindFile)
	if second.ID == first.ID {
		assert.Greater(t, second.Generation, first.Generation)
	}
}

func TestTable_UnlinkOrphans(t *testing.T) {
	table := NewTable()

	info := table.Intern("/a.txt", connector.KindFile)
	table.Unlink("/a.txt")

	// Still referenced: the inode survives, but answers stale.
	_, err := table.Lookup(info.ID)
	assert.ErrorIs(t, err, ErrStale)

	// Re-interning the path mints a fresh identity.
	fresh := table.Intern("/a.txt", connector.KindFile)
	assert.NotEqual(t, info.ID, fresh.ID)

	// The orphan is reclaimed once the kernel lets go.
	table.Forget(info.ID, 1)
	_, err = table.Lookup(info.ID)
	assert.ErrorIs(t, err, ErrStale)
}

func TestTable_UnlinkUnreferencedReclaimsImmediately(t *testing.T) {
	table := NewTable()

	info := table.Intern("/a.txt", connector.KindFile)
	table.Forget(info.ID, 1)
	table.Unlink("/a.txt")

	_, ok := table.PeekID("/a.txt")
	assert.False(t, ok)
}

// Rename preserves inode identity: the ID observed for the destination
// afterwards equals the ID observed for the source beforehand.
func TestTable_RenamePreservesIdentity(t *testing.T) {
	table := NewTable()

	src := table.Intern("/src", connector.KindFile)
	table.Rename("/src", "/dst")

	got, err := table.Lookup(src.ID)
	require.NoError(t, err)
	assert.Equal(t, "/dst", got.Path)
	assert.Equal(t, src.Generation, got.Generation)

	id, ok := table.PeekID("/dst")
	require.True(t, ok)
	assert.Equal(t, src.ID, id)

	_, ok = table.PeekID("/src")
	assert.False(t, ok)
}

func TestTable_RenameOntoLiveDestinationOrphansIt(t *testing.T) {
	table := NewTable()

	src := table.Intern("/src", connector.KindFile)
	dst := table.Intern("/dst", connector.KindFile)

	table.Rename("/src", "/dst")

	// The old destination inode survives until forgotten, answering
	// stale.
	_, err := table.Lookup(dst.ID)
	assert.ErrorIs(t, err, ErrStale)

	got, err := table.Lookup(src.ID)
	require.NoError(t, err)
	assert.Equal(t, "/dst", got.Path)

	table.Forget(dst.ID, 1)
}

func TestTable_InvalidateOrphans(t *testing.T) {
	table := NewTable()

	info := table.Intern("/a.txt", connector.KindFile)
	table.Invalidate("/a.txt")

	_, err := table.Lookup(info.ID)
	assert.ErrorIs(t, err, ErrStale)

	fresh := table.Intern("/a.txt", connector.KindFile)
	assert.NotEqual(t, info.ID, fresh.ID)
}

func TestTable_Count(t *testing.T) {
	table := NewTable()
	assert.Equal(t, 1, table.Count())

	table.Intern("/a", connector.KindFile)
	table.Intern("/b", connector.KindFile)
	assert.Equal(t, 3, table.Count())

	table.Unlink("/a")
	assert.Equal(t, 2, table.Count())
}
