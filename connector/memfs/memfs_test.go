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

package memfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/connector"
	"github.com/aar10n/fuse-adapter/connector/memfs"
)

func listAll(t *testing.T, c *memfs.Connector, path string) []connector.DirEntry {
	ctx := context.Background()

	stream, err := c.ListDir(ctx, path)
	require.NoError(t, err)
	defer stream.Close()

	var out []connector.DirEntry
	for {
		e, err := stream.Next(ctx)
		require.NoError(t, err)
		if e == nil {
			return out
		}
		out = append(out, *e)
	}
}

func TestMemfs_CreateStatRemove(t *testing.T) {
	ctx := context.Background()
	c := memfs.New(memfs.Options{})

	_, err := c.CreateFile(ctx, "/f")
	require.NoError(t, err)

	m, err := c.Stat(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, connector.KindFile, m.Kind)
	assert.EqualValues(t, 0, m.Size)

	_, err = c.CreateFile(ctx, "/f")
	assert.True(t, connector.IsAlreadyExists(err))

	require.NoError(t, c.RemoveFile(ctx, "/f"))
	_, err = c.Stat(ctx, "/f")
	assert.True(t, connector.IsNotFound(err))
}

func TestMemfs_CreateInMissingParent(t *testing.T) {
	ctx := context.Background()
	c := memfs.New(memfs.Options{})

	_, err := c.CreateFile(ctx, "/no/such/dir")
	assert.True(t, connector.IsNotFound(err))
}

func TestMemfs_ListIsSortedAndShallow(t *testing.T) {
	ctx := context.Background()
	c := memfs.New(memfs.Options{})

	_, err := c.CreateDir(ctx, "/d")
	require.NoError(t, err)
	_, err = c.CreateFile(ctx, "/d/inner")
	require.NoError(t, err)
	_, err = c.CreateFile(ctx, "/b")
	require.NoError(t, err)
	_, err = c.CreateFile(ctx, "/a")
	require.NoError(t, err)

	var names []string
	for _, e := range listAll(t, c, "/") {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a", "b", "d"}, names)
}

func TestMemfs_RemoveDirSemantics(t *testing.T) {
	ctx := context.Background()
	c := memfs.New(memfs.Options{})

	_, err := c.CreateDir(ctx, "/d")
	require.NoError(t, err)
	_, err = c.CreateFile(ctx, "/d/f")
	require.NoError(t, err)

	assert.True(t, connector.IsNotEmpty(c.RemoveDir(ctx, "/d", false)))
	require.NoError(t, c.RemoveDir(ctx, "/d", true))

	_, err = c.Stat(ctx, "/d/f")
	assert.True(t, connector.IsNotFound(err))
}

func TestMemfs_RenameMovesSubtree(t *testing.T) {
	ctx := context.Background()
	c := memfs.New(memfs.Options{})

	_, err := c.CreateDir(ctx, "/d")
	require.NoError(t, err)
	_, err = c.Write(ctx, "/d/f", 0, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, c.Rename(ctx, "/d", "/e"))

	_, err = c.Stat(ctx, "/e/f")
	assert.NoError(t, err)
	_, err = c.Stat(ctx, "/d")
	assert.True(t, connector.IsNotFound(err))
}

func TestMemfs_MaskedCapabilitiesAreEnforced(t *testing.T) {
	ctx := context.Background()
	c := memfs.New(memfs.Options{
		Capabilities: &connector.Capabilities{
			Read:      true,
			Write:     true,
			RangeRead: true,
		},
	})

	_, err := c.Write(ctx, "/f", 0, []byte("whole"))
	require.NoError(t, err)

	_, err = c.Write(ctx, "/f", 2, []byte("x"))
	assert.True(t, connector.IsNotSupported(err))

	assert.True(t, connector.IsNotSupported(c.Truncate(ctx, "/f", 1)))
	assert.True(t, connector.IsNotSupported(c.Rename(ctx, "/f", "/g")))

	// A whole-object write replaces, object store style.
	_, err = c.Write(ctx, "/f", 0, []byte("v2"))
	require.NoError(t, err)
	got, ok := c.Contents("/f")
	require.True(t, ok)
	assert.Equal(t, "v2", string(got))
}

func TestMemfs_SymlinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := memfs.New(memfs.Options{})

	_, err := c.CreateSymlink(ctx, "/l", "/target")
	require.NoError(t, err)

	target, err := c.ReadSymlink(ctx, "/l")
	require.NoError(t, err)
	assert.Equal(t, "/target", target)
}
