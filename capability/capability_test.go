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

package capability_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/capability"
	"github.com/aar10n/fuse-adapter/connector"
	"github.com/aar10n/fuse-adapter/connector/memfs"
)

func objectStore() *memfs.Connector {
	return memfs.New(memfs.Options{
		Capabilities: &connector.Capabilities{
			Read:      true,
			Write:     true,
			RangeRead: true,
		},
	})
}

func TestCompose_FullyCapableConnectorIsUntouched(t *testing.T) {
	raw := memfs.New(memfs.Options{})
	composed := capability.Compose(raw, false)

	// Nothing to decorate; same value comes back.
	assert.Equal(t, connector.Connector(raw), composed)
}

func TestReadOnly_MutationsFailWithoutBackendTouch(t *testing.T) {
	ctx := context.Background()
	raw := memfs.New(memfs.Options{})
	ro := capability.Compose(raw, true)

	_, err := ro.CreateFile(ctx, "/f")
	assert.True(t, connector.IsReadOnly(err))

	_, err = ro.Write(ctx, "/f", 0, []byte("x"))
	assert.True(t, connector.IsReadOnly(err))

	assert.True(t, connector.IsReadOnly(ro.RemoveFile(ctx, "/f")))
	assert.True(t, connector.IsReadOnly(ro.Rename(ctx, "/a", "/b")))
	assert.True(t, connector.IsReadOnly(ro.Truncate(ctx, "/f", 0)))
	assert.True(t, connector.IsReadOnly(ro.SetMtime(ctx, "/f", time.Now())))

	assert.Equal(t, 0, raw.CallCount("CreateFile"))
	assert.Equal(t, 0, raw.CallCount("Write"))
	assert.Equal(t, 0, raw.CallCount("RemoveFile"))
	assert.Equal(t, 0, raw.CallCount("Rename"))

	// Reads pass through.
	_, err = ro.Stat(ctx, "/")
	assert.NoError(t, err)
}

func TestReadOnly_ClampsDeclaredWriteCapability(t *testing.T) {
	ro := capability.Compose(memfs.New(memfs.Options{}), true)
	assert.False(t, ro.Capabilities().Write)
}

func TestRenameSynthesis_CopiesThenDeletes(t *testing.T) {
	ctx := context.Background()
	raw := objectStore()
	composed := capability.Compose(raw, false)

	_, err := raw.Write(ctx, "/src", 0, []byte("cargo"))
	require.NoError(t, err)

	require.NoError(t, composed.Rename(ctx, "/src", "/dst"))

	_, ok := raw.Contents("/src")
	assert.False(t, ok)
	got, ok := raw.Contents("/dst")
	require.True(t, ok)
	assert.Equal(t, "cargo", string(got))

	assert.Equal(t, 0, raw.CallCount("Rename"))
	assert.Equal(t, 1, raw.CallCount("RemoveFile"))
}

func TestRenameSynthesis_MissingSourceIsNotFound(t *testing.T) {
	ctx := context.Background()
	composed := capability.Compose(objectStore(), false)

	err := composed.Rename(ctx, "/nope", "/dst")
	assert.True(t, connector.IsNotFound(err))
}

func TestRenameSynthesis_RefusesDirectories(t *testing.T) {
	ctx := context.Background()
	raw := objectStore()
	composed := capability.Compose(raw, false)

	_, err := raw.CreateDir(ctx, "/d")
	require.NoError(t, err)

	err = composed.Rename(ctx, "/d", "/e")
	assert.True(t, connector.IsNotSupported(err))
}

func TestMtimeSilencer_SwallowsSetMtime(t *testing.T) {
	ctx := context.Background()
	raw := objectStore()
	composed := capability.Compose(raw, false)

	_, err := raw.Write(ctx, "/f", 0, []byte("x"))
	require.NoError(t, err)

	// The backend can't store mtimes; the call must succeed anyway and
	// never reach it.
	assert.NoError(t, composed.SetMtime(ctx, "/f", time.Now()))
	assert.Equal(t, 0, raw.CallCount("SetMtime"))
}

func TestEffective_WriteBufferUnlocksRandomAccess(t *testing.T) {
	caps := connector.Capabilities{Read: true, Write: true, RangeRead: true}

	eff := capability.Effective(caps, false, true)
	assert.True(t, eff.RandomWrite)
	assert.True(t, eff.Truncate)
	assert.True(t, eff.Rename)

	eff = capability.Effective(caps, false, false)
	assert.False(t, eff.RandomWrite)
	assert.False(t, eff.Truncate)

	eff = capability.Effective(caps, true, true)
	assert.False(t, eff.Write)
}
