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

// Package capability turns a connector's declared capability record into
// behavior: read-only enforcement, synthesis of missing operations, and
// canonical not-supported errors for everything else. The decorators are
// composed once at mount start; above them the bridge sees a connector
// that either performs an operation or fails it the right way.
package capability

import (
	"time"

	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/connector"
)

// Compose wraps c according to its capability record. With readOnly set
// (mount-level read_only, which overrides the connector's own Write
// capability) every mutation fails with *connector.ReadOnlyError.
func Compose(c connector.Connector, readOnly bool) connector.Connector {
	caps := c.Capabilities()

	// Innermost first: silence unsupported mtime updates, synthesize
	// rename, then clamp everything if read-only.
	if !caps.SetMtime {
		c = &mtimeSilencer{inner: c}
	}
	if !caps.Rename {
		c = &renameSynthesizer{inner: c}
	}
	if readOnly || !caps.Write {
		c = &readOnlyConnector{inner: c}
	}
	return c
}

// Effective computes the capability record the bridge should plan
// against once decorators and the cache are in place: a write buffer
// makes random writes and truncation possible on any backend, and
// rename is always at least synthesizable for files.
func Effective(caps connector.Capabilities, readOnly, writeBuffered bool) connector.Capabilities {
	out := caps
	if readOnly {
		out.Write = false
	}
	if writeBuffered {
		out.RandomWrite = true
		out.Truncate = true
	}
	out.Rename = true
	return out
}

// delegateCreateSymlink forwards to the inner connector's symlink
// support, or reports not-supported.
func delegateCreateSymlink(ctx context.Context, inner connector.Connector, path, target string) (*connector.Metadata, error) {
	if sc, ok := inner.(connector.SymlinkConnector); ok {
		return sc.CreateSymlink(ctx, path, target)
	}
	return nil, &connector.NotSupportedError{Op: "create symlink"}
}

func delegateReadSymlink(ctx context.Context, inner connector.Connector, path string) (string, error) {
	if sc, ok := inner.(connector.SymlinkConnector); ok {
		return sc.ReadSymlink(ctx, path)
	}
	return "", &connector.NotSupportedError{Op: "read symlink"}
}

////////////////////////////////////////////////////////////////////////
// Read-only enforcement
////////////////////////////////////////////////////////////////////////

type readOnlyConnector struct {
	inner connector.Connector
}

func (c *readOnlyConnector) Name() string                                   { return c.inner.Name() }
func (c *readOnlyConnector) CacheRequirements() connector.CacheRequirements { return c.inner.CacheRequirements() }

func (c *readOnlyConnector) Capabilities() connector.Capabilities {
	caps := c.inner.Capabilities()
	caps.Write = false
	return caps
}

func (c *readOnlyConnector) Stat(ctx context.Context, path string) (*connector.Metadata, error) {
	return c.inner.Stat(ctx, path)
}

func (c *readOnlyConnector) Read(ctx context.Context, path string, offset, size int64) ([]byte, error) {
	return c.inner.Read(ctx, path, offset, size)
}

func (c *readOnlyConnector) ListDir(ctx context.Context, path string) (connector.DirStream, error) {
	return c.inner.ListDir(ctx, path)
}

func (c *readOnlyConnector) ReadSymlink(ctx context.Context, path string) (string, error) {
	return delegateReadSymlink(ctx, c.inner, path)
}

func (c *readOnlyConnector) Write(ctx context.Context, path string, offset int64, data []byte) (int64, error) {
	return 0, &connector.ReadOnlyError{Op: "write"}
}

func (c *readOnlyConnector) CreateFile(ctx context.Context, path string) (*connector.Metadata, error) {
	return nil, &connector.ReadOnlyError{Op: "create"}
}

func (c *readOnlyConnector) CreateDir(ctx context.Context, path string) (*connector.Metadata, error) {
	return nil, &connector.ReadOnlyError{Op: "mkdir"}
}

func (c *readOnlyConnector) CreateSymlink(ctx context.Context, path, target string) (*connector.Metadata, error) {
	return nil, &connector.ReadOnlyError{Op: "symlink"}
}

func (c *readOnlyConnector) RemoveFile(ctx context.Context, path string) error {
	return &connector.ReadOnlyError{Op: "unlink"}
}

func (c *readOnlyConnector) RemoveDir(ctx context.Context, path string, recursive bool) error {
	return &connector.ReadOnlyError{Op: "rmdir"}
}

func (c *readOnlyConnector) Rename(ctx context.Context, oldPath, newPath string) error {
	return &connector.ReadOnlyError{Op: "rename"}
}

func (c *readOnlyConnector) Truncate(ctx context.Context, path string, size int64) error {
	return &connector.ReadOnlyError{Op: "truncate"}
}

func (c *readOnlyConnector) SetMtime(ctx context.Context, path string, mtime time.Time) error {
	return &connector.ReadOnlyError{Op: "set mtime"}
}

func (c *readOnlyConnector) Flush(ctx context.Context, path string) error {
	return c.inner.Flush(ctx, path)
}

////////////////////////////////////////////////////////////////////////
// Rename synthesis
////////////////////////////////////////////////////////////////////////

// renameSynthesizer emulates rename as read(src), write(dst),
// unlink(src). Not atomic: an observer may briefly see both names or
// neither, but never a half-copied destination, because the destination
// write is a single whole-object put. Directories cannot be renamed this
// way.
type renameSynthesizer struct {
	inner connector.Connector
}

func (c *renameSynthesizer) Name() string                                   { return c.inner.Name() }
func (c *renameSynthesizer) Capabilities() connector.Capabilities           { return c.inner.Capabilities() }
func (c *renameSynthesizer) CacheRequirements() connector.CacheRequirements { return c.inner.CacheRequirements() }

func (c *renameSynthesizer) Stat(ctx context.Context, path string) (*connector.Metadata, error) {
	return c.inner.Stat(ctx, path)
}

func (c *renameSynthesizer) Read(ctx context.Context, path string, offset, size int64) ([]byte, error) {
	return c.inner.Read(ctx, path, offset, size)
}

func (c *renameSynthesizer) Write(ctx context.Context, path string, offset int64, data []byte) (int64, error) {
	return c.inner.Write(ctx, path, offset, data)
}

func (c *renameSynthesizer) CreateFile(ctx context.Context, path string) (*connector.Metadata, error) {
	return c.inner.CreateFile(ctx, path)
}

func (c *renameSynthesizer) CreateDir(ctx context.Context, path string) (*connector.Metadata, error) {
	return c.inner.CreateDir(ctx, path)
}

func (c *renameSynthesizer) CreateSymlink(ctx context.Context, path, target string) (*connector.Metadata, error) {
	return delegateCreateSymlink(ctx, c.inner, path, target)
}

func (c *renameSynthesizer) ReadSymlink(ctx context.Context, path string) (string, error) {
	return delegateReadSymlink(ctx, c.inner, path)
}

func (c *renameSynthesizer) RemoveFile(ctx context.Context, path string) error {
	return c.inner.RemoveFile(ctx, path)
}

func (c *renameSynthesizer) RemoveDir(ctx context.Context, path string, recursive bool) error {
	return c.inner.RemoveDir(ctx, path, recursive)
}

func (c *renameSynthesizer) ListDir(ctx context.Context, path string) (connector.DirStream, error) {
	return c.inner.ListDir(ctx, path)
}

func (c *renameSynthesizer) Truncate(ctx context.Context, path string, size int64) error {
	return c.inner.Truncate(ctx, path, size)
}

func (c *renameSynthesizer) SetMtime(ctx context.Context, path string, mtime time.Time) error {
	return c.inner.SetMtime(ctx, path, mtime)
}

func (c *renameSynthesizer) Flush(ctx context.Context, path string) error {
	return c.inner.Flush(ctx, path)
}

func (c *renameSynthesizer) Rename(ctx context.Context, oldPath, newPath string) error {
	m, err := c.inner.Stat(ctx, oldPath)
	if err != nil {
		return err
	}
	if m.Kind == connector.KindDirectory {
		return &connector.NotSupportedError{Op: "rename directory"}
	}

	data, err := c.inner.Read(ctx, oldPath, 0, m.Size)
	if err != nil {
		return err
	}

	if _, err := c.inner.Write(ctx, newPath, 0, data); err != nil {
		return err
	}
	if err := c.inner.Flush(ctx, newPath); err != nil {
		return err
	}

	return c.inner.RemoveFile(ctx, oldPath)
}

////////////////////////////////////////////////////////////////////////
// Mtime silencing
////////////////////////////////////////////////////////////////////////

// mtimeSilencer swallows SetMtime for backends that can't store one.
// Utilities like cp and rsync set timestamps as a matter of course;
// failing those calls would make them report spurious errors.
type mtimeSilencer struct {
	inner connector.Connector
}

func (c *mtimeSilencer) Name() string                                   { return c.inner.Name() }
func (c *mtimeSilencer) Capabilities() connector.Capabilities           { return c.inner.Capabilities() }
func (c *mtimeSilencer) CacheRequirements() connector.CacheRequirements { return c.inner.CacheRequirements() }

func (c *mtimeSilencer) Stat(ctx context.Context, path string) (*connector.Metadata, error) {
	return c.inner.Stat(ctx, path)
}

func (c *mtimeSilencer) Read(ctx context.Context, path string, offset, size int64) ([]byte, error) {
	return c.inner.Read(ctx, path, offset, size)
}

func (c *mtimeSilencer) Write(ctx context.Context, path string, offset int64, data []byte) (int64, error) {
	return c.inner.Write(ctx, path, offset, data)
}

func (c *mtimeSilencer) CreateFile(ctx context.Context, path string) (*connector.Metadata, error) {
	return c.inner.CreateFile(ctx, path)
}

func (c *mtimeSilencer) CreateDir(ctx context.Context, path string) (*connector.Metadata, error) {
	return c.inner.CreateDir(ctx, path)
}

func (c *mtimeSilencer) CreateSymlink(ctx context.Context, path, target string) (*connector.Metadata, error) {
	return delegateCreateSymlink(ctx, c.inner, path, target)
}

func (c *mtimeSilencer) ReadSymlink(ctx context.Context, path string) (string, error) {
	return delegateReadSymlink(ctx, c.inner, path)
}

func (c *mtimeSilencer) RemoveFile(ctx context.Context, path string) error {
	return c.inner.RemoveFile(ctx, path)
}

func (c *mtimeSilencer) RemoveDir(ctx context.Context, path string, recursive bool) error {
	return c.inner.RemoveDir(ctx, path, recursive)
}

func (c *mtimeSilencer) ListDir(ctx context.Context, path string) (connector.DirStream, error) {
	return c.inner.ListDir(ctx, path)
}

func (c *mtimeSilencer) Rename(ctx context.Context, oldPath, newPath string) error {
	return c.inner.Rename(ctx, oldPath, newPath)
}

func (c *mtimeSilencer) Truncate(ctx context.Context, path string, size int64) error {
	return c.inner.Truncate(ctx, path, size)
}

func (c *mtimeSilencer) SetMtime(ctx context.Context, path string, mtime time.Time) error {
	return nil
}

func (c *mtimeSilencer) Flush(ctx context.Context, path string) error {
	return c.inner.Flush(ctx, path)
}
