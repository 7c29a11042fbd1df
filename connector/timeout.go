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

package connector

import (
	"errors"
	"time"

	"golang.org/x/net/context"
)

// WithTimeout bounds every operation of c by d, except directory
// listing: ListDir and the stream's Next calls run under the caller's
// context alone. An expired deadline
// surfaces as a transient backend error, so flushes retry it and the
// kernel sees EIO.
func WithTimeout(c Connector, d time.Duration) Connector {
	tc := &timeoutConnector{inner: c, d: d}
	if sc, ok := c.(SymlinkConnector); ok {
		return &timeoutSymlinkConnector{timeoutConnector: tc, symlinks: sc}
	}
	return tc
}

type timeoutConnector struct {
	inner Connector
	d     time.Duration
}

func (c *timeoutConnector) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.d)
}

// wrapDeadline keeps cancellation by the caller intact but converts our
// own expired deadline into the error taxonomy.
func wrapDeadline(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return &BackendError{Err: err, Transient: true}
	}
	return err
}

func (c *timeoutConnector) Name() string                         { return c.inner.Name() }
func (c *timeoutConnector) Capabilities() Capabilities           { return c.inner.Capabilities() }
func (c *timeoutConnector) CacheRequirements() CacheRequirements { return c.inner.CacheRequirements() }

func (c *timeoutConnector) Stat(ctx context.Context, path string) (*Metadata, error) {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	m, err := c.inner.Stat(tctx, path)
	return m, wrapDeadline(ctx, err)
}

func (c *timeoutConnector) Read(ctx context.Context, path string, offset, size int64) ([]byte, error) {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	data, err := c.inner.Read(tctx, path, offset, size)
	return data, wrapDeadline(ctx, err)
}

func (c *timeoutConnector) Write(ctx context.Context, path string, offset int64, data []byte) (int64, error) {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	n, err := c.inner.Write(tctx, path, offset, data)
	return n, wrapDeadline(ctx, err)
}

func (c *timeoutConnector) CreateFile(ctx context.Context, path string) (*Metadata, error) {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	m, err := c.inner.CreateFile(tctx, path)
	return m, wrapDeadline(ctx, err)
}

func (c *timeoutConnector) CreateDir(ctx context.Context, path string) (*Metadata, error) {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	m, err := c.inner.CreateDir(tctx, path)
	return m, wrapDeadline(ctx, err)
}

func (c *timeoutConnector) RemoveFile(ctx context.Context, path string) error {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	return wrapDeadline(ctx, c.inner.RemoveFile(tctx, path))
}

func (c *timeoutConnector) RemoveDir(ctx context.Context, path string, recursive bool) error {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	return wrapDeadline(ctx, c.inner.RemoveDir(tctx, path, recursive))
}

func (c *timeoutConnector) ListDir(ctx context.Context, path string) (DirStream, error) {
	// The stream outlives this call. No deadline is applied, here or to
	// the stream's Next calls.
	return c.inner.ListDir(ctx, path)
}

func (c *timeoutConnector) Rename(ctx context.Context, oldPath, newPath string) error {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	return wrapDeadline(ctx, c.inner.Rename(tctx, oldPath, newPath))
}

func (c *timeoutConnector) Truncate(ctx context.Context, path string, size int64) error {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	return wrapDeadline(ctx, c.inner.Truncate(tctx, path, size))
}

func (c *timeoutConnector) SetMtime(ctx context.Context, path string, mtime time.Time) error {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	return wrapDeadline(ctx, c.inner.SetMtime(tctx, path, mtime))
}

func (c *timeoutConnector) Flush(ctx context.Context, path string) error {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	return wrapDeadline(ctx, c.inner.Flush(tctx, path))
}

type timeoutSymlinkConnector struct {
	*timeoutConnector
	symlinks SymlinkConnector
}

func (c *timeoutSymlinkConnector) CreateSymlink(ctx context.Context, path, target string) (*Metadata, error) {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	m, err := c.symlinks.CreateSymlink(tctx, path, target)
	return m, wrapDeadline(ctx, err)
}

func (c *timeoutSymlinkConnector) ReadSymlink(ctx context.Context, path string) (string, error) {
	tctx, cancel := c.bound(ctx)
	defer cancel()
	target, err := c.symlinks.ReadSymlink(tctx, path)
	return target, wrapDeadline(ctx, err)
}
