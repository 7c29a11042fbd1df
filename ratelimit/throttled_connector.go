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

package ratelimit

import (
	"time"

	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/connector"
)

// ThrottledConnector admits one token per backend operation through
// throttle before delegating. It sits below the capability decorators,
// so synthesized operations pay per primitive they expand to.
func ThrottledConnector(c connector.Connector, throttle Throttle) connector.Connector {
	tc := &throttledConnector{inner: c, throttle: throttle}
	if sc, ok := c.(connector.SymlinkConnector); ok {
		return &throttledSymlinkConnector{throttledConnector: tc, symlinks: sc}
	}
	return tc
}

type throttledConnector struct {
	inner    connector.Connector
	throttle Throttle
}

func (c *throttledConnector) admit(ctx context.Context) error {
	if !c.throttle.Wait(ctx, 1) {
		return ctx.Err()
	}
	return nil
}

func (c *throttledConnector) Name() string                                   { return c.inner.Name() }
func (c *throttledConnector) Capabilities() connector.Capabilities           { return c.inner.Capabilities() }
func (c *throttledConnector) CacheRequirements() connector.CacheRequirements { return c.inner.CacheRequirements() }

func (c *throttledConnector) Stat(ctx context.Context, path string) (*connector.Metadata, error) {
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	return c.inner.Stat(ctx, path)
}

func (c *throttledConnector) Read(ctx context.Context, path string, offset, size int64) ([]byte, error) {
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	return c.inner.Read(ctx, path, offset, size)
}

func (c *throttledConnector) Write(ctx context.Context, path string, offset int64, data []byte) (int64, error) {
	if err := c.admit(ctx); err != nil {
		return 0, err
	}
	return c.inner.Write(ctx, path, offset, data)
}

func (c *throttledConnector) CreateFile(ctx context.Context, path string) (*connector.Metadata, error) {
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	return c.inner.CreateFile(ctx, path)
}

func (c *throttledConnector) CreateDir(ctx context.Context, path string) (*connector.Metadata, error) {
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	return c.inner.CreateDir(ctx, path)
}

func (c *throttledConnector) RemoveFile(ctx context.Context, path string) error {
	if err := c.admit(ctx); err != nil {
		return err
	}
	return c.inner.RemoveFile(ctx, path)
}

func (c *throttledConnector) RemoveDir(ctx context.Context, path string, recursive bool) error {
	if err := c.admit(ctx); err != nil {
		return err
	}
	return c.inner.RemoveDir(ctx, path, recursive)
}

func (c *throttledConnector) ListDir(ctx context.Context, path string) (connector.DirStream, error) {
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	return c.inner.ListDir(ctx, path)
}

func (c *throttledConnector) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := c.admit(ctx); err != nil {
		return err
	}
	return c.inner.Rename(ctx, oldPath, newPath)
}

func (c *throttledConnector) Truncate(ctx context.Context, path string, size int64) error {
	if err := c.admit(ctx); err != nil {
		return err
	}
	return c.inner.Truncate(ctx, path, size)
}

func (c *throttledConnector) SetMtime(ctx context.Context, path string, mtime time.Time) error {
	if err := c.admit(ctx); err != nil {
		return err
	}
	return c.inner.SetMtime(ctx, path, mtime)
}

func (c *throttledConnector) Flush(ctx context.Context, path string) error {
	if err := c.admit(ctx); err != nil {
		return err
	}
	return c.inner.Flush(ctx, path)
}

type throttledSymlinkConnector struct {
	*throttledConnector
	symlinks connector.SymlinkConnector
}

func (c *throttledSymlinkConnector) CreateSymlink(ctx context.Context, path, target string) (*connector.Metadata, error) {
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	return c.symlinks.CreateSymlink(ctx, path, target)
}

func (c *throttledSymlinkConnector) ReadSymlink(ctx context.Context, path string) (string, error) {
	if err := c.admit(ctx); err != nil {
		return "", err
	}
	return c.symlinks.ReadSymlink(ctx, path)
}
