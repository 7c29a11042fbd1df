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

package cache

import (
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/connector"
	"github.com/aar10n/fuse-adapter/ttlcache"
)

// NewPassThrough creates a cache that buffers nothing: every operation
// goes straight to the connector, with only metadata held under a TTL.
// Usable only with connectors whose capabilities already cover random
// access; the mount supervisor refuses it when the connector declares
// WriteBufferRequired.
func NewPassThrough(c connector.Connector, clock timeutil.Clock, metadataTTL time.Duration) Cache {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	if metadataTTL == 0 {
		metadataTTL = c.CacheRequirements().MetadataTTL
	}

	return &passThrough{
		connector: c,
		clock:     clock,
		meta:      ttlcache.New[string, connector.Metadata](metadataTTL, metadataTTL),
	}
}

type passThrough struct {
	connector connector.Connector
	clock     timeutil.Clock
	meta      *ttlcache.Cache[string, connector.Metadata]
}

func (c *passThrough) ReadAt(ctx context.Context, path string, dst []byte, offset int64) (int, error) {
	caps := c.connector.Capabilities()
	if !caps.RangeRead && offset != 0 {
		return 0, &connector.NotSupportedError{Op: "range read without cache"}
	}

	data, err := c.connector.Read(ctx, path, offset, int64(len(dst)))
	if err != nil {
		return 0, err
	}
	return copy(dst, data), nil
}

func (c *passThrough) WriteAt(ctx context.Context, path string, data []byte, offset int64) (int, error) {
	caps := c.connector.Capabilities()
	if !caps.RandomWrite && offset != 0 {
		return 0, &connector.NotSupportedError{Op: "random write without cache"}
	}

	n, err := c.connector.Write(ctx, path, offset, data)
	c.meta.Delete(path)
	return int(n), err
}

func (c *passThrough) Truncate(ctx context.Context, path string, size int64) error {
	if !c.connector.Capabilities().Truncate {
		return &connector.NotSupportedError{Op: "truncate without cache"}
	}

	err := c.connector.Truncate(ctx, path, size)
	c.meta.Delete(path)
	return err
}

func (c *passThrough) Create(ctx context.Context, path string) error {
	c.meta.Delete(path)
	return nil
}

func (c *passThrough) Stat(ctx context.Context, path string) (*connector.Metadata, error) {
	if m, ok := c.meta.Get(path); ok {
		return &m, nil
	}

	m, err := c.connector.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	c.meta.Set(path, *m)
	return m, nil
}

func (c *passThrough) Sync(ctx context.Context, path string) error {
	return c.connector.Flush(ctx, path)
}

func (c *passThrough) Rename(oldPath, newPath string) {
	c.meta.Delete(oldPath)
	c.meta.Delete(newPath)
}

func (c *passThrough) Invalidate(path string)         { c.meta.Delete(path) }
func (c *passThrough) InvalidateMetadata(path string) { c.meta.Delete(path) }

func (c *passThrough) DrainAll(ctx context.Context) error { return nil }

func (c *passThrough) Destroy() error {
	c.meta.Stop()
	return nil
}

func (c *passThrough) Stats() Stats { return Stats{} }
