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

// Package cache implements the write-buffer / read-through layer that
// gives the FUSE bridge a fully mutable, seekable, truncatable local
// image for any path, flushing durably to the connector.
package cache

import (
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/connector"
	"github.com/aar10n/fuse-adapter/metrics"
)

// Stats is a snapshot of cache occupancy, used by StatFS and tests.
type Stats struct {
	ResidentBytes int64
	Entries       int
	DirtyEntries  int
}

// Cache is the content layer between the FUSE bridge and a connector.
// All paths are canonical. Implementations are safe for concurrent use.
type Cache interface {
	// ReadAt fills dst from the file at path starting at offset, returning
	// the number of bytes read. A short read indicates EOF.
	ReadAt(ctx context.Context, path string, dst []byte, offset int64) (int, error)

	// WriteAt stores data at offset, growing the file if needed. Bytes in
	// any gap between the previous EOF and offset read as zero.
	WriteAt(ctx context.Context, path string, data []byte, offset int64) (int, error)

	// Truncate sets the logical size of the file at path, zero-filling on
	// growth.
	Truncate(ctx context.Context, path string, size int64) error

	// Create registers a freshly created, empty file so that subsequent
	// writes skip the backend fetch.
	Create(ctx context.Context, path string) error

	// Stat returns metadata for path, preferring local dirty state over
	// the backend's view.
	Stat(ctx context.Context, path string) (*connector.Metadata, error)

	// Sync flushes the dirty state of path to the connector. It returns
	// only after the dirty set at call time is durable, and surfaces any
	// error remembered from an earlier failed background flush.
	Sync(ctx context.Context, path string) error

	// Rename relabels local state after a successful backend rename.
	Rename(oldPath, newPath string)

	// Invalidate discards local state for path: cached metadata always,
	// and buffered contents too. Called after unlink and on stat drift.
	Invalidate(path string)

	// InvalidateMetadata discards only cached metadata for path, for use when
	// a child mutation makes the parent's cached state suspect.
	InvalidateMetadata(path string)

	// DrainAll flushes every dirty entry. Called at unmount.
	DrainAll(ctx context.Context) error

	// Destroy releases the staging area. The cache must not be used after.
	Destroy() error

	// Stats returns an occupancy snapshot.
	Stats() Stats
}

// Config configures NewFileCache.
type Config struct {
	// Connector to populate from and flush to. The cache operates on the
	// raw connector, below the capability decorators.
	Connector connector.Connector

	// Clock for mtimes, TTLs and flush ages.
	Clock timeutil.Clock

	// Dir is the staging directory for this mount. Empty selects in-memory
	// staging. The directory is created if absent and wiped of leftovers
	// from prior runs.
	Dir string

	// MaxSizeBytes bounds resident staging bytes. Zero means unbounded.
	MaxSizeBytes int64

	// MaxEntries bounds the number of resident entries. Zero means
	// unbounded.
	MaxEntries int

	// FlushInterval bounds how long an entry may stay dirty before a
	// background flush is attempted. Zero disables background flushing.
	FlushInterval time.Duration

	// MetadataTTL bounds how long a stat result is served from cache.
	MetadataTTL time.Duration

	// Metrics receives flush counters. Nil means none.
	Metrics metrics.Handle
}
