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

// Package connector defines the contract between the adapter core and a
// remote store. Connectors are path-keyed: they know nothing about inodes,
// handles, or the kernel. All paths are canonical absolute paths with
// forward slashes and no trailing slash, except for the root "/".
package connector

import (
	"os"
	"time"

	"golang.org/x/net/context"
)

// Kind distinguishes the kinds of entry a connector can report.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Metadata is the backend's view of a single path.
//
// Mode, Uid and Gid are advisory: most object stores don't carry them, in
// which case they are nil and the mount-wide defaults apply.
type Metadata struct {
	Kind  Kind
	Size  int64
	Mtime time.Time

	Mode *os.FileMode
	Uid  *uint32
	Gid  *uint32
}

// DirEntry is one name within a directory, as yielded by ListDir.
type DirEntry struct {
	Name string
	Kind Kind
}

// DirStream yields the entries of a directory lazily. Listings may be
// long; implementations should fetch pages on demand rather than buffer
// the whole listing.
type DirStream interface {
	// Next returns the next entry, or (nil, nil) when the stream is
	// exhausted. After a non-nil error the stream is in an undefined state.
	Next(ctx context.Context) (*DirEntry, error)

	// Close releases any resources held by the stream. It is legal to call
	// Close before the stream is exhausted.
	Close() error
}

// Capabilities is the fixed feature record a connector declares at
// construction time. The record is immutable; the layers above trust it
// without re-probing the backend.
type Capabilities struct {
	// Read and Write gate whole classes of operations. Write == false makes
	// the backend read-only regardless of the mount configuration.
	Read  bool
	Write bool

	// RangeRead means Read may be called with an arbitrary offset/size
	// window. Without it the only supported read is the whole object from
	// offset zero.
	RangeRead bool

	// RandomWrite means Write may be called at an arbitrary offset over
	// existing contents. Without it the only supported write is a whole
	// object replacement at offset zero.
	RandomWrite bool

	// Rename means the backend has a native rename. Without it rename is
	// synthesized as copy + delete.
	Rename bool

	// Truncate means the backend can change an object's size in place.
	Truncate bool

	// SetMtime means the backend can store modification times.
	SetMtime bool

	// Seekable means reads at increasing offsets over one object are cheap
	// for the backend. Advisory; used when choosing population strategy.
	Seekable bool
}

// WriteBufferMode says how much a connector needs the write-buffer cache.
type WriteBufferMode int

const (
	// WriteBufferNone: the connector supports random writes natively and
	// needs no staging.
	WriteBufferNone WriteBufferMode = iota

	// WriteBufferRecommended: the connector works without a write buffer
	// but only for sequential whole-object writes.
	WriteBufferRecommended

	// WriteBufferRequired: mounting without a write buffer must be refused.
	WriteBufferRequired
)

// CacheRequirements is the connector's declaration of what caching it
// needs from the layer above.
type CacheRequirements struct {
	WriteBuffer WriteBufferMode

	// ReadCache asks the cache to retain populated contents for reads.
	ReadCache bool

	// MetadataTTL bounds how long a stat result may be served from cache.
	// Zero means the adapter default.
	MetadataTTL time.Duration
}

// Connector is the backend abstraction consumed by the adapter core.
//
// All operations are cancellable via their context. A cancelled operation
// must not leave partial local state behind; in-flight data is owned by
// the cache, never by the connector.
//
// A connector may assume it is the only process operating on its prefix
// for the lifetime of the mount.
type Connector interface {
	// Name identifies the connector for logging ("gcs", "s3", "memory").
	Name() string

	// Capabilities returns the immutable capability record.
	Capabilities() Capabilities

	// CacheRequirements returns the connector's caching needs.
	CacheRequirements() CacheRequirements

	// Stat returns metadata for the given path, or *NotFoundError.
	Stat(ctx context.Context, path string) (*Metadata, error)

	// Read returns up to size bytes starting at offset. A short result
	// indicates EOF. Connectors without RangeRead support only offset == 0
	// with size covering the whole object (pass a size of at least the
	// object length) and return *NotSupportedError otherwise.
	Read(ctx context.Context, path string, offset int64, size int64) ([]byte, error)

	// Write stores data at offset, returning the number of bytes written.
	// For connectors without RandomWrite the only legal call is offset == 0
	// with the complete new contents, which atomically replaces the object.
	Write(ctx context.Context, path string, offset int64, data []byte) (int64, error)

	// CreateFile creates an empty file. Fails with *AlreadyExistsError if
	// the path is taken.
	CreateFile(ctx context.Context, path string) (*Metadata, error)

	// CreateDir creates a directory. Fails with *AlreadyExistsError if the
	// path is taken.
	CreateDir(ctx context.Context, path string) (*Metadata, error)

	// RemoveFile removes a file.
	RemoveFile(ctx context.Context, path string) error

	// RemoveDir removes a directory. With recursive == false a non-empty
	// directory fails with *NotEmptyError.
	RemoveDir(ctx context.Context, path string, recursive bool) error

	// ListDir opens a lazy stream over the direct children of path.
	ListDir(ctx context.Context, path string) (DirStream, error)

	// Rename atomically moves oldPath to newPath, replacing newPath if it
	// exists. Only legal when Capabilities().Rename is true.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Truncate sets the size of the object at path. Only legal when
	// Capabilities().Truncate is true.
	Truncate(ctx context.Context, path string, size int64) error

	// SetMtime stores a modification time. Only legal when
	// Capabilities().SetMtime is true.
	SetMtime(ctx context.Context, path string, mtime time.Time) error

	// Flush makes previous writes to path durable. Connectors whose Write
	// is already durable may implement this as a no-op.
	Flush(ctx context.Context, path string) error
}

// SymlinkConnector is implemented by connectors that can represent
// symbolic links. Connectors that cannot simply don't implement it.
type SymlinkConnector interface {
	Connector

	CreateSymlink(ctx context.Context, path, target string) (*Metadata, error)
	ReadSymlink(ctx context.Context, path string) (string, error)
}
