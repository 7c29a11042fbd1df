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

// Package gcs exposes a Google Cloud Storage bucket (or a prefix within
// one) as a connector. Objects are files; directories are zero-byte
// placeholder objects whose names end in a slash, with implicit
// directories inferred from listings when no placeholder exists.
package gcs

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/net/context"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/aar10n/fuse-adapter/connector"
)

// Config carries what New needs to reach a bucket.
type Config struct {
	Bucket string

	// Prefix confines the mount to a subtree of the bucket. Stored
	// without leading or trailing slash.
	Prefix string

	// Endpoint overrides the storage endpoint (emulators, fakes). An
	// override implies no authentication.
	Endpoint string

	// KeyFile points at a service account key; empty means application
	// default credentials.
	KeyFile string
}

// Connector implements connector.Connector against GCS.
type Connector struct {
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// New dials GCS and binds the configured bucket.
func New(ctx context.Context, cfg Config) (*Connector, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts,
			option.WithEndpoint(cfg.Endpoint),
			option.WithoutAuthentication())
	} else if cfg.KeyFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.KeyFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}

	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient binds an existing client, for tests running against a
// fake server.
func NewWithClient(client *storage.Client, bucket, prefix string) *Connector {
	prefix = strings.Trim(prefix, "/")
	return &Connector{
		bucket: client.Bucket(bucket),
		name:   bucket,
		prefix: prefix,
	}
}

func (c *Connector) Name() string { return "gcs" }

func (c *Connector) Capabilities() connector.Capabilities {
	return connector.Capabilities{
		Read:      true,
		Write:     true,
		RangeRead: true,
		Seekable:  true,
	}
}

func (c *Connector) CacheRequirements() connector.CacheRequirements {
	return connector.CacheRequirements{
		WriteBuffer: connector.WriteBufferRequired,
		MetadataTTL: time.Minute,
	}
}

// objectName maps a canonical path to an object name under the prefix.
func (c *Connector) objectName(path string) string {
	rel := strings.TrimPrefix(path, "/")
	if c.prefix == "" {
		return rel
	}
	if rel == "" {
		return c.prefix
	}
	return c.prefix + "/" + rel
}

// dirName is the placeholder object name for a directory path.
func (c *Connector) dirName(path string) string {
	return c.objectName(path) + "/"
}

// classify converts SDK errors into the connector taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return &connector.NotFoundError{Err: err}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 404:
			return &connector.NotFoundError{Err: err}
		case apiErr.Code == 412:
			return &connector.AlreadyExistsError{Err: err}
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return &connector.BackendError{Err: err, Transient: true}
		default:
			return &connector.BackendError{Err: err}
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &connector.BackendError{Err: err, Transient: true}
}

func (c *Connector) Stat(ctx context.Context, path string) (*connector.Metadata, error) {
	if path == connector.RootPath {
		return &connector.Metadata{Kind: connector.KindDirectory}, nil
	}

	// A file first, then an explicit directory placeholder, then an
	// implicit directory evidenced by any object under the would-be
	// prefix.
	attrs, err := c.bucket.Object(c.objectName(path)).Attrs(ctx)
	if err == nil {
		return &connector.Metadata{
			Kind:  connector.KindFile,
			Size:  attrs.Size,
			Mtime: attrs.Updated,
		}, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return nil, classify(err)
	}

	attrs, err = c.bucket.Object(c.dirName(path)).Attrs(ctx)
	if err == nil {
		return &connector.Metadata{
			Kind:  connector.KindDirectory,
			Mtime: attrs.Updated,
		}, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return nil, classify(err)
	}

	it := c.bucket.Objects(ctx, &storage.Query{Prefix: c.dirName(path)})
	if _, err := it.Next(); err == nil {
		return &connector.Metadata{Kind: connector.KindDirectory}, nil
	} else if err != iterator.Done {
		return nil, classify(err)
	}

	return nil, &connector.NotFoundError{Err: fmt.Errorf("stat %q", path)}
}

func (c *Connector) Read(ctx context.Context, path string, offset, size int64) ([]byte, error) {
	r, err := c.bucket.Object(c.objectName(path)).NewRangeReader(ctx, offset, size)
	if err != nil {
		return nil, classify(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (c *Connector) Write(ctx context.Context, path string, offset int64, data []byte) (int64, error) {
	if offset != 0 {
		return 0, &connector.NotSupportedError{Op: "random write"}
	}

	w := c.bucket.Object(c.objectName(path)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return 0, classify(err)
	}
	if err := w.Close(); err != nil {
		return 0, classify(err)
	}
	return int64(len(data)), nil
}

func (c *Connector) CreateFile(ctx context.Context, path string) (*connector.Metadata, error) {
	return c.createEmpty(ctx, c.objectName(path), connector.KindFile)
}

func (c *Connector) CreateDir(ctx context.Context, path string) (*connector.Metadata, error) {
	return c.createEmpty(ctx, c.dirName(path), connector.KindDirectory)
}

func (c *Connector) createEmpty(ctx context.Context, object string, kind connector.Kind) (*connector.Metadata, error) {
	w := c.bucket.Object(object).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)

	if err := w.Close(); err != nil {
		return nil, classify(err)
	}

	return &connector.Metadata{Kind: kind, Mtime: time.Now()}, nil
}

func (c *Connector) RemoveFile(ctx context.Context, path string) error {
	return classify(c.bucket.Object(c.objectName(path)).Delete(ctx))
}

func (c *Connector) RemoveDir(ctx context.Context, path string, recursive bool) error {
	prefix := c.dirName(path)

	it := c.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var children []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return classify(err)
		}
		if attrs.Name == prefix {
			continue
		}
		if !recursive {
			return &connector.NotEmptyError{Err: fmt.Errorf("rmdir %q", path)}
		}
		children = append(children, attrs.Name)
	}

	for _, name := range children {
		if err := c.bucket.Object(name).Delete(ctx); err != nil {
			return classify(err)
		}
	}

	err := c.bucket.Object(prefix).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		// Implicit directory: there was never a placeholder to delete.
		return nil
	}
	return classify(err)
}

func (c *Connector) ListDir(ctx context.Context, path string) (connector.DirStream, error) {
	prefix := ""
	if path != connector.RootPath {
		prefix = c.dirName(path)
	} else if c.prefix != "" {
		prefix = c.prefix + "/"
	}

	it := c.bucket.Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	return &dirStream{it: it, prefix: prefix}, nil
}

func (c *Connector) Rename(ctx context.Context, oldPath, newPath string) error {
	return &connector.NotSupportedError{Op: "rename"}
}

func (c *Connector) Truncate(ctx context.Context, path string, size int64) error {
	return &connector.NotSupportedError{Op: "truncate"}
}

func (c *Connector) SetMtime(ctx context.Context, path string, mtime time.Time) error {
	return &connector.NotSupportedError{Op: "set mtime"}
}

func (c *Connector) Flush(ctx context.Context, path string) error {
	// Writer.Close has already committed the object.
	return nil
}

type dirStream struct {
	it     *storage.ObjectIterator
	prefix string
}

func (s *dirStream) Next(ctx context.Context) (*connector.DirEntry, error) {
	for {
		attrs, err := s.it.Next()
		if err == iterator.Done {
			return nil, nil
		}
		if err != nil {
			return nil, classify(err)
		}

		// Sub-directory: a synthetic prefix entry like "a/b/c/".
		if attrs.Prefix != "" {
			name := strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, s.prefix), "/")
			return &connector.DirEntry{Name: name, Kind: connector.KindDirectory}, nil
		}

		// The directory's own placeholder shows up in its listing; skip it.
		if attrs.Name == s.prefix {
			continue
		}

		name := strings.TrimPrefix(attrs.Name, s.prefix)
		return &connector.DirEntry{Name: name, Kind: connector.KindFile}, nil
	}
}

func (s *dirStream) Close() error { return nil }
