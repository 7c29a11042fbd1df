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

// Package s3 exposes an S3-compatible bucket as a connector, with the
// same object layout as the gcs package: files are objects, directories
// are slash-terminated placeholders plus implicit prefixes.
package s3

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/connector"
)

// Config carries what New needs to reach a bucket.
type Config struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the S3 endpoint, for S3-compatible stores
	// (minio, ceph, ...). Those usually also want ForcePathStyle.
	Endpoint       string
	ForcePathStyle bool
}

// Connector implements connector.Connector against S3.
type Connector struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// New dials S3 using the default credential chain.
func New(cfg Config) (*Connector, error) {
	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.ForcePathStyle {
		awsCfg = awsCfg.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("session.NewSession: %w", err)
	}

	return NewWithClient(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient binds an existing client, for tests.
func NewWithClient(client s3iface.S3API, bucket, prefix string) *Connector {
	return &Connector{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (c *Connector) Name() string { return "s3" }

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
		WriteBuffer: connector.WriteBufferRecommended,
		MetadataTTL: time.Minute,
	}
}

func (c *Connector) key(path string) string {
	rel := strings.TrimPrefix(path, "/")
	if c.prefix == "" {
		return rel
	}
	if rel == "" {
		return c.prefix
	}
	return c.prefix + "/" + rel
}

func (c *Connector) dirKey(path string) string {
	return c.key(path) + "/"
}

func classify(err error) error {
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound", s3.ErrCodeNoSuchBucket:
			return &connector.NotFoundError{Err: err}
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return &connector.BackendError{Err: err, Transient: true}
		}

		var rf awserr.RequestFailure
		if errors.As(err, &rf) {
			if rf.StatusCode() == 404 {
				return &connector.NotFoundError{Err: err}
			}
			if rf.StatusCode() == 429 || rf.StatusCode() >= 500 {
				return &connector.BackendError{Err: err, Transient: true}
			}
		}
		return &connector.BackendError{Err: err}
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

	head, err := c.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(path)),
	})
	if err == nil {
		m := &connector.Metadata{Kind: connector.KindFile}
		if head.ContentLength != nil {
			m.Size = *head.ContentLength
		}
		if head.LastModified != nil {
			m.Mtime = *head.LastModified
		}
		return m, nil
	}
	if !connector.IsNotFound(classify(err)) {
		return nil, classify(err)
	}

	// Explicit placeholder or implicit prefix.
	out, err := c.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(c.dirKey(path)),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(out.Contents) > 0 || len(out.CommonPrefixes) > 0 {
		return &connector.Metadata{Kind: connector.KindDirectory}, nil
	}

	return nil, &connector.NotFoundError{Err: fmt.Errorf("stat %q", path)}
}

func (c *Connector) Read(ctx context.Context, path string, offset, size int64) ([]byte, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(path)),
	}
	if offset != 0 || size > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
	}

	out, err := c.client.GetObjectWithContext(ctx, in)
	if err != nil {
		// A range starting at or past EOF is not an error for us; it is
		// just an empty read.
		var rf awserr.RequestFailure
		if errors.As(err, &rf) && rf.StatusCode() == 416 {
			return nil, nil
		}
		return nil, classify(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (c *Connector) Write(ctx context.Context, path string, offset int64, data []byte) (int64, error) {
	if offset != 0 {
		return 0, &connector.NotSupportedError{Op: "random write"}
	}

	_, err := c.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(path)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return 0, classify(err)
	}
	return int64(len(data)), nil
}

func (c *Connector) CreateFile(ctx context.Context, path string) (*connector.Metadata, error) {
	// S3 has no create-if-absent precondition; check-then-put is the best
	// available. Single-process ownership of the prefix makes the race
	// immaterial.
	if _, err := c.Stat(ctx, path); err == nil {
		return nil, &connector.AlreadyExistsError{Err: fmt.Errorf("create %q", path)}
	} else if !connector.IsNotFound(err) {
		return nil, err
	}

	if _, err := c.Write(ctx, path, 0, nil); err != nil {
		return nil, err
	}
	return &connector.Metadata{Kind: connector.KindFile, Mtime: time.Now()}, nil
}

func (c *Connector) CreateDir(ctx context.Context, path string) (*connector.Metadata, error) {
	if _, err := c.Stat(ctx, path); err == nil {
		return nil, &connector.AlreadyExistsError{Err: fmt.Errorf("mkdir %q", path)}
	} else if !connector.IsNotFound(err) {
		return nil, err
	}

	_, err := c.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.dirKey(path)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return nil, classify(err)
	}
	return &connector.Metadata{Kind: connector.KindDirectory, Mtime: time.Now()}, nil
}

func (c *Connector) RemoveFile(ctx context.Context, path string) error {
	// DeleteObject succeeds for absent keys; unlink must not.
	if _, err := c.Stat(ctx, path); err != nil {
		return err
	}

	_, err := c.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(path)),
	})
	return classify(err)
}

func (c *Connector) RemoveDir(ctx context.Context, path string, recursive bool) error {
	if _, err := c.Stat(ctx, path); err != nil {
		return err
	}

	prefix := c.dirKey(path)
	var children []string

	err := c.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if *obj.Key == prefix {
				continue
			}
			children = append(children, *obj.Key)
		}
		return true
	})
	if err != nil {
		return classify(err)
	}

	if len(children) > 0 && !recursive {
		return &connector.NotEmptyError{Err: fmt.Errorf("rmdir %q", path)}
	}

	for _, key := range children {
		if _, err := c.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return classify(err)
		}
	}

	_, err = c.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(prefix),
	})
	return classify(err)
}

func (c *Connector) ListDir(ctx context.Context, path string) (connector.DirStream, error) {
	prefix := ""
	if path != connector.RootPath {
		prefix = c.dirKey(path)
	} else if c.prefix != "" {
		prefix = c.prefix + "/"
	}

	return &dirStream{
		conn:      c,
		prefix:    prefix,
	}, nil
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
	// PutObject is already durable on return.
	return nil
}

// dirStream pages through ListObjectsV2 lazily.
type dirStream struct {
	conn   *Connector
	prefix    string

	buffered []connector.DirEntry
	next     *string
	done     bool
}

func (s *dirStream) Next(ctx context.Context) (*connector.DirEntry, error) {
	for len(s.buffered) == 0 && !s.done {
		if err := s.fetchPage(ctx); err != nil {
			return nil, err
		}
	}

	if len(s.buffered) == 0 {
		return nil, nil
	}

	e := s.buffered[0]
	s.buffered = s.buffered[1:]
	return &e, nil
}

func (s *dirStream) Close() error {
	return nil
}

func (s *dirStream) fetchPage(ctx context.Context) error {
	out, err := s.conn.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:            aws.String(s.conn.bucket),
		Prefix:            aws.String(s.prefix),
		Delimiter:         aws.String("/"),
		ContinuationToken: s.next,
	})
	if err != nil {
		return classify(err)
	}

	for _, p := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(*p.Prefix, s.prefix), "/")
		s.buffered = append(s.buffered, connector.DirEntry{
			Name: name,
			Kind: connector.KindDirectory,
		})
	}
	for _, obj := range out.Contents {
		if *obj.Key == s.prefix {
			continue
		}
		s.buffered = append(s.buffered, connector.DirEntry{
			Name: strings.TrimPrefix(*obj.Key, s.prefix),
			Kind: connector.KindFile,
		})
	}

	if out.IsTruncated != nil && *out.IsTruncated {
		s.next = out.NextContinuationToken
	} else {
		s.done = true
	}
	return nil
}
