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

// Package memfs is an in-memory connector. It backs the "memory" mount
// kind and doubles as the test double for the adapter core: its
// capability record can be masked down to mimic an object store, and a
// hook can inject faults before any operation.
package memfs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/connector"
)

// Options configures a Connector. The zero value gives a fully capable
// store with a real-time clock.
type Options struct {
	// Clock used for mtimes. Defaults to timeutil.RealClock().
	Clock timeutil.Clock

	// Capabilities overrides the declared capability record. Nil means
	// fully capable. The connector enforces the record: without Write,
	// writes, creates, removals, renames and truncates fail with
	// *connector.ReadOnlyError; range reads at nonzero
	// offsets, random writes, rename, truncate and mtime updates outside
	// it fail with *connector.NotSupportedError. Read and Seekable are
	// declared only, not enforced.
	Capabilities *connector.Capabilities

	// CacheRequirements overrides the declared cache requirements. Nil
	// means no write buffer needed and a 1m metadata TTL.
	CacheRequirements *connector.CacheRequirements

	// CheckOp, if non-nil, runs before every operation with the op name and
	// primary path. A non-nil return aborts the operation with that error.
	CheckOp func(op, path string) error
}

type node struct {
	kind   connector.Kind
	data   []byte
	mtime  time.Time
	target string
}

// Connector is an in-memory implementation of connector.Connector and
// connector.SymlinkConnector.
type Connector struct {
	clock timeutil.Clock
	caps  connector.Capabilities
	reqs  connector.CacheRequirements
	check func(op, path string) error

	mu sync.Mutex

	// GUARDED_BY(mu)
	nodes map[string]*node

	// Number of calls per op name, for tests that assert the backend was
	// (or was not) touched.
	//
	// GUARDED_BY(mu)
	calls map[string]int
}

// New creates an empty in-memory store containing only the root
// directory.
func New(opts Options) *Connector {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	caps := connector.Capabilities{
		Read:        true,
		Write:       true,
		RangeRead:   true,
		RandomWrite: true,
		Rename:      true,
		Truncate:    true,
		SetMtime:    true,
		Seekable:    true,
	}
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	}

	reqs := connector.CacheRequirements{
		WriteBuffer: connector.WriteBufferNone,
		MetadataTTL: time.Minute,
	}
	if opts.CacheRequirements != nil {
		reqs = *opts.CacheRequirements
	}

	c := &Connector{
		clock: clock,
		caps:  caps,
		reqs:  reqs,
		check: opts.CheckOp,
		nodes: make(map[string]*node),
		calls: make(map[string]int),
	}

	c.nodes[connector.RootPath] = &node{
		kind:  connector.KindDirectory,
		mtime: clock.Now(),
	}

	return c
}

func (c *Connector) Name() string { return "memory" }

func (c *Connector) Capabilities() connector.Capabilities { return c.caps }

func (c *Connector) CacheRequirements() connector.CacheRequirements { return c.reqs }

// CallCount returns how many times the named op has been invoked.
func (c *Connector) CallCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Contents returns a copy of the file contents at path, for assertions.
func (c *Connector) Contents(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok || n.kind != connector.KindFile {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

func (c *Connector) enter(ctx context.Context, op, path string) error {
	c.mu.Lock()
	c.calls[op]++
	c.mu.Unlock()

	if c.check != nil {
		if err := c.check(op, path); err != nil {
			return err
		}
	}

	// Honor cancellation the way a network-backed connector would.
	return ctx.Err()
}

func (c *Connector) metadataFor(n *node) *connector.Metadata {
	return &connector.Metadata{
		Kind:  n.kind,
		Size:  int64(len(n.data)),
		Mtime: n.mtime,
	}
}

func (c *Connector) Stat(ctx context.Context, path string) (*connector.Metadata, error) {
	if err := c.enter(ctx, "Stat", path); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return nil, &connector.NotFoundError{Err: fmt.Errorf("stat %q", path)}
	}
	return c.metadataFor(n), nil
}

func (c *Connector) Read(ctx context.Context, path string, offset int64, size int64) ([]byte, error) {
	if err := c.enter(ctx, "Read", path); err != nil {
		return nil, err
	}

	if !c.caps.RangeRead && offset != 0 {
		return nil, &connector.NotSupportedError{Op: "range read"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return nil, &connector.NotFoundError{Err: fmt.Errorf("read %q", path)}
	}
	if n.kind == connector.KindDirectory {
		return nil, &connector.IsADirectoryError{Err: fmt.Errorf("read %q", path)}
	}

	if offset >= int64(len(n.data)) {
		return nil, nil
	}
	end := offset + size
	if end > int64(len(n.data)) {
		end = int64(len(n.data))
	}
	return append([]byte(nil), n.data[offset:end]...), nil
}

func (c *Connector) Write(ctx context.Context, path string, offset int64, data []byte) (int64, error) {
	if err := c.enter(ctx, "Write", path); err != nil {
		return 0, err
	}

	if !c.caps.Write {
		return 0, &connector.ReadOnlyError{Op: "write"}
	}
	if !c.caps.RandomWrite && offset != 0 {
		return 0, &connector.NotSupportedError{Op: "random write"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		// A whole-object write creates the object, object store style.
		if offset != 0 {
			return 0, &connector.NotFoundError{Err: fmt.Errorf("write %q", path)}
		}
		n = &node{kind: connector.KindFile}
		c.nodes[path] = n
	}
	if n.kind == connector.KindDirectory {
		return 0, &connector.IsADirectoryError{Err: fmt.Errorf("write %q", path)}
	}

	if !c.caps.RandomWrite {
		// Whole-object replacement.
		n.data = append([]byte(nil), data...)
	} else {
		if grow := offset + int64(len(data)); grow > int64(len(n.data)) {
			n.data = append(n.data, make([]byte, grow-int64(len(n.data)))...)
		}
		copy(n.data[offset:], data)
	}
	n.mtime = c.clock.Now()

	return int64(len(data)), nil
}

func (c *Connector) CreateFile(ctx context.Context, path string) (*connector.Metadata, error) {
	if err := c.enter(ctx, "CreateFile", path); err != nil {
		return nil, err
	}
	return c.create(path, &node{kind: connector.KindFile, mtime: c.clock.Now()})
}

func (c *Connector) CreateDir(ctx context.Context, path string) (*connector.Metadata, error) {
	if err := c.enter(ctx, "CreateDir", path); err != nil {
		return nil, err
	}
	return c.create(path, &node{kind: connector.KindDirectory, mtime: c.clock.Now()})
}

func (c *Connector) CreateSymlink(ctx context.Context, path, target string) (*connector.Metadata, error) {
	if err := c.enter(ctx, "CreateSymlink", path); err != nil {
		return nil, err
	}
	return c.create(path, &node{kind: connector.KindSymlink, target: target, mtime: c.clock.Now()})
}

func (c *Connector) create(path string, n *node) (*connector.Metadata, error) {
	if !c.caps.Write {
		return nil, &connector.ReadOnlyError{Op: "create"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[path]; ok {
		return nil, &connector.AlreadyExistsError{Err: fmt.Errorf("create %q", path)}
	}

	parent, _ := connector.Parent(path)
	p, ok := c.nodes[parent]
	if !ok {
		return nil, &connector.NotFoundError{Err: fmt.Errorf("parent of %q", path)}
	}
	if p.kind != connector.KindDirectory {
		return nil, &connector.NotADirectoryError{Err: fmt.Errorf("parent of %q", path)}
	}

	c.nodes[path] = n
	return c.metadataFor(n), nil
}

func (c *Connector) ReadSymlink(ctx context.Context, path string) (string, error) {
	if err := c.enter(ctx, "ReadSymlink", path); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return "", &connector.NotFoundError{Err: fmt.Errorf("readlink %q", path)}
	}
	if n.kind != connector.KindSymlink {
		return "", errors.New("not a symlink")
	}
	return n.target, nil
}

func (c *Connector) RemoveFile(ctx context.Context, path string) error {
	if err := c.enter(ctx, "RemoveFile", path); err != nil {
		return err
	}
	if !c.caps.Write {
		return &connector.ReadOnlyError{Op: "remove"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return &connector.NotFoundError{Err: fmt.Errorf("remove %q", path)}
	}
	if n.kind == connector.KindDirectory {
		return &connector.IsADirectoryError{Err: fmt.Errorf("remove %q", path)}
	}

	delete(c.nodes, path)
	return nil
}

func (c *Connector) RemoveDir(ctx context.Context, path string, recursive bool) error {
	if err := c.enter(ctx, "RemoveDir", path); err != nil {
		return err
	}
	if !c.caps.Write {
		return &connector.ReadOnlyError{Op: "rmdir"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return &connector.NotFoundError{Err: fmt.Errorf("rmdir %q", path)}
	}
	if n.kind != connector.KindDirectory {
		return &connector.NotADirectoryError{Err: fmt.Errorf("rmdir %q", path)}
	}

	children := c.childrenLocked(path)
	if len(children) > 0 && !recursive {
		return &connector.NotEmptyError{Err: fmt.Errorf("rmdir %q", path)}
	}

	for _, child := range children {
		delete(c.nodes, connector.Child(path, child.Name))
	}
	delete(c.nodes, path)
	return nil
}

// childrenLocked returns the direct children of dir, sorted by name.
//
// LOCKS_REQUIRED(c.mu)
func (c *Connector) childrenLocked(dir string) []connector.DirEntry {
	prefix := dir
	if prefix != connector.RootPath {
		prefix += "/"
	}

	var entries []connector.DirEntry
	for p, n := range c.nodes {
		if p == dir || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if strings.ContainsRune(rest, '/') {
			continue
		}
		entries = append(entries, connector.DirEntry{Name: rest, Kind: n.kind})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func (c *Connector) ListDir(ctx context.Context, path string) (connector.DirStream, error) {
	if err := c.enter(ctx, "ListDir", path); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return nil, &connector.NotFoundError{Err: fmt.Errorf("list %q", path)}
	}
	if n.kind != connector.KindDirectory {
		return nil, &connector.NotADirectoryError{Err: fmt.Errorf("list %q", path)}
	}

	return &dirStream{entries: c.childrenLocked(path)}, nil
}

func (c *Connector) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := c.enter(ctx, "Rename", oldPath); err != nil {
		return err
	}
	if !c.caps.Write {
		return &connector.ReadOnlyError{Op: "rename"}
	}
	if !c.caps.Rename {
		return &connector.NotSupportedError{Op: "rename"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[oldPath]
	if !ok {
		return &connector.NotFoundError{Err: fmt.Errorf("rename %q", oldPath)}
	}

	delete(c.nodes, oldPath)
	c.nodes[newPath] = n

	// Directories carry their subtree with them.
	if n.kind == connector.KindDirectory {
		oldPrefix := oldPath + "/"
		for p, child := range c.nodes {
			if strings.HasPrefix(p, oldPrefix) {
				delete(c.nodes, p)
				c.nodes[newPath+"/"+p[len(oldPrefix):]] = child
			}
		}
	}

	return nil
}

func (c *Connector) Truncate(ctx context.Context, path string, size int64) error {
	if err := c.enter(ctx, "Truncate", path); err != nil {
		return err
	}
	if !c.caps.Write {
		return &connector.ReadOnlyError{Op: "truncate"}
	}
	if !c.caps.Truncate {
		return &connector.NotSupportedError{Op: "truncate"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return &connector.NotFoundError{Err: fmt.Errorf("truncate %q", path)}
	}
	if n.kind == connector.KindDirectory {
		return &connector.IsADirectoryError{Err: fmt.Errorf("truncate %q", path)}
	}

	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		n.data = append(n.data, make([]byte, size-int64(len(n.data)))...)
	}
	n.mtime = c.clock.Now()
	return nil
}

func (c *Connector) SetMtime(ctx context.Context, path string, mtime time.Time) error {
	if err := c.enter(ctx, "SetMtime", path); err != nil {
		return err
	}
	if !c.caps.SetMtime {
		return &connector.NotSupportedError{Op: "set mtime"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return &connector.NotFoundError{Err: fmt.Errorf("set mtime %q", path)}
	}
	n.mtime = mtime
	return nil
}

func (c *Connector) Flush(ctx context.Context, path string) error {
	if err := c.enter(ctx, "Flush", path); err != nil {
		return err
	}
	return nil
}

type dirStream struct {
	entries []connector.DirEntry
	pos     int
}

func (s *dirStream) Next(ctx context.Context) (*connector.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.entries) {
		return nil, nil
	}
	e := s.entries[s.pos]
	s.pos++
	return &e, nil
}

func (s *dirStream) Close() error { return nil }
