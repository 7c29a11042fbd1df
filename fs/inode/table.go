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

// Package inode maintains the bidirectional mapping between kernel
// inode IDs and backend paths, with lookup-count bookkeeping and
// generation numbers for safe ID recycling.
package inode

import (
	"errors"
	"fmt"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"

	"github.com/aar10n/fuse-adapter/connector"
)

// ErrStale is returned for operations on an inode whose path has been
// removed while the kernel still held references to it.
var ErrStale = errors.New("stale inode")

// Info is a snapshot of one table entry.
type Info struct {
	ID         fuseops.InodeID
	Generation fuseops.GenerationNumber
	Kind       connector.Kind

	// The current path, or "" if the entry is orphaned.
	Path string
}

type tableEntry struct {
	id         fuseops.InodeID
	generation fuseops.GenerationNumber
	kind       connector.Kind

	// "" when orphaned.
	path string

	// How many references the kernel holds: incremented by Intern,
	// decremented by Forget. The root's count is never consulted.
	lookupCount uint64
}

// Table is the inode table. Safe for concurrent use; all state is
// guarded by one table-wide lock with short critical sections.
type Table struct {
	mu syncutil.InvariantMutex

	// INVARIANT: For all k/v in byID, v.id == k
	// INVARIANT: For all k/v in byPath, v.path == k
	// INVARIANT: For all v in byPath, byID[v.id] == v
	// INVARIANT: Orphaned entries appear in byID only
	//
	// GUARDED_BY(mu)
	byID   map[fuseops.InodeID]*tableEntry
	byPath map[string]*tableEntry

	// The next never-used ID.
	//
	// GUARDED_BY(mu)
	nextID fuseops.InodeID

	// Reclaimed IDs available for reuse. A reused ID is handed out with a
	// strictly larger generation than it last carried, so an
	// (ID, generation) pair never names two different files.
	//
	// GUARDED_BY(mu)
	freeIDs []fuseops.InodeID

	// GUARDED_BY(mu)
	lastGeneration map[fuseops.InodeID]fuseops.GenerationNumber
}

// NewTable creates a table containing only the root directory, which
// has the well-known ID fuseops.RootInodeID and is never reclaimed.
func NewTable() *Table {
	t := &Table{
		byID:           make(map[fuseops.InodeID]*tableEntry),
		byPath:         make(map[string]*tableEntry),
		nextID:         fuseops.RootInodeID + 1,
		lastGeneration: make(map[fuseops.InodeID]fuseops.GenerationNumber),
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)

	root := &tableEntry{
		id:         fuseops.RootInodeID,
		generation: 1,
		kind:       connector.KindDirectory,
		path:       connector.RootPath,
	}
	t.byID[root.id] = root
	t.byPath[root.path] = root

	return t
}

// LOCKS_REQUIRED(t.mu)
func (t *Table) checkInvariants() {
	for id, e := range t.byID {
		if e.id != id {
			panic(fmt.Sprintf("ID mismatch: %v vs. %v", e.id, id))
		}
	}

	for p, e := range t.byPath {
		if e.path != p {
			panic(fmt.Sprintf("path mismatch: %q vs. %q", e.path, p))
		}
		if t.byID[e.id] != e {
			panic(fmt.Sprintf("byID disagrees for %q (ID %v)", p, e.id))
		}
	}
}

// LOCKS_REQUIRED(t.mu)
func (t *Table) mintID() (id fuseops.InodeID, generation fuseops.GenerationNumber) {
	if n := len(t.freeIDs); n > 0 {
		id = t.freeIDs[n-1]
		t.freeIDs = t.freeIDs[:n-1]
		generation = t.lastGeneration[id] + 1
		return
	}

	id = t.nextID
	t.nextID++
	generation = 1
	return
}

// Intern returns the inode for path, creating it if needed, and records
// one kernel reference (the caller is about to hand the ID to the
// kernel). Re-interning a live path returns the existing ID; a path
// that was unlinked and recreated gets a fresh ID with a fresh
// generation.
func (t *Table) Intern(path string, kind connector.Kind) Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.byPath[path]
	if e == nil {
		e = &tableEntry{kind: kind, path: path}
		e.id, e.generation = t.mintID()
		t.byID[e.id] = e
		t.byPath[path] = e
	}

	e.lookupCount++
	return t.infoLocked(e)
}

// LOCKS_REQUIRED(t.mu)
func (t *Table) infoLocked(e *tableEntry) Info {
	return Info{
		ID:         e.id,
		Generation: e.generation,
		Kind:       e.kind,
		Path:       e.path,
	}
}

// Lookup resolves an inode ID to its current state. Orphaned inodes
// return ErrStale; so do unknown IDs, which the kernel can only name
// after having told us to forget them.
func (t *Table) Lookup(id fuseops.InodeID) (Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.byID[id]
	if e == nil || e.path == "" {
		return Info{}, ErrStale
	}
	return t.infoLocked(e), nil
}

// PeekID returns the ID of a live path without recording a kernel
// reference, for listings that name children without looking them up.
func (t *Table) PeekID(path string) (fuseops.InodeID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.byPath[path]
	if e == nil {
		return 0, false
	}
	return e.id, true
}

// Forget decrements the lookup count by n. At zero the entry is
// reclaimed and its ID becomes reusable (with a bumped generation).
// Forgetting the root is a no-op.
func (t *Table) Forget(id fuseops.InodeID, n uint64) {
	if id == fuseops.RootInodeID {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.byID[id]
	if e == nil {
		return
	}

	if n > e.lookupCount {
		panic(fmt.Sprintf(
			"forget %v: n is greater than lookup count: %v vs. %v",
			id, n, e.lookupCount))
	}

	e.lookupCount -= n
	if e.lookupCount > 0 {
		return
	}

	delete(t.byID, e.id)
	if e.path != "" && t.byPath[e.path] == e {
		delete(t.byPath, e.path)
	}

	t.lastGeneration[e.id] = e.generation
	t.freeIDs = append(t.freeIDs, e.id)
}

// Rename transplants the entry at oldPath to newPath, preserving its
// ID, generation and lookup count. If newPath is already interned and
// live, the prior destination entry is orphaned: its inode survives,
// answering ErrStale, until the kernel forgets it.
func (t *Table) Rename(oldPath, newPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dest := t.byPath[newPath]; dest != nil {
		dest.path = ""
		delete(t.byPath, newPath)
	}

	e := t.byPath[oldPath]
	if e == nil {
		return
	}

	delete(t.byPath, oldPath)
	e.path = newPath
	t.byPath[newPath] = e
}

// Unlink removes the path mapping. An entry still referenced by the
// kernel becomes orphaned; one with no references is reclaimed
// immediately.
func (t *Table) Unlink(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.byPath[path]
	if e == nil {
		return
	}

	delete(t.byPath, path)
	e.path = ""

	if e.lookupCount == 0 {
		delete(t.byID, e.id)
		t.lastGeneration[e.id] = e.generation
		t.freeIDs = append(t.freeIDs, e.id)
	}
}

// Invalidate reacts to stat drift: the backend object at path was
// replaced behind our back, so the current inode must not keep naming
// it. The entry is orphaned; the next Intern of the path mints a fresh
// ID.
func (t *Table) Invalidate(path string) {
	t.Unlink(path)
}

// Count returns the number of live (non-orphaned) paths, for StatFS and
// tests.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPath)
}
