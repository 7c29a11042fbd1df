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
	"fmt"
	"sync"
	"time"

	"github.com/aar10n/fuse-adapter/cache/rangeset"
)

// entryState is the per-entry position in the lifecycle
//
//	Absent -> Populating -> Clean <-> Dirty <-> Flushing -> Clean -> Absent
//
// Absent is represented by the entry not existing in the index.
type entryState int

const (
	statePopulating entryState = iota
	stateClean
	stateDirty
	stateFlushing
)

func (s entryState) String() string {
	switch s {
	case statePopulating:
		return "Populating"
	case stateClean:
		return "Clean"
	case stateDirty:
		return "Dirty"
	case stateFlushing:
		return "Flushing"
	default:
		return fmt.Sprintf("entryState(%d)", int(s))
	}
}

// entry is the cached state for one path.
//
// The lock discipline follows the adapter-wide rule: an entry lock may
// not be acquired while holding the index lock. The entry lock is held
// across staging-file I/O and across population, but never across a
// backend upload; flushes snapshot what they need under the lock and
// upload without it.
type entry struct {
	mu sync.Mutex

	// Signalled when state leaves stateFlushing and when population
	// completes.
	cond *sync.Cond

	// Current path label. Updated by Rename. Empty once the entry has been
	// discarded from the index.
	//
	// GUARDED_BY(mu)
	path string

	// GUARDED_BY(mu)
	state entryState

	// The local byte image. Non-nil from the end of population until
	// destruction.
	//
	// INVARIANT: state != statePopulating => stage != nil
	//
	// GUARDED_BY(mu)
	stage stage

	// Logical size. The staging image is kept at exactly this length.
	//
	// GUARDED_BY(mu)
	size int64

	// GUARDED_BY(mu)
	mtime time.Time

	// Whether the logical size changed without a covering dirty range (a
	// shrinking truncate). Forces a flush even when the range set is empty.
	//
	// GUARDED_BY(mu)
	truncated bool

	// Locally written byte ranges not yet confirmed durable.
	//
	// INVARIANT: state == stateClean => dirty.Empty()
	//
	// GUARDED_BY(mu)
	dirty rangeset.Set

	// When the entry first became dirty after last being clean. Drives the
	// flush-interval policy.
	//
	// GUARDED_BY(mu)
	firstDirty time.Time

	// GUARDED_BY(mu)
	lastAccess time.Time

	// The error from the most recent failed flush, surfaced and cleared by
	// the next Sync.
	//
	// GUARDED_BY(mu)
	flushErr error

	// Set when the entry has been dropped from the index while a flush was
	// in flight; the flusher destroys the stage on completion.
	//
	// GUARDED_BY(mu)
	doomed bool
}

func newEntry(path string) *entry {
	e := &entry{
		path:  path,
		state: statePopulating,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// markDirty records a locally modified range and moves the entry to
// Dirty (or keeps it Flushing with a follow-on dirty set).
//
// LOCKS_REQUIRED(e.mu)
func (e *entry) markDirty(r rangeset.Range, now time.Time) {
	e.dirty.Add(r)
	e.mtime = now
	if e.state == stateClean {
		e.firstDirty = now
		e.state = stateDirty
	}
}

// awaitNotFlushing blocks until the entry is out of stateFlushing.
//
// LOCKS_REQUIRED(e.mu)
func (e *entry) awaitNotFlushing() {
	for e.state == stateFlushing {
		e.cond.Wait()
	}
}

// checkInvariants panics on violated entry invariants.
//
// LOCKS_REQUIRED(e.mu)
func (e *entry) checkInvariants() {
	// Discarded entries (path cleared) are exempt; they only exist until
	// the last holder lets go.
	if e.path == "" {
		return
	}

	if e.state != statePopulating && e.stage == nil {
		panic(fmt.Sprintf("entry %q: %v with nil stage", e.path, e.state))
	}
	if e.state == stateClean && !e.dirty.Empty() {
		panic(fmt.Sprintf("entry %q: Clean with %d dirty ranges", e.path, e.dirty.Len()))
	}
	e.dirty.CheckInvariants()
}
