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
	"io"
	"os"
	"time"

	"github.com/googleapis/gax-go/v2"
	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"

	"github.com/aar10n/fuse-adapter/cache/rangeset"
	"github.com/aar10n/fuse-adapter/connector"
)

// How many upload attempts a flush makes, the first included, while the
// backend keeps failing transiently, before giving up and leaving the
// entry dirty.
const flushAttempts = 3

var flushBackoff = gax.Backoff{
	Initial:    500 * time.Millisecond,
	Max:        8 * time.Second,
	Multiplier: 2,
}

// flushSnapshot is everything a flush needs, copied out of the entry
// under its lock so the upload can run without it.
type flushSnapshot struct {
	path      string
	size      int64
	truncated bool

	// For range flushes: the dirty ranges and their bytes. For whole-object
	// flushes: a single range [0, size) and the full image.
	ranges []rangeset.Range
	bufs   [][]byte
}

////////////////////////////////////////////////////////////////////////
// Sync
////////////////////////////////////////////////////////////////////////

func (c *bufferCache) Sync(ctx context.Context, path string) error {
	e := c.lookupEntry(path)
	if e == nil {
		// Nothing buffered; nothing can be pending.
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.awaitNotFlushing()

	// A failed background flush is the caller's to see first.
	if ferr := e.flushErr; ferr != nil {
		e.flushErr = nil
		return ferr
	}

	if e.path != path || e.state != stateDirty {
		return nil
	}

	return c.flushEntryLocked(ctx, e, false)
}

// flushEntryLocked uploads the entry's dirty state. Called and returns
// with e.mu held; the lock is released for the duration of the upload.
// On failure the dirty state is restored; if background is set the error
// is additionally remembered in e.flushErr.
//
// LOCKS_REQUIRED(e.mu)
func (c *bufferCache) flushEntryLocked(ctx context.Context, e *entry, background bool) error {
	snap, err := c.snapshotLocked(e)
	if err != nil {
		return err
	}

	c.dirtyEntries.Add(-1)
	e.state = stateFlushing

	e.mu.Unlock()
	uploadErr := c.upload(ctx, snap)
	c.metrics.FlushCount(uploadErr != nil)
	e.mu.Lock()

	if uploadErr != nil {
		// Back to Dirty, with the snapshot's ranges restored so nothing is
		// lost. Ranges written during the upload are already in e.dirty.
		restored := &rangeset.Set{}
		for _, r := range snap.ranges {
			restored.Add(r)
		}
		restored.AddSet(&e.dirty)
		e.dirty = *restored
		e.truncated = e.truncated || snap.truncated
		e.state = stateDirty
		c.dirtyEntries.Add(1)
		if background {
			e.flushErr = uploadErr
		}
	} else if e.dirty.Empty() && !e.truncated {
		e.state = stateClean
	} else {
		// Follow-on writes arrived during the upload.
		e.state = stateDirty
		e.firstDirty = c.clock.Now()
		c.dirtyEntries.Add(1)
	}

	e.cond.Broadcast()

	if e.doomed {
		c.destroyStageLocked(e)
		e.doomed = false
	} else if uploadErr == nil {
		c.meta.Set(e.path, c.entryMetadataLocked(e))
	}

	return uploadErr
}

// snapshotLocked copies the bytes a flush must upload out of the stage.
//
// LOCKS_REQUIRED(e.mu)
func (c *bufferCache) snapshotLocked(e *entry) (snap flushSnapshot, err error) {
	snap.path = e.path
	snap.size = e.size
	snap.truncated = e.truncated
	e.truncated = false

	rangeFlush := c.connector.Capabilities().RandomWrite

	if rangeFlush {
		taken := e.dirty.Take()
		snap.ranges = append([]rangeset.Range(nil), taken.Ranges()...)
	} else {
		e.dirty.Take()
		if snap.size > 0 {
			snap.ranges = []rangeset.Range{{Start: 0, End: snap.size}}
		}
	}

	for _, r := range snap.ranges {
		buf := make([]byte, r.Len())
		n, readErr := e.stage.ReadAt(buf, r.Start)
		if readErr == io.EOF && n == len(buf) {
			readErr = nil
		}
		if readErr != nil {
			// Nothing is uploaded; put back what was taken.
			for _, taken := range snap.ranges {
				e.dirty.Add(taken)
			}
			e.truncated = e.truncated || snap.truncated
			err = fmt.Errorf("snapshot %q: %w", e.path, readErr)
			return
		}
		snap.bufs = append(snap.bufs, buf)
	}

	return
}

// entryMetadataLocked builds the metadata view of a resident entry.
//
// LOCKS_REQUIRED(e.mu)
func (c *bufferCache) entryMetadataLocked(e *entry) connector.Metadata {
	return connector.Metadata{
		Kind:  connector.KindFile,
		Size:  e.size,
		Mtime: e.mtime,
	}
}

// upload pushes a snapshot to the backend, retrying transient failures
// with exponential backoff.
func (c *bufferCache) upload(ctx context.Context, snap flushSnapshot) error {
	backoff := flushBackoff

	var err error
	for attempt := 0; attempt < flushAttempts; attempt++ {
		if attempt > 0 {
			if err = gax.Sleep(ctx, backoff.Pause()); err != nil {
				return err
			}
		}

		err = c.uploadOnce(ctx, snap)
		if err == nil || !connector.IsTransient(err) {
			return err
		}
	}
	return err
}

func (c *bufferCache) uploadOnce(ctx context.Context, snap flushSnapshot) error {
	rangeFlush := c.connector.Capabilities().RandomWrite

	for i, r := range snap.ranges {
		if _, err := c.connector.Write(ctx, snap.path, r.Start, snap.bufs[i]); err != nil {
			return fmt.Errorf("write %v: %w", r, err)
		}
	}

	if rangeFlush && snap.truncated {
		if err := c.connector.Truncate(ctx, snap.path, snap.size); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	if !rangeFlush && len(snap.ranges) == 0 {
		// An empty object still needs replacing (truncate to zero).
		if _, err := c.connector.Write(ctx, snap.path, 0, nil); err != nil {
			return fmt.Errorf("write empty: %w", err)
		}
	}

	if err := c.connector.Flush(ctx, snap.path); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Background flushing
////////////////////////////////////////////////////////////////////////

func (c *bufferCache) flushLoop(stopCh <-chan struct{}) {
	defer close(c.flusherDone)

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flushExpired()
		case <-stopCh:
			return
		}
	}
}

// flushExpired flushes every entry that has been dirty for at least the
// flush interval.
func (c *bufferCache) flushExpired() {
	now := c.clock.Now()
	ctx := context.Background()

	for _, e := range c.snapshotEntries() {
		e.mu.Lock()
		if e.path != "" && e.state == stateDirty && now.Sub(e.firstDirty) >= c.flushInterval {
			c.flushEntryLocked(ctx, e, true)
		}
		e.mu.Unlock()
	}
}

// snapshotEntries copies the entry list out of the index.
func (c *bufferCache) snapshotEntries() []*entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

////////////////////////////////////////////////////////////////////////
// Eviction
////////////////////////////////////////////////////////////////////////

// overBudget reports whether occupancy exceeds the configured bounds.
func (c *bufferCache) overBudget() bool {
	if c.maxBytes > 0 && c.residentBytes.Load() > c.maxBytes {
		return true
	}
	if c.maxEntries > 0 {
		c.mu.Lock()
		n := len(c.entries)
		c.mu.Unlock()
		if n > c.maxEntries {
			return true
		}
	}
	return false
}

// evictIfNeeded brings occupancy back under budget, preferring the
// least recently used clean entry and never discarding dirty bytes:
// when only dirty entries remain the oldest one is flushed first, which
// makes it evictable on the next pass.
//
// The caller must hold no entry lock. pin names a path to leave alone.
func (c *bufferCache) evictIfNeeded(pin string) {
	ctx := context.Background()

	for i := 0; c.overBudget() && i < 64; i++ {
		victim, dirty := c.pickVictim(pin)
		if victim == nil {
			return
		}

		victim.mu.Lock()
		switch {
		case victim.path == "" || victim.path == pin:
			// Raced with invalidation; go around.
		case dirty && victim.state == stateDirty:
			c.flushEntryLocked(ctx, victim, true)
		case !dirty && victim.state == stateClean:
			c.evictLocked(victim)
		}
		victim.mu.Unlock()
	}
}

// pickVictim scans for the least recently used clean entry, or failing
// that the least recently used dirty entry (dirty == true in the
// return).
func (c *bufferCache) pickVictim(pin string) (victim *entry, dirty bool) {
	var oldestClean, oldestDirty *entry
	var cleanAccess, dirtyAccess time.Time

	for _, e := range c.snapshotEntries() {
		e.mu.Lock()
		path, state, access := e.path, e.state, e.lastAccess
		e.mu.Unlock()

		if path == "" || path == pin {
			continue
		}

		switch state {
		case stateClean:
			if oldestClean == nil || access.Before(cleanAccess) {
				oldestClean, cleanAccess = e, access
			}
		case stateDirty:
			if oldestDirty == nil || access.Before(dirtyAccess) {
				oldestDirty, dirtyAccess = e, access
			}
		}
	}

	if oldestClean != nil {
		return oldestClean, false
	}
	return oldestDirty, oldestDirty != nil
}

// evictLocked removes a clean entry from the index and releases its
// stage.
//
// LOCKS_REQUIRED(e.mu)
func (c *bufferCache) evictLocked(e *entry) {
	path := e.path

	c.mu.Lock()
	if c.entries[path] == e {
		delete(c.entries, path)
	}
	c.mu.Unlock()

	e.path = ""
	c.destroyStageLocked(e)
}

////////////////////////////////////////////////////////////////////////
// Shutdown
////////////////////////////////////////////////////////////////////////

func (c *bufferCache) DrainAll(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for _, e := range c.snapshotEntries() {
		e := e
		group.Go(func() error {
			e.mu.Lock()
			defer e.mu.Unlock()

			e.awaitNotFlushing()
			if e.path == "" || e.state != stateDirty {
				return nil
			}
			if err := c.flushEntryLocked(ctx, e, false); err != nil {
				return fmt.Errorf("draining %q: %w", e.path, err)
			}
			return nil
		})
	}

	return group.Wait()
}

func (c *bufferCache) Destroy() error {
	c.stopFlusher()
	<-c.flusherDone
	c.meta.Stop()

	for _, e := range c.snapshotEntries() {
		e.mu.Lock()
		e.path = ""
		c.destroyStageLocked(e)
		e.mu.Unlock()
	}

	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	if c.dir != "" {
		if err := os.RemoveAll(c.dir); err != nil {
			return fmt.Errorf("removing staging dir: %w", err)
		}
	}
	return nil
}
