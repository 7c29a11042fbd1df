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
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/cache/rangeset"
	"github.com/aar10n/fuse-adapter/connector"
	"github.com/aar10n/fuse-adapter/metrics"
	"github.com/aar10n/fuse-adapter/ttlcache"
)

// LOCK ORDERING
//
// Define a strict partial order: for any entry lock E and the index lock
// C, E < C. That is, the index lock may be acquired while holding an
// entry lock, but never the reverse. In practice most paths look up an
// entry under the index lock, release it, and only then lock the entry.
//
// Entry locks are held across staging I/O and across population, but
// never across a backend upload: flushes copy what they need out of the
// stage under the lock and upload lock-free, so writers keep making
// progress against the same stage while bytes travel to the backend.

type bufferCache struct {
	connector connector.Connector
	clock     timeutil.Clock

	dir           string
	maxBytes      int64
	maxEntries    int
	flushInterval time.Duration

	meta    *ttlcache.Cache[string, connector.Metadata]
	metrics metrics.Handle

	// Total bytes resident in staging and the number of dirty entries.
	// Maintained at every size change / state transition.
	residentBytes atomic.Int64
	dirtyEntries  atomic.Int64

	// A lock protecting the index itself. See the ordering notes above.
	mu syncutil.InvariantMutex

	// The resident entries, keyed by canonical path.
	//
	// INVARIANT: For all keys k, entries[k] != nil
	//
	// GUARDED_BY(mu)
	entries map[string]*entry

	stopFlusher func()
	flusherDone chan struct{}
}

// NewFileCache creates the write-buffer cache. When cfg.Dir is set the
// staging area lives on disk and any leftovers from a previous run are
// discarded; otherwise staging is in memory.
func NewFileCache(cfg Config) (Cache, error) {
	if cfg.Connector == nil {
		return nil, errors.New("cache: nil connector")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	if cfg.Dir != "" {
		// Conservative startup stance: anything staged by a prior process is
		// of unknown integrity. Start from an empty directory.
		if err := os.RemoveAll(cfg.Dir); err != nil {
			return nil, fmt.Errorf("clearing staging dir: %w", err)
		}
		if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
			return nil, fmt.Errorf("creating staging dir: %w", err)
		}
	}

	metadataTTL := cfg.MetadataTTL
	if metadataTTL == 0 {
		metadataTTL = cfg.Connector.CacheRequirements().MetadataTTL
	}

	mh := cfg.Metrics
	if mh == nil {
		mh = metrics.NewNoop()
	}

	c := &bufferCache{
		connector:     cfg.Connector,
		clock:         clock,
		dir:           cfg.Dir,
		maxBytes:      cfg.MaxSizeBytes,
		maxEntries:    cfg.MaxEntries,
		flushInterval: cfg.FlushInterval,
		meta:          ttlcache.New[string, connector.Metadata](metadataTTL, metadataTTL),
		metrics:       mh,
		entries:       make(map[string]*entry),
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	c.stopFlusher = func() { stopOnce.Do(func() { close(stopCh) }) }
	c.flusherDone = make(chan struct{})
	if c.flushInterval > 0 {
		go c.flushLoop(stopCh)
	} else {
		close(c.flusherDone)
	}

	return c, nil
}

// LOCKS_REQUIRED(c.mu)
func (c *bufferCache) checkInvariants() {
	for k, e := range c.entries {
		if e == nil {
			panic(fmt.Sprintf("nil entry for %q", k))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Entry lookup and population
////////////////////////////////////////////////////////////////////////

// populateMode says how a newly created entry obtains its initial image.
type populateMode int

const (
	// populateFetch downloads the current backend object.
	populateFetch populateMode = iota

	// populateEmpty starts from an empty image without touching the
	// backend: new-file create and whole-object overwrite.
	populateEmpty
)

// lookupEntry returns the resident entry for path, or nil.
func (c *bufferCache) lookupEntry(path string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[path]
}

// lookupOrCreateEntry returns the entry for path, locked, creating and
// populating it if absent. On error no entry remains in the index.
//
// LOCK_FUNCTION(entry.mu)
func (c *bufferCache) lookupOrCreateEntry(
	ctx context.Context,
	path string,
	mode populateMode) (e *entry, err error) {
	for {
		c.mu.Lock()
		e = c.entries[path]
		if e == nil {
			e = newEntry(path)
			c.entries[path] = e
			c.mu.Unlock()

			err = c.populate(ctx, e, path, mode)
			if err != nil {
				// Population failed; remove the placeholder. Waiters notice the
				// cleared path and retry from the top.
				c.mu.Lock()
				if c.entries[path] == e {
					delete(c.entries, path)
				}
				c.mu.Unlock()

				e.mu.Lock()
				e.path = ""
				e.state = stateClean
				e.cond.Broadcast()
				e.mu.Unlock()

				return nil, err
			}

			// Populated; e.mu is held.
			return e, nil
		}
		c.mu.Unlock()

		e.mu.Lock()

		// Wait out a concurrent population.
		for e.state == statePopulating {
			e.cond.Wait()
		}

		// The entry may have been discarded while we were waiting.
		if e.path != path {
			e.mu.Unlock()
			continue
		}

		return e, nil
	}
}

// populate fills a freshly minted entry. Returns with e.mu held on
// success.
//
// LOCK_FUNCTION(e.mu)
func (c *bufferCache) populate(
	ctx context.Context,
	e *entry,
	path string,
	mode populateMode) (err error) {
	e.mu.Lock()
	defer func() {
		if err != nil {
			e.cond.Broadcast()
			e.mu.Unlock()
		}
	}()

	st, err := makeStage(c.dir)
	if err != nil {
		err = fmt.Errorf("makeStage: %w", err)
		return
	}

	var size int64
	mtime := c.clock.Now()

	if mode == populateFetch {
		var m *connector.Metadata
		m, err = c.statBackend(ctx, path)
		if err != nil {
			st.Destroy()
			return
		}

		size = m.Size
		mtime = m.Mtime

		if size > 0 {
			var data []byte
			data, err = c.connector.Read(ctx, path, 0, size)
			if err != nil {
				st.Destroy()
				err = fmt.Errorf("populate %q: %w", path, err)
				return
			}
			if int64(len(data)) != size {
				// The object changed size between stat and read. The bytes we
				// hold are still a consistent image; adopt their length.
				size = int64(len(data))
			}
			if _, err = st.WriteAt(data, 0); err != nil {
				st.Destroy()
				err = fmt.Errorf("staging %q: %w", path, err)
				return
			}
		}
	}

	e.stage = st
	e.size = size
	e.mtime = mtime
	e.state = stateClean
	e.lastAccess = c.clock.Now()
	c.residentBytes.Add(size)
	e.cond.Broadcast()
	return
}

// adjustSize updates the logical size and the resident byte accounting.
//
// LOCKS_REQUIRED(e.mu)
func (c *bufferCache) adjustSize(e *entry, newSize int64) {
	c.residentBytes.Add(newSize - e.size)
	e.size = newSize
}

// markEntryDirty transitions the entry toward Dirty and keeps the dirty
// entry count current.
//
// LOCKS_REQUIRED(e.mu)
func (c *bufferCache) markEntryDirty(e *entry, r rangeset.Range) {
	wasClean := e.state == stateClean
	e.markDirty(r, c.clock.Now())
	if wasClean {
		c.dirtyEntries.Add(1)
	}
}

////////////////////////////////////////////////////////////////////////
// Cache interface: content operations
////////////////////////////////////////////////////////////////////////

func (c *bufferCache) ReadAt(
	ctx context.Context,
	path string,
	dst []byte,
	offset int64) (n int, err error) {
	caps := c.connector.Capabilities()
	reqs := c.connector.CacheRequirements()

	// Pass through when nothing is resident and the backend can serve the
	// window directly.
	if e := c.lookupEntry(path); e == nil && caps.RangeRead && !reqs.ReadCache {
		var data []byte
		data, err = c.connector.Read(ctx, path, offset, int64(len(dst)))
		if err != nil {
			return
		}
		n = copy(dst, data)
		return
	}

	e, err := c.lookupOrCreateEntry(ctx, path, populateFetch)
	if err != nil {
		return
	}

	e.lastAccess = c.clock.Now()

	if offset < e.size {
		if max := e.size - offset; int64(len(dst)) > max {
			dst = dst[:max]
		}
		n, err = e.stage.ReadAt(dst, offset)
		if err == io.EOF {
			err = nil
		}
	}
	e.mu.Unlock()

	c.evictIfNeeded(path)
	return
}

func (c *bufferCache) WriteAt(
	ctx context.Context,
	path string,
	data []byte,
	offset int64) (n int, err error) {
	mode := populateFetch

	// A whole-object overwrite needs no population: the write covers
	// everything the backend has.
	if offset == 0 {
		if m, statErr := c.Stat(ctx, path); statErr == nil && m.Size <= int64(len(data)) {
			mode = populateEmpty
		}
	}

	e, err := c.lookupOrCreateEntry(ctx, path, mode)
	if err != nil {
		return
	}

	n, err = e.stage.WriteAt(data, offset)
	if err != nil {
		e.mu.Unlock()
		err = fmt.Errorf("stage write %q: %w", path, err)
		return
	}

	if end := offset + int64(n); end > e.size {
		c.adjustSize(e, end)
	}
	c.markEntryDirty(e, rangeset.Range{Start: offset, End: offset + int64(n)})
	e.lastAccess = c.clock.Now()
	c.meta.Delete(path)
	e.mu.Unlock()

	c.evictIfNeeded(path)
	return
}

func (c *bufferCache) Truncate(ctx context.Context, path string, size int64) (err error) {
	mode := populateFetch
	if size == 0 {
		mode = populateEmpty
	}

	e, err := c.lookupOrCreateEntry(ctx, path, mode)
	if err != nil {
		return
	}
	defer e.mu.Unlock()

	oldSize := e.size
	if err = e.stage.Truncate(size); err != nil {
		err = fmt.Errorf("stage truncate %q: %w", path, err)
		return
	}

	c.adjustSize(e, size)
	e.dirty.TruncateTo(size)

	// A grown tail reads as zeros and must reach the backend like any
	// other written range. For a shrink the range below is degenerate and
	// only the state transition matters.
	c.markEntryDirty(e, rangeset.Range{Start: oldSize, End: size})
	e.truncated = true
	e.lastAccess = c.clock.Now()
	c.meta.Delete(path)
	return
}

func (c *bufferCache) Create(ctx context.Context, path string) (err error) {
	e, err := c.lookupOrCreateEntry(ctx, path, populateEmpty)
	if err != nil {
		return
	}
	e.lastAccess = c.clock.Now()
	e.mu.Unlock()

	c.meta.Delete(path)
	return
}

////////////////////////////////////////////////////////////////////////
// Cache interface: metadata
////////////////////////////////////////////////////////////////////////

// statBackend consults the connector and refreshes the TTL cache.
func (c *bufferCache) statBackend(ctx context.Context, path string) (*connector.Metadata, error) {
	m, err := c.connector.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	c.meta.Set(path, *m)
	return m, nil
}

func (c *bufferCache) Stat(ctx context.Context, path string) (*connector.Metadata, error) {
	// Resident dirty state is authoritative.
	if e := c.lookupEntry(path); e != nil {
		e.mu.Lock()
		if e.path == path && e.state != statePopulating {
			m := &connector.Metadata{
				Kind:  connector.KindFile,
				Size:  e.size,
				Mtime: e.mtime,
			}
			e.mu.Unlock()
			return m, nil
		}
		e.mu.Unlock()
	}

	if m, ok := c.meta.Get(path); ok {
		return &m, nil
	}

	return c.statBackend(ctx, path)
}

func (c *bufferCache) Rename(oldPath, newPath string) {
	c.mu.Lock()
	e := c.entries[oldPath]
	if e != nil {
		delete(c.entries, oldPath)
		c.entries[newPath] = e
	}
	c.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		e.path = newPath
		e.mu.Unlock()
	}

	c.meta.Delete(oldPath)
	c.meta.Delete(newPath)
}

func (c *bufferCache) Invalidate(path string) {
	c.meta.Delete(path)

	c.mu.Lock()
	e := c.entries[path]
	if e != nil {
		delete(c.entries, path)
	}
	c.mu.Unlock()

	if e == nil {
		return
	}

	e.mu.Lock()
	e.path = ""
	if e.state == stateDirty {
		c.dirtyEntries.Add(-1)
		e.dirty.Take()
		e.truncated = false
		e.state = stateClean
	}
	if e.state == stateFlushing {
		// The in-flight flusher destroys the stage when it finishes.
		e.doomed = true
		e.mu.Unlock()
		return
	}
	c.destroyStageLocked(e)
	e.mu.Unlock()
}

func (c *bufferCache) InvalidateMetadata(path string) {
	c.meta.Delete(path)
}

// destroyStageLocked releases the entry's stage and its byte accounting.
//
// LOCKS_REQUIRED(e.mu)
func (c *bufferCache) destroyStageLocked(e *entry) {
	if e.stage == nil {
		return
	}
	e.stage.Destroy()
	e.stage = nil
	c.residentBytes.Add(-e.size)
	e.size = 0
}

func (c *bufferCache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()

	return Stats{
		ResidentBytes: c.residentBytes.Load(),
		Entries:       n,
		DirtyEntries:  int(c.dirtyEntries.Load()),
	}
}
