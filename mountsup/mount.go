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

package mountsup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"golang.org/x/net/context"

	"github.com/aar10n/fuse-adapter/cache"
	"github.com/aar10n/fuse-adapter/capability"
	"github.com/aar10n/fuse-adapter/cfg"
	"github.com/aar10n/fuse-adapter/connector"
	"github.com/aar10n/fuse-adapter/connector/gcs"
	"github.com/aar10n/fuse-adapter/connector/memfs"
	"github.com/aar10n/fuse-adapter/connector/s3"
	"github.com/aar10n/fuse-adapter/fs"
	"github.com/aar10n/fuse-adapter/logger"
	"github.com/aar10n/fuse-adapter/metrics"
	"github.com/aar10n/fuse-adapter/ratelimit"
)

// Mount is one running mount: its fuse session plus the cache that must
// drain before the mount point is released.
type Mount struct {
	name  string
	mfs   *fuse.MountedFileSystem
	cache cache.Cache
}

func (m *Mount) Name() string { return m.name }
func (m *Mount) Dir() string  { return m.mfs.Dir() }

// RequestUnmount asks the kernel to detach this mount. Errors are
// logged and the request is not repeated.
func (m *Mount) RequestUnmount() {
	if err := fuse.Unmount(m.mfs.Dir()); err != nil {
		logger.Errorf("Unmounting %q: %v", m.mfs.Dir(), err)
	}
}

// Join waits until the kernel releases the mount, then drains and
// destroys the cache. Dirty data is flushed before the mount point is
// considered gone.
func (m *Mount) Join(ctx context.Context) error {
	joinErr := m.mfs.Join(ctx)

	if err := m.cache.DrainAll(ctx); err != nil {
		logger.Errorf("Draining cache for %q: %v", m.name, err)
		if joinErr == nil {
			joinErr = err
		}
	}
	if err := m.cache.Destroy(); err != nil {
		logger.Errorf("Destroying cache for %q: %v", m.name, err)
	}

	return joinErr
}

// startMount assembles one mount from its configuration.
func (s *Supervisor) startMount(ctx context.Context, mc *cfg.MountConfig) (*Mount, error) {
	raw, err := buildConnector(ctx, mc)
	if err != nil {
		return nil, err
	}

	if mc.Connector.OpTimeout > 0 {
		raw = connector.WithTimeout(raw, mc.Connector.OpTimeout)
	}

	if mc.RateLimit.OpsPerSec > 0 {
		throttle := ratelimit.NewSystemTimeTokenBucket(
			mc.RateLimit.OpsPerSec,
			mc.RateLimit.Burst)
		raw = ratelimit.ThrottledConnector(raw, throttle)
	}

	if err := checkWriteBufferRequirement(mc.Cache.Kind, raw); err != nil {
		return nil, err
	}

	mh := metrics.NewPrometheus(s.registry, mc.Name)

	contentCache, err := buildCache(mc, raw, mh)
	if err != nil {
		return nil, err
	}

	uid, gid, ownerExplicit := resolveOwner(mc)

	serverCfg := &fs.ServerConfig{
		Clock:         s.clock,
		Connector:     capability.Compose(raw, mc.ReadOnly),
		Capabilities:  raw.Capabilities(),
		WriteBuffered: mc.Cache.Kind != "none",
		Cache:         contentCache,
		ReadOnly:      mc.ReadOnly,
		Uid:           uid,
		Gid:           gid,
		OwnerExplicit: ownerExplicit,
		FilePerms:     os.FileMode(mc.FileMode),
		DirPerms:      os.FileMode(mc.DirMode),
		AttributeTTL:  mc.Cache.MetadataTTL,
		Metrics:       mh,
	}

	server, err := fs.NewServer(serverCfg)
	if err != nil {
		contentCache.Destroy()
		return nil, fmt.Errorf("fs.NewServer: %w", err)
	}

	mountCfg := &fuse.MountConfig{
		FSName:      fmt.Sprintf("%s:%s", raw.Name(), mc.Name),
		Subtype:     "fuse_adapter",
		VolumeName:  mc.Name,
		ReadOnly:    mc.ReadOnly,
		ErrorLogger: logger.ErrorLogger(),
		DebugLogger: logger.DebugLogger(),
	}

	mfs, err := fuse.Mount(mc.Path, server, mountCfg)
	if err != nil {
		contentCache.Destroy()
		return nil, fmt.Errorf("fuse.Mount: %w", err)
	}

	return &Mount{name: mc.Name, mfs: mfs, cache: contentCache}, nil
}

// checkWriteBufferRequirement refuses mounts whose connector declares it
// cannot work without a write buffer while the cache is a pass-through.
func checkWriteBufferRequirement(cacheKind string, raw connector.Connector) error {
	if cacheKind == "none" && raw.CacheRequirements().WriteBuffer == connector.WriteBufferRequired {
		return fmt.Errorf(
			"connector %q requires a write buffer; cache kind \"none\" won't do",
			raw.Name())
	}
	return nil
}

func buildConnector(ctx context.Context, mc *cfg.MountConfig) (connector.Connector, error) {
	switch mc.Connector.Kind {
	case "memory":
		return memfs.New(memfs.Options{}), nil

	case "gcs":
		return gcs.New(ctx, gcs.Config{
			Bucket:   mc.Connector.GCS.Bucket,
			Prefix:   mc.Connector.GCS.Prefix,
			Endpoint: mc.Connector.GCS.Endpoint,
			KeyFile:  mc.Connector.GCS.KeyFile,
		})

	case "s3":
		return s3.New(s3.Config{
			Bucket:         mc.Connector.S3.Bucket,
			Prefix:         mc.Connector.S3.Prefix,
			Region:         mc.Connector.S3.Region,
			Endpoint:       mc.Connector.S3.Endpoint,
			ForcePathStyle: mc.Connector.S3.ForcePathStyle,
		})

	default:
		return nil, fmt.Errorf("unknown connector kind %q", mc.Connector.Kind)
	}
}

func buildCache(mc *cfg.MountConfig, raw connector.Connector, mh metrics.Handle) (cache.Cache, error) {
	switch mc.Cache.Kind {
	case "none":
		return cache.NewPassThrough(raw, nil, mc.Cache.MetadataTTL), nil

	case "memory":
		return cache.NewFileCache(cache.Config{
			Connector:     raw,
			Dir:           "",
			MaxSizeBytes:  mc.Cache.MaxSize.Bytes(),
			MaxEntries:    mc.Cache.MaxEntries,
			FlushInterval: mc.Cache.FlushInterval,
			MetadataTTL:   mc.Cache.MetadataTTL,
			Metrics:       mh,
		})

	case "filesystem":
		// Each mount stages under its own directory; the cache wipes it at
		// startup, so a recycled path never resurrects stale bytes.
		dir := filepath.Join(mc.Cache.Path, fmt.Sprintf("%s-%s", mc.Name, uuid.NewString()[:8]))
		return cache.NewFileCache(cache.Config{
			Connector:     raw,
			Dir:           dir,
			MaxSizeBytes:  mc.Cache.MaxSize.Bytes(),
			MaxEntries:    mc.Cache.MaxEntries,
			FlushInterval: mc.Cache.FlushInterval,
			MetadataTTL:   mc.Cache.MetadataTTL,
			Metrics:       mh,
		})

	default:
		return nil, fmt.Errorf("unknown cache kind %q", mc.Cache.Kind)
	}
}

func resolveOwner(mc *cfg.MountConfig) (uid, gid uint32, explicit bool) {
	uid = uint32(os.Getuid())
	gid = uint32(os.Getgid())

	if mc.Uid != nil {
		uid = uint32(*mc.Uid)
		explicit = true
	}
	if mc.Gid != nil {
		gid = uint32(*mc.Gid)
		explicit = true
	}
	return
}
