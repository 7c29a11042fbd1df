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

package cfg

import (
	"path/filepath"
	"time"
)

const (
	DefaultFileMode = Octal(0644)
	DefaultDirMode  = Octal(0755)

	DefaultCacheMaxSize    = ByteSize(256 << 20)
	DefaultFlushInterval   = 30 * time.Second
	DefaultMetadataTTL     = time.Minute
	DefaultLogRotateSizeMB = 512
	DefaultLogRotateCount  = 10
)

// ApplyDefaults fills in everything the operator left unset.
func ApplyDefaults(c *Config) {
	if c.Logging.Severity == "" {
		c.Logging.Severity = "INFO"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Rotate.MaxSizeMB == 0 {
		c.Logging.Rotate.MaxSizeMB = DefaultLogRotateSizeMB
	}
	if c.Logging.Rotate.MaxBackups == 0 {
		c.Logging.Rotate.MaxBackups = DefaultLogRotateCount
	}

	for i := range c.Mounts {
		applyMountDefaults(&c.Mounts[i])
	}
}

func applyMountDefaults(m *MountConfig) {
	if m.Name == "" && m.Path != "" {
		m.Name = filepath.Base(m.Path)
	}
	if m.FileMode == 0 {
		m.FileMode = DefaultFileMode
	}
	if m.DirMode == 0 {
		m.DirMode = DefaultDirMode
	}

	if m.Cache.Kind == "" {
		m.Cache.Kind = "filesystem"
	}
	if m.Cache.MaxSize == 0 {
		m.Cache.MaxSize = DefaultCacheMaxSize
	}
	if m.Cache.FlushInterval == 0 {
		m.Cache.FlushInterval = DefaultFlushInterval
	}
	if m.Cache.MetadataTTL == 0 {
		m.Cache.MetadataTTL = DefaultMetadataTTL
	}

	if m.RateLimit.OpsPerSec > 0 && m.RateLimit.Burst == 0 {
		m.RateLimit.Burst = uint64(m.RateLimit.OpsPerSec) + 1
	}
}
