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
	"fmt"
	"slices"
)

var (
	validConnectorKinds = []string{"memory", "gcs", "s3"}
	validCacheKinds     = []string{"none", "memory", "filesystem"}
)

// Validate rejects configurations the supervisor could not start.
func Validate(c *Config) error {
	if _, err := parseSeverity(c.Logging.Severity); err != nil {
		return err
	}

	if len(c.Mounts) == 0 {
		return fmt.Errorf("at least one mount must be configured")
	}

	seenPaths := make(map[string]bool)
	for i := range c.Mounts {
		m := &c.Mounts[i]
		if err := validateMount(m); err != nil {
			return fmt.Errorf("mount %q: %w", m.Name, err)
		}
		if seenPaths[m.Path] {
			return fmt.Errorf("mount path %q configured twice", m.Path)
		}
		seenPaths[m.Path] = true
	}

	return nil
}

func parseSeverity(s string) (string, error) {
	valid := []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"}
	for _, v := range valid {
		if s == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid log severity %q; want one of %v", s, valid)
}

func validateMount(m *MountConfig) error {
	if m.Path == "" {
		return fmt.Errorf("path is required")
	}

	if !slices.Contains(validConnectorKinds, m.Connector.Kind) {
		return fmt.Errorf(
			"invalid connector kind %q; want one of %v",
			m.Connector.Kind, validConnectorKinds)
	}

	switch m.Connector.Kind {
	case "gcs":
		if m.Connector.GCS.Bucket == "" {
			return fmt.Errorf("connector.gcs.bucket is required")
		}
	case "s3":
		if m.Connector.S3.Bucket == "" {
			return fmt.Errorf("connector.s3.bucket is required")
		}
	}

	if !slices.Contains(validCacheKinds, m.Cache.Kind) {
		return fmt.Errorf(
			"invalid cache kind %q; want one of %v",
			m.Cache.Kind, validCacheKinds)
	}

	if m.Cache.Kind == "filesystem" && m.Cache.Path == "" {
		return fmt.Errorf("cache.path is required for a filesystem cache")
	}
	if m.Cache.MaxSize < 0 {
		return fmt.Errorf("cache.max-size must not be negative")
	}
	if m.Cache.FlushInterval < 0 {
		return fmt.Errorf("cache.flush-interval must not be negative")
	}

	if m.Uid != nil && *m.Uid < 0 {
		return fmt.Errorf("uid must not be negative")
	}
	if m.Gid != nil && *m.Gid < 0 {
		return fmt.Errorf("gid must not be negative")
	}

	if m.RateLimit.OpsPerSec < 0 {
		return fmt.Errorf("rate-limit.ops-per-sec must not be negative")
	}

	return nil
}
