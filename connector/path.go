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

package connector

import (
	"fmt"
	gopath "path"
	"strings"
)

// RootPath is the canonical root. It is the only path that ends in a
// slash.
const RootPath = "/"

// MaxNameLen bounds a single path component, matching NAME_MAX on the
// platforms we care about.
const MaxNameLen = 255

// Canonicalize rewrites p into canonical form: absolute, forward-slash
// separated, cleaned of "." and "..", and with no trailing slash except
// for the root itself.
func Canonicalize(p string) string {
	if p == "" {
		return RootPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = gopath.Clean(p)
	return p
}

// Child returns the canonical path for the named child of dir.
//
// REQUIRES: ValidateName(name) == nil
func Child(dir, name string) string {
	if dir == RootPath {
		return RootPath + name
	}
	return dir + "/" + name
}

// Parent returns the canonical parent of p, and the base name of p. The
// parent of the root is the root itself with an empty name.
func Parent(p string) (dir, name string) {
	if p == RootPath {
		return RootPath, ""
	}
	dir, name = gopath.Split(p)
	if dir != RootPath {
		dir = strings.TrimSuffix(dir, "/")
	}
	return
}

// ValidateName checks a single directory entry name as received from the
// kernel: non-empty, no slash, not "." or "..", and within the length
// bound.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty name")
	case name == "." || name == "..":
		return fmt.Errorf("reserved name %q", name)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("name %q contains a slash", name)
	case len(name) > MaxNameLen:
		return &NameTooLongError{Name: name}
	}
	return nil
}

// NameTooLongError: a component exceeded MaxNameLen. Split out from the
// generic validation error because it maps to its own errno.
type NameTooLongError struct {
	Name string
}

func (e *NameTooLongError) Error() string {
	return fmt.Sprintf("name too long: %d bytes", len(e.Name))
}
