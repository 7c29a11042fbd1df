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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"a/b", "/a/b"},
		{"/a/b/", "/a/b"},
		{"/a//b", "/a/b"},
		{"/a/./b", "/a/b"},
		{"/a/../b", "/b"},
		{"/..", "/"},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, Canonicalize(c.in), "input %q", c.in)
	}
}

func TestChild(t *testing.T) {
	assert.Equal(t, "/a", Child("/", "a"))
	assert.Equal(t, "/a/b", Child("/a", "b"))
}

func TestParent(t *testing.T) {
	dir, name := Parent("/a/b")
	assert.Equal(t, "/a", dir)
	assert.Equal(t, "b", name)

	dir, name = Parent("/a")
	assert.Equal(t, "/", dir)
	assert.Equal(t, "a", name)

	dir, name = Parent("/")
	assert.Equal(t, "/", dir)
	assert.Equal(t, "", name)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("a.txt"))
	assert.Error(t, ValidateName(""))
	assert.Error(t, ValidateName("."))
	assert.Error(t, ValidateName(".."))
	assert.Error(t, ValidateName("a/b"))

	err := ValidateName(strings.Repeat("x", MaxNameLen+1))
	var tooLong *NameTooLongError
	assert.ErrorAs(t, err, &tooLong)

	assert.NoError(t, ValidateName(strings.Repeat("x", MaxNameLen)))
}
