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
	"os"
)

// A stage holds the authoritative local byte image for one cached path.
// Writes at offsets beyond the current length zero-fill the gap, so the
// stage's length always equals the entry's logical size.
//
// External synchronization is required; the cache calls every method
// under the entry lock. Flushes copy bytes out of the stage under that
// lock and never read it during the upload.
type stage interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Destroy() error
}

// makeStage creates an empty stage. dir == "" selects in-memory staging;
// otherwise a staging file is created inside dir.
func makeStage(dir string) (stage, error) {
	if dir == "" {
		return &memStage{}, nil
	}

	f, err := os.CreateTemp(dir, "stage-")
	if err != nil {
		return nil, fmt.Errorf("CreateTemp: %w", err)
	}
	return &fileStage{f: f, name: f.Name()}, nil
}

////////////////////////////////////////////////////////////////////////
// File-backed staging
////////////////////////////////////////////////////////////////////////

type fileStage struct {
	f    *os.File
	name string
}

func (s *fileStage) ReadAt(p []byte, off int64) (int, error)  { return s.f.ReadAt(p, off) }
func (s *fileStage) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }
func (s *fileStage) Truncate(size int64) error                { return s.f.Truncate(size) }

func (s *fileStage) Destroy() error {
	closeErr := s.f.Close()
	removeErr := os.Remove(s.name)
	if closeErr != nil {
		return closeErr
	}
	return removeErr
}

////////////////////////////////////////////////////////////////////////
// In-memory staging
////////////////////////////////////////////////////////////////////////

type memStage struct {
	buf []byte
}

func (s *memStage) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s.buf)) {
		return 0, nil
	}
	return copy(p, s.buf[off:]), nil
}

func (s *memStage) WriteAt(p []byte, off int64) (int, error) {
	if grow := off + int64(len(p)); grow > int64(len(s.buf)) {
		s.buf = append(s.buf, make([]byte, grow-int64(len(s.buf)))...)
	}
	return copy(s.buf[off:], p), nil
}

func (s *memStage) Truncate(size int64) error {
	if size <= int64(len(s.buf)) {
		s.buf = s.buf[:size]
		return nil
	}
	s.buf = append(s.buf, make([]byte, size-int64(len(s.buf)))...)
	return nil
}

func (s *memStage) Destroy() error {
	s.buf = nil
	return nil
}
