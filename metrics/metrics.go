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

// Package metrics is the seam between the adapter core and whatever
// sink the operator points it at. The core records through Handle;
// binaries choose an implementation.
package metrics

// Handle receives counters from the adapter core.
type Handle interface {
	// OpCount records one kernel operation of the named type.
	OpCount(op string)

	// FlushCount records one completed flush attempt.
	FlushCount(failed bool)
}

// NewNoop returns a Handle that discards everything.
func NewNoop() Handle { return noopHandle{} }

type noopHandle struct{}

func (noopHandle) OpCount(op string)      {}
func (noopHandle) FlushCount(failed bool) {}
