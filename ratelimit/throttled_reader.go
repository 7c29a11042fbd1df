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

package ratelimit

import (
	"errors"
	"io"

	"golang.org/x/net/context"
)

// ThrottledReader wraps r so that bytes are admitted by throttle, one
// token per byte. Reads larger than the throttle's capacity are served
// in capacity-sized pieces.
func ThrottledReader(ctx context.Context, r io.Reader, throttle Throttle) io.Reader {
	return &throttledReader{
		ctx:      ctx,
		wrapped:  r,
		throttle: throttle,
	}
}

type throttledReader struct {
	ctx      context.Context
	wrapped  io.Reader
	throttle Throttle
}

func (tr *throttledReader) Read(p []byte) (n int, err error) {
	// Claim permission up front for everything we intend to read, so a
	// caller draining a large object pays for it smoothly rather than in
	// one lump at the end.
	if c := tr.throttle.Capacity(); uint64(len(p)) > c {
		p = p[:c]
	}

	if !tr.throttle.Wait(tr.ctx, uint64(len(p))) {
		err = errors.New("throttle: cancelled")
		return
	}

	// We've paid for len(p) bytes; keep reading until we have them all or
	// the wrapped reader gives up.
	for n < len(p) && err == nil {
		var k int
		k, err = tr.wrapped.Read(p[n:])
		n += k
	}

	return
}
