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
	"sync"
	"time"

	"golang.org/x/net/context"
)

// A Throttle admits abstract tokens at a bounded rate, sleeping callers
// as needed. Safe for concurrent use.
type Throttle interface {
	// Capacity returns the maximum number of tokens a single Wait may ask
	// for.
	Capacity() uint64

	// Wait blocks until tokens may proceed, or until ctx is cancelled.
	// Returns false on cancellation.
	//
	// REQUIRES: tokens <= Capacity()
	Wait(ctx context.Context, tokens uint64) bool
}

// SystemTimeTokenBucket is a Throttle driving a TokenBucket with the
// monotonic system clock.
type SystemTimeTokenBucket struct {
	epoch time.Time

	mu sync.Mutex

	// GUARDED_BY(mu)
	bucket TokenBucket
}

// NewSystemTimeTokenBucket creates a throttle admitting rateHz tokens
// per second with the given burst capacity.
func NewSystemTimeTokenBucket(rateHz float64, capacity uint64) *SystemTimeTokenBucket {
	return &SystemTimeTokenBucket{
		epoch:  time.Now(),
		bucket: NewTokenBucket(rateHz, capacity),
	}
}

func (tb *SystemTimeTokenBucket) Capacity() uint64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.bucket.Capacity()
}

func (tb *SystemTimeTokenBucket) Wait(ctx context.Context, tokens uint64) bool {
	now := MonotonicTime(time.Since(tb.epoch))

	tb.mu.Lock()
	availableAt := tb.bucket.Remove(now, tokens)
	tb.mu.Unlock()

	d := time.Duration(availableAt - now)
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
