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

package ratelimit_test

import (
	"errors"
	"io"
	"testing"

	"golang.org/x/net/context"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"

	"github.com/aar10n/fuse-adapter/ratelimit"
)

func TestThrottledReader(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// An io.Reader that defers to a function.
type funcReader struct {
	f func([]byte) (int, error)
}

func (fr *funcReader) Read(p []byte) (n int, err error) {
	n, err = fr.f(p)
	return
}

// A throttle that defers to a function.
type funcThrottle struct {
	f func(context.Context, uint64) bool
}

func (ft *funcThrottle) Capacity() (c uint64) {
	return 1024
}

func (ft *funcThrottle) Wait(
	ctx context.Context,
	tokens uint64) (ok bool) {
	ok = ft.f(ctx, tokens)
	return
}

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type ThrottledReaderTest struct {
	ctx context.Context

	wrapped  funcReader
	throttle funcThrottle

	reader io.Reader
}

var _ SetUpInterface = &ThrottledReaderTest{}

func init() { RegisterTestSuite(&ThrottledReaderTest{}) }

func (t *ThrottledReaderTest) SetUp(ti *TestInfo) {
	t.ctx = ti.Ctx

	// Set up the default throttle function.
	t.throttle.f = func(ctx context.Context, tokens uint64) (ok bool) {
		ok = true
		return
	}

	// Set up the reader.
	t.reader = ratelimit.ThrottledReader(t.ctx, &t.wrapped, &t.throttle)
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *ThrottledReaderTest) CallsThrottle() {
	const readSize = 17
	AssertLe(readSize, t.throttle.Capacity())

	// Throttle
	var throttleCalled bool
	t.throttle.f = func(ctx context.Context, tokens uint64) (ok bool) {
		AssertFalse(throttleCalled)
		throttleCalled = true

		AssertEq(t.ctx, ctx)
		AssertEq(readSize, tokens)

		return
	}

	// Call
	t.reader.Read(make([]byte, readSize))

	ExpectTrue(throttleCalled)
}

func (t *ThrottledReaderTest) ThrottleSaysCancelled() {
	// Throttle
	t.throttle.f = func(ctx context.Context, tokens uint64) (ok bool) {
		return
	}

	// Call
	n, err := t.reader.Read(make([]byte, 1))

	ExpectEq(0, n)
	ExpectThat(err, Error(HasSubstr("throttle")))
	ExpectThat(err, Error(HasSubstr("cancel")))
}

func (t *ThrottledReaderTest) CallsWrapped() {
	buf := make([]byte, 16)
	AssertLe(len(buf), t.throttle.Capacity())

	// Wrapped
	var readCalled bool
	t.wrapped.f = func(p []byte) (n int, err error) {
		AssertFalse(readCalled)
		readCalled = true

		AssertEq(&buf[0], &p[0])
		AssertEq(len(buf), len(p))

		err = errors.New("")
		return
	}

	// Call
	t.reader.Read(buf)

	ExpectTrue(readCalled)
}

func (t *ThrottledReaderTest) WrappedReturnsError() {
	t.wrapped.f = func(p []byte) (n int, err error) {
		n = 3
		err = errors.New("taco")
		return
	}

	n, err := t.reader.Read(make([]byte, 16))

	ExpectEq(3, n)
	ExpectThat(err, Error(HasSubstr("taco")))
}

func (t *ThrottledReaderTest) WrappedReturnsEOF() {
	t.wrapped.f = func(p []byte) (n int, err error) {
		n = 2
		err = io.EOF
		return
	}

	n, err := t.reader.Read(make([]byte, 16))

	ExpectEq(2, n)
	ExpectEq(io.EOF, err)
}

func (t *ThrottledReaderTest) WrappedReturnsFullRead() {
	t.wrapped.f = func(p []byte) (n int, err error) {
		n = len(p)
		return
	}

	buf := make([]byte, 16)
	n, err := t.reader.Read(buf)

	ExpectEq(nil, err)
	ExpectEq(len(buf), n)
}

func (t *ThrottledReaderTest) WrappedReturnsShortRead_CallsAgain() {
	var calls int
	t.wrapped.f = func(p []byte) (n int, err error) {
		calls++
		switch calls {
		case 1:
			n = 4
		default:
			n = len(p)
		}
		return
	}

	buf := make([]byte, 16)
	n, err := t.reader.Read(buf)

	ExpectEq(nil, err)
	ExpectEq(len(buf), n)
	ExpectEq(2, calls)
}

func (t *ThrottledReaderTest) WrappedReturnsShortRead_SecondFails() {
	var calls int
	t.wrapped.f = func(p []byte) (n int, err error) {
		calls++
		switch calls {
		case 1:
			n = 4
		default:
			err = errors.New("burrito")
		}
		return
	}

	n, err := t.reader.Read(make([]byte, 16))

	ExpectEq(4, n)
	ExpectThat(err, Error(HasSubstr("burrito")))
}

func (t *ThrottledReaderTest) ReadSizeIsAboveThrottleCapacity() {
	// Throttle
	var waitTokens uint64
	t.throttle.f = func(ctx context.Context, tokens uint64) (ok bool) {
		waitTokens = tokens
		ok = true
		return
	}

	// Wrapped
	var readSize int
	t.wrapped.f = func(p []byte) (n int, err error) {
		readSize = len(p)
		n = len(p)
		return
	}

	// Call with a buffer larger than the capacity.
	buf := make([]byte, 4*t.throttle.Capacity())
	n, err := t.reader.Read(buf)

	ExpectEq(nil, err)
	ExpectEq(t.throttle.Capacity(), waitTokens)
	ExpectEq(t.throttle.Capacity(), readSize)
	ExpectEq(t.throttle.Capacity(), n)
}
