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
	"errors"
	"fmt"
)

// The error taxonomy shared by all connectors. The FUSE bridge owns the
// mapping from these types to errno values; connectors must wrap backend
// failures into exactly one of them so that classification never depends
// on backend-specific error strings.

// NotFoundError: the path does not exist.
type NotFoundError struct {
	Err error
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("not found: %v", e.Err) }
func (e *NotFoundError) Unwrap() error { return e.Err }

// AlreadyExistsError: the path is already taken.
type AlreadyExistsError struct {
	Err error
}

func (e *AlreadyExistsError) Error() string { return fmt.Sprintf("already exists: %v", e.Err) }
func (e *AlreadyExistsError) Unwrap() error { return e.Err }

// NotADirectoryError: a directory operation hit a file.
type NotADirectoryError struct {
	Err error
}

func (e *NotADirectoryError) Error() string { return fmt.Sprintf("not a directory: %v", e.Err) }
func (e *NotADirectoryError) Unwrap() error { return e.Err }

// IsADirectoryError: a file operation hit a directory.
type IsADirectoryError struct {
	Err error
}

func (e *IsADirectoryError) Error() string { return fmt.Sprintf("is a directory: %v", e.Err) }
func (e *IsADirectoryError) Unwrap() error { return e.Err }

// NotEmptyError: removing a directory that still has children.
type NotEmptyError struct {
	Err error
}

func (e *NotEmptyError) Error() string { return fmt.Sprintf("not empty: %v", e.Err) }
func (e *NotEmptyError) Unwrap() error { return e.Err }

// NotSupportedError: the operation is outside the connector's declared
// capabilities and no synthesis applies.
type NotSupportedError struct {
	Op string
}

func (e *NotSupportedError) Error() string { return fmt.Sprintf("operation not supported: %s", e.Op) }

// ReadOnlyError: the mount or the connector is read-only.
type ReadOnlyError struct {
	Op string
}

func (e *ReadOnlyError) Error() string { return fmt.Sprintf("read-only file system: %s", e.Op) }

// BackendError: the backend failed. Transient failures (timeouts, 5xx,
// network trouble) are retried on flush; permanent ones are not.
type BackendError struct {
	Err       error
	Transient bool
}

func (e *BackendError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient backend error: %v", e.Err)
	}
	return fmt.Sprintf("backend error: %v", e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	var t *NotFoundError
	return errors.As(err, &t)
}

func IsAlreadyExists(err error) bool {
	var t *AlreadyExistsError
	return errors.As(err, &t)
}

func IsNotEmpty(err error) bool {
	var t *NotEmptyError
	return errors.As(err, &t)
}

func IsNotSupported(err error) bool {
	var t *NotSupportedError
	return errors.As(err, &t)
}

func IsReadOnly(err error) bool {
	var t *ReadOnlyError
	return errors.As(err, &t)
}

// IsTransient reports whether err is a backend error worth retrying.
func IsTransient(err error) bool {
	var t *BackendError
	return errors.As(err, &t) && t.Transient
}
