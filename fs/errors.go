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

package fs

import (
	"errors"
	"syscall"

	"github.com/jacobsa/fuse"

	"github.com/aar10n/fuse-adapter/connector"
	"github.com/aar10n/fuse-adapter/fs/inode"
	"github.com/aar10n/fuse-adapter/logger"
)

// errno maps an error from the layers below onto the errno the kernel
// should see. This is the only place in the adapter where that mapping
// happens. Anything unclassified is an internal failure: it is logged
// and converted to EIO so that nothing unexpected crosses the kernel
// boundary.
func errno(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		notFound      *connector.NotFoundError
		alreadyExists *connector.AlreadyExistsError
		notADir       *connector.NotADirectoryError
		isADir        *connector.IsADirectoryError
		notEmpty      *connector.NotEmptyError
		notSupported  *connector.NotSupportedError
		readOnly      *connector.ReadOnlyError
		nameTooLong   *connector.NameTooLongError
		backend       *connector.BackendError
	)

	switch {
	case errors.As(err, &notFound):
		return fuse.ENOENT
	case errors.As(err, &alreadyExists):
		return fuse.EEXIST
	case errors.As(err, &notADir):
		return syscall.ENOTDIR
	case errors.As(err, &isADir):
		return syscall.EISDIR
	case errors.As(err, &notEmpty):
		return fuse.ENOTEMPTY
	case errors.As(err, &notSupported):
		return fuse.ENOSYS
	case errors.As(err, &readOnly):
		return syscall.EROFS
	case errors.As(err, &nameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, inode.ErrStale):
		return syscall.ESTALE
	case errors.Is(err, syscall.ENOSPC):
		return syscall.ENOSPC
	case errors.As(err, &backend):
		logger.Errorf("%s: backend error: %v", op, err)
		return fuse.EIO
	default:
		logger.Errorf("%s: internal error: %v", op, err)
		return fuse.EIO
	}
}
