//go:build linux || darwin

//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package sockerr

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsConnectDeferred reports whether a connect(2) error means the
// connection is still being established in the background.
func IsConnectDeferred(err error) bool {
	return errors.Is(err, unix.EINPROGRESS) ||
		errors.Is(err, unix.EALREADY) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.EINTR)
}

// IsWouldBlock reports whether a read(2) or write(2) error means
// the operation would have blocked a non-blocking descriptor.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsInterrupted reports whether the system call was interrupted by a signal.
func IsInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
