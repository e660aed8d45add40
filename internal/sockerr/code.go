// SPDX-License-Identifier: GPL-3.0-or-later

// Package sockerr classifies native socket errors.
package sockerr

import (
	"errors"
	"syscall"
)

// Code returns the native errno carried by err, or zero.
func Code(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}
