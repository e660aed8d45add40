//go:build linux || darwin

//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netconn

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/bassosimone/netconn/internal/sockerr"
	"golang.org/x/sys/unix"
)

// SelectCapacity is the highest descriptor number plus one that
// [SelectBackend] can watch.
var SelectCapacity = int(unsafe.Sizeof(unix.FdSet{})) * 8

// SelectBackend is the select(2) [WaitBackend].
//
// Descriptors greater than or equal to [SelectCapacity] cause a
// [KindBounds] error; use [PollBackend] to lift this limitation.
//
// The zero value is ready to use.
type SelectBackend struct{}

var _ WaitBackend = SelectBackend{}

// Name implements [WaitBackend].
func (SelectBackend) Name() string {
	return "select"
}

// Wait implements [WaitBackend].
func (SelectBackend) Wait(entries []WaitEntry, timeout time.Duration) (int, error) {
	var rset, wset, xset unix.FdSet
	maxfd := -1
	for _, entry := range entries {
		if entry.FD < 0 {
			continue
		}
		if entry.FD >= SelectCapacity {
			return 0, newError(KindBounds, "select",
				fmt.Errorf("descriptor %d exceeds capacity %d", entry.FD, SelectCapacity))
		}
		if entry.Requested.Has(EventReadable) {
			rset.Set(entry.FD)
		}
		if entry.Requested.Has(EventWriteable) {
			wset.Set(entry.FD)
		}
		if entry.Requested.Has(EventExcept) {
			xset.Set(entry.FD)
		}
		maxfd = max(maxfd, entry.FD)
	}

	var r, w, x unix.FdSet
	count, err := restartOnEINTR(timeout, func(remaining time.Duration) (int, error) {
		r, w, x = rset, wset, xset
		return unix.Select(maxfd+1, &r, &w, &x, timevalOrNil(remaining))
	})
	if err != nil {
		return 0, os.NewSyscallError("select", err)
	}
	if count <= 0 {
		return 0, nil
	}

	for idx := range entries {
		fd := entries[idx].FD
		if fd < 0 {
			continue
		}
		if r.IsSet(fd) {
			entries[idx].Observed |= EventReadable
		}
		if w.IsSet(fd) {
			entries[idx].Observed |= EventWriteable
		}
		if x.IsSet(fd) {
			entries[idx].Observed |= EventExcept
		}
	}
	return count, nil
}

// PollBackend is the poll(2) [WaitBackend].
//
// It has no descriptor ceiling. Error and hangup conditions are reported
// as readable and/or writeable, depending on what was requested, which is
// how select(2) reports them, so the two backends are interchangeable.
//
// The zero value is ready to use.
type PollBackend struct{}

var _ WaitBackend = PollBackend{}

// Name implements [WaitBackend].
func (PollBackend) Name() string {
	return "poll"
}

// Wait implements [WaitBackend].
func (PollBackend) Wait(entries []WaitEntry, timeout time.Duration) (int, error) {
	pfds := make([]unix.PollFd, 0, len(entries))
	index := make([]int, 0, len(entries))
	for idx, entry := range entries {
		if entry.FD < 0 {
			continue
		}
		var events int16
		if entry.Requested.Has(EventReadable) {
			events |= unix.POLLIN
		}
		if entry.Requested.Has(EventWriteable) {
			events |= unix.POLLOUT
		}
		if entry.Requested.Has(EventExcept) {
			events |= unix.POLLPRI
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(entry.FD), Events: events})
		index = append(index, idx)
	}

	count, err := restartOnEINTR(timeout, func(remaining time.Duration) (int, error) {
		return unix.Poll(pfds, pollMillis(remaining))
	})
	if err != nil {
		return 0, os.NewSyscallError("poll", err)
	}
	if count <= 0 {
		return 0, nil
	}

	for k, pfd := range pfds {
		entry := &entries[index[k]]
		revents := pfd.Revents
		failed := revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
		if revents&unix.POLLIN != 0 || (failed && entry.Requested.Has(EventReadable)) {
			entry.Observed |= EventReadable
		}
		if revents&unix.POLLOUT != 0 || (failed && entry.Requested.Has(EventWriteable)) {
			entry.Observed |= EventWriteable
		}
		if revents&unix.POLLPRI != 0 {
			entry.Observed |= EventExcept
		}
	}
	return count, nil
}

// restartOnEINTR invokes call until it does not fail with EINTR, shrinking
// the timeout by the time already spent.
func restartOnEINTR(timeout time.Duration, call func(remaining time.Duration) (int, error)) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		count, err := call(timeout)
		if err == nil || !sockerr.IsInterrupted(err) {
			return count, err
		}
		if timeout >= 0 {
			timeout = max(time.Until(deadline), 0)
		}
	}
}

func timevalOrNil(timeout time.Duration) *unix.Timeval {
	if timeout < 0 {
		return nil
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return &tv
}

func pollMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
