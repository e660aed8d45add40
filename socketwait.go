// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"errors"
	"log/slog"
	"strings"
	"time"
)

// WaitForever is the timeout meaning "wait indefinitely".
const WaitForever time.Duration = -1

// Events is a set of readiness conditions of a descriptor.
type Events uint8

const (
	// EventReadable means the descriptor is readable.
	EventReadable Events = 1 << iota

	// EventWriteable means the descriptor is writeable.
	EventWriteable

	// EventExcept means the descriptor is in an exceptional state.
	EventExcept
)

// Has returns whether all the flags in f are set.
func (e Events) Has(f Events) bool {
	return e&f == f
}

// String implements [fmt.Stringer].
func (e Events) String() string {
	var parts []string
	if e.Has(EventReadable) {
		parts = append(parts, "r")
	}
	if e.Has(EventWriteable) {
		parts = append(parts, "w")
	}
	if e.Has(EventExcept) {
		parts = append(parts, "x")
	}
	return strings.Join(parts, "|")
}

// WaitEntry is a descriptor and the events to wait for.
//
// A negative FD marks a placeholder entry, which is skipped while keeping
// the index alignment between the entries and the caller's objects.
type WaitEntry struct {
	// FD is the descriptor to watch.
	FD int

	// Requested contains the events to wait for.
	Requested Events

	// Observed contains the events that fired, filled by [*SocketWait.Wait].
	Observed Events
}

// WaitBackend is the OS readiness multiplexing primitive.
//
// Wait performs a single readiness wait over the entries with a non-negative
// FD, bounded by timeout ([WaitForever] for no bound), fills each entry's
// Observed field, and returns the number of ready descriptors.
type WaitBackend interface {
	Name() string
	Wait(entries []WaitEntry, timeout time.Duration) (int, error)
}

// NewSocketWait returns a new [*SocketWait] using the configured backend.
//
// The cfg argument contains the common configuration.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewSocketWait(cfg *Config, logger SLogger) *SocketWait {
	return &SocketWait{
		Backend:       cfg.WaitBackend,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// SocketWait waits for readiness of an explicit set of descriptors.
//
// All fields are safe to modify after construction but before first use.
type SocketWait struct {
	// Backend is the [WaitBackend] to use.
	//
	// Set by [NewSocketWait] from [Config.WaitBackend].
	Backend WaitBackend

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewSocketWait] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewSocketWait] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewSocketWait] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Wait waits until at least one entry is ready or the timeout expires.
//
// Returns nil when at least one entry fired, a [KindTimeout] error when
// the timeout expired, a [KindBounds] error when a descriptor exceeds the
// backend capacity, or a [KindOS] error carrying the native code.
func (sw *SocketWait) Wait(entries []WaitEntry, timeout time.Duration) error {
	for idx := range entries {
		entries[idx].Observed = 0
	}
	t0 := sw.TimeNow()
	count, err := sw.Backend.Wait(entries, timeout)
	err = sw.result(count, err)
	sw.Logger.Debug(
		"socketWait",
		slog.String("backend", sw.Backend.Name()),
		slog.Int("entries", len(entries)),
		slog.Int("ready", count),
		slog.Duration("timeout", timeout),
		slog.Any("err", err),
		slog.String("errClass", sw.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", sw.TimeNow()),
	)
	return err
}

func (sw *SocketWait) result(count int, err error) error {
	var nerr *Error
	switch {
	case errors.As(err, &nerr):
		return nerr
	case err != nil:
		return newError(KindOS, "socketWait", err)
	case count <= 0:
		return newError(KindTimeout, "socketWait", nil)
	default:
		return nil
	}
}

// WaitOne is like [*SocketWait.Wait] for a single entry.
func (sw *SocketWait) WaitOne(entry *WaitEntry, timeout time.Duration) error {
	entries := []WaitEntry{*entry}
	err := sw.Wait(entries, timeout)
	entry.Observed = entries[0].Observed
	return err
}
