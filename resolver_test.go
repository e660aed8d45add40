// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewResolver populates all fields from Config and the provided logger.
func TestNewResolver(t *testing.T) {
	cfg := NewConfig()
	r := NewResolver(cfg, time.Second, DefaultSLogger())

	require.NotNil(t, r)
	assert.NotNil(t, r.ErrClassifier)
	assert.NotNil(t, r.Logger)
	assert.NotNil(t, r.Lookup)
	assert.NotNil(t, r.TimeNow)
	assert.Equal(t, time.Second, r.Timeout)
	_, ok := r.Current()
	assert.False(t, ok)
}

// The cursor walks the addresses in lookup order and then reports none.
func TestResolverIteration(t *testing.T) {
	cfg := NewConfig()
	cfg.Lookup = staticLookup("10.0.0.1", "2001:db8::1")
	r := NewResolver(cfg, WaitForever, DefaultSLogger())

	require.NoError(t, r.Resolve("example.com", 443))

	addr, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:443"), addr)

	r.Advance()
	addr, ok = r.Current()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("[2001:db8::1]:443"), addr)

	r.Advance()
	_, ok = r.Current()
	assert.False(t, ok)

	r.Advance()
	_, ok = r.Current()
	assert.False(t, ok)
	assert.Len(t, r.Addrs(), 2)
}

// Resolve looks up once until Reset.
func TestResolverResolveOnce(t *testing.T) {
	var calls int
	cfg := NewConfig()
	cfg.Lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		calls++
		return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
	}
	r := NewResolver(cfg, WaitForever, DefaultSLogger())

	require.NoError(t, r.Resolve("example.com", 80))
	require.NoError(t, r.Resolve("example.com", 80))
	assert.Equal(t, 1, calls)

	r.Reset()
	_, ok := r.Current()
	assert.False(t, ok)
	require.NoError(t, r.Resolve("example.com", 80))
	assert.Equal(t, 2, calls)
}

// IP literals bypass the lookup.
func TestResolverIPLiteral(t *testing.T) {
	cfg := NewConfig()
	cfg.Lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		t.Fatal("unexpected lookup")
		return nil, nil
	}
	r := NewResolver(cfg, WaitForever, DefaultSLogger())

	require.NoError(t, r.Resolve("::1", 8080))
	addr, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("[::1]:8080"), addr)
}

// Internationalized names are converted to their ASCII form.
func TestResolverIDNA(t *testing.T) {
	var got string
	cfg := NewConfig()
	cfg.Lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		got = host
		return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
	}
	r := NewResolver(cfg, WaitForever, DefaultSLogger())

	require.NoError(t, r.Resolve("bücher.example", 80))
	assert.Equal(t, "xn--bcher-kva.example", got)
}

// Lookup failures and empty results map to distinct error kinds.
func TestResolverErrors(t *testing.T) {
	wantErr := errors.New("nxdomain")
	cfg := NewConfig()
	cfg.Lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		return nil, wantErr
	}
	logger, records := newCapturingLogger()
	r := NewResolver(cfg, WaitForever, logger)

	err := r.Resolve("example.com", 80)
	require.ErrorIs(t, err, ErrResolve)
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, []string{"resolveStart", "resolveDone"}, recordMessages(*records))

	cfg.Lookup = staticLookup()
	r = NewResolver(cfg, WaitForever, DefaultSLogger())
	err = r.Resolve("example.com", 80)
	require.ErrorIs(t, err, ErrNotConnectable)
	_, ok := r.Current()
	assert.False(t, ok)
}

// The timeout bounds the lookup context.
func TestResolverTimeout(t *testing.T) {
	cfg := NewConfig()
	cfg.Lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
		return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
	}
	r := NewResolver(cfg, time.Minute, DefaultSLogger())
	require.NoError(t, r.Resolve("example.com", 80))
}
