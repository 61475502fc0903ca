package lock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexfi/financial-core/internal/core"
)

// fakeLocker is an in-memory Locker used to test WithLock's contract without
// a Redis instance, per the Locker interface's own doc comment.
type fakeLocker struct {
	held     map[string]bool
	released []string
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (f *fakeLocker) Acquire(ctx context.Context, opts Options) (Lock, error) {
	if f.held[opts.Key] {
		return nil, core.New(core.KindLockUnavail, "", "lock held")
	}
	f.held[opts.Key] = true
	return &fakeLock{f: f, key: opts.Key}, nil
}

type fakeLock struct {
	f   *fakeLocker
	key string
}

func (l *fakeLock) Key() string { return l.key }
func (l *fakeLock) Release(ctx context.Context) error {
	delete(l.f.held, l.key)
	l.f.released = append(l.f.released, l.key)
	return nil
}

func TestWithLockRunsAndReleases(t *testing.T) {
	f := newFakeLocker()
	ran := false
	err := WithLock(context.Background(), f, Options{Key: "user:1:create_deposit"}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"user:1:create_deposit"}, f.released)
	assert.False(t, f.held["user:1:create_deposit"])
}

func TestWithLockReleasesEvenOnFnError(t *testing.T) {
	f := newFakeLocker()
	boom := errors.New("boom")
	err := WithLock(context.Background(), f, Options{Key: "plex_monitoring"}, func(ctx context.Context) error {
		return boom
	})
	assert.Equal(t, boom, err)
	assert.False(t, f.held["plex_monitoring"])
}

func TestWithLockPropagatesAcquireFailure(t *testing.T) {
	f := newFakeLocker()
	f.held["deposit_monitoring"] = true
	called := false
	err := WithLock(context.Background(), f, Options{Key: "deposit_monitoring"}, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestKeyPrefixSplitsOnFirstColon(t *testing.T) {
	assert.Equal(t, "user", keyPrefix("user:42:create_deposit"))
	assert.Equal(t, "nonce_lock", keyPrefix("nonce_lock:0xabc123"))
	assert.Equal(t, "deposit_monitoring", keyPrefix("deposit_monitoring"))
}
