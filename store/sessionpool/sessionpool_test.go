package sessionpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apflow/taskflow/store"
	"github.com/apflow/taskflow/store/memstore"
)

func memFactory(ctx context.Context) (store.Driver, error) {
	return memstore.New(), nil
}

func TestAcquireRelease(t *testing.T) {
	p := New(memFactory, WithLimit(2))
	defer p.Shutdown()

	sess, err := p.Acquire(context.Background(), "tree-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ActiveCount())
	assert.NotNil(t, sess.Driver)

	require.NoError(t, p.Release("tree-1"))
	assert.Equal(t, 0, p.ActiveCount())
}

func TestAcquireOverLimitFailsFast(t *testing.T) {
	p := New(memFactory, WithLimit(1))
	defer p.Shutdown()

	_, err := p.Acquire(context.Background(), "tree-1")
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "tree-2")
	assert.ErrorIs(t, err, ErrSessionLimitExceeded)
}

func TestWithSessionReleasesOnPanic(t *testing.T) {
	p := New(memFactory, WithLimit(1))
	defer p.Shutdown()

	func() {
		defer func() { _ = recover() }()
		_ = p.WithSession(context.Background(), "tree-1", func(store.Driver) error {
			panic("boom")
		})
	}()

	assert.Equal(t, 0, p.ActiveCount())

	_, err := p.Acquire(context.Background(), "tree-2")
	assert.NoError(t, err)
}

func TestIdleEviction(t *testing.T) {
	p := New(memFactory, WithLimit(1), WithIdleTimeout(1*time.Millisecond))
	defer p.Shutdown()

	_, err := p.Acquire(context.Background(), "tree-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	// The next acquisition attempt reaps the expired session first, so
	// it succeeds even though the pool's limit is 1.
	_, err = p.Acquire(context.Background(), "tree-2")
	assert.NoError(t, err)
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	p := New(memFactory)
	defer p.Shutdown()
	assert.NoError(t, p.Release("does-not-exist"))
}
