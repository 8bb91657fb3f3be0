package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_MutualExclusion(t *testing.T) {
	b := NewInMemBackend()
	ctx := context.Background()

	infoA := NewLockInfo("apply")
	idA, err := b.Lock(ctx, infoA)
	require.NoError(t, err)
	assert.Equal(t, infoA.ID, idA)

	// A second acquisition must fail with Busy and surface the holder.
	infoB := NewLockInfo("apply")
	_, err = b.Lock(ctx, infoB)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBusy))

	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	require.NotNil(t, lockErr.Info)
	assert.Equal(t, infoA.ID, lockErr.Info.ID)
}

func TestLock_ReentrantSameHolder(t *testing.T) {
	b := NewInMemBackend()
	ctx := context.Background()

	info := NewLockInfo("apply")
	id, err := b.Lock(ctx, info)
	require.NoError(t, err)

	// The holder re-acquiring its own lock succeeds; everyone else
	// still gets Busy.
	again, err := b.Lock(ctx, info)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = b.Lock(ctx, NewLockInfo("apply"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBusy))
}

func TestLock_ReleaseThenAcquire(t *testing.T) {
	b := NewInMemBackend()
	ctx := context.Background()

	infoA := NewLockInfo("apply")
	idA, err := b.Lock(ctx, infoA)
	require.NoError(t, err)
	require.NoError(t, b.Unlock(ctx, idA))

	infoB := NewLockInfo("apply")
	idB, err := b.Lock(ctx, infoB)
	require.NoError(t, err)
	assert.Equal(t, infoB.ID, idB)
}

func TestLock_SequentialHandoff(t *testing.T) {
	// Client A locks, writes, unlocks. Client B then locks, reads A's
	// write, writes its own, unlocks. Both writes must land.
	b := NewInMemBackend()
	ctx := context.Background()

	infoA := NewLockInfo("apply")
	idA, err := b.Lock(ctx, infoA)
	require.NoError(t, err)

	stateA, tagA, err := b.Read(ctx)
	require.NoError(t, err)
	stateA.Outputs = map[string]any{"written_by": "A"}
	stateA.Serial++
	_, err = b.Write(ctx, stateA, tagA)
	require.NoError(t, err)
	require.NoError(t, b.Unlock(ctx, idA))

	infoB := NewLockInfo("apply")
	idB, err := b.Lock(ctx, infoB)
	require.NoError(t, err)

	stateB, tagB, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", stateB.Outputs["written_by"])

	stateB.Outputs["written_by"] = "B"
	stateB.Serial++
	_, err = b.Write(ctx, stateB, tagB)
	require.NoError(t, err)
	require.NoError(t, b.Unlock(ctx, idB))

	final, _, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", final.Outputs["written_by"])
	assert.Equal(t, 2, final.Serial)
}

func TestLock_ConcurrentAcquire_OneWinner(t *testing.T) {
	b := NewInMemBackend()
	ctx := context.Background()

	const contenders = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Lock(ctx, NewLockInfo("apply")); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestUnlock_WrongOwner(t *testing.T) {
	b := NewInMemBackend()
	ctx := context.Background()

	infoA := NewLockInfo("apply")
	_, err := b.Lock(ctx, infoA)
	require.NoError(t, err)

	err = b.Unlock(ctx, "some-other-id")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWrongOwner))

	// The lock record must be untouched.
	holder, err := b.ReadLock(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, infoA.ID, holder.ID)
}

func TestForceUnlock_ThenAcquire(t *testing.T) {
	b := NewInMemBackend()
	ctx := context.Background()

	_, err := b.Lock(ctx, NewLockInfo("apply"))
	require.NoError(t, err)

	require.NoError(t, b.ForceUnlock(ctx))

	holder, err := b.ReadLock(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)

	_, err = b.Lock(ctx, NewLockInfo("apply"))
	require.NoError(t, err)
}

func TestLockWithRetry_EventuallyAcquires(t *testing.T) {
	b := NewInMemBackend()
	ctx := context.Background()

	infoA := NewLockInfo("apply")
	idA, err := b.Lock(ctx, infoA)
	require.NoError(t, err)

	// Release the lock while a second client is retrying.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = b.Unlock(context.Background(), idA)
	}()

	policy := &LockRetryPolicy{MaxAttempts: 20, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	infoB := NewLockInfo("apply")
	idB, err := LockWithRetry(ctx, b, infoB, policy)
	require.NoError(t, err)
	assert.Equal(t, infoB.ID, idB)
}

func TestLockWithRetry_TimeoutCarriesHolder(t *testing.T) {
	b := NewInMemBackend()
	ctx := context.Background()

	infoA := NewLockInfo("apply")
	_, err := b.Lock(ctx, infoA)
	require.NoError(t, err)

	policy := &LockRetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	_, err = LockWithRetry(ctx, b, NewLockInfo("apply"), policy)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))

	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	require.NotNil(t, lockErr.Info)
	assert.Equal(t, infoA.ID, lockErr.Info.ID)
}

func TestLockWithRetry_CancelledContext(t *testing.T) {
	b := NewInMemBackend()

	_, err := b.Lock(context.Background(), NewLockInfo("apply"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := &LockRetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	_, err = LockWithRetry(ctx, b, NewLockInfo("apply"), policy)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
