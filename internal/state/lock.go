package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/stackform-io/stackform/internal/logging"
)

// LockInfo identifies the holder of a state lock. It is stored alongside
// the lock record so a blocked operator can see who they are waiting on.
type LockInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Operation string    `json:"operation"`
	Who       string    `json:"who"`
	Created   time.Time `json:"created"`
}

// NewLockInfo returns a LockInfo for the given operation with a fresh ID
// and the current user@host as the holder.
func NewLockInfo(operation string) *LockInfo {
	who := "unknown"
	if u := os.Getenv("USER"); u != "" {
		who = u
	}
	if host, err := os.Hostname(); err == nil {
		who = who + "@" + host
	}

	return &LockInfo{
		ID:        uuid.NewString(),
		Operation: operation,
		Who:       who,
		Created:   time.Now().UTC(),
	}
}

// Marshal returns the JSON encoding of the lock info.
func (l *LockInfo) Marshal() []byte {
	data, _ := json.Marshal(l)
	return data
}

func (l *LockInfo) String() string {
	return fmt.Sprintf("Lock Info:\n  ID:        %s\n  Path:      %s\n  Operation: %s\n  Who:       %s\n  Created:   %s",
		l.ID, l.Path, l.Operation, l.Who, l.Created.Format(time.RFC3339))
}

// LockRetryPolicy bounds how long a mutating operation waits for the lock.
type LockRetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultLockRetryPolicy returns the retry policy used by apply/destroy.
func DefaultLockRetryPolicy() *LockRetryPolicy {
	return &LockRetryPolicy{
		MaxAttempts: 6,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// LockWithRetry attempts to acquire the backend lock, retrying with
// exponential backoff and jitter while the lock is busy. Retries are
// bounded; when attempts are exhausted the returned error wraps
// ErrLockTimeout and carries the current holder's info when known.
// Errors other than ErrBusy are returned immediately.
func LockWithRetry(ctx context.Context, b Backend, info *LockInfo, policy *LockRetryPolicy) (string, error) {
	if policy == nil {
		policy = DefaultLockRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		id, err := b.Lock(ctx, info)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrBusy) {
			return "", err
		}
		lastErr = err

		if attempt < policy.MaxAttempts-1 {
			delay := lockBackoff(attempt, policy.BaseDelay, policy.MaxDelay)
			logging.Debug("state lock busy, retrying", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("lock acquisition cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	var lockErr *LockError
	if errors.As(lastErr, &lockErr) && lockErr.Info != nil {
		return "", &LockError{Err: fmt.Errorf("%w after %d attempts", ErrLockTimeout, policy.MaxAttempts), Info: lockErr.Info}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrLockTimeout, policy.MaxAttempts)
}

// lockBackoff returns exponential backoff with full jitter.
func lockBackoff(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(rand.Float64() * backoff)
}
