package state

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy means the lock is currently held by another holder.
	// Callers may retry; see LockWithRetry.
	ErrBusy = errors.New("state is locked by another holder")

	// ErrLockTimeout means lock retries were exhausted without success.
	ErrLockTimeout = errors.New("timed out waiting for state lock")

	// ErrConflict means the state document changed between read and write
	// even though the lock was held. This indicates a lock bypass or a bug
	// and is fatal to the operation; it is never resolved automatically.
	ErrConflict = errors.New("state version changed underneath the held lock")

	// ErrWrongOwner means an unlock was attempted with an ID that does not
	// match the current holder. The lock record is left untouched.
	ErrWrongOwner = errors.New("lock is held by a different owner")
)

// LockError wraps a lock failure together with whatever could be learned
// about the current holder, so the operator can decide whether a
// force-unlock is safe.
type LockError struct {
	Err  error
	Info *LockInfo
}

func (e *LockError) Error() string {
	if e.Info != nil {
		return fmt.Sprintf("%s\n%s", e.Err, e.Info)
	}
	return e.Err.Error()
}

func (e *LockError) Unwrap() error {
	return e.Err
}
