package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
)

// InMemBackend keeps the state document and lock record in process
// memory. It honors the full Backend contract, including conditional
// writes and lock ownership, and exists for tests and throwaway runs.
type InMemBackend struct {
	mu   sync.Mutex
	data []byte
	tag  VersionTag
	lock *LockInfo
}

func NewInMemBackend() *InMemBackend {
	return &InMemBackend{}
}

func (b *InMemBackend) Read(ctx context.Context) (*ir.State, VersionTag, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return ir.NewState(), NoVersion, nil
	}

	var state ir.State
	if err := json.Unmarshal(b.data, &state); err != nil {
		return nil, NoVersion, fmt.Errorf("failed to parse stored state: %w", err)
	}
	return &state, b.tag, nil
}

func (b *InMemBackend) Write(ctx context.Context, state *ir.State, expected VersionTag) (VersionTag, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tag != expected {
		return NoVersion, fmt.Errorf("%w: expected %q, found %q", ErrConflict, expected, b.tag)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return NoVersion, fmt.Errorf("failed to serialize state: %w", err)
	}

	b.data = data
	b.tag = contentTag(data)
	return b.tag, nil
}

func (b *InMemBackend) Lock(ctx context.Context, info *LockInfo) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lock != nil {
		// Reentry by the current holder succeeds.
		if b.lock.ID == info.ID {
			return info.ID, nil
		}
		holder := *b.lock
		return "", &LockError{Err: ErrBusy, Info: &holder}
	}

	held := *info
	b.lock = &held
	return info.ID, nil
}

func (b *InMemBackend) Unlock(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lock == nil {
		return fmt.Errorf("no lock is held")
	}
	if b.lock.ID != id {
		holder := *b.lock
		return &LockError{Err: ErrWrongOwner, Info: &holder}
	}

	b.lock = nil
	return nil
}

func (b *InMemBackend) ReadLock(ctx context.Context) (*LockInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lock == nil {
		return nil, nil
	}
	holder := *b.lock
	return &holder, nil
}

func (b *InMemBackend) ForceUnlock(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	logging.Warn("force-unlock bypasses mutual exclusion; only use when the holder is gone")
	b.lock = nil
	return nil
}
