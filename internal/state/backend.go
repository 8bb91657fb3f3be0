package state

import (
	"context"
	"fmt"

	"github.com/stackform-io/stackform/internal/ir"
)

// VersionTag is an opaque marker for one stored version of the state
// document. Write only succeeds when the backend's current version still
// matches the tag returned by the preceding Read; this is the optimistic
// concurrency layer underneath the mutual-exclusion lock.
type VersionTag string

// NoVersion is the tag returned when no state document exists yet.
// Writing with NoVersion asserts the document is still absent.
const NoVersion = VersionTag("")

// Backend is the pair of state store and lock coordinator for one
// environment. Reads without the lock are allowed for diagnostics but
// must never feed a write.
type Backend interface {
	// Read fetches the current state document and its version tag.
	// A missing document is returned as an empty initial state with
	// NoVersion, never as an error.
	Read(ctx context.Context) (*ir.State, VersionTag, error)

	// Write stores the state document, conditional on the backend's
	// current version matching expected. Returns the new version tag,
	// or an error wrapping ErrConflict if the condition failed.
	Write(ctx context.Context, state *ir.State, expected VersionTag) (VersionTag, error)

	// Lock acquires the mutual-exclusion lock, recording info as the
	// holder. Returns the lock ID on success or an error wrapping
	// ErrBusy (as a *LockError when holder info is available).
	Lock(ctx context.Context, info *LockInfo) (string, error)

	// Unlock releases the lock identified by id. Fails with ErrWrongOwner
	// if the current holder's ID differs; the record is left in place.
	Unlock(ctx context.Context, id string) error

	// ReadLock inspects the current lock record without side effects.
	// Returns nil when no lock is held.
	ReadLock(ctx context.Context) (*LockInfo, error)

	// ForceUnlock deletes the lock record unconditionally. It bypasses
	// mutual exclusion and is for operator recovery only.
	ForceUnlock(ctx context.Context) error
}

// Config selects and parameterizes a state backend.
type Config struct {
	Type   string            `json:"type"` // "local", "s3", "inmem"
	Config map[string]string `json:"config"`
}

// NewBackend constructs a state backend from configuration. A nil config
// falls back to a local backend at defaultPath.
func NewBackend(cfg *Config, defaultPath string) (Backend, error) {
	if cfg == nil {
		return NewLocalBackend(defaultPath), nil
	}

	switch cfg.Type {
	case "local", "":
		path := cfg.Config["path"]
		if path == "" {
			path = defaultPath
		}
		return NewLocalBackend(path), nil
	case "s3":
		return newS3Backend(cfg.Config)
	case "inmem":
		return NewInMemBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
