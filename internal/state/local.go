package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
)

// LocalBackend stores the state document as a JSON file next to the
// configuration. The lock is a sidecar file created exclusively; it has
// no expiry, so a crashed holder's lock must be cleared with
// force-unlock.
type LocalBackend struct {
	path string
}

func NewLocalBackend(path string) *LocalBackend {
	return &LocalBackend{path: path}
}

func (b *LocalBackend) Read(ctx context.Context) (*ir.State, VersionTag, error) {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return ir.NewState(), NoVersion, nil
	}
	if err != nil {
		return nil, NoVersion, fmt.Errorf("failed to read state file %s: %w", b.path, err)
	}

	plain, err := DecryptState(raw)
	if err != nil {
		return nil, NoVersion, fmt.Errorf("failed to decrypt state: %w", err)
	}

	var state ir.State
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, NoVersion, fmt.Errorf("failed to parse state file %s: %w", b.path, err)
	}

	return &state, contentTag(plain), nil
}

func (b *LocalBackend) Write(ctx context.Context, state *ir.State, expected VersionTag) (VersionTag, error) {
	current := NoVersion
	if raw, err := os.ReadFile(b.path); err == nil {
		plain, err := DecryptState(raw)
		if err != nil {
			return NoVersion, fmt.Errorf("failed to decrypt current state: %w", err)
		}
		current = contentTag(plain)
	} else if !os.IsNotExist(err) {
		return NoVersion, fmt.Errorf("failed to read current state: %w", err)
	}

	if current != expected {
		return NoVersion, fmt.Errorf("%w: expected %q, found %q", ErrConflict, expected, current)
	}

	plain, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return NoVersion, fmt.Errorf("failed to serialize state: %w", err)
	}
	plain = append(plain, '\n')

	data, err := EncryptState(plain)
	if err != nil {
		return NoVersion, fmt.Errorf("failed to encrypt state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return NoVersion, fmt.Errorf("failed to create state directory: %w", err)
	}

	// Write-then-rename so a crash mid-write cannot truncate the document.
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return NoVersion, fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return NoVersion, fmt.Errorf("failed to replace state file: %w", err)
	}

	return contentTag(plain), nil
}

func (b *LocalBackend) Lock(ctx context.Context, info *LockInfo) (string, error) {
	lockPath := b.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create lock directory: %w", err)
	}

	info.Path = lockPath

	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			holder, readErr := b.ReadLock(ctx)
			if readErr != nil {
				return "", &LockError{Err: ErrBusy}
			}
			// Reentry by the current holder succeeds.
			if holder != nil && holder.ID == info.ID {
				return info.ID, nil
			}
			return "", &LockError{Err: ErrBusy, Info: holder}
		}
		return "", fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(info.Marshal()); err != nil {
		os.Remove(lockPath)
		return "", fmt.Errorf("failed to write lock file: %w", err)
	}

	return info.ID, nil
}

func (b *LocalBackend) Unlock(ctx context.Context, id string) error {
	holder, err := b.ReadLock(ctx)
	if err != nil {
		return err
	}
	if holder == nil {
		return fmt.Errorf("no lock is held on %s", b.path)
	}
	if holder.ID != id {
		return &LockError{Err: ErrWrongOwner, Info: holder}
	}

	if err := os.Remove(b.lockPath()); err != nil {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (b *LocalBackend) ReadLock(ctx context.Context) (*LockInfo, error) {
	raw, err := os.ReadFile(b.lockPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	var info LockInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file %s: %w", b.lockPath(), err)
	}
	return &info, nil
}

func (b *LocalBackend) ForceUnlock(ctx context.Context) error {
	logging.Warn("force-unlock bypasses mutual exclusion; only use when the holder is gone", "path", b.lockPath())
	if err := os.Remove(b.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (b *LocalBackend) lockPath() string {
	return b.path + ".lock"
}

// contentTag derives the version tag for a state payload.
func contentTag(plain []byte) VersionTag {
	sum := sha256.Sum256(plain)
	return VersionTag(hex.EncodeToString(sum[:]))
}
