package cli

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/provider"
	"github.com/stackform-io/stackform/internal/state"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{name: "nil", input: nil, expected: "null"},
		{name: "string quoted", input: "hello", expected: `"hello"`},
		{name: "int", input: 42, expected: "42"},
		{name: "bool", input: true, expected: "true"},
		{name: "map", input: map[string]any{"a": "b"}, expected: "map[a:b]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatValue(tt.input))
		})
	}
}

func TestLoadRequiredProviders(t *testing.T) {
	reg := provider.NewRegistry()
	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Type: "null:Resource", Name: "a", Provider: "null"},
			{Type: "null:Resource", Name: "b", Provider: "null"},
		},
	}

	require.NoError(t, loadRequiredProviders(reg, cfg))
	_, err := reg.Get("null")
	assert.NoError(t, err)
}

func TestLoadRequiredProviders_Unknown(t *testing.T) {
	reg := provider.NewRegistry()
	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Type: "gcp:Thing", Name: "a", Provider: "gcp"},
		},
	}

	err := loadRequiredProviders(reg, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gcp")
}

func TestRunLockedOperation_ReleasesLockOnError(t *testing.T) {
	backend := state.NewInMemBackend()

	opErr := errors.New("boom")
	err := runLockedOperation(context.Background(), backend, "apply", func(ctx context.Context, current *ir.State, tag state.VersionTag) error {
		// The lock must be held while the operation runs.
		holder, err := backend.ReadLock(ctx)
		require.NoError(t, err)
		require.NotNil(t, holder)
		assert.Equal(t, "apply", holder.Operation)
		return opErr
	})
	require.ErrorIs(t, err, opErr)

	// And released afterwards, even though the operation failed.
	holder, err := backend.ReadLock(context.Background())
	require.NoError(t, err)
	assert.Nil(t, holder)
}

// strictBackend rejects writes on a cancelled context, the way the
// SDK-backed s3 backend does.
type strictBackend struct {
	state.Backend
}

func (b *strictBackend) Write(ctx context.Context, st *ir.State, tag state.VersionTag) (state.VersionTag, error) {
	if err := ctx.Err(); err != nil {
		return state.NoVersion, err
	}
	return b.Backend.Write(ctx, st, tag)
}

func TestWritePartialState_SurvivesInterrupt(t *testing.T) {
	backend := &strictBackend{Backend: state.NewInMemBackend()}

	parent, interrupt := context.WithCancel(context.Background())

	err := runLockedOperation(parent, backend, "apply", func(ctx context.Context, current *ir.State, tag state.VersionTag) error {
		// Interrupt arrives after the first change has landed but
		// before the run finishes.
		interrupt()

		current.Resources = append(current.Resources, &ir.ResourceState{
			Type: "null:Resource", Name: "done", Provider: "null",
			Outputs: map[string]any{"id": "null-done"},
		})
		current.Serial++

		if werr := writePartialState(backend, current, tag); werr != nil {
			return fmt.Errorf("apply failed: %w (partial state could not be saved: %v)", ctx.Err(), werr)
		}
		return fmt.Errorf("apply failed: %w", ctx.Err())
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "could not be saved")

	// The completed change was persisted despite the cancelled run
	// context, and the lock was released.
	stored, _, rerr := backend.Read(context.Background())
	require.NoError(t, rerr)
	assert.Equal(t, 1, stored.Serial)
	require.Len(t, stored.Resources, 1)
	assert.Equal(t, "null:Resource.done", stored.Resources[0].Addr())

	holder, rerr := backend.ReadLock(context.Background())
	require.NoError(t, rerr)
	assert.Nil(t, holder)
}

func TestRunLockedOperation_BusyLockSurfacesHolder(t *testing.T) {
	lockRetryPolicy = &state.LockRetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	defer func() { lockRetryPolicy = nil }()

	backend := state.NewInMemBackend()

	info := state.NewLockInfo("apply")
	_, err := backend.Lock(context.Background(), info)
	require.NoError(t, err)

	err = runLockedOperation(context.Background(), backend, "apply", func(ctx context.Context, current *ir.State, tag state.VersionTag) error {
		t.Fatal("operation must not run without the lock")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), info.ID)
	assert.Contains(t, err.Error(), "force-unlock")
}
