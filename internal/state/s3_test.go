package state

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3BackendRequiresBucket(t *testing.T) {
	_, err := newS3Backend(map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestNewS3BackendDefaults(t *testing.T) {
	config := map[string]string{
		"bucket": "my-bucket",
	}
	b, err := newS3Backend(config)
	// May fail on AWS config load in CI without credentials, which is expected
	if err != nil {
		t.Skipf("Skipping S3 backend test (no AWS credentials): %v", err)
	}
	s3b, ok := b.(*s3Backend)
	require.True(t, ok)
	assert.Equal(t, "my-bucket", s3b.bucket)
	assert.Equal(t, "stackform/state.json", s3b.key)
	assert.Equal(t, "us-east-1", s3b.region)
	assert.Empty(t, s3b.lockTable)
	assert.False(t, s3b.encrypt)
}

func TestNewS3BackendCustomConfig(t *testing.T) {
	config := map[string]string{
		"bucket":     "custom-bucket",
		"key":        "custom/path/state.json",
		"region":     "eu-west-1",
		"lock_table": "stackform-locks",
		"encrypt":    "true",
		"profile":    "staging",
	}
	b, err := newS3Backend(config)
	if err != nil {
		t.Skipf("Skipping S3 backend test (no AWS credentials): %v", err)
	}
	s3b, ok := b.(*s3Backend)
	require.True(t, ok)
	assert.Equal(t, "custom-bucket", s3b.bucket)
	assert.Equal(t, "custom/path/state.json", s3b.key)
	assert.Equal(t, "eu-west-1", s3b.region)
	assert.Equal(t, "stackform-locks", s3b.lockTable)
	assert.True(t, s3b.encrypt)
}

func TestIsPreconditionFailed(t *testing.T) {
	// A conditional put that loses the version race comes back as a 412.
	pcf := &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	assert.True(t, isPreconditionFailed(pcf))
	assert.True(t, isPreconditionFailed(fmt.Errorf("operation error S3: PutObject: %w", pcf)))

	crc := &smithy.GenericAPIError{Code: "ConditionalRequestConflict", Message: "A conflicting conditional operation is in progress"}
	assert.True(t, isPreconditionFailed(crc))

	assert.False(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}))
	assert.False(t, isPreconditionFailed(errors.New("connection reset by peer")))
}
