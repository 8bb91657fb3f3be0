package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
)

const contentTypeJSON = "application/json"

// s3Backend stores the state document as a versioned S3 object and
// coordinates mutating operations through a DynamoDB lock table.
//
// The version tag is the object's ETag; Write performs a conditional put
// (If-Match) so a stale tag can never overwrite newer content. The lock
// is a conditional item insert keyed by the state path; it carries no
// TTL, so an orphaned lock requires force-unlock.
type s3Backend struct {
	bucket    string
	key       string
	region    string
	lockTable string
	encrypt   bool
	profile   string

	s3Client *s3.Client
	dbClient *dynamodb.Client
}

func newS3Backend(config map[string]string) (Backend, error) {
	bucket := config["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires 'bucket' configuration")
	}

	key := config["key"]
	if key == "" {
		key = "stackform/state.json"
	}

	region := config["region"]
	if region == "" {
		region = "us-east-1"
	}

	b := &s3Backend{
		bucket:    bucket,
		key:       key,
		region:    region,
		lockTable: config["lock_table"],
		encrypt:   config["encrypt"] == "true",
		profile:   config["profile"],
	}

	if err := b.initClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize s3 backend: %w", err)
	}

	return b, nil
}

func (b *s3Backend) initClients() error {
	ctx := context.Background()

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(b.region)}
	if b.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(b.profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}

	b.s3Client = s3.NewFromConfig(cfg)
	if b.lockTable != "" {
		b.dbClient = dynamodb.NewFromConfig(cfg)
	} else {
		logging.Warn("no lock_table configured; state locking is disabled", "bucket", b.bucket, "key", b.key)
	}

	return nil
}

func (b *s3Backend) Read(ctx context.Context) (*ir.State, VersionTag, error) {
	out, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return ir.NewState(), NoVersion, nil
		}
		return nil, NoVersion, fmt.Errorf("failed to read state from s3://%s/%s: %w", b.bucket, b.key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, NoVersion, fmt.Errorf("failed to read S3 object body: %w", err)
	}

	plain, err := DecryptState(raw)
	if err != nil {
		return nil, NoVersion, fmt.Errorf("failed to decrypt remote state: %w", err)
	}

	var state ir.State
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, NoVersion, fmt.Errorf("failed to parse remote state: %w", err)
	}

	return &state, VersionTag(aws.ToString(out.ETag)), nil
}

func (b *s3Backend) Write(ctx context.Context, state *ir.State, expected VersionTag) (VersionTag, error) {
	plain, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return NoVersion, fmt.Errorf("failed to serialize state: %w", err)
	}
	plain = append(plain, '\n')

	data, err := EncryptState(plain)
	if err != nil {
		return NoVersion, fmt.Errorf("failed to encrypt state: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentTypeJSON),
		ContentLength: aws.Int64(int64(len(data))),
	}

	// Conditional put: If-Match on the tag from the preceding Read, or
	// assert absence for the first write of a new environment.
	if expected == NoVersion {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(string(expected))
	}

	if b.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	out, err := b.s3Client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			return NoVersion, fmt.Errorf("%w: s3://%s/%s no longer matches version %q", ErrConflict, b.bucket, b.key, expected)
		}
		return NoVersion, fmt.Errorf("failed to write state to s3://%s/%s: %w", b.bucket, b.key, err)
	}

	return VersionTag(aws.ToString(out.ETag)), nil
}

func (b *s3Backend) Lock(ctx context.Context, info *LockInfo) (string, error) {
	if b.dbClient == nil {
		logging.Debug("locking disabled, proceeding without lock", "key", b.key)
		return info.ID, nil
	}

	info.Path = b.lockPath()

	_, err := b.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.lockTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: b.lockPath()},
			"ID":      &dbtypes.AttributeValueMemberS{Value: info.ID},
			"Info":    &dbtypes.AttributeValueMemberS{Value: string(info.Marshal())},
			"Created": &dbtypes.AttributeValueMemberS{Value: info.Created.Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			holder, infoErr := b.ReadLock(ctx)
			if infoErr != nil {
				logging.Warn("failed to read holder of busy lock", "error", infoErr)
				return "", &LockError{Err: ErrBusy}
			}
			// Reentry by the current holder succeeds.
			if holder != nil && holder.ID == info.ID {
				return info.ID, nil
			}
			return "", &LockError{Err: ErrBusy, Info: holder}
		}
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}

	return info.ID, nil
}

func (b *s3Backend) Unlock(ctx context.Context, id string) error {
	if b.dbClient == nil {
		return nil
	}

	holder, err := b.ReadLock(ctx)
	if err != nil {
		return err
	}
	if holder == nil {
		return fmt.Errorf("no lock is held for %s", b.lockPath())
	}
	if holder.ID != id {
		return &LockError{Err: ErrWrongOwner, Info: holder}
	}

	// Conditional delete guards against racing a force-unlock plus a
	// fresh acquire between the read above and this call.
	_, err = b.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.lockTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.lockPath()},
		},
		ConditionExpression: aws.String("ID = :id"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":id": &dbtypes.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return &LockError{Err: ErrWrongOwner}
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

func (b *s3Backend) ReadLock(ctx context.Context) (*LockInfo, error) {
	if b.dbClient == nil {
		return nil, nil
	}

	out, err := b.dbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.lockTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.lockPath()},
		},
		ProjectionExpression: aws.String("LockID, Info"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read lock record: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var infoJSON string
	if v, ok := out.Item["Info"].(*dbtypes.AttributeValueMemberS); ok {
		infoJSON = v.Value
	}
	if infoJSON == "" {
		return nil, fmt.Errorf("lock record for %s has no holder info", b.lockPath())
	}

	var info LockInfo
	if err := json.Unmarshal([]byte(infoJSON), &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock info: %w", err)
	}
	return &info, nil
}

func (b *s3Backend) ForceUnlock(ctx context.Context) error {
	if b.dbClient == nil {
		return nil
	}

	logging.Warn("force-unlock bypasses mutual exclusion; only use when the holder is gone",
		"table", b.lockTable, "lock_id", b.lockPath())

	_, err := b.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.lockTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.lockPath()},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete lock record: %w", err)
	}
	return nil
}

// lockPath is the DynamoDB partition key for this environment's lock,
// shared by all holders contending for the same state document.
func (b *s3Backend) lockPath() string {
	return b.bucket + "/" + b.key
}

// isPreconditionFailed matches the 412 a conditional S3 put returns when
// the object no longer carries the expected ETag.
func isPreconditionFailed(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		if code == "PreconditionFailed" || code == "ConditionalRequestConflict" {
			return true
		}
	}
	return strings.Contains(err.Error(), "PreconditionFailed")
}
