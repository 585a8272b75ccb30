package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	headFn func(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
	getFn  func(*s3.GetObjectInput) (*s3.GetObjectOutput, error)
	putFn  func(*s3.PutObjectInput) (*s3.PutObjectOutput, error)
	aclFn  func(*s3.PutObjectAclInput) (*s3.PutObjectAclOutput, error)
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return f.headFn(params)
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return f.getFn(params)
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return f.putFn(params)
}

func (f *fakeS3) PutObjectAcl(_ context.Context, params *s3.PutObjectAclInput, _ ...func(*s3.Options)) (*s3.PutObjectAclOutput, error) {
	return f.aclFn(params)
}

func TestS3Store_VersionURL(t *testing.T) {
	t.Parallel()

	store := NewS3StoreWithClient(nil, "updates", "us-east-1")

	url := store.VersionURL("release/B2/p.mar", "abc123")
	require.Equal(t,
		"https://updates.s3.us-east-1.amazonaws.com/release/B2/p.mar?versionId=abc123",
		url)
}

func TestS3Store_Head(t *testing.T) {
	t.Parallel()

	client := &fakeS3{
		headFn: func(params *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			require.Equal(t, "updates", aws.ToString(params.Bucket))
			require.Equal(t, "release/B2/p.mar", aws.ToString(params.Key))

			return &s3.HeadObjectOutput{
				VersionId:     aws.String("v-head"),
				ContentLength: aws.Int64(42),
			}, nil
		},
	}

	store := NewS3StoreWithClient(client, "updates", "us-east-1")

	info, err := store.Head(context.Background(), "release/B2/p.mar")
	require.NoError(t, err)
	require.Equal(t, "v-head", info.VersionID)
	require.EqualValues(t, 42, info.Size)

	client.headFn = func(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
		return nil, &types.NotFound{}
	}

	_, err = store.Head(context.Background(), "release/B2/p.mar")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_CreateExclusive(t *testing.T) {
	t.Parallel()

	client := &fakeS3{
		putFn: func(params *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			require.Equal(t, "*", aws.ToString(params.IfNoneMatch))
			require.Equal(t, "application/octet-stream", aws.ToString(params.ContentType))
			require.EqualValues(t, 7, aws.ToInt64(params.ContentLength))

			return &s3.PutObjectOutput{VersionId: aws.String("v-new")}, nil
		},
	}

	store := NewS3StoreWithClient(client, "updates", "us-east-1")

	info, err := store.CreateExclusive(context.Background(), "k", strings.NewReader("content"), 7)
	require.NoError(t, err)
	require.Equal(t, "v-new", info.VersionID)

	for _, code := range []string{"PreconditionFailed", "ConditionalRequestConflict"} {
		client.putFn = func(*s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: code}
		}

		_, err = store.CreateExclusive(context.Background(), "k", strings.NewReader("content"), 7)
		require.ErrorIs(t, err, ErrExists, code)
	}
}

func TestS3Store_SetPublicRead(t *testing.T) {
	t.Parallel()

	client := &fakeS3{
		aclFn: func(params *s3.PutObjectAclInput) (*s3.PutObjectAclOutput, error) {
			require.Equal(t, types.ObjectCannedACLPublicRead, params.ACL)
			require.Equal(t, "v-new", aws.ToString(params.VersionId))

			return &s3.PutObjectAclOutput{}, nil
		},
	}

	store := NewS3StoreWithClient(client, "updates", "us-east-1")
	require.NoError(t, store.SetPublicRead(context.Background(), "k", "v-new"))
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	require.True(t, isNotFound(&types.NotFound{}))
	require.True(t, isNotFound(&types.NoSuchKey{}))
	require.True(t, isNotFound(&smithy.GenericAPIError{Code: "NotFound"}))
	require.True(t, isNotFound(fmt.Errorf("wrapped: %w", &types.NoSuchKey{})))
	require.False(t, isNotFound(errors.New("connection reset")))

	require.True(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "PreconditionFailed"}))
	require.True(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "ConditionalRequestConflict"}))
	require.False(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "AccessDenied"}))
	require.False(t, isPreconditionFailed(errors.New("connection reset")))
}
