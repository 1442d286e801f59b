package remoteblob_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/filesync-core/internal/remoteblob"
)

func TestNew_RequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := remoteblob.New(context.Background(), remoteblob.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestNew_FailsFastWhenBucketUnreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Nothing listens on 127.0.0.1:1; HeadBucket must fail and New must
	// surface that instead of deferring it to the first real transfer.
	_, err := remoteblob.New(ctx, remoteblob.Config{
		Bucket:         "test-bucket",
		Region:         "us-east-1",
		Endpoint:       "http://127.0.0.1:1",
		ForcePathStyle: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access bucket")
}
