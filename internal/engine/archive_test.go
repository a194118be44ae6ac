package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryArchiver_ArchiveAndFetchRoundTrips(t *testing.T) {
	archiver := NewInMemoryArchiver()
	ctx := context.Background()

	ref, err := archiver.Archive(ctx, "exec-1", "stdout", []byte("hello world"))
	require.NoError(t, err)

	data, err := archiver.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestInMemoryArchiver_FetchUnknownRefFails(t *testing.T) {
	archiver := NewInMemoryArchiver()
	_, err := archiver.Fetch(context.Background(), "mem://missing/stdout")
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInternalError, kind)
}

func TestParseS3Ref(t *testing.T) {
	bucket, key, err := parseS3Ref("s3://my-bucket/execs/exec-1/stdout.log")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "execs/exec-1/stdout.log", key)

	_, _, err = parseS3Ref("not-a-ref")
	assert.Error(t, err)
}
