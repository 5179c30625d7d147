package storage

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) StorageService {
	t.Helper()
	svc, err := NewStorageService(context.Background(), ServiceConfig{
		S3BucketName:      "attachments",
		S3Endpoint:        "http://127.0.0.1:9000",
		S3AccessKeyID:     "test-access",
		S3SecretAccessKey: "test-secret",
	})
	require.NoError(t, err)
	return svc
}

func TestPresignUploadIsScopedToKey(t *testing.T) {
	svc := newTestService(t)

	raw, err := svc.PresignUpload(context.Background(), "R1/abc.png", "image/png", 1024, 5*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", u.Host)
	assert.Equal(t, "/attachments/R1/abc.png", u.Path)
	assert.Equal(t, "300", u.Query().Get("X-Amz-Expires"))
	assert.Contains(t, u.Query().Get("X-Amz-SignedHeaders"), "content-type")
}

func TestPresignDownload(t *testing.T) {
	svc := newTestService(t)

	raw, err := svc.PresignDownload(context.Background(), "R1/abc.png", time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/attachments/R1/abc.png", u.Path)
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}
