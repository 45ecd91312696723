//go:build integration

package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestS3Store_MinIO(t *testing.T) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:RELEASE.2025-04-22T22-12-26Z",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	awsCfg := aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("minioadmin", "minioadmin", ""),
	}
	s := NewS3StoreFromConfig(awsCfg, S3Config{
		Bucket:       "content",
		Endpoint:     fmt.Sprintf("http://%s:%s", host, port.Port()),
		UsePathStyle: true,
	}, nil)

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("content")})
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "raw/notebook/intro", []byte(`{"cells":[]}`), "application/json"))
	require.NoError(t, s.Put(ctx, "raw/notebook/advanced", []byte(`{"cells":[]}`), "application/json"))

	keys, err := s.List(ctx, RawPrefix("notebook"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"raw/notebook/intro", "raw/notebook/advanced"}, keys)

	data, err := s.Get(ctx, "raw/notebook/intro")
	require.NoError(t, err)
	assert.JSONEq(t, `{"cells":[]}`, string(data))

	require.NoError(t, s.Delete(ctx, "raw/notebook/intro"))
	_, err = s.Get(ctx, "raw/notebook/intro")
	assert.ErrorIs(t, err, ErrNotFound)
}
