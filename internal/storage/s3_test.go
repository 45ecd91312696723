package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves just enough of the S3 REST API for the adapter, failing the
// first failPuts PUT requests with 503.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]string
	failPuts int
	requests int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++

	key := strings.TrimPrefix(r.URL.Path, "/test-bucket/")
	switch {
	case r.Method == http.MethodPut:
		if f.failPuts > 0 {
			f.failPuts--
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `<Error><Code>SlowDown</Code><Message>busy</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = string(body)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		var sb strings.Builder
		sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><Name>test-bucket</Name><IsTruncated>false</IsTruncated>`)
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				sb.WriteString("<Contents><Key>" + k + "</Key></Contents>")
			}
		}
		sb.WriteString("</ListBucketResult>")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, sb.String())
	case r.Method == http.MethodGet:
		v, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = io.WriteString(w, v)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeS3Store(t *testing.T, fake *fakeS3) *S3Store {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	awsCfg := aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("key", "secret", ""),
	}
	return NewS3StoreFromConfig(awsCfg, S3Config{
		Bucket:          "test-bucket",
		Endpoint:        srv.URL,
		UsePathStyle:    true,
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
	}, nil)
}

func TestS3Store_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string]string{}}
	s := newFakeS3Store(t, fake)

	require.NoError(t, s.Put(ctx, "raw/blog/post", []byte("<html></html>"), "text/html"))

	data, err := s.Get(ctx, "raw/blog/post")
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))

	keys, err := s.List(ctx, "raw/blog/")
	require.NoError(t, err)
	assert.Equal(t, []string{"raw/blog/post"}, keys)

	require.NoError(t, s.Delete(ctx, "raw/blog/post"))
	_, err = s.Get(ctx, "raw/blog/post")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_RetriesTransientErrors(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{}, failPuts: 2}
	s := newFakeS3Store(t, fake)

	require.NoError(t, s.Put(context.Background(), "raw/repo/x", []byte("bundle"), ""))
	assert.Equal(t, 3, fake.requests)
	assert.Equal(t, "bundle", fake.objects["raw/repo/x"])
}

func TestS3Store_GivesUpAfterMaxRetries(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{}, failPuts: 10}
	s := newFakeS3Store(t, fake)

	err := s.Put(context.Background(), "raw/repo/x", []byte("bundle"), "")
	require.Error(t, err)
	assert.Equal(t, 4, fake.requests)
}

func TestS3Store_NotFoundIsNotRetried(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{}}
	s := newFakeS3Store(t, fake)

	_, err := s.Get(context.Background(), "raw/repo/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, fake.requests)
}
