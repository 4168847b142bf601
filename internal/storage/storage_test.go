package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listResponse = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>media</Name>
  <Prefix>batches/</Prefix>
  <KeyCount>2</KeyCount>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>batches/one/a.mp4</Key><Size>10</Size><LastModified>2024-05-01T10:00:00.000Z</LastModified></Contents>
  <Contents><Key>batches/one/b.mp4</Key><Size>20</Size><LastModified>2024-05-02T10:00:00.000Z</LastModified></Contents>
</ListBucketResult>`

type fakeS3 struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]int
}

func newFakeS3(t *testing.T) (*fakeS3, *S3Service) {
	t.Helper()
	fake := &fakeS3{bodies: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fake.mu.Lock()
		fake.requests = append(fake.requests, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPut {
			fake.bodies[r.URL.Path] = len(body)
		}
		fake.mu.Unlock()

		if r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2" {
			w.Header().Set("Content-Type", "application/xml")
			_, _ = io.WriteString(w, listResponse)
			return
		}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	})
	return fake, NewS3Service(client)
}

func TestUploadFile(t *testing.T) {
	fake, svc := newFakeS3(t)
	local := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(local, []byte("0123456789"), 0o644))

	var calls [][2]int64
	location, err := svc.UploadFile(context.Background(), local, UploadOptions{
		Bucket:    "media",
		KeyPrefix: "/batches/one/",
		ProgressCallback: func(done, total int64) {
			calls = append(calls, [2]int64{done, total})
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "s3://media/batches/one/clip.mp4", location)
	assert.Contains(t, fake.requests, "PUT /media/batches/one/clip.mp4")
	require.NotEmpty(t, calls)
	assert.Equal(t, [2]int64{0, 10}, calls[0])
	assert.Equal(t, [2]int64{10, 10}, calls[len(calls)-1])
}

func TestUploadFileValidates(t *testing.T) {
	_, svc := newFakeS3(t)

	_, err := svc.UploadFile(context.Background(), "x", UploadOptions{})
	assert.ErrorContains(t, err, "bucket")

	_, err = svc.UploadFile(context.Background(), t.TempDir(), UploadOptions{Bucket: "media"})
	assert.ErrorContains(t, err, "must be a file")
}

func TestListObjects(t *testing.T) {
	_, svc := newFakeS3(t)

	objects, err := svc.ListObjects(context.Background(), "media", "batches/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "batches/one/a.mp4", objects[0].Key)
	assert.Equal(t, int64(20), objects[1].Size)
	require.NotNil(t, objects[0].LastModified)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), objects[0].LastModified.UTC())

	_, err = svc.ListObjects(context.Background(), "", "")
	assert.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "a.mp4", ObjectKey("", "/tmp/a.mp4"))
	assert.Equal(t, "p/q/a.mp4", ObjectKey("/p/q/", "/tmp/a.mp4"))
}

type stubService struct {
	Service
	opts  UploadOptions
	local string
}

func (s *stubService) UploadFile(_ context.Context, localPath string, opts UploadOptions) (string, error) {
	s.local = localPath
	s.opts = opts
	opts.ProgressCallback(0, 2048)
	opts.ProgressCallback(2048, 2048)
	return "s3://" + opts.Bucket + "/" + ObjectKey(opts.KeyPrefix, localPath), nil
}

func TestPublisherScopesKeysAndLogs(t *testing.T) {
	logger, hook := test.NewNullLogger()
	svc := &stubService{}

	pub, err := NewPublisher(svc, "media", "vidfetch", logger)
	require.NoError(t, err)

	location, err := pub.Scoped("batch-1").PublishFile(context.Background(), "/data/out/movie.mp4")
	require.NoError(t, err)

	assert.Equal(t, "s3://media/vidfetch/batch-1/movie.mp4", location)
	assert.Equal(t, "vidfetch/batch-1", svc.opts.KeyPrefix)
	assert.Equal(t, "vidfetch", pub.KeyPrefix())

	var lines []string
	for _, entry := range hook.AllEntries() {
		assert.Equal(t, logrus.InfoLevel, entry.Level)
		lines = append(lines, entry.Message)
	}
	assert.True(t, strings.HasSuffix(lines[len(lines)-1], "2.0 kB / 2.0 kB"), lines)
}

func TestNewPublisherValidates(t *testing.T) {
	_, err := NewPublisher(nil, "media", "", nil)
	assert.Error(t, err)
	_, err = NewPublisher(&stubService{}, "", "", nil)
	assert.Error(t, err)
}
