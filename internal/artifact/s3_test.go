package artifact

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is a path-style object store that understands PUT, HEAD and DELETE.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Bucket requests carry a trailing slash; object keys never do.
	key := strings.TrimSuffix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = string(body)
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3(t *testing.T) (*S3, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("key", "secret", ""),
	})
	return newS3WithClient(client, S3Options{Bucket: "exports", Prefix: "exports", URLTTL: time.Minute}), fake
}

func TestS3CommitUploadsOnce(t *testing.T) {
	ctx := context.Background()
	sink, fake := newTestS3(t)

	w, err := sink.Create(ctx, "job-1", "voters.csv", "text/csv")
	require.NoError(t, err)
	_, err = io.WriteString(w, "name\nAsha\n")
	require.NoError(t, err)

	fake.mu.Lock()
	assert.Empty(t, fake.objects, "nothing is visible before commit")
	fake.mu.Unlock()

	a, err := w.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s3://exports/exports/job-1/voters.csv", a.Location)
	assert.EqualValues(t, 10, a.SizeBytes)

	fake.mu.Lock()
	assert.Contains(t, fake.objects, "/exports/exports/job-1/voters.csv")
	fake.mu.Unlock()
}

func TestS3ResolvePresigns(t *testing.T) {
	ctx := context.Background()
	sink, fake := newTestS3(t)
	fake.objects["/exports/exports/job-1/voters.csv"] = "x"

	d, err := sink.Resolve(ctx, "s3://exports/exports/job-1/voters.csv", "voters.csv")
	require.NoError(t, err)
	assert.Empty(t, d.Path)
	assert.Contains(t, d.URL, "/exports/exports/job-1/voters.csv")
	assert.True(t, strings.Contains(d.URL, "X-Amz-Expires=60"), d.URL)

	_, err = sink.Resolve(ctx, "s3://exports/exports/job-9/missing.csv", "missing.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3DeleteAndAbort(t *testing.T) {
	ctx := context.Background()
	sink, fake := newTestS3(t)
	fake.objects["/exports/exports/job-1/voters.csv"] = "x"

	require.NoError(t, sink.Delete(ctx, "s3://exports/exports/job-1/voters.csv"))
	assert.Empty(t, fake.objects)

	w, err := sink.Create(ctx, "job-2", "voters.csv", "text/csv")
	require.NoError(t, err)
	require.NoError(t, w.Abort(ctx))
	assert.Empty(t, fake.objects)
}
