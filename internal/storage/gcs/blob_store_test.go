package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type fakeFactory struct {
	client *storage.Client
	err    error
}

func (f fakeFactory) NewClient(context.Context) (*storage.Client, error) {
	return f.client, f.err
}

func jsonResponse(r *http.Request, code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    r,
	}
}

func fakeClient(t *testing.T, rt roundTripperFunc) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: rt}),
	)
	require.NoError(t, err)
	return client
}

func TestDialChecksBucket(t *testing.T) {
	t.Parallel()
	client := fakeClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, "/storage/v1/b/archive")
		return jsonResponse(r, http.StatusOK, `{"name":"archive"}`), nil
	})

	store, err := Dial(context.Background(), Config{Bucket: "archive"}, fakeFactory{client: client})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestDialBucketError(t *testing.T) {
	t.Parallel()
	client := fakeClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusNotFound, `{"error":{"code":404,"message":"no bucket"}}`), nil
	})

	_, err := Dial(context.Background(), Config{Bucket: "missing"}, fakeFactory{client: client})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `get GCS bucket "missing"`)
}

func TestDialFactoryError(t *testing.T) {
	t.Parallel()
	_, err := Dial(context.Background(), Config{Bucket: "b"}, fakeFactory{err: errors.New("no credentials")})
	require.ErrorContains(t, err, "no credentials")
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		body string
	)
	client := fakeClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive/o")
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		body = string(data)
		mu.Unlock()
		return jsonResponse(r, http.StatusOK, `{"name":"events/a.ndjson","bucket":"archive"}`), nil
	})
	store, err := New(client, Config{Bucket: "archive", Metadata: map[string]string{"env": "test"}})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "events/a.ndjson", "application/x-ndjson", strings.NewReader(`{"job_id":"j1"}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive/events/a.ndjson", uri)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, body, `{"job_id":"j1"}`)
	assert.Contains(t, body, "application/x-ndjson")
	assert.Contains(t, body, `"env":"test"`)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()
	client := fakeClient(t, func(r *http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("unexpected request %s", r.URL)
	})
	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)
}
