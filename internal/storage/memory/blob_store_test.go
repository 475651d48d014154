package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"id":"j1"}`)
	uri, err := store.PutObject(context.Background(), "jobs/j1.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://jobs/j1.json", uri)

	payload[0] = 'X'
	data, contentType, ok := store.Object("jobs/j1.json")
	require.True(t, ok)
	require.Equal(t, `{"id":"j1"}`, string(data))
	require.Equal(t, "application/json", contentType)
	require.Equal(t, []string{"jobs/j1.json"}, store.Paths())
}

func TestBlobStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
