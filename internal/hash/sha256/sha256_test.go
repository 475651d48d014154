package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherFullDigest(t *testing.T) {
	t.Parallel()

	h := New(0)
	got := h.Hash([]byte("hello world"))
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	require.Equal(t, got, h.Hash([]byte("hello world")))
}

func TestHasherTruncates(t *testing.T) {
	t.Parallel()

	require.Equal(t, "b94d27b9934d3e08", New(16).Hash([]byte("hello world")))
	require.Len(t, New(99).Hash(nil), 64)
}
