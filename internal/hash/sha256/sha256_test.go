package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHashShardsByDigestPrefix(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b9/"+helloDigest, got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)

	other, err := h.Hash([]byte("hello world!"))
	require.NoError(t, err)
	require.NotEqual(t, got, other)
}

func TestHashShardWidth(t *testing.T) {
	t.Parallel()

	cases := []struct {
		width int
		want  string
	}{
		{0, helloDigest},
		{-3, helloDigest},
		{4, "b94d/" + helloDigest},
		{20, "b94d27b9/" + helloDigest},
	}
	for _, tc := range cases {
		got, err := NewWithShardWidth(tc.width).Hash([]byte("hello world"))
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "width %d", tc.width)
	}
}

func TestHashRejectsEmptyContent(t *testing.T) {
	t.Parallel()

	_, err := New().Hash(nil)
	require.Error(t, err)
}
