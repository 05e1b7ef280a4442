package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "recipes", Prefix: "/media/"})
	require.NoError(t, err)
	require.Equal(t, "media", store.prefix)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	s := &BlobStore{bucket: "recipes", prefix: "media"}
	name, err := s.objectName("/thumbnails/job-1/thumb.jpg")
	require.NoError(t, err)
	require.Equal(t, "media/thumbnails/job-1/thumb.jpg", name)

	s.prefix = ""
	name, err = s.objectName("uploads/a.png")
	require.NoError(t, err)
	require.Equal(t, "uploads/a.png", name)

	_, err = s.objectName("  ")
	require.Error(t, err)
}
