package requestedfile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnasr/torreclou/pkg/types"
)

func TestInMemoryReader_Get(t *testing.T) {
	r := NewInMemoryReader()
	r.Put(&RequestedFile{ID: 1, TorrentPath: "/torrents/a.torrent", ProviderHint: types.ProviderS3})

	got, err := r.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "/torrents/a.torrent", got.TorrentPath)
	assert.Equal(t, types.ProviderS3, got.ProviderHint)
}

func TestInMemoryReader_GetMissing(t *testing.T) {
	r := NewInMemoryReader()
	_, err := r.Get(context.Background(), 99)
	assert.Error(t, err)
}
