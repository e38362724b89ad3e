package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaharov/caljournal/internal/common"
)

func TestMemoryBackend_PutGetMetadata(t *testing.T) {
	m := NewMemoryBackend(nil)
	ctx := context.Background()

	md, err := m.Metadata(ctx)
	require.NoError(t, err)
	assert.False(t, md.Exists)

	_, err = m.Get(ctx)
	require.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, m.Put(ctx, []byte("blob-1")))

	data, err := m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-1"), data)

	md, err = m.Metadata(ctx)
	require.NoError(t, err)
	assert.True(t, md.Exists)

	assert.Equal(t, 4, m.Calls())
}

func TestMemoryBackend_Seed(t *testing.T) {
	m := NewMemoryBackend(nil)
	at := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	m.Seed([]byte("seeded"), at)

	// Seeding is test arrangement, not a counted network call.
	assert.Equal(t, 0, m.Calls())

	md, err := m.Metadata(context.Background())
	require.NoError(t, err)
	assert.True(t, md.Exists)
	assert.True(t, md.LastModified.Equal(at))
}

func TestMemoryBackend_ForcedFailures(t *testing.T) {
	m := NewMemoryBackend(nil)
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, []byte("blob")))

	m.FailPuts = true
	require.ErrorIs(t, m.Put(ctx, []byte("x")), common.ErrNetwork)
	// The stored blob is untouched by a failed put.
	m.FailPuts = false
	data, err := m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)

	m.FailGets = true
	_, err = m.Get(ctx)
	require.ErrorIs(t, err, common.ErrNetwork)
	_, err = m.Metadata(ctx)
	require.ErrorIs(t, err, common.ErrNetwork)
}
