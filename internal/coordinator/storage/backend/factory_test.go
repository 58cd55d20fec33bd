package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage/memory"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage/redis"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage/sqlite"
)

func TestNewFastStore(t *testing.T) {
	ctx := context.Background()

	fs, err := NewFastStore(ctx, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &memory.FastStore{}, fs)
	_ = fs.Close()

	mr := miniredis.RunT(t)
	fs, err = NewFastStore(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	assert.IsType(t, &redis.FastStore{}, fs)
	_ = fs.Close()

	_, err = NewFastStore(ctx, "memcached://localhost")
	assert.Error(t, err)
	_, err = NewFastStore(ctx, "")
	assert.Error(t, err)
}

func TestNewDurableStore(t *testing.T) {
	ctx := context.Background()

	ds, err := NewDurableStore(ctx, "memory://", "p")
	require.NoError(t, err)
	assert.IsType(t, &memory.DurableStore{}, ds)

	path := filepath.Join(t.TempDir(), "coord.db")
	ds, err = NewDurableStore(ctx, "sqlite://"+path, "p")
	require.NoError(t, err)
	assert.IsType(t, &sqlite.DurableStore{}, ds)
	_ = ds.Close()

	_, err = NewDurableStore(ctx, "mysql://x", "p")
	assert.Error(t, err)
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "redis", scheme("REDIS://host:6379"))
	assert.Equal(t, "", scheme("no-scheme"))
	assert.Equal(t, "", scheme("://x"))
}
