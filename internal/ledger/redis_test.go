package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JasonSnail/FECP/internal/types"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	r := NewRedisFromClient(client, WithPrefix("test:ledger:"))
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedis_AppendAndQuery(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, r.Append(ctx,
		record("r1", "F12345", 1, base),
		record("r2", "F12345", 2, base.Add(time.Second)),
	))
	require.NoError(t, r.Append(ctx, record("r3", "F54321", 1, base)))

	records, err := r.QueryByEntity(ctx, "F12345", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "r2", records[1].ID)

	records, err = r.QueryByEntity(ctx, "F99999", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRedis_TimeWindowFilter(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, r.Append(ctx,
			record("r"+string(rune('1'+i)), "F12345", uint64(i+1), base.Add(time.Duration(i)*time.Minute))))
	}

	records, err := r.QueryByEntity(ctx, "F12345", base.Add(time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(2), records[0].Seq)
}

func TestRedis_ReplayCoversAllEntities(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, r.Append(ctx, record("r2", "F54321", 1, base.Add(time.Second))))
	require.NoError(t, r.Append(ctx, record("r1", "F12345", 1, base)))

	records, err := r.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "r2", records[1].ID)
}

// TestRedis_BatchAppendIsAtomic 整批写入要么全部可见，要么全部不可见
func TestRedis_BatchAppendIsAtomic(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	base := time.Now()

	batch := []types.TransitionRecord{
		record("r1", "F12345", 1, base),
		record("r2", "F12345", 2, base.Add(time.Second)),
		record("r3", "F12345", 3, base.Add(2*time.Second)),
	}
	require.NoError(t, r.Append(ctx, batch...))

	records, err := r.QueryByEntity(ctx, "F12345", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, records, 3)

	require.NoError(t, r.Append(ctx))
	records, err = r.QueryByEntity(ctx, "F12345", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, records, 3)
}
