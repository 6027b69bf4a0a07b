package streambus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, "aurora", "STOP")
}

func TestPublishThenSubscribeDrainsHistory(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "job-1", "line one"))
	require.NoError(t, bus.Publish(ctx, "job-1", "line two"))
	require.NoError(t, bus.Publish(ctx, "job-1", bus.Stopword()))

	out, cancel, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer cancel()

	var got []string
	for msg := range out {
		got = append(got, msg)
	}
	require.Equal(t, []string{"line one", "line two"}, got)
}

func TestSubscribeLiveStopsOnStopword(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	out, cancel, err := bus.Subscribe(ctx, "job-2")
	require.NoError(t, err)
	defer cancel()

	time.Sleep(50 * time.Millisecond) // let the subscription attach
	require.NoError(t, bus.Publish(ctx, "job-2", "hello"))
	require.NoError(t, bus.Publish(ctx, "job-2", bus.Stopword()))

	var got []string
	for msg := range out {
		got = append(got, msg)
	}
	require.Equal(t, []string{"hello"}, got)
}

func TestSweepHistoryDropsOldJobsOnly(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "old-job", "x"))

	// miniredis doesn't fake the clock backwards for us, so rewrite the
	// index score directly to simulate an old publish.
	rdb := bus.rdb
	rdb.ZAdd(ctx, bus.indexKey(), redis.Z{Score: 1, Member: "old-job"})

	require.NoError(t, bus.Publish(ctx, "new-job", "y"))

	removed, err := bus.SweepHistory(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	exists, err := rdb.Exists(ctx, bus.historyKey("old-job")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), exists)

	exists, err = rdb.Exists(ctx, bus.historyKey("new-job")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), exists)
}
