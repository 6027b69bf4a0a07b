package enforcer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/auroraproxy/aurora/pkg/queue"
	"github.com/auroraproxy/aurora/pkg/storage"
	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestEnforcer(t *testing.T) (*Enforcer, storage.Store, *queue.Queue, *redis.Client) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb, nil, time.Minute)

	return New(store, q), store, q, rdb
}

func TestEvaluateReturnsNoActionBelowQuota(t *testing.T) {
	action := Evaluate(Policy{Quota: 1000, QuotaAction: types.ActionDeleteRule}, 500)
	require.Equal(t, types.ActionNoAction, action)
}

func TestEvaluateExpiryWinsOverQuota(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	action := Evaluate(Policy{
		Quota:       1000,
		QuotaAction: types.ActionSpeedLimit1M,
		ValidUntil:  &past,
		DueAction:   types.ActionDeleteRule,
	}, 2000) // also over quota
	require.Equal(t, types.ActionDeleteRule, action)
}

func TestEvaluateQuotaFiresWhenNotExpired(t *testing.T) {
	future := time.Now().Add(time.Hour)
	action := Evaluate(Policy{
		Quota:       1000,
		QuotaAction: types.ActionSpeedLimit1M,
		ValidUntil:  &future,
		DueAction:   types.ActionDeleteRule,
	}, 2000)
	require.Equal(t, types.ActionSpeedLimit1M, action)
}

func TestEvaluatePortEnqueuesCleanPortOnDeleteAction(t *testing.T) {
	e, store, q, rdb := newTestEnforcer(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1"}))
	require.NoError(t, store.CreatePort(&types.Port{
		ID: "port-1", ServerID: "srv-1", Num: 8080,
		Config: types.PortConfig{ValidUntil: &past, DueAction: types.ActionDeleteRule},
	}))
	require.NoError(t, store.CreateForwardRule(&types.ForwardRule{ID: "rule-1", PortID: "port-1", Method: types.MethodIPTABLES}))

	require.NoError(t, e.EvaluatePort(ctx, "port-1"))

	// The forward rule row itself is dropped by CleanPort, not here —
	// enforcer only enqueues the cleanup once it confirms one exists.
	_, err := store.GetForwardRule("rule-1")
	require.NoError(t, err)

	ids, err := rdb.ZRange(ctx, "aurora:queue:ready", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	job, err := q.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, JobCleanPort, job.Name)
}

func TestEvaluatePortSpeedLimitIsIdempotent(t *testing.T) {
	e, store, _, rdb := newTestEnforcer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1"}))
	require.NoError(t, store.CreatePort(&types.Port{
		ID: "port-1", ServerID: "srv-1", Num: 8080,
		Config: types.PortConfig{Quota: 100, QuotaAction: types.ActionSpeedLimit1M},
	}))

	require.NoError(t, e.applyPortAction(ctx, mustGetPort(t, store, "port-1"), types.ActionSpeedLimit1M))
	port := mustGetPort(t, store, "port-1")
	require.Equal(t, int64(1000), port.EgressLimit)

	ids, err := rdb.ZRange(ctx, "aurora:queue:ready", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// Re-applying the same tier must be a no-op: no second job enqueued
	// (invariant 7).
	require.NoError(t, e.applyPortAction(ctx, port, types.ActionSpeedLimit1M))
	port = mustGetPort(t, store, "port-1")
	require.Equal(t, int64(1000), port.EgressLimit)

	ids, err = rdb.ZRange(ctx, "aurora:queue:ready", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func mustGetPort(t *testing.T, store storage.Store, id string) *types.Port {
	t.Helper()
	port, err := store.GetPort(id)
	require.NoError(t, err)
	return port
}
