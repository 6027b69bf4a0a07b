package ddns

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/auroraproxy/aurora/pkg/dns"
	"github.com/auroraproxy/aurora/pkg/queue"
	"github.com/auroraproxy/aurora/pkg/storage"
	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, override string) (*Watcher, storage.Store, *redis.Client) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb, nil, time.Minute)

	return New(store, dns.NewResolver(override), q), store, rdb
}

func TestSweepSkipsLiteralAddress(t *testing.T) {
	w, store, rdb := newTestWatcher(t, "")
	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1"}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 8080}))
	require.NoError(t, store.CreateForwardRule(&types.ForwardRule{
		ID: "rule-1", PortID: "port-1", Method: types.MethodIPTABLES,
		Config: types.RuleConfig{RemoteAddress: "203.0.113.5", RemoteIP: "203.0.113.5"},
	}))

	require.NoError(t, w.Sweep(context.Background()))

	n, err := rdb.ZCard(context.Background(), "aurora:queue:ready").Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestSweepSkipsNonDDNSMethod(t *testing.T) {
	w, store, rdb := newTestWatcher(t, "")
	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1"}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 8080}))
	require.NoError(t, store.CreateForwardRule(&types.ForwardRule{
		ID: "rule-1", PortID: "port-1", Method: types.MethodV2Ray,
		Config: types.RuleConfig{RemoteAddress: "example.invalid", RemoteIP: "198.51.100.1"},
	}))

	require.NoError(t, w.Sweep(context.Background()))

	n, err := rdb.ZCard(context.Background(), "aurora:queue:ready").Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestSweepEnqueuesReconcileOnAddressChange(t *testing.T) {
	// A literal address is never re-queried, so the rule uses the
	// non-literal name "localhost", which the OS resolver answers from
	// the hosts file as 127.0.0.1 — different from the cached remote_ip,
	// so the comparison/persist/enqueue path runs.
	w, store, rdb := newTestWatcher(t, "")
	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1"}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 8080}))
	require.NoError(t, store.CreateForwardRule(&types.ForwardRule{
		ID: "rule-1", PortID: "port-1", Method: types.MethodIPTABLES,
		Config: types.RuleConfig{RemoteAddress: "localhost", RemoteIP: "203.0.113.1"},
	}))

	require.NoError(t, w.Sweep(context.Background()))

	rule, err := store.GetForwardRule("rule-1")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", rule.Config.RemoteIP)

	ids, err := rdb.ZRange(context.Background(), "aurora:queue:ready", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestSweepSkipsRuleWithoutPriorResolution(t *testing.T) {
	w, store, rdb := newTestWatcher(t, "")
	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1"}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 8080}))
	require.NoError(t, store.CreateForwardRule(&types.ForwardRule{
		ID: "rule-1", PortID: "port-1", Method: types.MethodIPTABLES,
		Config: types.RuleConfig{RemoteAddress: "example.invalid"}, // no RemoteIP yet
	}))

	require.NoError(t, w.Sweep(context.Background()))

	n, err := rdb.ZCard(context.Background(), "aurora:queue:ready").Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}
