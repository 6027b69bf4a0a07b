package collector

import (
	"context"
	"testing"
	"time"

	"github.com/auroraproxy/aurora/pkg/connector"
	"github.com/auroraproxy/aurora/pkg/storage"
	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	output string
}

func (f *fakeConn) Run(ctx context.Context, cmd string, publish bool) (string, error) {
	return f.output, nil
}

func (f *fakeConn) Close() error { return nil }

func newTestCollector(t *testing.T, output string) (*Collector, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := New(store, time.Second).WithOpenFunc(func(ctx context.Context, server *types.Server, creds connector.Credentials, timeout time.Duration) (Conn, error) {
		return &fakeConn{output: output}, nil
	})
	return c, store
}

func TestCollectServerAccumulatesAcrossPasses(t *testing.T) {
	output := "10 5000 -m comment --comment \"/* DOWNLOAD 8080-> */\"\n" +
		"10 2000 -m comment --comment \"/* UPLOAD 8080-> */\"\n"

	c, store := newTestCollector(t, output)
	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1"}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 8080}))

	require.NoError(t, c.CollectServer(context.Background(), "srv-1", false))

	usage, err := store.GetPortUsage("port-1")
	require.NoError(t, err)
	require.Equal(t, int64(5000), usage.Download)
	require.Equal(t, int64(2000), usage.Upload)
	require.Equal(t, int64(0), usage.DownloadAccumulate) // accumulate=false: baseline untouched

	// A second pass with an unchanged raw reading re-applies the same
	// totals: nothing else touched the row between snapshot and write,
	// so the checkpoint still matches and the (identical) delta applies.
	require.NoError(t, c.CollectServer(context.Background(), "srv-1", false))
	usage, err = store.GetPortUsage("port-1")
	require.NoError(t, err)
	require.Equal(t, int64(5000), usage.Download)
}

func TestCollectServerAccumulateFreezesBaseline(t *testing.T) {
	output := "10 5000 -m comment --comment \"/* DOWNLOAD 8080-> */\"\n"
	c, store := newTestCollector(t, output)
	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1"}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 8080}))

	require.NoError(t, c.CollectServer(context.Background(), "srv-1", true))

	usage, err := store.GetPortUsage("port-1")
	require.NoError(t, err)
	require.Equal(t, int64(5000), usage.Download)
	require.Equal(t, int64(5000), usage.DownloadAccumulate)
}

// TestUpdatePortUsageDiscardsStaleDelta reproduces host-counter-reset
// divergence: a pass snapshots the checkpoint, then before it writes back
// a second pass (e.g. CleanPort's final accumulate) rebases the row onto
// a fresh checkpoint. The first pass's delta must be discarded rather
// than applied on top of the already-rolled-forward baseline, or the
// rebased bytes would be double-counted.
func TestUpdatePortUsageDiscardsStaleDelta(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	c := &Collector{store: store}

	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 8080}))

	// Pass A snapshots the empty checkpoint, then a concurrent pass B (the
	// host's counters having reset) rebases the row with accumulate=true
	// before pass A writes.
	snapshotForPassA := ""
	_, err = c.updatePortUsage("port-1", "", directionalUsage{Download: 200, Upload: 50}, true)
	require.NoError(t, err)

	usage, err := store.GetPortUsage("port-1")
	require.NoError(t, err)
	require.Equal(t, int64(200), usage.Download)
	require.Equal(t, int64(200), usage.DownloadAccumulate)

	// Pass A's stale reading from before the reset now arrives; its
	// snapshot no longer matches the row's current checkpoint, so the
	// delta must be dropped rather than folded onto the rebased baseline.
	_, err = c.updatePortUsage("port-1", snapshotForPassA, directionalUsage{Download: 9999, Upload: 9999}, false)
	require.NoError(t, err)

	usage, err = store.GetPortUsage("port-1")
	require.NoError(t, err)
	require.Equal(t, int64(200), usage.Download, "stale delta must not overwrite the rebased baseline")
	require.Equal(t, int64(200), usage.DownloadAccumulate)
}

func TestParseTrafficSumsMultipleLinesPerPort(t *testing.T) {
	output := "1 100 /* DOWNLOAD 80-> */\n2 200 /* DOWNLOAD-UDP 80-> */\n3 50 /* UPLOAD 80-> */\n"
	totals := parseTraffic(output)
	require.Equal(t, int64(300), totals[80].Download)
	require.Equal(t, int64(50), totals[80].Upload)
}
