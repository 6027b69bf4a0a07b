package reconciler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/auroraproxy/aurora/pkg/connector"
	"github.com/auroraproxy/aurora/pkg/dns"
	"github.com/auroraproxy/aurora/pkg/storage"
	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakeConn is a Conn that records every command it is asked to run and
// never touches the network.
type fakeConn struct {
	mu          sync.Mutex
	commands    []string
	failOn      string // a command substring that returns an error
	osRelease   string
	unitsOutput string // canned response for a `systemctl list-units` command
}

func (f *fakeConn) Run(ctx context.Context, cmd string, publish bool) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	if f.failOn != "" && strings.Contains(cmd, f.failOn) {
		return "", &types.RemoteStepError{Err: context.DeadlineExceeded}
	}
	if strings.Contains(cmd, "list-units") {
		return f.unitsOutput, nil
	}
	return "", nil
}

func (f *fakeConn) EnsureFile(ctx context.Context, content []byte, remotePath, mode string) error {
	return nil
}

func (f *fakeConn) EnsureFolder(ctx context.Context, remotePath string) error { return nil }

func (f *fakeConn) OSRelease(ctx context.Context) (string, error) {
	if f.osRelease == "" {
		return "ID=ubuntu\nVERSION_ID=\"22.04\"\n", nil
	}
	return f.osRelease, nil
}

func (f *fakeConn) JournalTail(ctx context.Context, unit string, n int) (string, error) {
	return "aurora@8080.service: failed to bind", nil
}

func (f *fakeConn) CombinedUsage(ctx context.Context) (string, error) {
	return "0.10 0.05 0.01 1/200 123\n512/2048MB\n12%", nil
}

func (f *fakeConn) CPUUsage(ctx context.Context) (string, error) {
	return "0.10 0.05 0.01 1/200 123", nil
}

func (f *fakeConn) MemoryUsage(ctx context.Context) (string, error) {
	return "512/2048MB", nil
}

func (f *fakeConn) DiskUsage(ctx context.Context) (string, error) {
	return "12%", nil
}

func (f *fakeConn) Close() error { return nil }

func newTestReconciler(t *testing.T, conn *fakeConn) (*Reconciler, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := New(store, dns.NewResolver(""), nil, nil, 5*time.Second)
	r.WithOpenFunc(func(ctx context.Context, server *types.Server, creds connector.Credentials, timeout time.Duration) (Conn, error) {
		return conn, nil
	})
	return r, store
}

func seedIPTablesRule(t *testing.T, store storage.Store) {
	t.Helper()
	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1", Host: "10.0.0.1", User: "root"}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 8080}))
	require.NoError(t, store.CreateForwardRule(&types.ForwardRule{
		ID:     "rule-1",
		PortID: "port-1",
		Method: types.MethodIPTABLES,
		Status: types.RuleStatusPending,
		Config: types.RuleConfig{RemoteAddress: "203.0.113.5", RemoteIP: "203.0.113.5", RemotePort: 9090},
	}))
}

func TestReconcileRuleRunsInstallFilterAndProbesFacts(t *testing.T) {
	conn := &fakeConn{}
	r, store := newTestReconciler(t, conn)
	seedIPTablesRule(t, store)

	require.NoError(t, r.ReconcileRule(context.Background(), "rule-1", "job-1"))

	rule, err := store.GetForwardRule("rule-1")
	require.NoError(t, err)
	require.Equal(t, types.RuleStatusRunning, rule.Status)
	require.Equal(t, "job-1", rule.Config.Runner)
	require.Empty(t, rule.Config.Error)

	server, err := store.GetServer("srv-1")
	require.NoError(t, err)
	require.True(t, server.Config.Initialized)
	require.Equal(t, "ubuntu", server.Config.System["ID"])

	require.Condition(t, func() bool {
		for _, cmd := range conn.commands {
			if strings.Contains(cmd, translatorIPTablesHelperPath) {
				return true
			}
		}
		return false
	})
}

func TestReconcileRuleFailureRecordsJournalMessage(t *testing.T) {
	conn := &fakeConn{failOn: translatorIPTablesHelperPath}
	r, store := newTestReconciler(t, conn)
	seedIPTablesRule(t, store)

	err := r.ReconcileRule(context.Background(), "rule-1", "job-1")
	require.Error(t, err)

	rule, err2 := store.GetForwardRule("rule-1")
	require.NoError(t, err2)
	require.Equal(t, types.RuleStatusFailed, rule.Status)
	require.Equal(t, "failed to bind", rule.Config.Error)
}

// TestUpdateForwardRuleStatusRejectsStaleStarting exercises invariant 4
// directly against the store the Reconciler relies on: once a rule is
// running, a late "starting" write (e.g. from a retried, already
// superseded job) must not regress its status.
func TestUpdateForwardRuleStatusRejectsStaleStarting(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	seedIPTablesRule(t, store)

	require.NoError(t, store.UpdateForwardRuleStatus("rule-1", types.RuleStatusRunning))
	require.NoError(t, store.UpdateForwardRuleStatus("rule-1", types.RuleStatusStarting))

	rule, err := store.GetForwardRule("rule-1")
	require.NoError(t, err)
	require.Equal(t, types.RuleStatusRunning, rule.Status)
}

// TestKeyedMutexSerializesPerServer asserts two concurrent holders of the
// same key never overlap, while two different keys proceed independently.
func TestKeyedMutexSerializesPerServer(t *testing.T) {
	var km keyedMutex
	var active int32
	var sawOverlap int32

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.lock("srv-1")
			defer unlock()
			if atomic.AddInt32(&active, 1) > 1 {
				atomic.StoreInt32(&sawOverlap, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	require.Zero(t, sawOverlap)
}

func TestKeyedMutexAllowsDifferentKeysConcurrently(t *testing.T) {
	var km keyedMutex
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]time.Duration, 2)

	for i := 0; i < 2; i++ {
		i := i
		key := "srv-1"
		if i == 1 {
			key = "srv-2"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			t0 := time.Now()
			unlock := km.lock(key)
			defer unlock()
			time.Sleep(20 * time.Millisecond)
			results[i] = time.Since(t0)
		}()
	}
	close(start)
	wg.Wait()
	// Neither goroutine should have waited on the other's lock: both
	// should complete close to the single sleep duration, not stacked.
	for _, d := range results {
		require.Less(t, d, 60*time.Millisecond)
	}
}

// translatorIPTablesHelperPath mirrors translator.IPTablesHelperPath to
// avoid importing the translator package purely for a string constant in
// test assertions.
const translatorIPTablesHelperPath = "/usr/local/bin/iptables.sh"
