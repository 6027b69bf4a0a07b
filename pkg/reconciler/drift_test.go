package reconciler

import (
	"context"
	"testing"

	"github.com/auroraproxy/aurora/pkg/storage"
	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/stretchr/testify/require"
)

// seedServiceBackedRule seeds a running rule whose method requires a
// systemd unit (unlike MethodIPTABLES, which is kernel-only and never
// tracked by DetectDrift).
func seedServiceBackedRule(t *testing.T, store storage.Store) {
	t.Helper()
	require.NoError(t, store.CreateServer(&types.Server{ID: "srv-1", Host: "10.0.0.1", User: "root"}))
	require.NoError(t, store.CreatePort(&types.Port{ID: "port-1", ServerID: "srv-1", Num: 9999}))
	require.NoError(t, store.CreateForwardRule(&types.ForwardRule{
		ID:     "rule-1",
		PortID: "port-1",
		Method: types.MethodGOST,
		Status: types.RuleStatusRunning,
	}))
}

// TestDetectDriftReenqueuesMissingUnit exercises the self-healing sweep: a
// rule the store considers "running" whose on-host unit isn't active
// anymore must be re-queued for reconciliation.
func TestDetectDriftReenqueuesMissingUnit(t *testing.T) {
	conn := &fakeConn{unitsOutput: "aurora@8080.service loaded active running Aurora port 8080\n"}
	r, store := newTestReconciler(t, conn)
	seedServiceBackedRule(t, store)

	var reenqueued []string
	err := r.DetectDrift(context.Background(), "srv-1", func(ctx context.Context, ruleID string) error {
		reenqueued = append(reenqueued, ruleID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"rule-1"}, reenqueued)
}

// TestDetectDriftSkipsActiveUnit confirms a rule whose unit is reported
// active on-host is left alone.
func TestDetectDriftSkipsActiveUnit(t *testing.T) {
	conn := &fakeConn{unitsOutput: "aurora@9999.service loaded active running Aurora port 9999\n"}
	r, store := newTestReconciler(t, conn)
	seedServiceBackedRule(t, store)

	var reenqueued []string
	err := r.DetectDrift(context.Background(), "srv-1", func(ctx context.Context, ruleID string) error {
		reenqueued = append(reenqueued, ruleID)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, reenqueued)
}
