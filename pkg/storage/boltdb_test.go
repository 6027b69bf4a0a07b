package storage

import (
	"testing"

	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreatePort_DuplicateNumberOnSameServerConflicts(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreatePort(&types.Port{ID: "p1", ServerID: "s1", Num: 8080}))

	err := store.CreatePort(&types.Port{ID: "p2", ServerID: "s1", Num: 8080})
	var conflict *types.ConflictError
	assert.ErrorAs(t, err, &conflict)

	// Same number on a different server is fine.
	assert.NoError(t, store.CreatePort(&types.Port{ID: "p3", ServerID: "s2", Num: 8080}))
}

func TestCreateForwardRule_SecondRuleOnSamePortConflicts(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreatePort(&types.Port{ID: "p1", ServerID: "s1", Num: 8080}))

	require.NoError(t, store.CreateForwardRule(&types.ForwardRule{ID: "r1", PortID: "p1", Method: types.MethodIPTABLES}))

	err := store.CreateForwardRule(&types.ForwardRule{ID: "r2", PortID: "p1", Method: types.MethodGOST})
	var conflict *types.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestUpdateForwardRuleStatus_NeverRegressesRunningToStarting(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateForwardRule(&types.ForwardRule{ID: "r1", PortID: "p1", Status: types.RuleStatusPending}))

	require.NoError(t, store.UpdateForwardRuleStatus("r1", types.RuleStatusRunning))
	require.NoError(t, store.UpdateForwardRuleStatus("r1", types.RuleStatusStarting))

	rule, err := store.GetForwardRule("r1")
	require.NoError(t, err)
	assert.Equal(t, types.RuleStatusRunning, rule.Status)
}

func TestUpdatePortUsage_AccumulatesUnderConcurrentWriters(t *testing.T) {
	store := newTestStore(t)

	const writers = 20
	done := make(chan struct{})
	for i := 0; i < writers; i++ {
		go func() {
			_, err := store.UpdatePortUsage("p1", func(u *types.PortUsage) {
				u.Download += 100
			})
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < writers; i++ {
		<-done
	}

	usage, err := store.GetPortUsage("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*100), usage.Download)
}
