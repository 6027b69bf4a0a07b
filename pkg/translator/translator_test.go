package translator

import (
	"testing"

	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/stretchr/testify/require"
)

func testPort() *types.Port {
	return &types.Port{ID: "port-1", ServerID: "srv-1", Num: 8080}
}

func testServer() *types.Server {
	return &types.Server{ID: "srv-1"}
}

func TestTranslateIPTablesForwardsToResolvedIP(t *testing.T) {
	port := testPort()
	rule := &types.ForwardRule{
		ID:     "rule-1",
		PortID: port.ID,
		Method: types.MethodIPTABLES,
		Config: types.RuleConfig{
			Type:          types.ForwardTypeTCP,
			RemoteAddress: "example.test",
			RemoteIP:      "203.0.113.9",
			RemotePort:    443,
		},
	}

	plan, err := Translate(port, rule, testServer())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2) // InstallFilter + ProbeFacts
	require.Equal(t, types.StepInstallFilter, plan.Steps[0].Kind)
	require.Equal(t, "203.0.113.9", plan.Steps[0].RemoteIP)
	require.Equal(t, 443, plan.Steps[0].RemotePort)
	require.Equal(t, types.StepProbeFacts, plan.Steps[1].Kind)
}

func TestTranslateIPTablesRequiresResolvedAddress(t *testing.T) {
	port := testPort()
	rule := &types.ForwardRule{
		Method: types.MethodIPTABLES,
		Config: types.RuleConfig{RemoteAddress: "example.test", RemotePort: 443},
	}
	_, err := Translate(port, rule, testServer())
	require.Error(t, err)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestTranslateGostRejectsServeNodeForWrongPort(t *testing.T) {
	port := testPort() // Num 8080, ExternalNum unset
	rule := &types.ForwardRule{
		Method: types.MethodGOST,
		Config: types.RuleConfig{
			Gost: &types.GostConfig{ServeNodes: []string{":9999"}},
		},
	}
	_, err := Translate(port, rule, testServer())
	require.Error(t, err)
	require.Contains(t, err.Error(), "Port not allowed")
}

func TestTranslateGostRewritesExternalNumToNum(t *testing.T) {
	port := testPort()
	port.ExternalNum = 9999
	rule := &types.ForwardRule{
		Method: types.MethodGOST,
		Config: types.RuleConfig{
			Gost: &types.GostConfig{ServeNodes: []string{":9999"}},
		},
	}
	plan, err := Translate(port, rule, testServer())
	require.NoError(t, err)

	var wrote bool
	for _, step := range plan.Steps {
		if step.Kind == types.StepWriteConfig {
			wrote = true
			require.Contains(t, step.Content, `":8080"`)
			require.NotContains(t, step.Content, `":9999"`)
		}
	}
	require.True(t, wrote, "expected a WriteConfig step")
}

func TestTranslateShadowsocksSynthesizesServeNode(t *testing.T) {
	port := testPort()
	rule := &types.ForwardRule{
		Method: types.MethodShadowsocks,
		Config: types.RuleConfig{
			Shadow: &types.ShadowConfig{Cipher: "aes-256-gcm", Password: "hunter2"},
		},
	}
	plan, err := Translate(port, rule, testServer())
	require.NoError(t, err)

	var gotService bool
	for _, step := range plan.Steps {
		if step.Kind == types.StepWriteService {
			gotService = true
			opts, err := ParseServiceUnit(step.Content)
			require.NoError(t, err)
			require.NotEmpty(t, opts)
		}
	}
	require.True(t, gotService)
}

func TestTranslateRejectsDisabledMethod(t *testing.T) {
	port := testPort()
	server := testServer()
	server.Config.DisabledMethods = map[types.Method]bool{types.MethodGOST: true}
	rule := &types.ForwardRule{
		Method: types.MethodGOST,
		Config: types.RuleConfig{Gost: &types.GostConfig{}},
	}
	_, err := Translate(port, rule, server)
	require.Error(t, err)
}

func TestBuildCleanPlanStopsServiceForManagedMethods(t *testing.T) {
	port := testPort()
	server := testServer()
	rule := &types.ForwardRule{ID: "rule-1", Method: types.MethodGOST}

	plan := BuildCleanPlan(server, port, rule)
	require.Equal(t, types.StepInstallFilter, plan.Steps[0].Kind)
	require.Equal(t, "delete", plan.Steps[0].Action)
	require.Len(t, plan.Steps, 2)
	require.Equal(t, types.StepWriteService, plan.Steps[1].Kind)
	require.True(t, plan.Steps[1].Stop)
}

func TestBuildCleanPlanSkipsServiceForIPTables(t *testing.T) {
	port := testPort()
	server := testServer()
	rule := &types.ForwardRule{ID: "rule-1", Method: types.MethodIPTABLES}

	plan := BuildCleanPlan(server, port, rule)
	require.Len(t, plan.Steps, 1)
}
