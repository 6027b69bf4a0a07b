package translator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/coreos/go-systemd/v22/unit"
)

const (
	auroraConfigDir = "/usr/local/etc/aurora"
	gostBinaryPath  = "/usr/local/bin/gost"
	v2rayBinaryPath = "/usr/local/bin/v2ray"
)

// IPTablesHelperPath is the remote script every InstallFilter step runs
// against, exposing forward/delete/reset/list/list_all subcommands.
const IPTablesHelperPath = "/usr/local/bin/iptables.sh"

// TCHelperPath is the remote script an ApplyShaping step runs against,
// taking "-e=<kbit>kbit -i=<kbit>kbit <port>" arguments.
const TCHelperPath = "/usr/local/bin/tc.sh"

// Translate builds the ordered RemoteStep plan for rule on port, against
// server's current feature flags. It is a pure function: callers must
// resolve rule.Config.RemoteAddress into rule.Config.RemoteIP beforehand
// (the Reconciler does this via pkg/dns) since Translate never touches
// the network or the store.
func Translate(port *types.Port, rule *types.ForwardRule, server *types.Server) (*types.ActionPlan, error) {
	if server.Config.MethodDisabled(rule.Method) {
		return nil, &types.ValidationError{Field: "method", Reason: fmt.Sprintf("%s is disabled on server %s", rule.Method, server.ID)}
	}

	var (
		steps []types.RemoteStep
		err   error
	)
	switch rule.Method {
	case types.MethodIPTABLES:
		steps, err = translateIPTables(port, rule)
	case types.MethodGOST:
		steps, err = translateGost(port, rule)
	case types.MethodSOCKS, types.MethodWSS, types.MethodMWSS, types.MethodShadowsocks:
		steps, err = translateGostFamily(port, rule)
	case types.MethodV2Ray:
		steps, err = translateV2Ray(port, rule)
	default:
		return nil, &types.ValidationError{Field: "method", Reason: fmt.Sprintf("unrecognized method %q", rule.Method)}
	}
	if err != nil {
		return nil, err
	}

	// Every plan refreshes the server's reported facts at finish, never
	// from an intermediate step.
	steps = append(steps, types.RemoteStep{Kind: types.StepProbeFacts})

	return &types.ActionPlan{ServerID: server.ID, PortID: port.ID, RuleID: rule.ID, Steps: steps}, nil
}

// Validate runs every check Translate would apply to rule on port against
// server — the disabled-method flag and the per-method config schema,
// including the ServeNode port-match check — without requiring
// rule.Config.RemoteIP to already be resolved. The Control API calls this
// at the creation/edit boundary so a ValidationError (or a disabled
// method) is rejected before a row is ever written and before the
// Reconciler — and a real DNS lookup — are ever involved.
func Validate(port *types.Port, rule *types.ForwardRule, server *types.Server) error {
	probe := *rule
	if probe.Config.RemoteIP == "" && probe.Config.RemoteAddress != "" && !types.RemoteIPLiteral(probe.Config.RemoteAddress) {
		// Stand in for a not-yet-performed DNS resolution so the
		// IPTables branch's "resolved?" gate doesn't fire here; every
		// other check still runs unchanged.
		probe.Config.RemoteIP = "0.0.0.0"
	}
	_, err := Translate(port, &probe, server)
	return err
}

// BuildShapingPlan produces the single-step plan the Limit Enforcer
// enqueues when a port's speed tier changes.
func BuildShapingPlan(server *types.Server, port *types.Port, rule *types.ForwardRule, egressKbit, ingressKbit int64) *types.ActionPlan {
	return &types.ActionPlan{
		ServerID: server.ID,
		PortID:   port.ID,
		RuleID:   ruleID(rule),
		Steps: []types.RemoteStep{
			{Kind: types.StepApplyShaping, LocalPort: port.Num, EgressKbit: egressKbit, IngressKbit: ingressKbit},
		},
	}
}

// BuildCleanPlan produces CleanPort's plan: drop the port's filter rule
// and, for methods with a managed service, stop and disable its unit.
func BuildCleanPlan(server *types.Server, port *types.Port, rule *types.ForwardRule) *types.ActionPlan {
	steps := []types.RemoteStep{
		{Kind: types.StepInstallFilter, Action: "delete", LocalPort: port.Num},
	}
	if rule != nil && rule.Method.NeedsService() {
		steps = append(steps, types.RemoteStep{Kind: types.StepWriteService, ServiceName: serviceName(port), Stop: true})
	}
	return &types.ActionPlan{ServerID: server.ID, PortID: port.ID, RuleID: ruleID(rule), Steps: steps}
}

func ruleID(rule *types.ForwardRule) string {
	if rule == nil {
		return ""
	}
	return rule.ID
}

func serviceName(port *types.Port) string {
	return fmt.Sprintf("aurora@%d.service", port.Num)
}

// translateIPTables builds the kernel-NAT plan: InstallFilter is the
// entire plan, with no binary or service to manage.
func translateIPTables(port *types.Port, rule *types.ForwardRule) ([]types.RemoteStep, error) {
	remoteIP := rule.Config.RemoteIP
	if remoteIP == "" {
		if !types.RemoteIPLiteral(rule.Config.RemoteAddress) {
			return nil, &types.ValidationError{Field: "remote_ip", Reason: "not resolved; caller must resolve RemoteAddress before translating"}
		}
		remoteIP = rule.Config.RemoteAddress
	}
	if rule.Config.RemotePort <= 0 || rule.Config.RemotePort > 65535 {
		return nil, &types.ValidationError{Field: "remote_port", Reason: "out of range"}
	}

	ft := rule.Config.Type
	if ft == "" {
		ft = types.ForwardTypeALL
	}
	switch ft {
	case types.ForwardTypeTCP, types.ForwardTypeUDP, types.ForwardTypeALL:
	default:
		return nil, &types.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown forward type %q", ft)}
	}

	return []types.RemoteStep{{
		Kind:        types.StepInstallFilter,
		Action:      "forward",
		ForwardType: ft,
		LocalPort:   port.Num,
		RemoteIP:    remoteIP,
		RemotePort:  rule.Config.RemotePort,
	}}, nil
}

// translateGost reproduces generate_gost_config's ServeNodes rewrite and
// verify_gost_config's port-match check before emitting the binary/
// config/service/metering steps common to every gost-backed method.
func translateGost(port *types.Port, rule *types.ForwardRule) ([]types.RemoteStep, error) {
	cfg := rule.Config.Gost
	if cfg == nil {
		return nil, &types.ValidationError{Field: "gost", Reason: "missing gost config"}
	}
	nodes := cfg.ServeNodes
	if len(nodes) == 0 {
		nodes = []string{fmt.Sprintf(":%d", port.Num)}
	}
	for _, node := range nodes {
		if err := validateTransport(node); err != nil {
			return nil, err
		}
	}
	if err := verifyServeNodes(nodes, port); err != nil {
		return nil, err
	}
	nodes = rewriteServeNodes(nodes, port)
	remoteIP := gostRemoteIP(cfg, rule.Config.RemoteIP)
	return buildGostSteps(port, nodes, cfg.ChainNodes, remoteIP)
}

// translateGostFamily synthesizes a single gost ServeNodes entry for the
// socks/wss/mwss/shadowsocks methods, which are not separate binaries —
// gost's own URL schemes express all of them.
func translateGostFamily(port *types.Port, rule *types.ForwardRule) ([]types.RemoteStep, error) {
	node, err := synthServeNode(port, rule)
	if err != nil {
		return nil, err
	}
	if err := verifyServeNodes([]string{node}, port); err != nil {
		return nil, err
	}
	return buildGostSteps(port, []string{node}, nil, "ANYWHERE")
}

func synthServeNode(port *types.Port, rule *types.ForwardRule) (string, error) {
	switch rule.Method {
	case types.MethodSOCKS:
		cfg := rule.Config.Socks
		if cfg == nil {
			return "", &types.ValidationError{Field: "socks", Reason: "missing socks config"}
		}
		auth := ""
		if cfg.AuthUser != "" {
			auth = fmt.Sprintf("%s:%s@", cfg.AuthUser, cfg.AuthPass)
		}
		return fmt.Sprintf("socks5://%s:%d", auth, port.Num), nil
	case types.MethodWSS:
		cfg := rule.Config.Wss
		if cfg == nil {
			return "", &types.ValidationError{Field: "wss", Reason: "missing wss config"}
		}
		return buildWsNode("wss", cfg, port), nil
	case types.MethodMWSS:
		cfg := rule.Config.Mwss
		if cfg == nil {
			return "", &types.ValidationError{Field: "mwss", Reason: "missing mwss config"}
		}
		return buildWsNode("mwss", cfg, port), nil
	case types.MethodShadowsocks:
		cfg := rule.Config.Shadow
		if cfg == nil {
			return "", &types.ValidationError{Field: "shadowsocks", Reason: "missing shadowsocks config"}
		}
		if cfg.Cipher == "" {
			return "", &types.ValidationError{Field: "cipher", Reason: "required"}
		}
		if !shadowsocksCiphers[cfg.Cipher] {
			return "", &types.ValidationError{Field: "cipher", Reason: fmt.Sprintf("unsupported cipher %q", cfg.Cipher)}
		}
		return fmt.Sprintf("ss://%s:%s@:%d", url.QueryEscape(cfg.Cipher), url.QueryEscape(cfg.Password), port.Num), nil
	default:
		return "", &types.ValidationError{Field: "method", Reason: fmt.Sprintf("%s is not a gost-family method", rule.Method)}
	}
}

// shadowsocksCiphers is the closed set of AEAD ciphers gost's shadowsocks
// mode accepts; anything else fails validation before it ever reaches a
// config file on a remote host.
var shadowsocksCiphers = map[string]bool{
	"aes-128-gcm":             true,
	"aes-192-gcm":             true,
	"aes-256-gcm":             true,
	"chacha20-ietf-poly1305":  true,
	"xchacha20-ietf-poly1305": true,
	"aes-128-cfb":             true,
	"aes-256-cfb":             true,
}

// gostTransports is the closed set of ServeNode transport schemes a raw
// MethodGOST config may use: "raw" (a bare ":<port>" or tcp/udp listener)
// plus the three websocket-multiplexing variants the WSS/MWSS methods are
// built from. socks5/ss schemes belong to their own dedicated Methods and
// are never accepted here.
var gostTransports = map[string]bool{"raw": true, "ws": true, "wss": true, "mwss": true}

// serveNodeTransport classifies a ServeNode string's transport the way
// verifyServeNodes classifies its port: a bare ":<port>" listener or a
// plain tcp/udp scheme is "raw"; "mws" is classified as "ws".
func serveNodeTransport(node string) (string, error) {
	if strings.HasPrefix(node, ":") {
		return "raw", nil
	}
	parsed, err := url.Parse(node)
	if err != nil {
		return "", &types.ValidationError{Field: "ServeNodes", Reason: fmt.Sprintf("invalid ServeNode: %s", node)}
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "", "tcp", "udp":
		return "raw", nil
	case "mws":
		return "ws", nil
	default:
		return scheme, nil
	}
}

// validateTransport checks node's transport against gostTransports.
func validateTransport(node string) error {
	transport, err := serveNodeTransport(node)
	if err != nil {
		return err
	}
	if !gostTransports[transport] {
		return &types.ValidationError{Field: "transport", Reason: fmt.Sprintf("unsupported transport %q in ServeNode: %s", transport, node)}
	}
	return nil
}

func buildWsNode(scheme string, cfg *types.WssConfig, port *types.Port) string {
	node := fmt.Sprintf("%s://:%d", scheme, port.Num)
	if cfg.Path != "" {
		p := cfg.Path
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		node += p
	}
	return node
}

// gostConfigFile mirrors the upstream gost JSON config file's top-level
// shape closely enough for generate_gost_config's fields.
type gostConfigFile struct {
	Retries    int      `json:"Retries"`
	ServeNodes []string `json:"ServeNodes"`
	ChainNodes []string `json:"ChainNodes"`
}

func buildGostSteps(port *types.Port, serveNodes, chainNodes []string, remoteIP string) ([]types.RemoteStep, error) {
	fileCfg := gostConfigFile{ServeNodes: serveNodes, ChainNodes: chainNodes}
	data, err := json.MarshalIndent(fileCfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("translator: marshal gost config: %w", err)
	}
	configPath := path.Join(auroraConfigDir, strconv.Itoa(port.Num))

	unitContent, err := buildServiceUnit("gost", fmt.Sprintf("%s -C %s", gostBinaryPath, configPath))
	if err != nil {
		return nil, err
	}

	return []types.RemoteStep{
		{Kind: types.StepEnsureInventory, RemotePath: auroraConfigDir},
		{Kind: types.StepEnsureBinary, Name: "gost", VersionArg: "-V", RemotePath: gostBinaryPath},
		{Kind: types.StepWriteConfig, Content: string(data), RemotePath: configPath, Owner: "root:root", Mode: "0644"},
		{Kind: types.StepWriteService, Content: unitContent, ServiceName: serviceName(port)},
		{Kind: types.StepInstallFilter, Action: "forward", ForwardType: types.ForwardTypeTCP, LocalPort: port.Num, RemoteIP: remoteIP, RemotePort: port.Num},
	}, nil
}

// verifyServeNodes reproduces verify_gost_config: every ServeNode must
// name the port an operator is allowed to bind (ExternalNum when set,
// else Num), regardless of which address it actually listens on once the
// external-to-internal rewrite is applied.
func verifyServeNodes(nodes []string, port *types.Port) error {
	num := port.DisplayNum()
	suffix := strconv.Itoa(num)
	for _, node := range nodes {
		if strings.HasPrefix(node, ":") {
			if !strings.HasPrefix(node, ":"+suffix) {
				return &types.ValidationError{Field: "ServeNodes", Reason: fmt.Sprintf("Port not allowed, ServeNode: %s", node)}
			}
			continue
		}
		parsed, err := url.Parse(node)
		if err != nil {
			return &types.ValidationError{Field: "ServeNodes", Reason: fmt.Sprintf("invalid ServeNode: %s", node)}
		}
		if !strings.HasSuffix(parsed.Host, suffix) && !strings.HasSuffix(parsed.Path, suffix) {
			return &types.ValidationError{Field: "ServeNodes", Reason: fmt.Sprintf("Port not allowed, ServeNode: %s", node)}
		}
	}
	return nil
}

// rewriteServeNodes reproduces generate_gost_config's bound-port rewrite:
// the operator names ExternalNum in a ServeNode, but gost itself must
// bind Num — the process listens locally, the external number is only
// what's advertised/NATed to the outside.
func rewriteServeNodes(nodes []string, port *types.Port) []string {
	if port.ExternalNum == 0 {
		return nodes
	}
	oldSuffix := fmt.Sprintf(":%d", port.ExternalNum)
	newSuffix := fmt.Sprintf(":%d", port.Num)
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = strings.Replace(n, oldSuffix, newSuffix, 1)
	}
	return out
}

// gostRemoteIP reproduces get_gost_remote_ip, preferring a ChainNodes
// target over a plain ServeNodes tcp listener, falling back to the
// already-resolved cachedIP (never resolving itself, to stay pure).
func gostRemoteIP(cfg *types.GostConfig, cachedIP string) string {
	if len(cfg.ChainNodes) > 0 {
		first := cfg.ChainNodes[0]
		parsed, err := url.Parse(first)
		if err == nil {
			host := parsed.Hostname()
			if host == "" {
				return "127.0.0.1"
			}
			if types.RemoteIPLiteral(host) {
				return host
			}
		}
		if cachedIP != "" {
			return cachedIP
		}
		return "ANYWHERE"
	}
	for _, node := range cfg.ServeNodes {
		if strings.HasPrefix(node, "tcp") {
			parsed, err := url.Parse(node)
			if err == nil && parsed.Path != "" {
				host := strings.SplitN(strings.TrimPrefix(parsed.Path, "/"), ":", 2)[0]
				if types.RemoteIPLiteral(host) {
					return host
				}
				if cachedIP != "" {
					return cachedIP
				}
			}
		}
	}
	return "ANYWHERE"
}

// translateV2Ray builds the inbound/outbound config v2ray expects from
// the typed V2RayConfig.
func translateV2Ray(port *types.Port, rule *types.ForwardRule) ([]types.RemoteStep, error) {
	cfg := rule.Config.V2Ray
	if cfg == nil {
		return nil, &types.ValidationError{Field: "v2ray", Reason: "missing v2ray config"}
	}

	network := cfg.Network
	if network == "" {
		network = "tcp"
	}
	switch network {
	case "tcp", "ws", "mkcp":
	default:
		return nil, &types.ValidationError{Field: "network", Reason: fmt.Sprintf("unknown v2ray network %q", network)}
	}

	security := cfg.Security
	if security == "" {
		security = "none"
	}
	switch security {
	case "none", "tls":
	default:
		return nil, &types.ValidationError{Field: "security", Reason: fmt.Sprintf("unknown v2ray security %q", security)}
	}

	streamSettings := map[string]any{"network": network}
	if security == "tls" {
		streamSettings["security"] = "tls"
	}
	if network == "ws" && cfg.Path != "" {
		streamSettings["wsSettings"] = map[string]any{"path": cfg.Path}
	}

	fileCfg := map[string]any{
		"inbounds": []map[string]any{
			{
				"port":           port.Num,
				"protocol":       "vmess",
				"settings":       map[string]any{"clients": []any{}},
				"streamSettings": streamSettings,
			},
		},
		"outbounds": []map[string]any{{"protocol": "freedom"}},
	}
	data, err := json.MarshalIndent(fileCfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("translator: marshal v2ray config: %w", err)
	}
	configPath := path.Join(auroraConfigDir, strconv.Itoa(port.Num))

	unitContent, err := buildServiceUnit("v2ray", fmt.Sprintf("%s -config %s", v2rayBinaryPath, configPath))
	if err != nil {
		return nil, err
	}

	return []types.RemoteStep{
		{Kind: types.StepEnsureInventory, RemotePath: auroraConfigDir},
		{Kind: types.StepEnsureBinary, Name: "v2ray", VersionArg: "-version", RemotePath: v2rayBinaryPath},
		{Kind: types.StepWriteConfig, Content: string(data), RemotePath: configPath, Owner: "root:root", Mode: "0644"},
		{Kind: types.StepWriteService, Content: unitContent, ServiceName: serviceName(port)},
		{Kind: types.StepInstallFilter, Action: "forward", ForwardType: types.ForwardTypeTCP, LocalPort: port.Num, RemoteIP: "ANYWHERE", RemotePort: port.Num},
	}, nil
}

// buildServiceUnit renders a minimal always-restart systemd unit via
// unit.Serialize rather than string concatenation, so the generated file
// is guaranteed well-formed and unit.Deserialize can parse it back.
func buildServiceUnit(name, execStart string) (string, error) {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", fmt.Sprintf("aurora-managed %s instance", name)),
		unit.NewUnitOption("Unit", "After", "network.target"),
		unit.NewUnitOption("Service", "ExecStart", execStart),
		unit.NewUnitOption("Service", "Restart", "on-failure"),
		unit.NewUnitOption("Service", "RestartSec", "2"),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	}
	data, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return "", fmt.Errorf("translator: serialize unit for %s: %w", name, err)
	}
	return string(data), nil
}

// ParseServiceUnit is the inverse of buildServiceUnit, used by tests to
// confirm a generated unit round-trips.
func ParseServiceUnit(content string) ([]*unit.UnitOption, error) {
	return unit.Deserialize(strings.NewReader(content))
}
