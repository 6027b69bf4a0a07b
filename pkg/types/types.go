package types

import (
	"net"
	"time"
)

// Server represents a managed remote host reachable over SSH.
type Server struct {
	ID             string
	Name           string
	Host           string
	SSHPort        int
	User           string
	AuthFileID     string // File.ID of the SSH private key, if key auth is used
	Password       string // encrypted at rest via security.SecretsManager
	SudoPassword   string // encrypted at rest via security.SecretsManager
	AnsibleName    string // hostname used in generated artifacts/unit names
	SSHTimeout     time.Duration // 0 = use SSH_CONNECTION_TIMEOUT default
	Config         ServerConfig
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ServerConfig holds facts and feature flags gathered about a Server.
// Only the Reconciler writes this struct, and only at plan finish (§9c).
type ServerConfig struct {
	System                 map[string]string // os-release key/value pairs, written at ProbeFacts
	IPTablesRestoreEnabled  bool
	ServicesEnabled         map[string]bool // unit name -> enabled; ProbeFacts does not fill it
	Binaries                map[string]string // method binary name -> installed version string
	DisabledMethods         map[Method]bool   // operator-disabled methods; rejected at the API boundary
	Initialized             bool
}

// MethodDisabled reports whether method is disabled for this server.
func (c *ServerConfig) MethodDisabled(method Method) bool {
	return c.DisabledMethods != nil && c.DisabledMethods[method]
}

// Port represents a listening port number reserved on a Server.
type Port struct {
	ID           string
	ServerID     string
	Num          int
	ExternalNum  int // 0 when unset; overrides Num for remote-facing bindings (e.g. GOST ServeNode)
	Description  string
	EgressLimit  int64 // kbit/s, 0 = unlimited
	IngressLimit int64 // kbit/s, 0 = unlimited
	IsActive     bool
	Config       PortConfig
	CreatedAt    time.Time
}

// PortConfig is the quota/expiry policy bag attached to a Port, mirroring
// ServerUserConfig's shape at the port level.
type PortConfig struct {
	Quota       int64 // bytes, 0 = unlimited
	QuotaAction LimitAction
	ValidUntil  *time.Time
	DueAction   LimitAction
}

// DisplayNum returns the port number an operator-facing ServeNode is
// expected to name: ExternalNum when set, otherwise Num. Validation
// checks operator input against this number; the translator then
// rewrites the bound port back to Num before emitting a command line,
// since the process always listens on Num.
func (p *Port) DisplayNum() int {
	if p.ExternalNum != 0 {
		return p.ExternalNum
	}
	return p.Num
}

// Method is the closed set of forwarding implementations a ForwardRule may use.
type Method string

const (
	MethodIPTABLES    Method = "iptables"
	MethodGOST        Method = "gost"
	MethodV2Ray       Method = "v2ray"
	MethodSOCKS       Method = "socks"
	MethodWSS         Method = "wss"
	MethodMWSS        Method = "mwss"
	MethodShadowsocks Method = "shadowsocks"
)

// ForwardType is the transport-layer protocol a rule forwards.
type ForwardType string

const (
	ForwardTypeTCP ForwardType = "tcp"
	ForwardTypeUDP ForwardType = "udp"
	ForwardTypeALL ForwardType = "all"
)

// RuleStatus is the lifecycle state of a ForwardRule.
type RuleStatus string

const (
	RuleStatusPending  RuleStatus = "pending"
	RuleStatusStarting RuleStatus = "starting"
	RuleStatusRunning  RuleStatus = "running"
	RuleStatusFailed   RuleStatus = "failed"
	RuleStatusDeleted  RuleStatus = "deleted"
)

// ForwardRule binds a Port to a forwarding Method and its configuration.
type ForwardRule struct {
	ID        string
	PortID    string
	Method    Method
	Status    RuleStatus
	IsActive  bool
	Config    RuleConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RuleConfig is the method-agnostic envelope around a method-specific
// config payload. Exactly one of the method-specific fields is populated,
// selected by the owning ForwardRule.Method.
type RuleConfig struct {
	Type          ForwardType
	RemoteAddress string // hostname/IP as entered by the operator, DNS-followed by the DDNS watcher
	RemoteIP      string // last resolved address, cached by the Reconciler and the DDNS watcher
	RemotePort    int

	IPTables *IPTablesConfig `json:"iptables,omitempty"`
	Gost     *GostConfig     `json:"gost,omitempty"`
	V2Ray    *V2RayConfig    `json:"v2ray,omitempty"`
	Socks    *SocksConfig    `json:"socks,omitempty"`
	Wss      *WssConfig      `json:"wss,omitempty"`
	Mwss     *WssConfig      `json:"mwss,omitempty"`
	Shadow   *ShadowConfig   `json:"shadowsocks,omitempty"`

	// Runner is the artifact ident for the most recent successful
	// reconciliation; Error holds the last failure's journal tail.
	Runner string
	Error  string
}

// IPTablesConfig is the packet-filter NAT method's configuration.
type IPTablesConfig struct{}

// GostConfig mirrors the upstream gost JSON config file shape enough to
// drive ServeNodes/ChainNodes generation and the port-match validation.
type GostConfig struct {
	ServeNodes  []string
	ChainNodes  []string
}

// V2RayConfig configures the v2ray multiplexing-proxy method.
type V2RayConfig struct {
	Network  string // "tcp", "ws", "mkcp"
	Security string // "none", "tls"
	Path     string // websocket path, when Network == "ws"
}

// SocksConfig configures a SOCKS5 tunnel endpoint.
type SocksConfig struct {
	AuthUser string
	AuthPass string
}

// WssConfig configures the WebSocket / multiplexed-WebSocket tunnel methods.
type WssConfig struct {
	Path string
	TLS  bool
}

// ShadowConfig configures the shadowsocks cipher method.
type ShadowConfig struct {
	Cipher   string
	Password string
}

// PortUsage tracks accumulated traffic counters for a Port.
type PortUsage struct {
	PortID            string
	Download          int64
	Upload            int64
	DownloadAccumulate int64
	UploadAccumulate   int64
	Checkpoint        string // "<download>:<upload>" raw reading of the last applied pass
	UpdatedAt         time.Time
}

// LimitAction is the closed set of enforcement actions the Limit Enforcer may take.
type LimitAction int

const (
	ActionNoAction LimitAction = iota
	ActionSpeedLimit10K
	ActionSpeedLimit100K
	ActionSpeedLimit1M
	ActionSpeedLimit10M
	ActionSpeedLimit30M
	ActionSpeedLimit100M
	ActionSpeedLimit1G
	ActionDeleteRule
)

// SpeedKbit returns the tc shaping rate in kbit/s for a SPEED_LIMIT_* action.
// It panics for non-speed-limit actions; callers must check with IsSpeedLimit.
func (a LimitAction) SpeedKbit() int64 {
	switch a {
	case ActionSpeedLimit10K:
		return 10
	case ActionSpeedLimit100K:
		return 100
	case ActionSpeedLimit1M:
		return 1000
	case ActionSpeedLimit10M:
		return 10000
	case ActionSpeedLimit30M:
		return 30000
	case ActionSpeedLimit100M:
		return 100000
	case ActionSpeedLimit1G:
		return 1000000
	default:
		panic("types: SpeedKbit called on a non speed-limit action")
	}
}

// IsSpeedLimit reports whether a is one of the SPEED_LIMIT_* tiers.
func (a LimitAction) IsSpeedLimit() bool {
	return a >= ActionSpeedLimit10K && a <= ActionSpeedLimit1G
}

// User represents an operator or tenant of the control plane.
type User struct {
	ID        string
	Username  string
	Email     string
	IsActive  bool
	IsAdmin   bool
	CreatedAt time.Time
}

// ServerUser grants a User a traffic/quota policy on a Server.
type ServerUser struct {
	ID         string
	ServerID   string
	UserID     string
	Download   int64
	Upload     int64
	Config     ServerUserConfig
	CreatedAt  time.Time
}

// ServerUserConfig is the quota/expiry policy attached to a ServerUser.
type ServerUserConfig struct {
	ValidUntil  *time.Time
	Quota       int64 // bytes, 0 = unlimited
	QuotaAction LimitAction
}

// PortUser grants a User permission to use a specific Port.
type PortUser struct {
	ID        string
	PortID    string
	UserID    string
	CreatedAt time.Time
}

// File is a stored blob (SSH private key, uploaded binary, generated
// artifact) referenced by id from Server/Job records.
type File struct {
	ID        string
	Name      string
	Path      string // <root>/<year>/<month>/<day>/<uuid>-<name>
	Mode      uint32
	Size      int64
	MD5       string
	CreatedAt time.Time
}

// JobStatus is the lifecycle state of a queued Job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// Job is a unit of queued work dispatched to a Worker.
type Job struct {
	ID          string
	Name        string
	Payload     []byte // JSON-encoded handler-specific arguments
	Priority    int    // 0 = highest
	Status      JobStatus
	NotBefore   time.Time
	Attempt     int
	MaxRetries  int
	StreamID    string // Stream Bus channel id for this job's output
	ArtifactDir string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Error       string
}

// ActionPlan is the ordered set of steps the Reconciler must execute
// against a Server to bring a ForwardRule's on-host state in line with
// its desired configuration. Produced by the Rule Translator.
type ActionPlan struct {
	ServerID string
	PortID   string
	RuleID   string
	Steps    []RemoteStep
}

// StepKind is the closed set of remote operations a RemoteStep may perform.
type StepKind string

const (
	StepEnsureInventory StepKind = "ensure_inventory"
	StepEnsureBinary    StepKind = "ensure_binary"
	StepWriteConfig     StepKind = "write_config"
	StepWriteService    StepKind = "write_service"
	StepInstallFilter   StepKind = "install_filter"
	StepApplyShaping    StepKind = "apply_shaping"
	StepProbeFacts      StepKind = "probe_facts"
)

// RemoteStep is one step of an ActionPlan.
type RemoteStep struct {
	Kind StepKind

	// EnsureBinary
	Name       string // binary name, e.g. "gost"; also server.Config.system key
	VersionArg string // e.g. "-V", "run -version"

	// EnsureBinary / EnsureInventory
	RemotePath  string
	LocalFileID string

	// WriteConfig / WriteService
	Content     string
	Owner       string
	Mode        string
	ServiceName string // "aurora@<port>.service"
	Stop        bool   // WriteService: stop+disable instead of enable+start-or-restart

	// InstallFilter
	Action      string // "forward", "delete", "reset", "list"
	ForwardType ForwardType
	LocalPort   int
	RemoteIP    string
	RemotePort  int

	// ApplyShaping
	EgressKbit  int64
	IngressKbit int64
}

// RemoteIPLiteral reports whether addr is an IPv4/IPv6 literal rather than
// a hostname requiring resolution.
func RemoteIPLiteral(addr string) bool {
	return net.ParseIP(addr) != nil
}

// ddnsMethods is the closed whitelist of methods the DDNS Watcher
// follows: iptables NAT plus the gost-backed proxy methods that name a
// remote address directly.
var ddnsMethods = map[Method]bool{
	MethodIPTABLES:    true,
	MethodGOST:        true,
	MethodSOCKS:       true,
	MethodWSS:         true,
	MethodMWSS:        true,
	MethodShadowsocks: true,
}

// FollowsDDNS reports whether m's rules should be re-resolved by the
// DDNS Watcher.
func (m Method) FollowsDDNS() bool {
	return ddnsMethods[m]
}

// NeedsService reports whether m requires a systemd-style service unit
// running a user-space binary. MethodIPTABLES is kernel-only and never
// needs one.
func (m Method) NeedsService() bool {
	return m != MethodIPTABLES
}
