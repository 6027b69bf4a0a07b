package storage

import (
	"github.com/auroraproxy/aurora/pkg/types"
)

// Store defines the interface for control-plane state persistence.
// It is implemented by the BoltDB-backed BoltStore.
type Store interface {
	// Servers
	CreateServer(server *types.Server) error
	GetServer(id string) (*types.Server, error)
	ListServers() ([]*types.Server, error)
	UpdateServer(server *types.Server) error
	DeleteServer(id string) error

	// Ports
	CreatePort(port *types.Port) error
	GetPort(id string) (*types.Port, error)
	GetPortByServerAndNum(serverID string, num int) (*types.Port, error)
	ListPorts() ([]*types.Port, error)
	ListPortsByServer(serverID string) ([]*types.Port, error)
	UpdatePort(port *types.Port) error
	DeletePort(id string) error

	// ForwardRules
	CreateForwardRule(rule *types.ForwardRule) error
	GetForwardRule(id string) (*types.ForwardRule, error)
	GetForwardRuleByPort(portID string) (*types.ForwardRule, error)
	ListForwardRules() ([]*types.ForwardRule, error)
	ListDDNSForwardRules() ([]*types.ForwardRule, error)
	UpdateForwardRule(rule *types.ForwardRule) error
	// UpdateForwardRuleStatus enforces invariant 4: a transition into
	// StatusStarting is rejected when the current status is already
	// StatusRunning, so a stale "starting" write can never regress a
	// rule that has already progressed past it.
	UpdateForwardRuleStatus(id string, status types.RuleStatus) error
	DeleteForwardRule(id string) error

	// PortUsage
	GetPortUsage(portID string) (*types.PortUsage, error)
	// UpdatePortUsage runs fn against the current (or zero-value)
	// PortUsage for portID inside a single write transaction, so
	// collector and reconciler writers never interleave.
	UpdatePortUsage(portID string, fn func(*types.PortUsage)) (*types.PortUsage, error)
	DeletePortUsage(portID string) error

	// Users
	CreateUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	UpdateUser(user *types.User) error
	DeleteUser(id string) error

	// ServerUsers
	CreateServerUser(su *types.ServerUser) error
	GetServerUser(id string) (*types.ServerUser, error)
	ListServerUsersByServer(serverID string) ([]*types.ServerUser, error)
	UpdateServerUser(su *types.ServerUser) error
	DeleteServerUser(id string) error

	// PortUsers
	CreatePortUser(pu *types.PortUser) error
	ListPortUsersByPort(portID string) ([]*types.PortUser, error)
	DeletePortUser(id string) error

	// Files
	CreateFile(file *types.File) error
	GetFile(id string) (*types.File, error)
	DeleteFile(id string) error

	// Utility
	Close() error
}
