package collector

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/auroraproxy/aurora/pkg/connector"
	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/metrics"
	"github.com/auroraproxy/aurora/pkg/security"
	"github.com/auroraproxy/aurora/pkg/storage"
	"github.com/auroraproxy/aurora/pkg/translator"
	"github.com/auroraproxy/aurora/pkg/types"
)

// TrafficLinePattern matches a filter helper output line's direction and
// port-number comment marker; the byte count is the line's second
// whitespace-separated field (the helper echoes it ``iptables -L -v``
// style: "<pkts> <bytes> ... /* DOWNLOAD 8080-> */").
var TrafficLinePattern = regexp.MustCompile(`/\* (UPLOAD|DOWNLOAD)(?:-UDP)? (\d+)->`)

type directionalUsage struct {
	Download int64
	Upload   int64
}

// Conn is the subset of *connector.Connection CollectServer needs;
// narrowed to an interface so tests can substitute a fake that never
// dials a real SSH server.
type Conn interface {
	Run(ctx context.Context, cmd string, publish bool) (string, error)
	Close() error
}

type openFunc func(ctx context.Context, server *types.Server, creds connector.Credentials, timeout time.Duration) (Conn, error)

// Collector runs the per-server traffic collection procedure.
type Collector struct {
	store      storage.Store
	sm         *security.SecretsManager
	open       openFunc
	sshTimeout time.Duration
}

// New constructs a Collector backed by store.
func New(store storage.Store, sshTimeout time.Duration) *Collector {
	if sshTimeout <= 0 {
		sshTimeout = 30 * time.Second
	}
	return &Collector{
		store: store,
		open: func(ctx context.Context, server *types.Server, creds connector.Credentials, timeout time.Duration) (Conn, error) {
			return connector.Open(ctx, server, creds, timeout)
		},
		sshTimeout: sshTimeout,
	}
}

// WithOpenFunc overrides how CollectServer dials a server; exposed for
// tests that substitute a fake Conn.
func (c *Collector) WithOpenFunc(open func(ctx context.Context, server *types.Server, creds connector.Credentials, timeout time.Duration) (Conn, error)) *Collector {
	c.open = open
	return c
}

// WithSecretsManager sets the decryptor CollectServer uses to recover a
// server's plaintext SSH/sudo password from its at-rest ciphertext
// before dialing. Unset, credentialsFor passes Server.Password/
// SudoPassword through verbatim — only correct when the store holds
// plaintext, e.g. in tests.
func (c *Collector) WithSecretsManager(sm *security.SecretsManager) *Collector {
	c.sm = sm
	return c
}

func (c *Collector) credentialsFor(server *types.Server) (connector.Credentials, error) {
	password, sudoPassword := server.Password, server.SudoPassword
	if c.sm != nil {
		var err error
		if password, err = c.sm.DecryptString(password); err != nil {
			return connector.Credentials{}, fmt.Errorf("collector: decrypt password for server %s: %w", server.ID, err)
		}
		if sudoPassword, err = c.sm.DecryptString(sudoPassword); err != nil {
			return connector.Credentials{}, fmt.Errorf("collector: decrypt sudo password for server %s: %w", server.ID, err)
		}
	}
	creds := connector.Credentials{User: server.User, Password: password, SudoPassword: sudoPassword}
	if server.AuthFileID != "" {
		file, err := c.store.GetFile(server.AuthFileID)
		if err != nil {
			return creds, fmt.Errorf("collector: load auth key for server %s: %w", server.ID, err)
		}
		pem, err := os.ReadFile(file.Path)
		if err != nil {
			return creds, fmt.Errorf("collector: read auth key %s: %w", file.Path, err)
		}
		creds.PrivateKeyPEM = pem
	}
	return creds, nil
}

// parseTraffic reproduces update_traffic's line scan: every match is
// summed per port per direction, so a port with separate TCP and UDP
// filter entries still nets a single total.
func parseTraffic(output string) map[int]directionalUsage {
	totals := make(map[int]directionalUsage)
	for _, line := range strings.Split(output, "\n") {
		match := TrafficLinePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		portNum, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		du := totals[portNum]
		switch strings.ToUpper(match[1]) {
		case "DOWNLOAD":
			du.Download += value
		case "UPLOAD":
			du.Upload += value
		}
		totals[portNum] = du
	}
	return totals
}

// CollectServer opens a connection to server, reads every port's
// counters in one pass, rolls them into PortUsage, and re-aggregates
// each permitted user's totals. accumulate folds this pass's raw
// reading permanently into the stored baseline — set by the Reconciler's
// CleanPort just before a port's row is dropped and by ReconcileRule after
// a plan that rewrote the filter table, left false on every regular
// scheduled pass.
func (c *Collector) CollectServer(ctx context.Context, serverID string, accumulate bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CollectorCycleDuration)

	server, err := c.store.GetServer(serverID)
	if err != nil {
		return fmt.Errorf("collector: load server %s: %w", serverID, err)
	}

	creds, err := c.credentialsFor(server)
	if err != nil {
		return err
	}

	conn, err := c.open(ctx, server, creds, c.sshTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	output, err := conn.Run(ctx, translator.IPTablesHelperPath+" list_all", false)
	if err != nil {
		return fmt.Errorf("collector: list_all on server %s: %w", serverID, err)
	}

	ports, err := c.store.ListPortsByServer(serverID)
	if err != nil {
		return fmt.Errorf("collector: list ports for server %s: %w", serverID, err)
	}
	byNum := make(map[int]*types.Port, len(ports))
	snapshots := make(map[string]string, len(ports))
	for _, port := range ports {
		byNum[port.Num] = port
		if usage, err := c.store.GetPortUsage(port.ID); err == nil && usage != nil {
			snapshots[port.ID] = usage.Checkpoint
		}
	}

	for num, observed := range parseTraffic(output) {
		port, ok := byNum[num]
		if !ok {
			log.Logger.Warn().Str("server_id", serverID).Int("port_num", num).Msg("collector: traffic observed for unknown port")
			continue
		}
		if _, err := c.updatePortUsage(port.ID, snapshots[port.ID], observed, accumulate); err != nil {
			log.Logger.Error().Err(err).Str("port_id", port.ID).Msg("collector: failed to update port usage")
			continue
		}
		metrics.BytesObservedTotal.WithLabelValues("download").Add(float64(observed.Download))
		metrics.BytesObservedTotal.WithLabelValues("upload").Add(float64(observed.Upload))
	}

	return c.aggregateServerUsers(serverID, ports)
}

// updatePortUsage reproduces update_usage's checkpoint-equality rule: the
// newly observed totals are folded in only when the row's Checkpoint
// still matches what CollectServer recorded at snapshot time, before the
// remote round trip — if it has moved, something else (a concurrent
// pass, or CleanPort's final accumulate) already rebased this port and
// applying a second delta on top would double-count it.
func (c *Collector) updatePortUsage(portID, snapshotCheckpoint string, observed directionalUsage, accumulate bool) (*types.PortUsage, error) {
	newCheckpoint := fmt.Sprintf("%d:%d", observed.Download, observed.Upload)
	return c.store.UpdatePortUsage(portID, func(u *types.PortUsage) {
		if u.Checkpoint != "" && u.Checkpoint != snapshotCheckpoint {
			return
		}
		u.Download = observed.Download + u.DownloadAccumulate
		u.Upload = observed.Upload + u.UploadAccumulate
		if accumulate {
			u.DownloadAccumulate = u.Download
			u.UploadAccumulate = u.Upload
		}
		u.Checkpoint = newCheckpoint
		u.UpdatedAt = time.Now()
	})
}

// aggregateServerUsers sums each permitted port's usage per user,
// matching check_server_user_limit's grouping, and persists the result
// onto each ServerUser so the Limit Enforcer can evaluate it.
func (c *Collector) aggregateServerUsers(serverID string, ports []*types.Port) error {
	totals := make(map[string]directionalUsage)
	for _, port := range ports {
		usage, err := c.store.GetPortUsage(port.ID)
		if err != nil || usage == nil {
			continue
		}
		portUsers, err := c.store.ListPortUsersByPort(port.ID)
		if err != nil {
			continue
		}
		for _, pu := range portUsers {
			du := totals[pu.UserID]
			du.Download += usage.Download
			du.Upload += usage.Upload
			totals[pu.UserID] = du
		}
	}

	serverUsers, err := c.store.ListServerUsersByServer(serverID)
	if err != nil {
		return fmt.Errorf("collector: list server users for %s: %w", serverID, err)
	}
	for _, su := range serverUsers {
		du := totals[su.UserID]
		su.Download = du.Download
		su.Upload = du.Upload
		if err := c.store.UpdateServerUser(su); err != nil {
			log.Logger.Error().Err(err).Str("server_user_id", su.ID).Msg("collector: failed to persist server user usage")
		}
	}
	return nil
}
