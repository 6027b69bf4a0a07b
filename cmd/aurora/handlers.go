package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/auroraproxy/aurora/pkg/ddns"
	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/queue"
	"github.com/auroraproxy/aurora/pkg/types"
)

// Periodic job names the worker command schedules via cron.
// jobCollectTraffic is the fanout: it never touches a server itself,
// only enqueues one jobCollectServerTraffic per active server so a
// single slow host can never delay the rest of the fleet.
const (
	jobCollectTraffic       = "traffic_collect_fanout"
	jobCollectServerTraffic = "traffic_collect_server"
	jobEnforceQuotas        = "enforce_quotas"
	jobDDNSSweep            = "ddns_sweep"
	jobSweepPubsub          = "sweep_pubsub_history"
	jobRuleDrift            = "rule_drift_sweep"
	jobHostIntrospect       = "host_introspect_fanout"
	jobHostIntrospectServer = "host_introspect_server"
	jobSweepArtifacts       = "sweep_artifacts"
)

// collectServerTrafficPayload is JSON-encoded into a jobCollectServerTraffic job.
type collectServerTrafficPayload struct {
	ServerID string `json:"server_id"`
}

// collectTrafficHandler fans the scheduled traffic collection out to
// one jobCollectServerTraffic per active server, at the same priority
// tier, so no single server's pass can delay another's.
func (c *components) collectTrafficHandler(ctx context.Context, job *types.Job) error {
	servers, err := c.store.ListServers()
	if err != nil {
		return fmt.Errorf("traffic fanout: list servers: %w", err)
	}
	for _, server := range servers {
		if !server.IsActive {
			continue
		}
		payload, err := json.Marshal(collectServerTrafficPayload{ServerID: server.ID})
		if err != nil {
			return fmt.Errorf("traffic fanout: marshal payload for %s: %w", server.ID, err)
		}
		if err := c.queue.Enqueue(ctx, &types.Job{Name: jobCollectServerTraffic, Payload: payload, Priority: queue.PriorityTrafficFanout}); err != nil {
			log.Logger.Error().Err(err).Str("server_id", server.ID).Msg("aurora: failed to enqueue per-server traffic collection")
		}
	}
	return nil
}

// collectServerTrafficHandler runs one server's collection pass, then
// immediately evaluates that server's ports and server-users against
// their quota/expiry policy, so a port that just crossed its quota is
// throttled or dropped within the same cycle that observed it.
func (c *components) collectServerTrafficHandler(ctx context.Context, job *types.Job) error {
	var payload collectServerTrafficPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("traffic collect: unmarshal payload: %w", err)
	}
	if err := c.collector.CollectServer(ctx, payload.ServerID, false); err != nil {
		return fmt.Errorf("traffic collect: server %s: %w", payload.ServerID, err)
	}
	return c.enforceServer(ctx, payload.ServerID)
}

// enforceServer evaluates every port and server-user on serverID against
// its policy, continuing past individual failures so one bad row never
// blocks the rest of the server's evaluation.
func (c *components) enforceServer(ctx context.Context, serverID string) error {
	ports, err := c.store.ListPortsByServer(serverID)
	if err != nil {
		return fmt.Errorf("enforce: list ports for %s: %w", serverID, err)
	}
	for _, port := range ports {
		if err := c.enforcer.EvaluatePort(ctx, port.ID); err != nil {
			log.Logger.Error().Err(err).Str("port_id", port.ID).Msg("aurora: port policy evaluation failed")
		}
	}

	serverUsers, err := c.store.ListServerUsersByServer(serverID)
	if err != nil {
		return fmt.Errorf("enforce: list server users for %s: %w", serverID, err)
	}
	for _, su := range serverUsers {
		if err := c.enforcer.EvaluateServerUser(ctx, su.ID); err != nil {
			log.Logger.Error().Err(err).Str("server_user_id", su.ID).Msg("aurora: server-user policy evaluation failed")
		}
	}
	return nil
}

// enforceQuotasHandler is the minutely expiry scan: a store-only sweep
// of every server's ports/server-users that catches a ValidUntil
// deadline passing even on a server whose traffic-collection cycle
// hasn't run yet this minute.
func (c *components) enforceQuotasHandler(ctx context.Context, job *types.Job) error {
	servers, err := c.store.ListServers()
	if err != nil {
		return fmt.Errorf("enforce quotas: list servers: %w", err)
	}
	for _, server := range servers {
		if err := c.enforceServer(ctx, server.ID); err != nil {
			log.Logger.Error().Err(err).Str("server_id", server.ID).Msg("aurora: server policy evaluation failed")
		}
	}
	return nil
}

// ddnsSweepHandler drives one DDNS Watcher sweep.
func (c *components) ddnsSweepHandler(ctx context.Context, job *types.Job) error {
	return c.ddns.Sweep(ctx)
}

// sweepPubsubHandler drives the daily Stream Bus retention sweep,
// dropping history older than TASK_OUTPUT_STORAGE_DAYS.
func (c *components) sweepPubsubHandler(ctx context.Context, job *types.Job) error {
	retention := time.Duration(c.cfg.TaskOutputStorageDays) * 24 * time.Hour
	_, err := c.bus.SweepHistory(ctx, retention)
	return err
}

// enqueueReconcile marshals and enqueues a JobReconcileRule job for the
// drift sweep below, in the same shape the DDNS watcher's own enqueue
// path uses.
func (c *components) enqueueReconcile(ctx context.Context, ruleID string) error {
	payload, err := json.Marshal(ddns.ReconcilePayload{RuleID: ruleID})
	if err != nil {
		return fmt.Errorf("marshal reconcile payload: %w", err)
	}
	return c.queue.Enqueue(ctx, &types.Job{Name: ddns.JobReconcileRule, Payload: payload, Priority: queue.PriorityReconcileRule})
}

// ruleDriftHandler is the housekeeping sweep (priority 10) that parses each
// server's on-host aurora@*.service units and re-enqueues a reconcile for
// any rule the store still considers "running" whose unit has gone missing
// or inactive outside of the control plane's own writes — a self-healing
// pass independent of the Reconciler's normal create/update path.
func (c *components) ruleDriftHandler(ctx context.Context, job *types.Job) error {
	servers, err := c.store.ListServers()
	if err != nil {
		return fmt.Errorf("rule drift: list servers: %w", err)
	}
	for _, server := range servers {
		if !server.IsActive {
			continue
		}
		if err := c.reconciler.DetectDrift(ctx, server.ID, c.enqueueReconcile); err != nil {
			log.Logger.Error().Err(err).Str("server_id", server.ID).Msg("aurora: rule drift detection failed")
		}
	}
	return nil
}

// hostIntrospectFanoutHandler fans the low-priority host-usage snapshot
// out to one per-server job, the same fanout-then-per-item shape the
// traffic collector uses, so one unreachable host never delays the rest.
func (c *components) hostIntrospectFanoutHandler(ctx context.Context, job *types.Job) error {
	servers, err := c.store.ListServers()
	if err != nil {
		return fmt.Errorf("host introspect fanout: list servers: %w", err)
	}
	for _, server := range servers {
		if !server.IsActive {
			continue
		}
		payload, err := json.Marshal(collectServerTrafficPayload{ServerID: server.ID})
		if err != nil {
			return fmt.Errorf("host introspect fanout: marshal payload for %s: %w", server.ID, err)
		}
		if err := c.queue.Enqueue(ctx, &types.Job{Name: jobHostIntrospectServer, Payload: payload, Priority: queue.PriorityHousekeeping}); err != nil {
			log.Logger.Error().Err(err).Str("server_id", server.ID).Msg("aurora: failed to enqueue host introspection")
		}
	}
	return nil
}

// hostIntrospectServerHandler publishes one server's CPU/memory/disk
// usage snapshot to its "host:<server_id>" Stream Bus channel, so a
// dashboard can show live host load without a separate monitoring agent.
func (c *components) hostIntrospectServerHandler(ctx context.Context, job *types.Job) error {
	var payload collectServerTrafficPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("host introspect: unmarshal payload: %w", err)
	}
	return c.reconciler.PublishHostUsage(ctx, payload.ServerID)
}

// sweepArtifactsHandler is the hourly housekeeping job spec.md §6 calls
// for: it walks every <server>/artifacts/<ident> directory under
// ArtifactsDir and removes any whose directory modification time is older
// than the pubsub history's own retention window, so completed plans' transcripts
// don't accumulate forever on disk.
func (c *components) sweepArtifactsHandler(ctx context.Context, job *types.Job) error {
	if c.cfg.ArtifactsDir == "" {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(c.cfg.TaskOutputStorageDays) * 24 * time.Hour)

	serverDirs, err := os.ReadDir(c.cfg.ArtifactsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sweep artifacts: read %s: %w", c.cfg.ArtifactsDir, err)
	}
	for _, serverDir := range serverDirs {
		artifactsRoot := filepath.Join(c.cfg.ArtifactsDir, serverDir.Name(), "artifacts")
		idents, err := os.ReadDir(artifactsRoot)
		if err != nil {
			continue
		}
		for _, ident := range idents {
			dir := filepath.Join(artifactsRoot, ident.Name())
			info, err := ident.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				log.Logger.Error().Err(err).Str("dir", dir).Msg("aurora: failed to remove expired artifact directory")
			}
		}
	}
	return nil
}
