package enforcer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/metrics"
	"github.com/auroraproxy/aurora/pkg/queue"
	"github.com/auroraproxy/aurora/pkg/storage"
	"github.com/auroraproxy/aurora/pkg/types"
)

// Job names the Reconciler's worker registers handlers for; enforcer
// only ever enqueues by name, never executes a plan itself.
const (
	JobCleanPort    = "clean_port"
	JobApplyShaping = "apply_shaping"
)

// CleanPortPayload is JSON-encoded into a JobCleanPort job's Payload.
type CleanPortPayload struct {
	ServerID string `json:"server_id"`
	PortID   string `json:"port_id"`
}

// ApplyShapingPayload is JSON-encoded into a JobApplyShaping job's Payload.
type ApplyShapingPayload struct {
	ServerID    string `json:"server_id"`
	PortID      string `json:"port_id"`
	EgressKbit  int64  `json:"egress_kbit"`
	IngressKbit int64  `json:"ingress_kbit"`
}

// Policy is the quota/expiry threshold pair check_limits evaluates —
// the common shape of types.PortConfig and types.ServerUserConfig.
type Policy struct {
	Quota       int64
	QuotaAction types.LimitAction
	ValidUntil  *time.Time
	DueAction   types.LimitAction
}

// Evaluate reproduces check_limits exactly: an expired ValidUntil wins
// over quota, even when the resource is also over quota; a Quota of 0
// means unlimited and is never checked.
func Evaluate(policy Policy, usage int64) types.LimitAction {
	if policy.ValidUntil != nil && !policy.ValidUntil.After(time.Now()) {
		return policy.DueAction
	}
	if policy.Quota > 0 && usage >= policy.Quota {
		return policy.QuotaAction
	}
	return types.ActionNoAction
}

// Enforcer evaluates policy and, where an action fires, persists the new
// port state and enqueues the job that carries it out remotely.
type Enforcer struct {
	store storage.Store
	queue *queue.Queue
}

// New constructs an Enforcer.
func New(store storage.Store, q *queue.Queue) *Enforcer {
	return &Enforcer{store: store, queue: q}
}

// EvaluatePort reproduces check_port_limits: a Port's own quota/expiry
// policy against its PortUsage totals.
func (e *Enforcer) EvaluatePort(ctx context.Context, portID string) error {
	port, err := e.store.GetPort(portID)
	if err != nil {
		return fmt.Errorf("enforcer: load port %s: %w", portID, err)
	}
	usage, err := e.store.GetPortUsage(portID)
	var total int64
	if err == nil && usage != nil {
		total = usage.Download + usage.Upload
	}

	action := Evaluate(Policy{
		Quota:       port.Config.Quota,
		QuotaAction: port.Config.QuotaAction,
		ValidUntil:  port.Config.ValidUntil,
		DueAction:   port.Config.DueAction,
	}, total)

	return e.applyPortAction(ctx, port, action)
}

// EvaluateServerUser reproduces check_server_user_limit: a ServerUser's
// aggregate usage against its own policy, applying the resulting action
// to every port that user is permitted on for this server.
func (e *Enforcer) EvaluateServerUser(ctx context.Context, serverUserID string) error {
	su, err := e.store.GetServerUser(serverUserID)
	if err != nil {
		return fmt.Errorf("enforcer: load server user %s: %w", serverUserID, err)
	}

	// ServerUserConfig carries no DueAction field; a missing due action
	// defaults to NO_ACTION.
	action := Evaluate(Policy{
		Quota:       su.Config.Quota,
		QuotaAction: su.Config.QuotaAction,
		ValidUntil:  su.Config.ValidUntil,
		DueAction:   types.ActionNoAction,
	}, su.Download+su.Upload)
	if action == types.ActionNoAction {
		return nil
	}

	ports, err := e.store.ListPortsByServer(su.ServerID)
	if err != nil {
		return fmt.Errorf("enforcer: list ports for server %s: %w", su.ServerID, err)
	}
	for _, port := range ports {
		portUsers, err := e.store.ListPortUsersByPort(port.ID)
		if err != nil {
			continue
		}
		for _, pu := range portUsers {
			if pu.UserID != su.UserID {
				continue
			}
			if err := e.applyPortAction(ctx, port, action); err != nil {
				log.Logger.Error().Err(err).Str("port_id", port.ID).Msg("enforcer: failed to apply server-user action")
			}
			break
		}
	}
	return nil
}

// applyPortAction reproduces apply_port_limits: NO_ACTION is a no-op,
// DELETE_RULE enqueues CleanPort (which drops the rule row) when the port
// has a rule, and a SPEED_LIMIT_*
// tier is persisted and shaped only when it actually changed.
func (e *Enforcer) applyPortAction(ctx context.Context, port *types.Port, action types.LimitAction) error {
	switch {
	case action == types.ActionNoAction:
		return nil

	case action == types.ActionDeleteRule:
		if _, err := e.store.GetForwardRuleByPort(port.ID); err != nil {
			return nil // no rule to delete, matching "if not port.forward_rule: return"
		}
		// The forward rule row itself is deleted by CleanPort, after the
		// final usage delta has been read over the still-live connection,
		// so that delta is never lost to an early delete.
		metrics.EnforcerActionsTotal.WithLabelValues("delete_rule").Inc()
		return e.enqueueCleanPort(ctx, port.ServerID, port.ID)

	case action.IsSpeedLimit():
		kbit := action.SpeedKbit()
		if port.EgressLimit == kbit && port.IngressLimit == kbit {
			return nil // idempotent: tier unchanged
		}
		port.EgressLimit = kbit
		port.IngressLimit = kbit
		if err := e.store.UpdatePort(port); err != nil {
			return fmt.Errorf("enforcer: persist speed limit on port %s: %w", port.ID, err)
		}
		metrics.EnforcerActionsTotal.WithLabelValues(actionLabel(action)).Inc()
		return e.enqueueApplyShaping(ctx, port, kbit)

	default:
		return fmt.Errorf("enforcer: unrecognized action %v", action)
	}
}

func (e *Enforcer) enqueueCleanPort(ctx context.Context, serverID, portID string) error {
	payload, err := json.Marshal(CleanPortPayload{ServerID: serverID, PortID: portID})
	if err != nil {
		return fmt.Errorf("enforcer: marshal clean_port payload: %w", err)
	}
	return e.queue.Enqueue(ctx, &types.Job{Name: JobCleanPort, Payload: payload, Priority: queue.PriorityCleanup})
}

func (e *Enforcer) enqueueApplyShaping(ctx context.Context, port *types.Port, kbit int64) error {
	payload, err := json.Marshal(ApplyShapingPayload{ServerID: port.ServerID, PortID: port.ID, EgressKbit: kbit, IngressKbit: kbit})
	if err != nil {
		return fmt.Errorf("enforcer: marshal apply_shaping payload: %w", err)
	}
	return e.queue.Enqueue(ctx, &types.Job{Name: JobApplyShaping, Payload: payload, Priority: queue.PriorityReconcileRule})
}

func actionLabel(a types.LimitAction) string {
	switch a {
	case types.ActionDeleteRule:
		return "delete_rule"
	case types.ActionSpeedLimit10K:
		return "speed_limit_10k"
	case types.ActionSpeedLimit100K:
		return "speed_limit_100k"
	case types.ActionSpeedLimit1M:
		return "speed_limit_1m"
	case types.ActionSpeedLimit10M:
		return "speed_limit_10m"
	case types.ActionSpeedLimit30M:
		return "speed_limit_30m"
	case types.ActionSpeedLimit100M:
		return "speed_limit_100m"
	case types.ActionSpeedLimit1G:
		return "speed_limit_1g"
	default:
		return "no_action"
	}
}
