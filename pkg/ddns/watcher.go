package ddns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/auroraproxy/aurora/pkg/dns"
	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/queue"
	"github.com/auroraproxy/aurora/pkg/storage"
	"github.com/auroraproxy/aurora/pkg/types"
)

// JobReconcileRule is the job name the Reconciler registers a handler for.
// The DDNS Watcher never distinguishes iptables from the other methods at
// enqueue time: Translate already produces the right plan per method.
const JobReconcileRule = "reconcile_rule"

// ReconcilePayload is JSON-encoded into a JobReconcileRule job's Payload.
type ReconcilePayload struct {
	RuleID string `json:"rule_id"`
}

// Watcher re-resolves every DNS-following rule's remote address once per
// sweep and enqueues a reconcile when the answer has moved.
type Watcher struct {
	store    storage.Store
	resolver *dns.Resolver
	queue    *queue.Queue
}

// New constructs a Watcher.
func New(store storage.Store, resolver *dns.Resolver, q *queue.Queue) *Watcher {
	return &Watcher{store: store, resolver: resolver, queue: q}
}

// Sweep reproduces ddns_runner: every candidate rule is re-resolved
// independently, and a single failure never aborts the remaining rules.
func (w *Watcher) Sweep(ctx context.Context) error {
	rules, err := w.store.ListDDNSForwardRules()
	if err != nil {
		return fmt.Errorf("ddns: list ddns rules: %w", err)
	}

	for _, rule := range rules {
		if err := w.checkRule(ctx, rule); err != nil {
			log.Logger.Error().Err(err).Str("rule_id", rule.ID).Msg("ddns: failed to check rule")
		}
	}
	return nil
}

// checkRule reproduces ddns_runner's per-rule body: only a rule that
// already has both a remote_address and a previously resolved remote_ip,
// and whose address is not itself a literal, is re-queried.
func (w *Watcher) checkRule(ctx context.Context, rule *types.ForwardRule) error {
	if !rule.Method.FollowsDDNS() {
		return nil
	}
	addr := rule.Config.RemoteAddress
	if addr == "" || rule.Config.RemoteIP == "" || types.RemoteIPLiteral(addr) {
		return nil
	}

	updated, err := w.resolver.Resolve(ctx, addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	if updated == "" || updated == rule.Config.RemoteIP {
		return nil
	}

	log.Logger.Info().
		Str("rule_id", rule.ID).
		Str("address", addr).
		Str("old_ip", rule.Config.RemoteIP).
		Str("new_ip", updated).
		Msg("ddns: remote address changed")

	rule.Config.RemoteIP = updated
	if err := w.store.UpdateForwardRule(rule); err != nil {
		return fmt.Errorf("persist resolved ip for rule %s: %w", rule.ID, err)
	}

	return w.enqueueReconcile(ctx, rule.ID)
}

func (w *Watcher) enqueueReconcile(ctx context.Context, ruleID string) error {
	payload, err := json.Marshal(ReconcilePayload{RuleID: ruleID})
	if err != nil {
		return fmt.Errorf("marshal reconcile payload: %w", err)
	}
	return w.queue.Enqueue(ctx, &types.Job{
		Name:     JobReconcileRule,
		Payload:  payload,
		Priority: queue.PriorityReconcileRule,
	})
}
