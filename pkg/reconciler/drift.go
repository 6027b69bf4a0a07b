package reconciler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/types"
)

var unitNamePattern = regexp.MustCompile(`aurora@(\d+)\.service\s+(\S+)\s+(\S+)`)

// DetectDrift reproduces correct_running_services: it lists serverID's
// active aurora@<port>.service units and calls enqueueReconcile for every
// rule the store still considers "running" whose port unit isn't active on
// the host, self-healing a unit stopped or removed outside the
// Reconciler's own writes (e.g. a host reboot that didn't re-enable it, or
// an operator manually touching the box).
func (r *Reconciler) DetectDrift(ctx context.Context, serverID string, enqueueReconcile func(ctx context.Context, ruleID string) error) error {
	server, err := r.store.GetServer(serverID)
	if err != nil {
		return fmt.Errorf("drift: load server %s: %w", serverID, err)
	}

	ports, err := r.store.ListPortsByServer(serverID)
	if err != nil {
		return fmt.Errorf("drift: list ports for %s: %w", serverID, err)
	}

	type expectation struct {
		ruleID string
		num    int
	}
	var expected []expectation
	for _, port := range ports {
		rule, err := r.store.GetForwardRuleByPort(port.ID)
		if err != nil || rule == nil || rule.Status != types.RuleStatusRunning || !rule.Method.NeedsService() {
			continue
		}
		expected = append(expected, expectation{ruleID: rule.ID, num: port.Num})
	}
	if len(expected) == 0 {
		return nil
	}

	creds, err := r.credentialsFor(server)
	if err != nil {
		return err
	}
	conn, err := r.open(ctx, server, creds, r.sshTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	out, err := conn.Run(ctx, "systemctl list-units 'aurora@*.service' --all --no-legend --plain 2>/dev/null", false)
	if err != nil {
		return fmt.Errorf("drift: list units on %s: %w", serverID, err)
	}

	active := make(map[int]bool)
	for _, line := range strings.Split(out, "\n") {
		m := unitNamePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		// m[2] is LOAD, m[3] is ACTIVE; only an ACTIVE of "active" counts as present.
		if m[3] != "active" {
			continue
		}
		if n, convErr := strconv.Atoi(m[1]); convErr == nil {
			active[n] = true
		}
	}

	for _, exp := range expected {
		if active[exp.num] {
			continue
		}
		log.Logger.Warn().Str("rule_id", exp.ruleID).Int("port", exp.num).Str("server_id", serverID).
			Msg("reconciler: drift detected, on-host unit missing for a running rule")
		if err := enqueueReconcile(ctx, exp.ruleID); err != nil {
			log.Logger.Error().Err(err).Str("rule_id", exp.ruleID).Msg("reconciler: failed to enqueue drift reconcile")
		}
	}
	return nil
}
