package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/auroraproxy/aurora/pkg/collector"
	"github.com/auroraproxy/aurora/pkg/connector"
	"github.com/auroraproxy/aurora/pkg/ddns"
	"github.com/auroraproxy/aurora/pkg/dns"
	"github.com/auroraproxy/aurora/pkg/enforcer"
	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/metrics"
	"github.com/auroraproxy/aurora/pkg/security"
	"github.com/auroraproxy/aurora/pkg/storage"
	"github.com/auroraproxy/aurora/pkg/streambus"
	"github.com/auroraproxy/aurora/pkg/translator"
	"github.com/auroraproxy/aurora/pkg/types"
)

// serviceErrorLine reproduces update_rule_error's filter: a journal line
// is kept only when it names the unit itself, and only the text after
// the colon is retained — timestamps, hostnames and other units' chatter
// never make it into rule.Config.Error.
var serviceErrorLine = regexp.MustCompile(`\w+@\d+\.service:(.*)$`)

func extractServiceErrorLines(journal string) string {
	var lines []string
	for _, line := range strings.Split(journal, "\n") {
		if m := serviceErrorLine.FindStringSubmatch(line); m != nil {
			lines = append(lines, strings.TrimSpace(m[1]))
		}
	}
	return strings.Join(lines, "\n")
}

// Conn is the subset of *connector.Connection a plan execution needs;
// narrowed to an interface so tests can inject a fake.
type Conn interface {
	Run(ctx context.Context, cmd string, publish bool) (string, error)
	EnsureFile(ctx context.Context, content []byte, remotePath, mode string) error
	EnsureFolder(ctx context.Context, remotePath string) error
	OSRelease(ctx context.Context) (string, error)
	CPUUsage(ctx context.Context) (string, error)
	MemoryUsage(ctx context.Context) (string, error)
	DiskUsage(ctx context.Context) (string, error)
	JournalTail(ctx context.Context, unit string, n int) (string, error)
	Close() error
}

// streamable is satisfied by *connector.Connection; a fake Conn used in
// tests need not implement it; attachStream is then a no-op.
type streamable interface {
	WithStream(publisher connector.Publisher, streamID, stopword string, sleepSecs float64) *connector.Connection
}

// attachStream wires conn's live output at the job's own channel id, so
// §4.1's "publish under the current job's channel" and §4.7's
// history-then-stopword lifecycle both key off the same id the Control
// API hands back to the caller as job_id.
func (r *Reconciler) attachStream(conn Conn, jobID string) {
	if r.bus == nil || jobID == "" {
		return
	}
	if sc, ok := conn.(streamable); ok {
		sc.WithStream(r.bus, jobID, r.bus.Stopword(), r.pubsubSleepSecs)
	}
}

type openFunc func(ctx context.Context, server *types.Server, creds connector.Credentials, timeout time.Duration) (Conn, error)

// Reconciler executes ActionPlans against managed servers, one server at
// a time, and transcribes the outcome back onto the owning ForwardRule.
type Reconciler struct {
	store           storage.Store
	resolver        *dns.Resolver
	collector       *collector.Collector
	bus             *streambus.Bus
	sm              *security.SecretsManager
	open            openFunc
	sshTimeout      time.Duration
	artifactsDir    string
	pubsubSleepSecs float64
	mu              keyedMutex
}

// New constructs a Reconciler. bus may be nil, in which case status
// transitions are persisted but never published live.
func New(store storage.Store, resolver *dns.Resolver, coll *collector.Collector, bus *streambus.Bus, sshTimeout time.Duration) *Reconciler {
	if sshTimeout <= 0 {
		sshTimeout = 30 * time.Second
	}
	return &Reconciler{
		store:     store,
		resolver:  resolver,
		collector: coll,
		bus:       bus,
		open: func(ctx context.Context, server *types.Server, creds connector.Credentials, timeout time.Duration) (Conn, error) {
			return connector.Open(ctx, server, creds, timeout)
		},
		sshTimeout: sshTimeout,
	}
}

// WithSecretsManager sets the decryptor ReconcileRule/ApplyShaping/
// CleanPort use to recover a server's plaintext SSH/sudo password from
// its at-rest ciphertext before dialing. Unset, credentialsFor passes
// Server.Password/SudoPassword through verbatim — only correct for
// stores holding plaintext, e.g. in tests.
func (r *Reconciler) WithSecretsManager(sm *security.SecretsManager) *Reconciler {
	r.sm = sm
	return r
}

// WithOpenFunc overrides how plans dial a server; exposed for tests.
func (r *Reconciler) WithOpenFunc(open func(ctx context.Context, server *types.Server, creds connector.Credentials, timeout time.Duration) (Conn, error)) *Reconciler {
	r.open = open
	return r
}

// WithArtifactsDir sets the root under which ReconcileRule persists each
// plan's combined step transcript, mirroring the artifact directories an
// ansible-runner-backed implementation would leave behind
// (<root>/<server>/artifacts/<ident>/stdout). When unset, no transcript
// is written to disk; only the WriteService and InstallFilter steps'
// completion is published, and log lines carry the step name, not its output.
func (r *Reconciler) WithArtifactsDir(dir string) *Reconciler {
	r.artifactsDir = dir
	return r
}

// WithPubSubSleepSeconds sets the grace period a streamed connection
// sleeps before publishing the stopword on Close, matching
// PUBSUB_SLEEP_SECONDS (§6). Defaults to 0 (no grace period) when unset.
func (r *Reconciler) WithPubSubSleepSeconds(secs float64) *Reconciler {
	r.pubsubSleepSecs = secs
	return r
}

func (r *Reconciler) credentialsFor(server *types.Server) (connector.Credentials, error) {
	password, sudoPassword := server.Password, server.SudoPassword
	if r.sm != nil {
		var err error
		if password, err = r.sm.DecryptString(password); err != nil {
			return connector.Credentials{}, fmt.Errorf("reconciler: decrypt password for server %s: %w", server.ID, err)
		}
		if sudoPassword, err = r.sm.DecryptString(sudoPassword); err != nil {
			return connector.Credentials{}, fmt.Errorf("reconciler: decrypt sudo password for server %s: %w", server.ID, err)
		}
	}
	creds := connector.Credentials{User: server.User, Password: password, SudoPassword: sudoPassword}
	if server.AuthFileID != "" {
		file, err := r.store.GetFile(server.AuthFileID)
		if err != nil {
			return creds, fmt.Errorf("reconciler: load auth key for server %s: %w", server.ID, err)
		}
		pem, err := os.ReadFile(file.Path)
		if err != nil {
			return creds, fmt.Errorf("reconciler: read auth key %s: %w", file.Path, err)
		}
		creds.PrivateKeyPEM = pem
	}
	return creds, nil
}

// publish emits a lifecycle event on jobID's Stream Bus channel — the
// same channel the Control API's job-stream route and the attached
// Connection's own step output both publish to (§4.7: one channel per
// job id, not per rule).
func (r *Reconciler) publish(ctx context.Context, jobID, text string) {
	if r.bus == nil || jobID == "" {
		return
	}
	_ = r.bus.Publish(ctx, jobID, text)
}

// ReconcileRuleHandler adapts ReconcileRule to the queue.Handler shape,
// for registration against ddns.JobReconcileRule.
func (r *Reconciler) ReconcileRuleHandler(ctx context.Context, job *types.Job) error {
	var payload ddns.ReconcilePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("reconciler: unmarshal reconcile payload: %w", err)
	}
	return r.ReconcileRule(ctx, payload.RuleID, job.ID)
}

// ReconcileRule is the unit of work a queue job invokes: resolve the
// rule's remote address, translate it into an ActionPlan, and execute
// every step against the owning server in order.
func (r *Reconciler) ReconcileRule(ctx context.Context, ruleID, runner string) error {
	timer := metrics.NewTimer()

	rule, err := r.store.GetForwardRule(ruleID)
	if err != nil {
		return fmt.Errorf("reconciler: load rule %s: %w", ruleID, err)
	}
	port, err := r.store.GetPort(rule.PortID)
	if err != nil {
		return fmt.Errorf("reconciler: load port %s: %w", rule.PortID, err)
	}
	server, err := r.store.GetServer(port.ServerID)
	if err != nil {
		return fmt.Errorf("reconciler: load server %s: %w", port.ServerID, err)
	}
	defer timer.ObserveDurationVec(metrics.ReconciliationDuration, string(rule.Method))

	unlock := r.mu.lock(server.ID)
	defer unlock()

	if rule.Method.FollowsDDNS() && rule.Config.RemoteAddress != "" {
		resolved, err := r.resolver.Resolve(ctx, rule.Config.RemoteAddress)
		if err != nil {
			metrics.ReconciliationsTotal.WithLabelValues(string(rule.Method), "failed").Inc()
			return r.failRule(ctx, rule, runner, fmt.Sprintf("resolve %s: %v", rule.Config.RemoteAddress, err))
		}
		rule.Config.RemoteIP = resolved
		if err := r.store.UpdateForwardRule(rule); err != nil {
			return fmt.Errorf("reconciler: persist resolved ip for rule %s: %w", rule.ID, err)
		}
	}

	if err := r.store.UpdateForwardRuleStatus(rule.ID, types.RuleStatusStarting); err != nil {
		return fmt.Errorf("reconciler: mark rule %s starting: %w", rule.ID, err)
	}
	r.publish(ctx, runner, "starting")

	plan, err := translator.Translate(port, rule, server)
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(string(rule.Method), "failed").Inc()
		return r.failRule(ctx, rule, runner, err.Error())
	}

	creds, err := r.credentialsFor(server)
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(string(rule.Method), "failed").Inc()
		return r.failRule(ctx, rule, runner, err.Error())
	}
	conn, err := r.open(ctx, server, creds, r.sshTimeout)
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(string(rule.Method), "failed").Inc()
		return r.failRule(ctx, rule, runner, err.Error())
	}
	r.attachStream(conn, runner)
	defer conn.Close()

	var facts map[string]string
	var transcript strings.Builder
	for _, step := range plan.Steps {
		output, stepErr := r.executeStep(ctx, conn, step, &facts)
		if stepErr != nil {
			journal, _ := conn.JournalTail(ctx, serviceName(port), 50)
			msg := extractServiceErrorLines(journal)
			if msg == "" {
				msg = stepErr.Error()
			}
			metrics.ReconciliationsTotal.WithLabelValues(string(rule.Method), "failed").Inc()
			_ = r.failRule(ctx, rule, runner, msg)
			return &types.RemoteStepError{Kind: step.Kind, Output: journal, Err: stepErr}
		}
		fmt.Fprintf(&transcript, "--- %s ---\n%s\n", step.Kind, output)
		log.Logger.Info().Str("rule_id", rule.ID).Str("step", string(step.Kind)).Msg("reconciler: step completed")
		if step.Kind == types.StepWriteService || step.Kind == types.StepInstallFilter {
			r.publish(ctx, runner, fmt.Sprintf("%s completed", step.Kind))
		}
	}

	rule.Status = types.RuleStatusRunning
	rule.Config.Error = ""
	rule.Config.Runner = runner
	if err := r.store.UpdateForwardRule(rule); err != nil {
		return fmt.Errorf("reconciler: persist running rule %s: %w", rule.ID, err)
	}
	r.writeArtifact(server.ID, runner, transcript.String())
	if len(facts) > 0 {
		server.Config.System = facts
		server.Config.Initialized = true
		if err := r.store.UpdateServer(server); err != nil {
			log.Logger.Error().Err(err).Str("server_id", server.ID).Msg("reconciler: failed to persist probed facts")
		}
	}
	metrics.ReconciliationsTotal.WithLabelValues(string(rule.Method), "success").Inc()
	r.publish(ctx, runner, "running")

	// §4.4: a plan that rewrote the filter table restarts the host's byte
	// counters at zero, so the server is collected right away with
	// accumulate=true, which folds this pass's raw reading into the
	// accumulate baseline of every port on it.
	if r.collector != nil && planModifiesFilterTable(plan) {
		if err := r.collector.CollectServer(ctx, server.ID, true); err != nil {
			log.Logger.Error().Err(err).Str("server_id", server.ID).Msg("reconciler: usage roll-forward after reconcile failed")
		}
	}
	return nil
}

func planModifiesFilterTable(plan *types.ActionPlan) bool {
	for _, step := range plan.Steps {
		if step.Kind == types.StepInstallFilter {
			return true
		}
	}
	return false
}

func (r *Reconciler) failRule(ctx context.Context, rule *types.ForwardRule, runner, message string) error {
	rule.Status = types.RuleStatusFailed
	rule.Config.Error = message
	if err := r.store.UpdateForwardRule(rule); err != nil {
		log.Logger.Error().Err(err).Str("rule_id", rule.ID).Msg("reconciler: failed to persist failed status")
	}
	r.publish(ctx, runner, "failed")
	return fmt.Errorf("reconciler: rule %s failed: %s", rule.ID, message)
}

// writeArtifact persists a plan's combined step transcript under
// <artifactsDir>/<server>/artifacts/<ident>/stdout, matching the per-job
// artifacts layout spec.md §6 describes; swept hourly by housekeeping. A
// blank artifactsDir (the default) or ident disables this entirely.
func (r *Reconciler) writeArtifact(serverID, ident, transcript string) {
	if r.artifactsDir == "" || ident == "" {
		return
	}
	dir := filepath.Join(r.artifactsDir, serverID, "artifacts", ident)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Logger.Error().Err(err).Str("dir", dir).Msg("reconciler: failed to create artifact directory")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "stdout"), []byte(transcript), 0644); err != nil {
		log.Logger.Error().Err(err).Str("dir", dir).Msg("reconciler: failed to write plan artifact")
	}
}

func serviceName(port *types.Port) string {
	return fmt.Sprintf("aurora@%d.service", port.Num)
}

// executeStep runs one RemoteStep and returns its combined output (when
// the step kind produces any) so the caller can fold it into the plan's
// artifact transcript.
func (r *Reconciler) executeStep(ctx context.Context, conn Conn, step types.RemoteStep, facts *map[string]string) (string, error) {
	switch step.Kind {
	case types.StepEnsureInventory:
		return "", conn.EnsureFolder(ctx, step.RemotePath)

	case types.StepEnsureBinary:
		return conn.Run(ctx, fmt.Sprintf("%s %s", step.RemotePath, step.VersionArg), false)

	case types.StepWriteConfig:
		return "", conn.EnsureFile(ctx, []byte(step.Content), step.RemotePath, step.Mode)

	case types.StepWriteService:
		return "", r.applyServiceUnit(ctx, conn, step)

	case types.StepInstallFilter:
		return conn.Run(ctx, installFilterCommand(step), true)

	case types.StepApplyShaping:
		return conn.Run(ctx, applyShapingCommand(step), false)

	case types.StepProbeFacts:
		raw, err := conn.OSRelease(ctx)
		if err != nil {
			return "", err
		}
		if facts != nil {
			*facts = parseOSRelease(raw)
		}
		return raw, nil

	default:
		return "", fmt.Errorf("reconciler: unknown step kind %q", step.Kind)
	}
}

func (r *Reconciler) applyServiceUnit(ctx context.Context, conn Conn, step types.RemoteStep) error {
	if step.Stop {
		_, err := conn.Run(ctx, fmt.Sprintf("systemctl disable --now %s", step.ServiceName), true)
		return err
	}
	unitPath := "/etc/systemd/system/" + step.ServiceName
	if err := conn.EnsureFile(ctx, []byte(step.Content), unitPath, "0644"); err != nil {
		return err
	}
	_, err := conn.Run(ctx, fmt.Sprintf("systemctl daemon-reload && systemctl enable %s && systemctl restart %s", step.ServiceName, step.ServiceName), true)
	return err
}

func installFilterCommand(step types.RemoteStep) string {
	helper := translator.IPTablesHelperPath
	switch step.Action {
	case "forward":
		return fmt.Sprintf("%s -t=%s forward %d %s %d", helper, step.ForwardType, step.LocalPort, step.RemoteIP, step.RemotePort)
	case "delete":
		return fmt.Sprintf("%s delete %d", helper, step.LocalPort)
	case "reset":
		return fmt.Sprintf("%s reset %d", helper, step.LocalPort)
	case "list":
		return fmt.Sprintf("%s list %d", helper, step.LocalPort)
	default:
		return fmt.Sprintf("%s list_all", helper)
	}
}

func applyShapingCommand(step types.RemoteStep) string {
	var b strings.Builder
	b.WriteString(translator.TCHelperPath)
	if step.EgressKbit > 0 {
		fmt.Fprintf(&b, " -e=%dkbit", step.EgressKbit)
	}
	if step.IngressKbit > 0 {
		fmt.Fprintf(&b, " -i=%dkbit", step.IngressKbit)
	}
	fmt.Fprintf(&b, " %d", step.LocalPort)
	return b.String()
}

// parseOSRelease turns an /etc/os-release dump into a flat key/value map,
// the shape ProbeFacts writes into server.Config.System.
func parseOSRelease(raw string) map[string]string {
	facts := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		facts[parts[0]] = strings.Trim(parts[1], `"`)
	}
	return facts
}

// ApplyShapingHandler adapts ApplyShaping to the queue.Handler shape, for
// registration against enforcer.JobApplyShaping.
func (r *Reconciler) ApplyShapingHandler(ctx context.Context, job *types.Job) error {
	var payload enforcer.ApplyShapingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("reconciler: unmarshal apply_shaping payload: %w", err)
	}
	return r.ApplyShaping(ctx, payload.ServerID, payload.PortID, payload.EgressKbit, payload.IngressKbit)
}

// ApplyShaping pushes a port's current egress/ingress limits onto the
// server's traffic control discipline.
func (r *Reconciler) ApplyShaping(ctx context.Context, serverID, portID string, egressKbit, ingressKbit int64) error {
	port, err := r.store.GetPort(portID)
	if err != nil {
		return fmt.Errorf("reconciler: load port %s: %w", portID, err)
	}
	server, err := r.store.GetServer(serverID)
	if err != nil {
		return fmt.Errorf("reconciler: load server %s: %w", serverID, err)
	}
	rule, _ := r.store.GetForwardRuleByPort(portID)

	unlock := r.mu.lock(server.ID)
	defer unlock()

	plan := translator.BuildShapingPlan(server, port, rule, egressKbit, ingressKbit)
	creds, err := r.credentialsFor(server)
	if err != nil {
		return err
	}
	conn, err := r.open(ctx, server, creds, r.sshTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, step := range plan.Steps {
		if _, err := r.executeStep(ctx, conn, step, nil); err != nil {
			return &types.RemoteStepError{Kind: step.Kind, Err: err}
		}
	}
	metrics.EnforcerActionsTotal.WithLabelValues("shaping_applied").Inc()
	return nil
}

// CleanPortHandler adapts CleanPort to the queue.Handler shape, for
// registration against enforcer.JobCleanPort.
func (r *Reconciler) CleanPortHandler(ctx context.Context, job *types.Job) error {
	var payload enforcer.CleanPortPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("reconciler: unmarshal clean_port payload: %w", err)
	}
	return r.CleanPort(ctx, payload.ServerID, payload.PortID)
}

// CleanPort tears down a removed ForwardRule's on-host state: it reads
// the port's final traffic delta over the still-live filter rule before
// dropping it, then deletes the NAT entry and, for a managed method,
// stops and disables its service unit.
func (r *Reconciler) CleanPort(ctx context.Context, serverID, portID string) error {
	rule, err := r.store.GetForwardRuleByPort(portID)
	if err != nil {
		return nil // already cleaned, or never had a rule
	}
	port, err := r.store.GetPort(portID)
	if err != nil {
		return fmt.Errorf("reconciler: load port %s: %w", portID, err)
	}
	server, err := r.store.GetServer(serverID)
	if err != nil {
		return fmt.Errorf("reconciler: load server %s: %w", serverID, err)
	}

	unlock := r.mu.lock(server.ID)
	defer unlock()

	if r.collector != nil {
		if err := r.collector.CollectServer(ctx, serverID, true); err != nil {
			log.Logger.Error().Err(err).Str("server_id", serverID).Msg("reconciler: final usage collection failed before clean_port")
		}
	}

	plan := translator.BuildCleanPlan(server, port, rule)
	creds, err := r.credentialsFor(server)
	if err != nil {
		return err
	}
	conn, err := r.open(ctx, server, creds, r.sshTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, step := range plan.Steps {
		if _, err := r.executeStep(ctx, conn, step, nil); err != nil {
			return &types.RemoteStepError{Kind: step.Kind, Err: err}
		}
	}

	if err := r.store.DeleteForwardRule(rule.ID); err != nil {
		return fmt.Errorf("reconciler: delete forward rule %s: %w", rule.ID, err)
	}
	if err := r.store.DeletePortUsage(portID); err != nil {
		log.Logger.Error().Err(err).Str("port_id", portID).Msg("reconciler: failed to delete port usage after clean_port")
	}
	return nil
}
