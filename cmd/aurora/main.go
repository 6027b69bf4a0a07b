package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/auroraproxy/aurora/pkg/api"
	"github.com/auroraproxy/aurora/pkg/collector"
	"github.com/auroraproxy/aurora/pkg/config"
	"github.com/auroraproxy/aurora/pkg/ddns"
	"github.com/auroraproxy/aurora/pkg/dns"
	"github.com/auroraproxy/aurora/pkg/enforcer"
	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/queue"
	"github.com/auroraproxy/aurora/pkg/reconciler"
	"github.com/auroraproxy/aurora/pkg/security"
	"github.com/auroraproxy/aurora/pkg/storage"
	"github.com/auroraproxy/aurora/pkg/streambus"
	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aurora",
	Short: "Aurora - port-forwarding control plane",
	Long: `Aurora manages port-forwarding rules (iptables NAT, gost-family
proxies, V2Ray) across a fleet of SSH-reachable hosts: it tracks traffic
usage, enforces quota/expiry policy, follows dynamic DNS, and drives each
host's on-disk and systemd state to match the desired configuration.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"aurora version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(initSuperuserCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// components bundles every package the serve/worker commands need,
// built once from config.Config so both subcommands share identical
// wiring.
type components struct {
	cfg       *config.Config
	store     storage.Store
	rdb       *redis.Client
	queue     *queue.Queue
	bus       *streambus.Bus
	sm        *security.SecretsManager
	resolver  *dns.Resolver
	collector *collector.Collector
	enforcer  *enforcer.Enforcer
	ddns      *ddns.Watcher
	reconciler *reconciler.Reconciler
}

func buildComponents() (*components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.EnableSentry {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.Environment}); err != nil {
			log.Logger.Error().Err(err).Msg("aurora: sentry init failed, continuing without error reporting")
		}
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sm, err := security.NewSecretsManagerFromSecretKey(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("build secrets manager: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)})
	bus := streambus.New(rdb, cfg.PubSubPrefix, cfg.PubSubStopword)
	q := queue.New(rdb, bus, 10*time.Minute)
	resolver := dns.NewResolver(cfg.DNSServer)
	coll := collector.New(store, cfg.SSHConnectionTimeout).WithSecretsManager(sm)
	enf := enforcer.New(store, q)
	watcher := ddns.New(store, resolver, q)
	rec := reconciler.New(store, resolver, coll, bus, cfg.SSHConnectionTimeout).
		WithArtifactsDir(cfg.ArtifactsDir).
		WithPubSubSleepSeconds(cfg.PubSubSleepSeconds).
		WithSecretsManager(sm)

	return &components{
		cfg:        cfg,
		store:      store,
		rdb:        rdb,
		queue:      q,
		bus:        bus,
		sm:         sm,
		resolver:   resolver,
		collector:  coll,
		enforcer:   enf,
		ddns:       watcher,
		reconciler: rec,
	}, nil
}

func (c *components) close() {
	if err := c.store.Close(); err != nil {
		log.Logger.Error().Err(err).Msg("aurora: failed to close store")
	}
	if err := c.rdb.Close(); err != nil {
		log.Logger.Error().Err(err).Msg("aurora: failed to close redis client")
	}
	if c.cfg.EnableSentry {
		sentry.Flush(2 * time.Second)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Control API HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}
		defer c.close()

		srv := api.NewServer(c.store, c.queue, c.bus, c.sm)
		httpServer := &http.Server{Addr: c.cfg.ListenAddr, Handler: srv.Router()}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Logger.Error().Err(err).Msg("aurora: http server shutdown error")
			}
		}()

		log.Logger.Info().Str("addr", c.cfg.ListenAddr).Msg("aurora: control api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker",
	Long: `Processes queued reconciliation, shaping and cleanup jobs, and
drives the periodic traffic-collection, quota-enforcement, DDNS-sweep
and pubsub-retention cycles.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}
		defer c.close()

		w := queue.NewWorker(c.queue, c.rdb)
		w.RegisterHandler(ddns.JobReconcileRule, c.reconciler.ReconcileRuleHandler)
		w.RegisterHandler(enforcer.JobApplyShaping, c.reconciler.ApplyShapingHandler)
		w.RegisterHandler(enforcer.JobCleanPort, c.reconciler.CleanPortHandler)
		w.RegisterHandler(jobCollectTraffic, c.collectTrafficHandler)
		w.RegisterHandler(jobCollectServerTraffic, c.collectServerTrafficHandler)
		w.RegisterHandler(jobEnforceQuotas, c.enforceQuotasHandler)
		w.RegisterHandler(jobDDNSSweep, c.ddnsSweepHandler)
		w.RegisterHandler(jobSweepPubsub, c.sweepPubsubHandler)
		w.RegisterHandler(jobRuleDrift, c.ruleDriftHandler)
		w.RegisterHandler(jobHostIntrospect, c.hostIntrospectFanoutHandler)
		w.RegisterHandler(jobHostIntrospectServer, c.hostIntrospectServerHandler)
		w.RegisterHandler(jobSweepArtifacts, c.sweepArtifactsHandler)

		if err := w.Periodic(fmt.Sprintf("@every %ds", c.cfg.TrafficIntervalSeconds), jobCollectTraffic, queue.PriorityTrafficFanout, nil); err != nil {
			return fmt.Errorf("schedule traffic collection: %w", err)
		}
		if err := w.Periodic("@every 1m", jobEnforceQuotas, queue.PriorityHousekeeping, nil); err != nil {
			return fmt.Errorf("schedule quota enforcement: %w", err)
		}
		if err := w.Periodic(fmt.Sprintf("@every %ds", c.cfg.DDNSIntervalSeconds), jobDDNSSweep, queue.PriorityHousekeeping, nil); err != nil {
			return fmt.Errorf("schedule ddns sweep: %w", err)
		}
		if err := w.Periodic("0 3 * * *", jobSweepPubsub, queue.PriorityHousekeeping, nil); err != nil {
			return fmt.Errorf("schedule pubsub sweep: %w", err)
		}
		if err := w.Periodic("0 * * * *", jobRuleDrift, queue.PriorityHousekeeping, nil); err != nil {
			return fmt.Errorf("schedule rule drift sweep: %w", err)
		}
		if err := w.Periodic(fmt.Sprintf("@every %ds", c.cfg.TrafficIntervalSeconds), jobHostIntrospect, queue.PriorityHousekeeping, nil); err != nil {
			return fmt.Errorf("schedule host introspection: %w", err)
		}
		if err := w.Periodic("0 * * * *", jobSweepArtifacts, queue.PriorityHousekeeping, nil); err != nil {
			return fmt.Errorf("schedule artifact sweep: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go c.queue.RunDelayedDispatch(ctx, time.Second)
		go runReclaimLoop(ctx, c.queue)

		w.StartPeriodic()
		defer w.StopPeriodic()

		log.Logger.Info().Msg("aurora: worker running")
		w.Run(ctx, 2*time.Second)
		return nil
	},
}

var initSuperuserCmd = &cobra.Command{
	Use:   "init-superuser",
	Short: "Create an administrative User record",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		email, _ := cmd.Flags().GetString("email")
		if username == "" {
			return fmt.Errorf("--username is required")
		}

		c, err := buildComponents()
		if err != nil {
			return err
		}
		defer c.close()

		user := &types.User{
			ID:        uuid.New().String(),
			Username:  username,
			Email:     email,
			IsActive:  true,
			IsAdmin:   true,
			CreatedAt: time.Now(),
		}
		if err := c.store.CreateUser(user); err != nil {
			return fmt.Errorf("create superuser: %w", err)
		}
		fmt.Printf("created superuser %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

func init() {
	initSuperuserCmd.Flags().String("username", "", "Username for the new superuser (required)")
	initSuperuserCmd.Flags().String("email", "", "Email for the new superuser")
}

// runReclaimLoop periodically returns jobs whose worker lease expired
// back to the ready set, so a crashed worker never strands a job
// (invariant 8).
func runReclaimLoop(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.ReclaimStale(ctx)
			if err != nil {
				log.Logger.Error().Err(err).Msg("aurora: reclaim stale jobs failed")
				continue
			}
			if n > 0 {
				log.Logger.Warn().Int("count", n).Msg("aurora: reclaimed stale jobs")
			}
		}
	}
}
