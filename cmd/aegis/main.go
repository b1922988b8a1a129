// Command aegis runs the guardrail gateway: policy-driven request
// evaluation, idempotent replay, streaming egress guarding, and the
// admin/diagnostic surface, configured entirely from the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-gw/aegis/pkg/api"
	"github.com/aegis-gw/aegis/pkg/arms"
	"github.com/aegis-gw/aegis/pkg/audit"
	"github.com/aegis-gw/aegis/pkg/auth"
	"github.com/aegis-gw/aegis/pkg/bus"
	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/idempotency"
	"github.com/aegis-gw/aegis/pkg/metrics"
	"github.com/aegis-gw/aegis/pkg/pipeline"
	"github.com/aegis-gw/aegis/pkg/policy"
	"github.com/aegis-gw/aegis/pkg/quota"
	"github.com/aegis-gw/aegis/pkg/risk"
	"github.com/aegis-gw/aegis/pkg/store"
	"github.com/aegis-gw/aegis/pkg/verify"
	"github.com/aegis-gw/aegis/pkg/webhook"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	_ = godotenv.Load()

	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "serve", "server":
		return runServe(stderr)
	case "validate":
		return runValidate(args[1:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, policy.GatewayVersion)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: aegis [serve|validate <pack.yaml>|health|version|help]")
}

// runValidate lints one rule pack and prints the report.
func runValidate(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: aegis validate <pack.yaml>")
		return 2
	}
	text, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "read pack: %v\n", err)
		return 1
	}
	report, _ := policy.Validate(text, policy.GatewayVersion)
	fmt.Fprintf(stdout, "status: %s\n", report.Status)
	for _, issue := range report.Issues {
		fmt.Fprintf(stdout, "  [%s] %s %s: %s\n", issue.Severity, issue.Code, issue.Path, issue.Message)
	}
	if report.HasErrors() {
		return 1
	}
	return 0
}

// runHealth probes the local gateway, for container health checks.
func runHealth(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "unreachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	fmt.Fprintf(stdout, "status: %d\n", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func runServe(stderr io.Writer) int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := serve(logger); err != nil {
		fmt.Fprintf(stderr, "aegis: %v\n", err)
		return 1
	}
	return 0
}

func serve(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.New(metrics.Options{
		LabelCardMax:     cfg.Metrics.LabelCardMax,
		LabelPairCardMax: cfg.Metrics.LabelPairCardMax,
		OverflowLabel:    cfg.Metrics.OverflowLabel,
	})

	policies := policy.NewStore(cfg.Policy, reg, logger)
	if err := policies.Reload(); err != nil {
		return fmt.Errorf("load rule packs: %w", err)
	}

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
	}

	idemStore, pinger, err := buildIdemStore(cfg, rdb)
	if err != nil {
		return err
	}
	engine := idempotency.NewEngine(idemStore, cfg.Idempotency, reg, logger)

	var quotas quota.Store
	if cfg.Quota.Enabled {
		if rdb != nil {
			quotas = quota.NewRedisStore(rdb, cfg.Quota.PerDay, cfg.Quota.PerMonth)
		} else {
			quotas = quota.NewMemoryStore(cfg.Quota.PerDay, cfg.Quota.PerMonth)
		}
	}

	auditFile, err := openAppend(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditFile.Close()
	auditor := audit.NewLogger(auditFile)
	if cfg.Audit.ForwardURL != "" {
		auditor = auditor.WithForwarder(audit.NewForwarder(ctx,
			cfg.Audit.ForwardURL, cfg.Audit.Token, cfg.Audit.HMACSecret, nil))
	}

	var hardened *verify.Hardened
	if cfg.Verifier.Enabled {
		hardened = buildVerifier(cfg, rdb, reg, auditor, logger)
	}

	armsRT := arms.NewRuntime(cfg.Arms.EgressOnlyOnIngressDegraded, reg, logger)
	rsk := risk.NewStore(cfg.Risk.TTL)
	esc := risk.NewEscalator(cfg.Escalation)
	pipe := pipeline.New(cfg, policies, rsk, esc, hardened, armsRT, reg, logger)
	if len(cfg.ThreatFeedURLs) > 0 {
		pipe.WithThreatTerms(pipeline.FetchThreatTerms(ctx, nil, cfg.ThreatFeedURLs, logger))
	}

	decisionFile, err := openAppend(cfg.DecisionLogPath)
	if err != nil {
		return fmt.Errorf("open decision log: %w", err)
	}
	defer decisionFile.Close()
	decisionBus := bus.New(decisionFile, bus.WithSubscriberGauge(func(n int) {
		reg.SetGauge(metrics.BusSubscribers, float64(n), nil)
	}))

	var webhooks *webhook.Deliverer
	if len(cfg.Webhook.URLs) > 0 {
		dlq, err := webhook.NewDLQ(cfg.Webhook.DLQPath, func(n int) {
			reg.SetGauge(metrics.WebhookDLQLength, float64(n), nil)
		})
		if err != nil {
			return fmt.Errorf("open webhook dlq: %w", err)
		}
		breakers := webhook.NewBreakerRegistry(cfg.Webhook.CBErrorThreshold,
			cfg.Webhook.CBWindow, cfg.Webhook.CBCooldown)
		webhooks = webhook.NewDeliverer(cfg.Webhook, nil, breakers, dlq, reg, logger)
	}

	var archive *store.Archive
	if cfg.DecisionArchive != "" {
		archive, err = store.Open(cfg.DecisionArchive)
		if err != nil {
			return fmt.Errorf("open decision archive: %w", err)
		}
		defer archive.Close()
	}

	confFile, err := openAppend(cfg.ConfigAuditPath)
	if err != nil {
		return fmt.Errorf("open config audit log: %w", err)
	}
	defer confFile.Close()

	server := api.NewServer(cfg, api.Deps{
		Metrics:  reg,
		Policies: policies,
		Pipeline: pipe,
		Idemp:    engine,
		Quotas:   quotas,
		Bus:      decisionBus,
		Webhooks: webhooks,
		Archive:  archive,
		Arms:     armsRT,
		Admin:    auth.NewAdmin(cfg.Admin, logger),
		Auditor:  auditor,
		ConfLog:  api.NewConfigAudit(confFile),
		Pinger:   pinger,
	}, logger)
	defer server.Close()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", cfg.Port, "env", string(cfg.Env))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildIdemStore selects the idempotency backend and, for Redis, the
// readiness pinger.
func buildIdemStore(cfg *config.Config, shared redis.UniversalClient) (idempotency.Store, api.Pinger, error) {
	if cfg.Idempotency.Backend != "redis" {
		return idempotency.NewMemoryStore(), nil, nil
	}
	client := shared
	if cfg.Idempotency.RedisURL != cfg.RedisURL || client == nil {
		opt, err := redis.ParseURL(cfg.Idempotency.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse IDEMP_REDIS_URL: %w", err)
		}
		client = redis.NewClient(opt)
	}
	return idempotency.NewRedisStore(client), redisPinger{client}, nil
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// buildVerifier assembles the provider registry from the environment:
// each configured provider name resolves VERIFIER_PROVIDER_<NAME>_URL and
// optional _TOKEN.
func buildVerifier(cfg *config.Config, rdb redis.UniversalClient, reg *metrics.Registry, auditor *audit.Logger, logger *slog.Logger) *verify.Hardened {
	var providers []verify.Provider
	for _, name := range cfg.Verifier.Providers {
		key := "VERIFIER_PROVIDER_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		url := os.Getenv(key + "_URL")
		if url == "" {
			logger.Warn("verifier provider has no URL, skipping", "provider", name)
			continue
		}
		providers = append(providers, verify.NewHTTPProvider(name, url, os.Getenv(key+"_TOKEN"), nil))
	}

	var cache verify.ResultCache = verify.NewMemoryCache()
	var harmful verify.HarmfulMemory = verify.NewMemoryHarmful(4096)
	if rdb != nil {
		cache = verify.NewTieredCache(verify.NewMemoryCache(), verify.NewRedisCache(rdb), cfg.Verifier.CacheTTL)
		harmful = verify.NewRedisHarmful(rdb, 24*time.Hour)
	}

	vp := verify.NewPipeline(
		verify.NewRegistry(providers...),
		cache,
		verify.NewBreakerSet(cfg.Verifier.BreakerFails, cfg.Verifier.BreakerCooldown),
		verify.NewRouter(cfg.Verifier.AdaptiveRouting, reg),
		harmful,
		cfg.Verifier,
		logger,
	)
	hardened := verify.NewHardened(vp, cfg.Verifier.TotalTimeout, auditor, logger)
	if cfg.Verifier.ShadowSampleRate > 0 {
		hardened = hardened.WithShadow(verify.NewShadow(providers,
			cfg.Verifier.ShadowSampleRate, cfg.Verifier.ShadowConcurrency,
			cfg.Verifier.ProviderTimeout, logger))
	}
	return hardened
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}
