// Command insightd runs the privacy-governed analytics pipeline
// daemon and its operational subcommands.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kamalbuilds/PrivateInsight/pkg/attestation"
	"github.com/kamalbuilds/PrivateInsight/pkg/audit"
	"github.com/kamalbuilds/PrivateInsight/pkg/budget"
	"github.com/kamalbuilds/PrivateInsight/pkg/compliance"
	"github.com/kamalbuilds/PrivateInsight/pkg/compute"
	"github.com/kamalbuilds/PrivateInsight/pkg/config"
	"github.com/kamalbuilds/PrivateInsight/pkg/content"
	"github.com/kamalbuilds/PrivateInsight/pkg/dataset"
	"github.com/kamalbuilds/PrivateInsight/pkg/jobs"
	"github.com/kamalbuilds/PrivateInsight/pkg/limiter"
	"github.com/kamalbuilds/PrivateInsight/pkg/observability"
	"github.com/kamalbuilds/PrivateInsight/pkg/policy"
	"github.com/kamalbuilds/PrivateInsight/pkg/possession"
	"github.com/kamalbuilds/PrivateInsight/pkg/zkproof"

	_ "github.com/lib/pq" // postgres driver
	_ "modernc.org/sqlite"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split out from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "demo":
		return runDemo(stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "insightd %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "insightd - privacy-governed analytics job pipeline")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  insightd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve     Run the pipeline daemon (default)")
	fmt.Fprintln(w, "  policy    Validate policy and framework profiles (--dir)")
	fmt.Fprintln(w, "  demo      Run one job lifecycle in-process")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help")
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

//nolint:gocognit // sequential wiring
func runServe(stdout, stderr io.Writer) int {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))
	logger := slog.Default().With("component", "insightd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "private-insight",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEnabled,
		Insecure:     true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability init failed: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	blobs, err := content.NewStoreFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "content store init failed: %v\n", err)
		return 1
	}

	// Durable stores: postgres when DATABASE_URL is set, sqlite
	// otherwise.
	var db *sql.DB
	var budgetStore budget.Store
	var jobStore jobs.Store
	var auditStore audit.Store
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err == nil {
			err = db.PingContext(ctx)
		}
		if err != nil {
			fmt.Fprintf(stderr, "postgres connect failed: %v\n", err)
			return 1
		}
		logger.Info("postgres connected")
		if jobStore, err = jobs.NewPostgresStore(ctx, db); err == nil {
			if auditStore, err = audit.NewPostgresStore(ctx, db); err == nil {
				budgetStore, err = budget.NewPostgresStore(ctx, db)
			}
		}
	} else {
		if mkErr := os.MkdirAll(cfg.DataDir, 0o755); mkErr != nil {
			fmt.Fprintf(stderr, "data dir: %v\n", mkErr)
			return 1
		}
		db, err = sql.Open("sqlite", filepath.Join(cfg.DataDir, "insight.db"))
		if err != nil {
			fmt.Fprintf(stderr, "sqlite open failed: %v\n", err)
			return 1
		}
		logger.Info("sqlite opened", "path", filepath.Join(cfg.DataDir, "insight.db"))
		if jobStore, err = jobs.NewSQLiteStore(ctx, db); err == nil {
			if auditStore, err = audit.NewSQLiteStore(ctx, db); err == nil {
				budgetStore, err = budget.NewSQLiteStore(db)
			}
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "store init failed: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	trail, err := audit.NewTrail(ctx, auditStore)
	if err != nil {
		fmt.Fprintf(stderr, "audit trail init failed: %v\n", err)
		return 1
	}

	engine, err := compliance.NewEngine()
	if err != nil {
		fmt.Fprintf(stderr, "compliance engine init failed: %v\n", err)
		return 1
	}
	if err := compliance.RegisterBuiltins(engine); err != nil {
		fmt.Fprintf(stderr, "compliance builtins: %v\n", err)
		return 1
	}
	if err := loadFrameworks(engine, cfg.ProfileDir); err != nil {
		fmt.Fprintf(stderr, "framework profiles: %v\n", err)
		return 1
	}

	policies := policy.NewRegistry()
	if err := policy.LoadDir(policies, cfg.ProfileDir); err != nil {
		fmt.Fprintf(stderr, "policy profiles: %v\n", err)
		return 1
	}

	ledger := budget.NewLedger(budgetStore, cfg.BudgetResetPeriod)
	if err := ledger.Restore(ctx); err != nil {
		fmt.Fprintf(stderr, "budget restore failed: %v\n", err)
		return 1
	}
	for _, cat := range policies.Categories() {
		pol, _ := policies.Get(cat)
		if err := ledger.EnsureCategory(ctx, cat, pol.EpsilonLimit); err != nil {
			fmt.Fprintf(stderr, "budget category %s: %v\n", cat, err)
			return 1
		}
	}

	poss := possession.NewStore(possession.KeyedVerifier(blobs), 1<<30)
	datasets := dataset.NewRegistry()

	var lim limiter.Limiter
	if cfg.RedisAddr != "" {
		rl := limiter.NewRedisLimiter(cfg.RedisAddr, "", 0, cfg.SubmitRPS, cfg.SubmitBurst)
		defer func() { _ = rl.Close() }()
		lim = rl
		logger.Info("redis limiter connected", "addr", cfg.RedisAddr)
	} else {
		ml := limiter.NewMemoryLimiter(cfg.SubmitRPS, cfg.SubmitBurst)
		defer ml.Close()
		lim = ml
	}

	runner, err := compute.NewWasmRunner(ctx, blobs, compute.SandboxConfig{
		MemoryLimitBytes: 256 << 20,
		CPUTimeLimit:     cfg.ProcessingTimeout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "wasm runner init failed: %v\n", err)
		return 1
	}
	defer func() { _ = runner.Close(context.Background()) }()
	backend := compute.NewLocalBackend(runner.Run, cfg.ComputeWorkers)
	defer func() { _ = backend.Close() }()

	var attestor *attestation.Verifier
	if secret := os.Getenv("ATTESTATION_HS256_KEY"); secret != "" {
		platforms := strings.Split(os.Getenv("ATTESTATION_PLATFORMS"), ",")
		if len(platforms) == 1 && platforms[0] == "" {
			platforms = []string{"sgx", "sev-snp", "tdx"}
		}
		attestor = attestation.NewVerifier(attestation.HS256Keyfunc([]byte(secret)), platforms)
	}

	coord, err := jobs.NewCoordinator(ctx, jobs.CoordinatorConfig{
		Store:             jobStore,
		Policies:          policies,
		Compliance:        engine,
		Ledger:            ledger,
		Possession:        poss,
		Datasets:          datasets,
		Prover:            possession.NewContentProver(blobs),
		Verifier:          zkproof.NewGroth16Verifier(),
		Backend:           backend,
		Trail:             trail,
		Limiter:           lim,
		Attestor:          attestor,
		Observability:     obs,
		ProcessingTimeout: cfg.ProcessingTimeout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "coordinator init failed: %v\n", err)
		return 1
	}
	defer coord.Close()

	logger.Info("pipeline ready",
		"categories", len(policies.Categories()),
		"processing_timeout", cfg.ProcessingTimeout.String())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")
	return 0
}

// loadFrameworks registers framework_*.yaml files on the engine.
func loadFrameworks(engine *compliance.Engine, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "framework_*.yaml"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		fw, err := compliance.LoadFrameworkFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := engine.Register(fw); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dir := cmd.String("dir", "./profiles", "Directory with profile_*.yaml and framework_*.yaml")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	reg := policy.NewRegistry()
	if err := policy.LoadDir(reg, *dir); err != nil {
		fmt.Fprintf(stderr, "policy validation failed: %v\n", err)
		return 1
	}

	engine, err := compliance.NewEngine()
	if err != nil {
		fmt.Fprintf(stderr, "compliance engine init failed: %v\n", err)
		return 1
	}
	if err := compliance.RegisterBuiltins(engine); err != nil {
		fmt.Fprintf(stderr, "compliance builtins: %v\n", err)
		return 1
	}
	if err := loadFrameworks(engine, *dir); err != nil {
		fmt.Fprintf(stderr, "framework validation failed: %v\n", err)
		return 1
	}

	for _, cat := range reg.Categories() {
		pol, _ := reg.Get(cat)
		for _, fw := range pol.Frameworks {
			if !engine.Known(fw) {
				fmt.Fprintf(stderr, "category %q references unknown framework %q\n", cat, fw)
				return 1
			}
		}
		fmt.Fprintf(stdout, "ok: %s (level %d, frameworks: %s)\n",
			cat, pol.PrivacyLevel, strings.Join(pol.Frameworks, ", "))
	}
	return 0
}

// runDemo exercises one full job lifecycle with in-memory components.
func runDemo(stdout, stderr io.Writer) int {
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	ctx := context.Background()

	blobs := content.NewMemoryStore()
	data := []byte("demo dataset: ages of study participants")
	handle, err := blobs.Put(ctx, data)
	if err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "dataset registered: %s\n", handle)

	datasets := dataset.NewRegistry()
	if _, err := datasets.Register(ctx, dataset.Handle{
		ContentHash:        handle,
		Owner:              "demo-user",
		SizeBytes:          int64(len(data)),
		EncryptionMetaHash: dataset.HashBytes([]byte("demo key reference")),
	}); err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}

	poss := possession.NewStore(possession.KeyedVerifier(blobs), 1<<20)
	if err := poss.Store(ctx, handle, int64(len(data)), time.Hour); err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}

	engine, err := compliance.NewEngine()
	if err == nil {
		err = compliance.RegisterBuiltins(engine)
	}
	if err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}

	policies := policy.NewRegistry()
	if err := policies.Set(policy.Policy{
		Category:         "health-research",
		EncryptionMethod: "aes-256-gcm",
		PrivacyLevel:     6,
		Frameworks:       []string{"HIPAA"},
		EpsilonLimit:     decimal.RequireFromString("10"),
	}); err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}

	ledger := budget.NewLedger(budget.NewMemoryStore(), 30*24*time.Hour)
	if err := ledger.EnsureCategory(ctx, "health-research", decimal.RequireFromString("10")); err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}

	trail, err := audit.NewTrail(ctx, audit.NewMemoryStore())
	if err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}

	coord, err := jobs.NewCoordinator(ctx, jobs.CoordinatorConfig{
		Store:      jobs.NewMemoryStore(),
		Policies:   policies,
		Compliance: engine,
		Ledger:     ledger,
		Possession: poss,
		Datasets:   datasets,
		Prover:     possession.NewContentProver(blobs),
		Verifier: zkproof.VerifierFunc(func(ctx context.Context, p zkproof.Proof) bool {
			// Demo accepts any structurally complete proof.
			return len(p.ProofBytes) > 0 && p.ResultHash != ""
		}),
		Trail:             trail,
		ProcessingTimeout: time.Minute,
	})
	if err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}
	defer coord.Close()

	job, err := coord.Submit(ctx, jobs.SubmitRequest{
		Requester:     "demo-user",
		DatasetHandle: handle,
		Category:      "health-research",
		CircuitID:     "mean-age-v1",
		Epsilon:       decimal.RequireFromString("0.5"),
		Metadata: map[string]any{
			"encryption_in_transit": true,
			"encryption_at_rest":    true,
			"access_control":        true,
			"audit_logging":         true,
			"minimum_necessary":     true,
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "demo submit: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "job %d admitted (epsilon 0.5 reserved)\n", job.ID)

	if err := coord.BeginProcessing(ctx, job.ID); err != nil {
		fmt.Fprintf(stderr, "demo processing: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "job %d processing (possession challenge passed)\n", job.ID)

	resultHash := "sha256:demo-aggregate"
	if err := coord.SubmitResult(ctx, job.ID, resultHash, zkproof.Proof{
		CircuitID:    "mean-age-v1",
		ProofBytes:   []byte{0x01},
		PublicInputs: []string{"37"},
		ResultHash:   resultHash,
	}); err != nil {
		fmt.Fprintf(stderr, "demo result: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "job %d completed (proof accepted)\n", job.ID)

	if err := coord.Finalize(ctx, job.ID); err != nil {
		fmt.Fprintf(stderr, "demo finalize: %v\n", err)
		return 1
	}
	entry, err := ledger.Entry("health-research")
	if err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "job %d verified; budget consumed %s of %s\n",
		job.ID, entry.Consumed.String(), entry.Limit.String())

	events, err := trail.EventsForJob(ctx, job.ID)
	if err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "audit trail (%d events):\n", len(events))
	for _, ev := range events {
		fmt.Fprintf(stdout, "  %s  %s\n", ev.EventType, ev.Hash[:12])
	}
	if idx, err := trail.VerifyIntegrity(ctx); err != nil || idx != -1 {
		fmt.Fprintf(stderr, "demo: audit chain corrupt at %d: %v\n", idx, err)
		return 1
	}
	fmt.Fprintln(stdout, "audit chain verified")
	return 0
}
