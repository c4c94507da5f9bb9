// substrated is the governance substrate daemon: policy checks, the
// signed audit chain, governed memory writes, and the eval to
// allocation workflow behind one HTTP surface.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	schema "github.com/aegisgov/substrate/db"
	"github.com/aegisgov/substrate/pkg/api"
	"github.com/aegisgov/substrate/pkg/audit"
	"github.com/aegisgov/substrate/pkg/config"
	"github.com/aegisgov/substrate/pkg/evalflow"
	"github.com/aegisgov/substrate/pkg/gate"
	"github.com/aegisgov/substrate/pkg/manifest"
	"github.com/aegisgov/substrate/pkg/memory"
	"github.com/aegisgov/substrate/pkg/observability"
	"github.com/aegisgov/substrate/pkg/policy"
	"github.com/aegisgov/substrate/pkg/signer"
	"github.com/aegisgov/substrate/pkg/upgrade"

	_ "github.com/lib/pq" // Postgres driver
)

const (
	policyRefreshInterval = 30 * time.Second
	idemCleanupInterval   = 10 * time.Minute
	shutdownGrace         = 15 * time.Second
	defaultRateRPS        = 50
	defaultRateBurst      = 100
)

func main() {
	if err := run(); err != nil {
		slog.Error("substrated exited", "error", err)
		os.Exit(1)
	}
}

// appender narrows audit.Engine to the Append-only interface the
// domain packages record through.
type appender struct {
	engine *audit.Engine
}

func (a *appender) Append(ctx context.Context, eventType, actor string, payload map[string]interface{}) error {
	_, err := a.engine.Append(ctx, eventType, actor, payload)
	return err
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	log := slog.Default().With("component", "main")
	log.Info("starting substrated", "environment", cfg.Environment, "port", cfg.Port)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "substrated",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       !cfg.Production(),
	})
	if err != nil {
		return fmt.Errorf("observability init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if !cfg.Production() {
		if err := schema.Apply(ctx, db); err != nil {
			return err
		}
	}

	keys := signer.NewRegistry()
	sig, err := signer.New(signer.Config{
		KMSKeyID:    cfg.AuditSigningKMSKeyID,
		ProxyURL:    cfg.SigningProxyURL,
		Kid:         cfg.AuditSignerKid,
		RequireKMS:  cfg.RequireKMS,
		Environment: cfg.Environment,
	}, keys)
	if err != nil {
		return fmt.Errorf("signer init: %w", err)
	}

	// Audit chain. The bus fans events out in-process; the archiver, when
	// a bucket is configured, batches committed events to object storage.
	auditStore := audit.NewPGStore(db)
	bus := audit.NewBus()
	defer bus.Close()
	auditOpts := []audit.Option{audit.WithSink(bus)}

	var archiver *audit.Archiver
	if cfg.ArchiveBucket != "" {
		objStore, err := audit.NewObjectStore(ctx, cfg.ArchiveBucket, cfg.AWSRegion, cfg.S3Endpoint)
		if err != nil {
			return fmt.Errorf("archive store init: %w", err)
		}
		archiver = audit.NewArchiver(objStore, audit.ArchiverConfig{})
		auditOpts = append(auditOpts, audit.WithSink(archiver))
		go archiver.Run(ctx)
		defer archiver.Stop()
	}

	auditEngine := audit.NewEngine(auditStore, sig, auditOpts...)
	auditor := &appender{engine: auditEngine}

	// Policy registry and engine.
	polStore := policy.NewPGStore(db)
	polEngine := policy.NewEngine(polStore, auditor)
	if err := polEngine.Refresh(ctx); err != nil {
		return fmt.Errorf("load policy snapshot: %w", err)
	}
	go refreshLoop(ctx, polEngine, log)

	upgrades := upgrade.NewManager(upgrade.NewPGStore(db), auditor,
		cfg.UpgradeApproverIDs, cfg.UpgradeRequiredApprovals)
	lifecycle := policy.NewLifecycle(polStore, upgrades, auditor)
	simulator := policy.NewSimulator(polStore, auditStore)

	rollback := policy.NewRollbackController(policy.RollbackConfig{
		Threshold: cfg.CanaryRollbackThreshold,
		Window:    cfg.CanaryRollbackWindow,
	}, polStore, policy.NewAuditDecisionSource(auditStore), auditor)
	go rollback.Run(ctx)
	defer rollback.Stop()

	// Gated write path.
	coord := gate.NewCoordinator(db, polEngine, auditEngine, auditStore)
	idem := gate.NewIdempotency(newIdemStore(ctx, cfg, db, log), cfg.IdempotencyTTL())

	// Governed memory.
	memSvc := memory.NewService(coord, db, cfg.Environment)
	adapter, err := newVectorAdapter(cfg, db)
	if err != nil {
		return err
	}
	worker := memory.NewWorker(memory.NewPGVectorQueue(db), adapter)
	go worker.Run(ctx)
	defer worker.Stop()
	cleaner := memory.NewCleaner(memSvc, auditor, memory.DefaultCleanerInterval)
	go cleaner.Run(ctx)
	defer cleaner.Stop()
	searcher := memory.NewSearcher(adapter, memSvc)

	// Eval, promotion, allocation.
	verifier, err := newProofVerifier(cfg.FinanceProofPublicKey)
	if err != nil {
		return err
	}
	if verifier == nil && cfg.Production() {
		return fmt.Errorf("FINANCE_PROOF_PUBLIC_KEY is required in production")
	}
	allocator := evalflow.NewAllocator(coord, evalflow.AllocatorConfig{
		MaxAutoApply:      cfg.MaxAutoApply,
		Approvers:         cfg.UpgradeApproverIDs,
		RequiredApprovals: cfg.UpgradeRequiredApprovals,
	}, verifier)
	flow := evalflow.NewFlow(
		evalflow.NewScorer(nil),
		evalflow.NewPromotionTracker(cfg.PromotionThreshold, cfg.PromotionHysteresisWindows),
		allocator, coord,
		evalflow.FlowConfig{
			Pool:         cfg.AllocPool,
			PromoteDelta: cfg.PromoteDelta,
			CanaryDelta:  cfg.CanaryDelta,
			Budgeted:     true,
		})
	sweeper := evalflow.NewSettlementSweeper(db, auditor, 0)
	go sweeper.Run(ctx)
	defer sweeper.Stop()

	manifests := manifest.NewService(polEngine, sig, auditor)

	server := api.NewServer(api.Deps{
		Policies:    polEngine,
		PolicyStore: polStore,
		Lifecycle:   lifecycle,
		Simulator:   simulator,
		Decisions:   auditStore,
		Manifests:   manifests,
		AuditEngine: auditEngine,
		Upgrades:    upgrades,
		Memory:      memSvc,
		Searcher:    searcher,
		Flow:        flow,
		Allocator:   allocator,
		Idempotency: idem,
		Metrics:     obs,
		Namespace:   cfg.VectorDBNamespace,
	})
	limiter := api.NewRateLimiter(defaultRateRPS, defaultRateBurst)
	defer limiter.Stop()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(cfg.RequireMTLS, limiter),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	log.Info("substrated stopped")
	return nil
}

// version is stamped at build time via -ldflags.
var version = "dev"

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// refreshLoop keeps the in-memory policy snapshot converging with the
// registry so out-of-band writes (rollbacks, another replica) land.
func refreshLoop(ctx context.Context, engine *policy.Engine, log *slog.Logger) {
	ticker := time.NewTicker(policyRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.Refresh(ctx); err != nil {
				log.Warn("policy refresh failed", "error", err)
			}
		}
	}
}

// newIdemStore picks Redis when configured, otherwise the relational
// store with a background expiry sweep.
func newIdemStore(ctx context.Context, cfg *config.Config, db *sql.DB, log *slog.Logger) gate.IdempotencyStore {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return gate.NewRedisIdemStore(client)
	}
	store := gate.NewPGIdemStore(db)
	go func() {
		ticker := time.NewTicker(idemCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := store.Cleanup(ctx); err != nil {
					log.Warn("idempotency cleanup failed", "error", err)
				} else if n > 0 {
					log.Debug("expired idempotency keys removed", "count", n)
				}
			}
		}
	}()
	return store
}

func newVectorAdapter(cfg *config.Config, db *sql.DB) (memory.Adapter, error) {
	switch cfg.VectorDBProvider {
	case "", "postgres":
		return memory.NewPostgresAdapter(db), nil
	case "external":
		if cfg.VectorDBURL == "" {
			return nil, fmt.Errorf("vectorDbProvider external requires VECTOR_DB_URL")
		}
		return memory.NewExternalAdapter(cfg.VectorDBURL), nil
	default:
		return nil, fmt.Errorf("unknown vectorDbProvider %q", cfg.VectorDBProvider)
	}
}

// newProofVerifier decodes the finance settlement verification key.
// Without one, settlement proofs are accepted unverified, which is only
// acceptable outside production.
func newProofVerifier(encoded string) (*evalflow.ProofVerifier, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode FINANCE_PROOF_PUBLIC_KEY: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("FINANCE_PROOF_PUBLIC_KEY must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return evalflow.NewProofVerifier(ed25519.PublicKey(raw)), nil
}
