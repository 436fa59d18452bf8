// Command governord runs the governance decision engine: an HTTP API server
// and a background worker sharing one Postgres database.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openpr-labs/governor/pkg/analytics"
	"github.com/openpr-labs/governor/pkg/api"
	"github.com/openpr-labs/governor/pkg/config"
	"github.com/openpr-labs/governor/pkg/database"
	"github.com/openpr-labs/governor/pkg/governance"
	"github.com/openpr-labs/governor/pkg/observability"
	"github.com/openpr-labs/governor/pkg/ratelimit"
	"github.com/openpr-labs/governor/pkg/review"
	"github.com/openpr-labs/governor/pkg/scheduler"
	"github.com/openpr-labs/governor/pkg/trust"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "server"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "server":
		return runServer(stderr)
	case "worker":
		return runWorker(stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: governord <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   Run the governance API server (default)")
	fmt.Fprintln(w, "  worker   Run the background job worker")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// bootstrap is the shared wiring of server and worker.
type bootstrap struct {
	cfg     *config.Config
	profile *config.GovernanceProfile
	logger  *slog.Logger
	obs     *observability.Provider

	govStore     *governance.PostgresStore
	trustEngine  *trust.Engine
	reviewSvc    *review.Service
	govSvc       *governance.Service
	analyticsSvc *analytics.Service
	sched        *scheduler.Scheduler
	idem         *api.PostgresIdempotencyStore

	closers []func(context.Context) error
}

func (b *bootstrap) close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			b.logger.Error("shutdown step failed", "error", err)
		}
	}
}

func setup(ctx context.Context) (*bootstrap, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	profile, err := config.LoadGovernanceProfile(cfg.GovernanceProfile)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "governor",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	b := &bootstrap{cfg: cfg, profile: profile, logger: logger, obs: obs}
	b.closers = append(b.closers,
		func(ctx context.Context) error { return obs.Shutdown(ctx) },
		func(context.Context) error { return db.Close() },
	)

	b.govStore = governance.NewPostgresStore(db)
	trustStore := trust.NewPostgresStore(db)
	reviewStore := review.NewPostgresStore(db)
	b.sched = scheduler.New(db, scheduler.Options{
		PollInterval: cfg.WorkerPollInterval,
		Lease:        cfg.WorkerLease,
		BatchSize:    cfg.WorkerBatchSize,
	}, logger)
	b.idem = api.NewPostgresIdempotencyStore(db, cfg.IdempotencyTTL)
	b.analyticsSvc = analytics.NewService(db, b.govStore)

	inits := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"governance", b.govStore.Init},
		{"trust", trustStore.Init},
		{"review", reviewStore.Init},
		{"analytics", b.analyticsSvc.Init},
		{"scheduler", b.sched.Init},
		{"idempotency", b.idem.Init},
	}
	for _, init := range inits {
		if err := init.fn(ctx); err != nil {
			return nil, fmt.Errorf("init %s schema: %w", init.name, err)
		}
	}

	b.trustEngine = trust.NewEngine(trustStore, logger)
	b.govSvc = governance.NewService(b.govStore, b.trustEngine, b.sched, logger)
	b.govSvc.ConsensusAbstainFraction = profile.ConsensusAbstainFraction
	b.govSvc.EscalationDeadlineOverturns = profile.EscalationDeadlineOverturns
	b.govSvc.Config = reviewStore
	b.reviewSvc = review.NewService(reviewStore, b.govStore, b.trustEngine, logger)
	return b, nil
}

func runServer(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "governord: %v\n", err)
		return 1
	}
	defer b.close(context.Background())

	var actorLimiter ratelimit.Store
	if b.cfg.RedisAddr != "" {
		rs := ratelimit.NewRedisStore(b.cfg.RedisAddr, b.cfg.RedisPassword, b.cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			b.logger.Warn("redis unreachable, per-actor rate limiting disabled", "error", err)
		} else {
			actorLimiter = rs
			b.closers = append(b.closers, func(context.Context) error { return rs.Close() })
		}
	}

	db := b.govStore.DB()
	handler := api.NewServer(api.ServerOptions{
		Logger:        b.logger,
		Observability: b.obs,
		JWTSecret:     b.cfg.JWTSecret,
		DB:            db,
		IPRateRPS:     b.cfg.RateLimitRPS,
		IPRateBurst:   b.cfg.RateLimitBurst,
		ActorLimiter:  actorLimiter,
		ActorPolicy:   ratelimit.Policy{RPM: b.cfg.ActorRateRPM, Burst: b.cfg.ActorRateBurst},
		Idempotency:   b.idem,
	},
		api.NewProposalHandler(b.govSvc),
		api.NewTrustHandler(b.trustEngine),
		api.NewReviewHandler(b.reviewSvc),
		api.NewAnalyticsHandler(b.analyticsSvc, b.govStore),
	)

	srv := &http.Server{
		Addr:              ":" + b.cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("server listening", "addr", srv.Addr, "environment", b.cfg.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutdown signal received")
	case err := <-errCh:
		fmt.Fprintf(stderr, "governord: %v\n", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		b.logger.Error("server shutdown failed", "error", err)
		return 1
	}
	return 0
}

func runWorker(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "governord: %v\n", err)
		return 1
	}
	defer b.close(context.Background())

	registerJobHandlers(b)
	go runSweeps(ctx, b)

	if err := b.sched.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "governord: %v\n", err)
		return 1
	}
	b.logger.Info("worker stopped")
	return 0
}

// track wraps a job handler in a span plus the active-jobs gauge.
func track(b *bootstrap, kind string, h scheduler.Handler) scheduler.Handler {
	return func(ctx context.Context, payload []byte) error {
		ctx, done := b.obs.TrackJob(ctx, kind)
		err := h(ctx, payload)
		done(err)
		return err
	}
}

func registerJobHandlers(b *bootstrap) {
	b.sched.Register(governance.JobAdvanceProposal, track(b, governance.JobAdvanceProposal, func(ctx context.Context, payload []byte) error {
		var p struct {
			ProposalID string `json:"proposal_id"`
		}
		if err := scheduler.DecodePayload(payload, &p); err != nil {
			return err
		}
		return b.govSvc.Advance(ctx, p.ProposalID)
	}))

	b.sched.Register(governance.JobApplyResult, track(b, governance.JobApplyResult, func(ctx context.Context, payload []byte) error {
		var p struct {
			ProposalID string `json:"proposal_id"`
			Result     string `json:"result"`
			VetoStatus string `json:"veto_status"`
		}
		if err := scheduler.DecodePayload(payload, &p); err != nil {
			return err
		}
		if p.VetoStatus != "" {
			ve, err := b.govStore.GetVeto(ctx, p.ProposalID)
			if err != nil {
				return err
			}
			proposal, err := b.govStore.GetProposal(ctx, p.ProposalID)
			if err != nil {
				return err
			}
			return b.trustEngine.ApplyVetoResolution(ctx, ve, proposal.ProjectID)
		}
		proposal, err := b.govStore.GetProposal(ctx, p.ProposalID)
		if err != nil {
			return err
		}
		return b.trustEngine.ApplyProposalResult(ctx, proposal, governance.DecisionResult(p.Result))
	}))

	b.sched.Register(governance.JobScheduleReview, track(b, governance.JobScheduleReview, func(ctx context.Context, payload []byte) error {
		var p struct {
			ProposalID string `json:"proposal_id"`
		}
		if err := scheduler.DecodePayload(payload, &p); err != nil {
			return err
		}
		_, err := b.reviewSvc.Schedule(ctx, p.ProposalID)
		return err
	}))

	b.sched.Register(governance.JobResolveVeto, track(b, governance.JobResolveVeto, func(ctx context.Context, payload []byte) error {
		var p struct {
			VetoEventID int64 `json:"veto_event_id"`
		}
		if err := scheduler.DecodePayload(payload, &p); err != nil {
			return err
		}
		return b.govSvc.ResolveEscalationDeadline(ctx, p.VetoEventID)
	}))

	b.sched.Register(analytics.JobGenerateReport, track(b, analytics.JobGenerateReport, func(ctx context.Context, payload []byte) error {
		var p struct {
			From time.Time `json:"from"`
			To   time.Time `json:"to"`
		}
		if err := scheduler.DecodePayload(payload, &p); err != nil {
			return err
		}
		n, err := b.analyticsSvc.GenerateAuditReports(ctx, p.From, p.To)
		if err != nil {
			return err
		}
		b.logger.Info("audit reports generated", "projects", n, "from", p.From, "to", p.To)
		return nil
	}))
}

// runSweeps handles the slow periodic work: stage deadlines missed by their
// scheduled jobs, reviews coming due, inactivity decay and table pruning.
func runSweeps(ctx context.Context, b *bootstrap) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	daily := time.NewTicker(24 * time.Hour)
	defer daily.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepDeadlines(ctx, b)
			sweepDueReviews(ctx, b)
		case <-daily.C:
			if _, err := b.trustEngine.DecayInactive(ctx, 30*24*time.Hour); err != nil {
				b.logger.Error("inactivity decay failed", "error", err)
			}
			now := time.Now().UTC()
			if err := b.sched.Enqueue(ctx, analytics.JobGenerateReport, map[string]any{
				"from": now.Add(-24 * time.Hour), "to": now,
			}, now); err != nil {
				b.logger.Error("enqueue audit report failed", "error", err)
			}
			if _, err := b.sched.PruneDone(ctx, 7*24*time.Hour); err != nil {
				b.logger.Error("job pruning failed", "error", err)
			}
			if err := b.idem.Cleanup(ctx); err != nil {
				b.logger.Error("idempotency cleanup failed", "error", err)
			}
		}
	}
}

func sweepDeadlines(ctx context.Context, b *bootstrap) {
	now := time.Now().UTC()
	candidates, err := b.govStore.ListAdvanceCandidates(ctx, 100)
	if err != nil {
		b.logger.Error("deadline sweep failed", "error", err)
		return
	}
	for _, p := range candidates {
		var due time.Time
		switch p.Status {
		case governance.StatusOpen:
			due = p.DiscussionDeadline()
		case governance.StatusVoting:
			due = p.VotingDeadline()
		}
		if due.IsZero() || due.After(now) {
			continue
		}
		if err := b.govSvc.Advance(ctx, p.ID); err != nil {
			b.logger.Error("advance sweep failed", "proposal_id", p.ID, "error", err)
		}
	}
}

func sweepDueReviews(ctx context.Context, b *bootstrap) {
	due, err := b.reviewSvc.Store().ListDue(ctx, time.Now().UTC(), 50)
	if err != nil {
		b.logger.Error("review sweep failed", "error", err)
		return
	}
	for _, r := range due {
		if _, err := b.reviewSvc.Start(ctx, r.ID); err != nil {
			b.logger.Error("review start failed", "review_id", r.ID, "error", err)
		}
	}
}
