package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"auction-tracker/backend/internal/audit"
	auditrepo "auction-tracker/backend/internal/audit/repository"
	"auction-tracker/backend/internal/auction/repository"
	"auction-tracker/backend/internal/bid/validation"
	"auction-tracker/backend/internal/broker/service"
	"auction-tracker/backend/internal/config"
	"auction-tracker/backend/internal/db"
	"auction-tracker/backend/internal/db/migrate"
	"auction-tracker/backend/internal/event/mirror"
	healthhandler "auction-tracker/backend/internal/health/handler"
	"auction-tracker/backend/internal/platform/ratelimiter"
	"auction-tracker/backend/internal/policy/engine"
	"auction-tracker/backend/internal/security"
	"auction-tracker/backend/internal/server"
	"auction-tracker/backend/internal/server/interceptors"
	"auction-tracker/backend/internal/session"
	"auction-tracker/backend/internal/telemetry"
	"auction-tracker/backend/internal/telemetry/loki"
	"auction-tracker/backend/internal/telemetry/metrics"
	telemetryotel "auction-tracker/backend/internal/telemetry/otel"
	"auction-tracker/backend/internal/trustanchor"
)

const (
	healthInterval  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, telemetryotel.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	var emitter telemetry.EventEmitter = telemetryotel.NewEventEmitter(providers.LoggerProvider)
	if cfg.LokiURL != "" {
		emitter = telemetry.MultiEmitter{emitter, loki.NewEmitter(cfg.LokiURL, &http.Client{Timeout: 5 * time.Second})}
		log.Printf("telemetry: pushing events to loki at %s", cfg.LokiURL)
	}

	ca, err := newTrustAnchor(cfg)
	if err != nil {
		log.Fatalf("trust anchor: %v", err)
	}
	verifier := security.NewSessionVerifier(ca, cfg.SessionTokenIssuer, cfg.SessionTokenAudience)

	var database *sql.DB
	var leaders repository.LeaderRepository
	var resolutions repository.ResolutionRepository
	var auditRepo auditrepo.Repository
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		if err := migrate.Up(cfg.DatabaseURL); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		database, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer database.Close()
		leaders = repository.NewPostgresLeaderStore(database)
		resolutions = repository.NewPostgresResolutionStore(database)
		auditRepo = auditrepo.NewPostgresRepository(database)
		log.Printf("store: postgres")
	default:
		fl, fr, err := repository.OpenFileStores(cfg.DataDir)
		if err != nil {
			log.Fatalf("store: %v", err)
		}
		leaders, resolutions = fl, fr
		auditRepo, err = auditrepo.NewFileRepository(filepath.Join(cfg.DataDir, auditrepo.AuditFile))
		if err != nil {
			log.Fatalf("audit: %v", err)
		}
		log.Printf("store: files under %s", cfg.DataDir)
	}

	policy, err := engine.NewLeaderPolicy(ctx, cfg.LeaderPolicy)
	if err != nil {
		log.Fatalf("leader policy: %v", err)
	}
	log.Printf("leader policy: %s", policy.Mode())

	events, err := mirror.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix)
	if err != nil {
		log.Fatalf("mirror: %v", err)
	}
	defer events.Close()

	sessions := session.NewRegistry(verifier, session.WithLivenessWindow(cfg.LivenessWindow()))
	m := metrics.New(func() float64 { return float64(sessions.Len()) })
	broker := service.NewBroker(sessions, verifier, validation.NewPipeline(ca), leaders, resolutions,
		service.WithLeaderPolicy(policy),
		service.WithMirror(events),
		service.WithEmitter(emitter),
		service.WithMetrics(m),
		service.WithAudit(audit.NewLogger(auditRepo, interceptors.ClientIP)),
		service.WithRateLimiter(ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 0)),
	)

	var pinger healthhandler.Pinger
	if database != nil {
		pinger = database
	}
	checker := healthhandler.NewChecker(pinger, policy)
	healthSrv := health.NewServer()

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewRouter(server.RouterDeps{
			Broker:               broker,
			Health:               checker,
			Metrics:              m,
			AuditRepo:            auditRepo,
			AdminTokenHash:       cfg.AdminTokenHash,
			AllowedOrigins:       cfg.CORSOrigins(),
			RequireAssociateAuth: cfg.RequireAssociateAuth,
			OutboxSize:           cfg.OutboxSize,
		}),
		ReadHeaderTimeout: 15 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		grpcSrv = server.NewGRPCServer(server.GRPCDeps{
			Broker:     broker,
			Tokens:     verifier,
			AuditRepo:  auditRepo,
			Emitter:    emitter,
			Health:     healthSrv,
			OutboxSize: cfg.OutboxSize,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcSrv != nil {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
		g.Go(func() error {
			log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
			return grpcSrv.Serve(lis)
		})
	}
	g.Go(func() error {
		checker.Run(gctx, healthSrv, healthInterval)
		return nil
	})
	if interval := cfg.ReaperInterval(); interval > 0 {
		g.Go(func() error {
			broker.RunReaper(gctx, interval, cfg.LivenessWindow())
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		broker.Close()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: %v", err)
	}

	// Give in-flight async telemetry emits time to finish before the providers stop.
	time.Sleep(telemetry.ShutdownDrainDuration)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry: shutdown: %v", err)
	}
	log.Println("server stopped")
}

// newTrustAnchor builds the CA client. A configured CA certificate is used as-is; otherwise it
// is fetched from the CA on first use.
func newTrustAnchor(cfg *config.Config) (*trustanchor.Client, error) {
	opts := []trustanchor.Option{trustanchor.WithChainVerification(cfg.CAVerifyChain)}
	if cfg.CACertPEM != "" {
		pemBytes, err := security.LoadPEM(cfg.CACertPEM)
		if err != nil {
			return nil, err
		}
		cert, err := security.ParseCertificatePEM(pemBytes)
		if err != nil {
			return nil, err
		}
		opts = append(opts, trustanchor.WithCACertificate(cert))
	}
	return trustanchor.NewClient(cfg.CABaseURL, cfg.CACallTimeout(), opts...), nil
}
