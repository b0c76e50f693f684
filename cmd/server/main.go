// Command copydeck-server starts the copydeck gRPC server.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/copydeck/internal/config"
	"github.com/and161185/copydeck/internal/export"
	"github.com/and161185/copydeck/internal/logging"
	"github.com/and161185/copydeck/internal/migrate"
	"github.com/and161185/copydeck/internal/repository/postgres"
	grpcserver "github.com/and161185/copydeck/internal/server/grpc"
	"github.com/and161185/copydeck/internal/service"
	"github.com/and161185/copydeck/internal/settings"
	"github.com/and161185/copydeck/internal/snapshot"
	"github.com/and161185/copydeck/internal/throttle"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations, and serves until SIGINT/SIGTERM.
func main() {
	cfg, err := config.Load(os.Args[1:], ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = closeLog() }()

	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.Addr),
		zap.String("itemsOrder", string(cfg.SortOrder())),
		zap.Bool("anonymous", cfg.Server.Anonymous),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		_ = closeLog()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var opts []grpc.ServerOption
	if !cfg.Server.Plaintext {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("serving without TLS")
	}

	if err := migrate.Up(ctx, cfg.Database.DSN, logger); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	db, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	defer db.Close()

	// Repositories
	userRepo := postgres.NewUserRepo(db)
	itemRepo := postgres.NewItemRepo(db)
	snapRepo := postgres.NewSnapshotRepo(db)
	legacyRepo := postgres.NewLegacySnapshotRepo(db)
	prefs := settings.NewStore(postgres.NewSettingsRepo(db))

	// Snapshot engine
	order := cfg.SortOrder()
	snapStore := snapshot.NewStore(snapRepo, legacyRepo, cfg.Location())
	builder := snapshot.NewBuilder(itemRepo, prefs, order)
	restorer := snapshot.NewRestorer(itemRepo, prefs, order, snapStore.FormatTime)

	var objects export.ObjectStore
	if s3cfg, ok := cfg.ExportStore(); ok {
		st, err := export.NewS3(ctx, s3cfg)
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		objects = st
		logger.Info("exports enabled", zap.String("bucket", s3cfg.Bucket))
	}

	// Services
	lim := throttle.NewPG(db.Pool, cfg.Policy())
	authSvc := service.NewAuthService(userRepo, []byte(cfg.JWT.Key), cfg.JWT.AccessTTL, lim)
	snapSvc := service.NewSnapshotService(builder, snapStore, restorer, itemRepo, logger)
	catalogSvc := service.NewCatalogService(itemRepo, prefs, objects, order, logger)

	// gRPC server with interceptors
	s := grpc.NewServer(append(opts,
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary([]byte(cfg.JWT.Key), cfg.Server.Anonymous),
		),
	)...)
	grpcserver.New(authSvc, snapSvc, catalogSvc, logger).Register(s)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if cfg.Server.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Bool("tls", !cfg.Server.Plaintext))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
		// graceful shutdown
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}
