package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apicontext "github.com/cratery/cratery/internal/api/http/context"
	"github.com/cratery/cratery/internal/api/http/handler"
	"github.com/cratery/cratery/internal/api/http/middleware"
	"github.com/cratery/cratery/internal/api/http/router"
	httpserver "github.com/cratery/cratery/internal/api/http/server"
	"github.com/cratery/cratery/internal/config"
	"github.com/cratery/cratery/internal/events"
	"github.com/cratery/cratery/internal/index"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/model"
	"github.com/cratery/cratery/internal/repository/postgres"
	"github.com/cratery/cratery/internal/server"
	"github.com/cratery/cratery/internal/service"
	storage "github.com/cratery/cratery/internal/storage/minio"
	"github.com/cratery/cratery/internal/token"
	"github.com/cratery/cratery/internal/upstream"
	"github.com/cratery/cratery/internal/worker"
)

// Exit codes: 0 success, 1 generic failure, 2 misconfiguration, 3 fatal
// storage error.
const (
	exitFailure   = 1
	exitConfig    = 2
	exitStorage   = 3
	shutdownGrace = 10 * time.Second
)

var (
	buildVersion = "N/A" // set by ldflags
	buildDate    = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Printf("failed to parse config: %v", err)
		os.Exit(exitConfig)
	}
	logger := logger.New(cfg.LogLevel)

	db, err := postgres.NewConnection(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(exitStorage)
	}
	defer db.Close()

	userRepo := postgres.NewUserRepository(db)
	tokenRepo := postgres.NewTokenRepository(db)
	packageRepo := postgres.NewPackageRepository(db)
	versionRepo := postgres.NewVersionRepository(db)
	jobRepo := postgres.NewJobRepository(db)

	minioClient, err := minio.New(cfg.Storage.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Storage.AccessKey, cfg.Storage.SecretKey, ""),
		Secure: cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Error("failed to create minio client", "error", err)
		os.Exit(exitStorage)
	}
	storageClient, err := storage.NewClient(ctx, minioClient, cfg.Storage.Bucket)
	if err != nil {
		logger.Error("failed to initialize storage client", "error", err)
		os.Exit(exitStorage)
	}

	idx, err := index.NewRepository(cfg.Index.RootDir)
	if err != nil {
		logger.Error("failed to open index repository", "error", err)
		os.Exit(exitStorage)
	}

	bus := events.NewBus(logger)
	defer bus.Close()

	registry := worker.NewRegistry(logger, bus, cfg.Jobs.KeepaliveInterval)
	scheduler := worker.NewScheduler(logger, bus, registry, jobRepo, versionRepo, storageClient, cfg.Jobs.MaxAttempts, cfg.Jobs.Deadline)

	var upstreamClient *upstream.Client
	if len(cfg.Upstream.Registries) > 0 {
		upstreamClient = upstream.NewClient(cfg.Upstream.Registries, cfg.Upstream.Timeout)
	}

	sessions := token.NewJWT(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL)
	authService := service.NewAuth(userRepo, tokenRepo, sessions, logger, cfg.Auth.OAuth)
	packageService := service.NewPackages(
		packageRepo, versionRepo, userRepo, storageClient, idx, scheduler, bus, upstreamClient, logger,
	)

	// Startup backstops: adopt or drop interrupted publishes, rebuild dirty
	// index files, requeue interrupted jobs.
	if err := packageService.Reconcile(ctx); err != nil {
		logger.Error("failed to reconcile storage", "error", err)
		os.Exit(exitStorage)
	}
	if err := scheduler.Recover(ctx); err != nil {
		logger.Error("failed to recover jobs", "error", err)
		os.Exit(exitStorage)
	}

	httpSrv := registerHTTPServer(cfg, logger, authService, packageService, userRepo, registry, scheduler, bus)

	var sl model.SecurityLayer
	if cfg.HTTP.EnableHTTPS {
		sl = server.NewTLSListener(cfg.HTTP.CertFileName, cfg.HTTP.PrivateKeyFileName)
	} else {
		sl = server.NewPlainListener()
	}

	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	defer cancelScheduler()
	registryStop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Run(schedulerCtx)
	}()
	go func() {
		defer wg.Done()
		registry.Run(registryStop)
	}()

	wg.Add(1)
	go func(s model.Server) {
		defer wg.Done()
		logger.Info("Starting server on", "address", s.Address())
		if err := s.Start(sl); err != nil {
			logger.Error("failed to start server", "error", err)
			stop()
		}
	}(httpSrv)

	logAppVersion()

	<-ctx.Done()
	logger.Info("received interruption signal, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := httpSrv.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", "error", err, "address", httpSrv.Address())
	}
	cancelScheduler()
	close(registryStop)

	wg.Wait()
	logger.Info("shutdown complete")
}

func logAppVersion() {
	tmpl := `
Build version: %s
Build date: %s
Build commit: %s
`

	fmt.Printf(tmpl, buildVersion, buildDate, buildCommit)
}

func registerHTTPServer(
	cfg *config.Config,
	logger *logger.Logger,
	authService *service.Auth,
	packageService *service.Packages,
	users model.UserStore,
	registry *worker.Registry,
	scheduler *worker.Scheduler,
	bus *events.Bus,
) *httpserver.HTTPServer {
	ctxMgr := apicontext.NewManager()

	crates := handler.NewCrates(packageService, ctxMgr, logger)
	idxHandler := handler.NewIndex(packageService, cfg.HTTP.ExternalURI, logger)
	admin := handler.NewAdmin(authService, users, registry, bus, ctxMgr, logger)
	workers := handler.NewWorkers(authService, registry, scheduler, cfg.Auth.WorkerSecret, logger)
	login := handler.NewAuth(authService, cfg.Auth.CookieName, cfg.HTTP.ExternalURI, logger)

	authenticate := middleware.NewAuthenticate(authService, ctxMgr, cfg.Auth.CookieName, logger, handler.WriteError)
	logging := middleware.NewLogging(logger)
	recovery := middleware.NewRecover(logger)

	r := router.New(crates, idxHandler, admin, workers, login, authenticate, logging, recovery, logger)
	return httpserver.NewHTTPServer(r.Register(), cfg.HTTP.Addr)
}
