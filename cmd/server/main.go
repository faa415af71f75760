package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"m3u8-relay/internal/bot"
	"m3u8-relay/internal/config"
	"m3u8-relay/internal/downloader"
	apphttp "m3u8-relay/internal/http"
	"m3u8-relay/internal/repository/jsonfile"
	"m3u8-relay/internal/repository/memory"
	"m3u8-relay/internal/repository/sqlite"
	"m3u8-relay/internal/service"
	"m3u8-relay/internal/storage"
	"m3u8-relay/internal/sysinfo"
)

func main() {
	startedAt := time.Now()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	historyRepo := sqlite.NewHistoryRepository(db)
	if err := historyRepo.Init(ctx); err != nil {
		logger.Fatalf("init history repository: %v", err)
	}
	historyService := service.NewHistoryService(historyRepo)

	accessService := service.NewAccessService(
		cfg.Telegram.OwnerID,
		jsonfile.NewPermissionRepository(cfg.State.PermissionsFile, cfg.Telegram.OwnerID),
		jsonfile.NewDestinationRepository(cfg.State.DestinationsFile),
	)

	credentialFiles := storage.CredentialFiles{
		CredentialsPath: cfg.Storage.CredentialsFile,
		TokenPath:       cfg.Storage.TokenFile,
	}
	storageSvc, err := buildStorage(ctx, cfg, credentialFiles, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	manager := downloader.NewManager(downloader.Config{
		DownloadDir:   cfg.Download.Dir,
		Binary:        cfg.Download.Binary,
		MaxConcurrent: cfg.Download.MaxConcurrent,
		OwnerID:       cfg.Telegram.OwnerID,
		Logger:        logger,
	}, memory.NewTaskRegistry(), downloader.ExecRunner{}, storageSvc, accessService, historyService)

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start manager: %v", err)
	}

	var (
		tokens *apphttp.TokenAuth
		srv    *http.Server
	)
	if cfg.Admin.Addr != "" {
		tokens = apphttp.NewTokenAuth(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL, cfg.Telegram.OwnerID)

		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		apphttp.NewHandler(manager, historyService, storageSvc, tokens).RegisterRoutes(router)

		srv = &http.Server{
			Addr:    cfg.Admin.Addr,
			Handler: router,
		}
		go func() {
			logger.Infof("admin api listening on %s", cfg.Admin.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatalf("http server: %v", err)
			}
		}()
	}

	telegram, err := bot.NewTelegram(cfg.Telegram.Token, cfg.Telegram.PollTimeout, logger)
	if err != nil {
		logger.Fatalf("setup telegram: %v", err)
	}

	botCfg := bot.Config{
		Manager:     manager,
		Access:      accessService,
		History:     historyService,
		Stats:       sysinfo.NewProvider(cfg.Download.Dir),
		Credentials: credentialFiles,
		ValidateDestination: func(destination string) error {
			_, err := storage.ParseDestination(destination, storage.Target{Bucket: cfg.Storage.Bucket})
			return err
		},
		Logger:    logger,
		StartedAt: startedAt,
	}
	if tokens != nil {
		botCfg.Tokens = tokens
	}
	handler := bot.NewHandler(telegram, botCfg)

	logger.Info("bot is running")
	telegram.Run(ctx, handler.Handle)

	logger.Info("shutting down...")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http shutdown: %v", err)
		}
	}
	manager.Shutdown()

	logger.Info("bye")
}

func buildStorage(ctx context.Context, cfg config.Config, files storage.CredentialFiles, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	awsCfg.Credentials = storage.NewFileProvider(files, awsCfg.Credentials, logger)

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client, storage.S3Options{
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
		LinkTTL:   cfg.Storage.LinkTTL,
		Logger:    logger,
	}), nil
}
