package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelrelay/modelrelay/internal/admission"
	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/database"
	"github.com/modelrelay/modelrelay/internal/models"
	"github.com/modelrelay/modelrelay/internal/notify"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/relay"
	"github.com/modelrelay/modelrelay/internal/repository"
	"github.com/modelrelay/modelrelay/internal/server"
	"github.com/modelrelay/modelrelay/internal/service"
	"github.com/modelrelay/modelrelay/internal/storage"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	reg := registry.Default()

	userRepo := repository.NewUserRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	imageRepo := repository.NewImageGenerationRepository(db)
	videoRepo := repository.NewVideoGenerationRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	notifier, err := notify.New(cfg.TelegramBotToken, cfg.TelegramAdminChatID, logr)
	if err != nil {
		log.Fatalf("notifier: %v", err)
	}

	var artifacts service.ArtifactStore
	if cfg.S3Bucket != "" {
		store, err := storage.New(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		artifacts = store
	}

	admissionCtrl := admission.NewController(admission.Config{
		Window:            cfg.RateWindow,
		MaxPerWindow:      cfg.RateMaxRequests,
		FreeAdvancedDaily: cfg.FreeAdvancedDaily,
	}, func(ctx context.Context, userID int64, tier models.Tier) (int, error) {
		return usageRepo.CountForDay(ctx, userID, tier, time.Now().UTC().Format("2006-01-02"))
	})

	chatClient := upstream.NewChatClient(cfg.ChatBaseURL, cfg.ChatAPIKey, cfg.RequestTimeout)

	backends := map[registry.Kind]upstream.Backend{
		registry.KindSynchronous: upstream.NewSynchronousBackend(chatClient),
		registry.KindTaskQueue:   upstream.NewTaskQueueBackend(cfg.TaskQueueBaseURL, cfg.TaskQueueAPIKey, cfg.RequestTimeout),
		registry.KindPrediction:  upstream.NewPredictionBackend(cfg.PredictionBaseURL, cfg.PredictionAPIKey, cfg.RequestTimeout),
		registry.KindDirect:      upstream.NewDirectBackend(cfg.DirectBaseURL, cfg.DirectAPIKey, cfg.RequestTimeout),
	}

	rel := relay.New(chatClient, usageRepo, logr)
	chatService := service.NewChatService(admissionCtrl, reg, rel, notifier, logr)

	imageService := service.NewGenerationService(
		admissionCtrl, reg.ResolveImage, backends,
		userRepo, imageRepo, artifacts, notifier, logr,
		service.GenerationConfig{
			CreditType:       models.CreditTypeImage,
			MaxBatch:         4,
			RetentionCeiling: cfg.RetentionCeiling,
			PollMaxAttempts:  cfg.PollMaxAttempts,
			PollInterval:     cfg.PollInterval,
		},
	)
	videoService := service.NewGenerationService(
		admissionCtrl, reg.ResolveVideo, backends,
		userRepo, videoRepo, artifacts, notifier, logr,
		service.GenerationConfig{
			CreditType:       models.CreditTypeVideo,
			MaxBatch:         1,
			RetentionCeiling: cfg.RetentionCeiling,
			PollMaxAttempts:  cfg.PollMaxAttempts,
			PollInterval:     cfg.PollInterval,
		},
	)
	paymentService := service.NewPaymentService(cfg.PaymentWebhookSecret, paymentRepo, userRepo, notifier, logr)

	verifier := auth.NewClient(cfg.AuthBaseURL, cfg.RequestTimeout)

	srv := server.New(
		cfg.ListenAddr, logr, verifier, reg,
		chatService, imageService, videoService, paymentService,
		userRepo, usageRepo,
	)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("server stopped", "err", err)
	}
}
