package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	api "unibox-backend/cmd/api"
	"unibox-backend/internal/jobs"
	"unibox-backend/internal/mail/domain"
	mailRepo "unibox-backend/internal/mail/repository"
	"unibox-backend/internal/notification"
	"unibox-backend/internal/provider"
	gmailAdapter "unibox-backend/internal/provider/gmail"
	"unibox-backend/internal/provider/imapadapter"
	outlookAdapter "unibox-backend/internal/provider/outlook"
	"unibox-backend/internal/queue"
	"unibox-backend/internal/resilience"
	syncengine "unibox-backend/internal/sync"
	"unibox-backend/pkg/config"
	"unibox-backend/pkg/database"
	"unibox-backend/pkg/kv"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := database.Migrate(db, &domain.Account{}, &domain.Thread{}, &domain.Message{}); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Shared store: Redis when configured, in-process otherwise
	var store kv.Store
	if cfg.RedisURL != "" {
		redisStore, err := kv.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("Failed to connect to redis:", err)
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		log.Println("[WARN] REDIS_URL not configured, using in-process store (single node only)")
		store = kv.NewMemoryStore()
	}

	// Notifier is optional; the engine runs without it
	var notifier notification.Notifier
	if cfg.NATSUrl != "" {
		publisher, err := notification.NewPublisher(cfg.NATSUrl)
		if err != nil {
			log.Printf("[WARN] Failed to connect to NATS (notifications disabled): %v", err)
		} else {
			defer publisher.Close()
			notifier = publisher
		}
	} else {
		log.Println("[WARN] NATS_URL not configured, notifications disabled")
	}

	// Initialize repositories (dependency injection)
	accountRepo := mailRepo.NewAccountRepository(db)
	messageRepo := mailRepo.NewMessageRepository(db)
	threadRepo := mailRepo.NewThreadRepository(db)

	// Persist refreshed OAuth tokens back to the account row
	onTokenRefresh := provider.TokenUpdateFunc(func(accountID, accessToken, refreshToken string, expiry time.Time) error {
		return db.Model(&domain.Account{}).Where("id = ?", accountID).
			Updates(map[string]interface{}{
				"access_token":  accessToken,
				"refresh_token": refreshToken,
				"token_expiry":  expiry,
			}).Error
	})

	adapters := map[string]provider.Adapter{
		domain.ProviderGmail:   gmailAdapter.New(cfg.GoogleClientID, cfg.GoogleClientSecret, onTokenRefresh),
		domain.ProviderOutlook: outlookAdapter.New(),
		domain.ProviderIMAP:    imapadapter.New(),
	}

	// Resilience primitives over the shared store
	limiter := resilience.NewRateLimiter(store)
	breakers := resilience.NewBreakerRegistry(store)
	lock := resilience.NewLock(store)

	// Sync engine
	pipeline := syncengine.NewPipeline(messageRepo, threadRepo)
	coordinator := syncengine.NewCoordinator(accountRepo, pipeline, adapters, limiter, breakers, store, notifier, cfg.MaxConcurrentSyncs)
	scheduler := syncengine.NewScheduler(accountRepo, coordinator, limiter, cfg.SyncTickInterval, cfg.MaxConcurrentSyncs)

	// Job queues
	queues := queue.NewManager(store, limiter)
	handlers := jobs.NewHandlers(accountRepo, messageRepo, threadRepo, adapters, scheduler, limiter, breakers, lock, store, notifier)
	handlers.RegisterAll(queues)

	scheduler.Start()
	queues.Start()

	// HTTP surface
	router := gin.Default()
	api.SetupRoutes(router, api.NewHandler(accountRepo, messageRepo, scheduler, queues))

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := router.Run(":" + cfg.Port); err != nil {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	scheduler.Stop()
	queues.Stop()
	log.Println("Shutdown complete")
}
