package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/chatpool/gateway/internal/gateway/convstore"
	"github.com/chatpool/gateway/internal/gateway/handlers"
	"github.com/chatpool/gateway/internal/gateway/keypool"
	"github.com/chatpool/gateway/internal/gateway/orchestrator"
	"github.com/chatpool/gateway/internal/gateway/providers"
	"github.com/chatpool/gateway/internal/gateway/websearch"
	"github.com/chatpool/gateway/internal/shared/config"
	"github.com/chatpool/gateway/internal/shared/database"
	"github.com/chatpool/gateway/internal/shared/models"
	"github.com/chatpool/gateway/internal/shared/redis"
	"github.com/chatpool/gateway/internal/shared/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting chatpool gateway on port %s (env: %s)", cfg.Port, cfg.Env)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("✓ Connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("✓ Connected to Redis")

	// Conversation store
	conversations := convstore.New(redisClient)

	// Key pool with its initial snapshot
	pool := keypool.New(db)
	pool.Refresh(ctx)
	health := keypool.NewHealthManager(db, pool)
	log.Printf("✓ Key pool loaded (%d standard, %d premium)",
		pool.Size(models.TierStandard), pool.Size(models.TierPremium))

	// Provider adapters
	adapters := map[string]providers.Adapter{
		models.ProviderOpenAI: providers.NewOpenAIAdapter(conversations),
		models.ProviderBaidu:  providers.NewBaiduAdapter(cfg.BaiduBaseURL),
		models.ProviderZhipu:  providers.NewZhipuAdapter(cfg.ZhipuBaseURL),
	}
	log.Println("✓ Initialized provider adapters")

	// Object storage for generated images
	var images orchestrator.ObjectStore
	if cfg.S3Bucket != "" {
		uploader, err := storage.New(ctx, storage.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Endpoint:  cfg.S3Endpoint,
			BaseURL:   cfg.S3BaseURL,
		})
		if err != nil {
			log.Fatalf("Failed to initialize object storage: %v", err)
		}
		images = uploader
		log.Println("✓ Connected to object storage")
	}

	// Web augmentation for network-mode chats
	var rewriter orchestrator.Rewriter
	if cfg.WebAugmentURL != "" {
		rewriter = websearch.New(cfg.WebAugmentURL)
		log.Println("✓ Web augmentation enabled")
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:        cfg,
		Pool:          pool,
		Health:        health,
		Uses:          db,
		Ledger:        db,
		Content:       db,
		Audit:         db,
		Conversations: conversations,
		Adapters:      adapters,
		Rewriter:      rewriter,
		Painter:       providers.NewImageClient(),
		Images:        images,
	})

	// Initialize handlers
	chatHandler := handlers.NewChatHandler(orch)
	drawHandler := handlers.NewDrawHandler(orch)
	keyHandler := handlers.NewKeyHandler(db, pool)
	middleware := handlers.NewMiddleware(db, redisClient, cfg.RateLimitPerMinute)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Chat routes (with auth and rate limiting; no request timeout here,
	// streams run as long as the per-credential provider timeout allows)
	r.Route("/chatgpt", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.RateLimitMiddleware)

		r.Post("/chat-process", chatHandler.HandleChatStream)
		r.Post("/chat-sync", chatHandler.HandleChatSync)
		r.Post("/chat-draw", drawHandler.HandleDraw)
	})

	// Credential management (admin only)
	r.Route("/admin/keys", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AdminMiddleware)

		r.Get("/", keyHandler.HandleList)
		r.Post("/", keyHandler.HandleCreate)
		r.Post("/{id}", keyHandler.HandleUpdate)
		r.Post("/{id}/delete", keyHandler.HandleDelete)
	})

	// HTTP server; WriteTimeout stays generous so long streams survive
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("🚀 Server listening on http://localhost:%s", cfg.Port)
		log.Println("   POST /chatgpt/chat-process - Streaming chat")
		log.Println("   POST /chatgpt/chat-sync    - Non-streaming chat")
		log.Println("   POST /chatgpt/chat-draw    - Image generation")
		log.Println("   GET  /health               - Health check")
		log.Println("")
		log.Println("Ready to accept requests!")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
