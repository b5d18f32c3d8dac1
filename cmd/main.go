package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"cardflip-game/internal/auth"
	"cardflip-game/internal/blockchain"
	"cardflip-game/internal/config"
	"cardflip-game/internal/database"
	"cardflip-game/internal/handlers"
	"cardflip-game/internal/jobs"
	"cardflip-game/internal/ledger"
	"cardflip-game/internal/services"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize JWT
	auth.InitJWT(cfg.App.JWTSecret)

	// Connect to database
	if err := database.Connect(cfg.GetDSN()); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Run migrations
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize ledger
	gameLedger := ledger.NewLedger(database.GetDB())

	// Winner seed: settlement retries must reproduce the same draw, so a
	// fixed seed from config is preferred; a generated one only holds for
	// this process lifetime.
	seed := cfg.Game.WinnerSeed
	if seed == "" {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			log.Fatalf("Failed to generate winner seed: %v", err)
		}
		seed = hex.EncodeToString(buf)
		log.Println("WINNER_SEED not set, generated an ephemeral seed")
	}
	picker := services.NewFairCoinPicker(seed)

	// Payout notifier: real SOL transfers when a server wallet is
	// configured, log-only stub otherwise.
	var notifier services.PayoutNotifier = services.LogPayoutNotifier{}
	if cfg.Solana.ServerWalletPrivateKey != "" {
		sender, err := blockchain.NewPayoutSender(cfg.Solana.Network, cfg.Solana.ServerWalletPrivateKey)
		if err != nil {
			log.Fatalf("Failed to initialize payout sender: %v", err)
		}
		notifier = sender
	}

	// Initialize services
	settlementService := services.NewSettlementService(
		gameLedger,
		picker,
		notifier,
		cfg.Game.FeeRate,
		cfg.Game.RefundOnForfeit,
	)
	gameService := services.NewGameService(gameLedger, cfg.Game.RoundDuration)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler()
	gameHandler := handlers.NewGameHandler(gameService)

	// Start the round scheduler
	scheduler := jobs.NewRoundScheduler(gameLedger, settlementService, cfg.Game)
	go scheduler.Start()

	// Set up Gin router
	router := gin.Default()

	// CORS middleware
	allowedOrigins := []string{
		"http://localhost:3000",
		"http://localhost:5173", // Vite dev server
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	}
	if frontendURL := os.Getenv("FRONTEND_URL"); frontendURL != "" {
		allowedOrigins = append(allowedOrigins, frontendURL)
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// Authentication routes (public)
	router.POST("/auth/wallet", authHandler.WalletLogin)

	// Public game routes
	router.GET("/api/game-state", gameHandler.GetGameState)
	router.GET("/api/recent-results", gameHandler.GetRecentResults)

	// API routes (protected)
	api := router.Group("/api")
	api.Use(auth.AuthMiddleware())
	{
		api.POST("/place-bet", gameHandler.PlaceBet)
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %s", cfg.Server.Port)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	scheduler.Stop()

	// Graceful shutdown with 5 second timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}
