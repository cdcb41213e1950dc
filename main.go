package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"prop-trading-system/handlers"
	"prop-trading-system/middleware"
	"prop-trading-system/models"
	"prop-trading-system/queue"
	"prop-trading-system/services"
	"prop-trading-system/utils"
	"prop-trading-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOrigins = "http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-User-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Challenge{},
		&models.ChallengeHistory{},
		&models.Trade{},
		&models.RiskRuleConfig{},
		&models.Competition{},
		&models.CompetitionParticipant{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		log.Fatal("REDIS_URL environment variable not set")
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatal("invalid REDIS_URL:", err)
	}
	rdb := redis.NewClient(redisOpts)

	bridgeURL := os.Getenv("BRIDGE_URL")
	if bridgeURL == "" {
		log.Fatal("BRIDGE_URL environment variable not set")
	}
	bridgeAPIKey := os.Getenv("BRIDGE_API_KEY")
	if bridgeAPIKey == "" {
		log.Fatal("BRIDGE_API_KEY environment variable not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Everything below is explicitly constructed and handed down — no
	// package-level singletons.
	bridge := services.NewBridgeClient(bridgeURL, bridgeAPIKey)
	resolver := services.NewRuleResolver(db, os.Getenv("PRIME_GROUP_MARKER"))
	challengeService := services.NewChallengeService(db, bridge)

	broadcaster := services.NewRealtimeBroadcaster(rdb)
	broadcaster.Start(ctx)

	syncQueue := queue.New(rdb, "trade-sync", queue.Options{
		Attempts:    2,
		Backoff:     5 * time.Second,
		BackoffType: queue.BackoffFixed,
	})
	riskQueue := queue.New(rdb, "risk-events", queue.Options{
		Attempts:    3,
		Backoff:     time.Second,
		BackoffType: queue.BackoffExponential,
	})

	concurrency := 10
	if v := os.Getenv("SYNC_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		}
	}

	tradeSync := workers.NewTradeSyncWorker(db, bridge, challengeService, riskQueue, broadcaster)
	queue.NewWorker(syncQueue, concurrency, tradeSync.Handle).Start(ctx)

	riskWorker := workers.NewRiskWorker(db, resolver, bridge, challengeService, broadcaster)
	queue.NewWorker(riskQueue, concurrency, riskWorker.Handle).Start(ctx)

	var archiver *services.StatementArchiver
	if os.Getenv("R2_BUCKET_NAME") != "" {
		r2, err := utils.NewR2Client()
		if err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		archiver = services.NewStatementArchiver(db, r2)
	} else {
		log.Println("⚠️  R2_BUCKET_NAME not set, statement archiving disabled")
	}

	scheduler := services.NewSyncScheduler(challengeService, syncQueue, archiver, 5*time.Minute)
	scheduler.Start()

	leaderboard := services.NewLeaderboardService(db, broadcaster)
	leaderboard.StartLeaderboardBroadcaster(30 * time.Second)

	handlers.SetupRoutes(app, challengeService, leaderboard, scheduler, broadcaster)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Printf("✅ Trade sync workers running (concurrency=%d)", concurrency)
	log.Println("✅ Risk evaluation workers running")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}
