package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/UniverseGames8/UniFarm2-sub003/handlers"
	"github.com/UniverseGames8/UniFarm2-sub003/middleware"
	"github.com/UniverseGames8/UniFarm2-sub003/models"
	"github.com/UniverseGames8/UniFarm2-sub003/services"
	"github.com/UniverseGames8/UniFarm2-sub003/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// 🔐 GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-User-ID, X-User-Roles, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
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
		&models.Participant{},
		&models.FarmingDeposit{},
		&models.LedgerEntry{},
		&models.ReferralEdge{},
		&models.RewardBatch{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	clock := clockwork.NewRealClock()

	// Referral graph: resolver strategy is picked once at construction.
	referralService := services.NewReferralService(db, nil)
	switch strings.ToLower(os.Getenv("REFERRAL_RESOLVER")) {
	case "iterative":
		referralService.Resolver = &services.IterativeChainResolver{Dir: referralService}
		log.Println("✅ Referral resolver: iterative (per-hop lookups)")
	default:
		referralService.Resolver = &services.RecursiveChainResolver{DB: db}
		log.Println("✅ Referral resolver: recursive (single closure query)")
	}

	distributionEngine := services.NewDistributionEngine(db, referralService)
	distributionEngine.MinReward = envDecimal("MIN_REWARD", services.DefaultMinReward)

	batchMode := services.BatchModeSync
	if strings.ToLower(os.Getenv("BATCH_MODE")) == "batched" {
		batchMode = services.BatchModeBatched
	}
	coordinator := services.NewBatchCoordinator(
		services.NewGormBatchLog(db),
		distributionEngine,
		clock,
		batchMode,
		envInt("BATCH_SIZE", 50),
	)

	farmingCfg := services.DefaultFarmingConfig()
	farmingCfg.DailyRate = envDecimal("FARM_DAILY_RATE", farmingCfg.DailyRate)
	farmingCfg.ChangeThreshold = envDecimal("MIN_CHANGE_THRESHOLD", farmingCfg.ChangeThreshold)
	farmingCfg.TickWidth = time.Duration(envInt("FARM_TICK_SECONDS", 60)) * time.Second
	farmingService := services.NewFarmingService(db, clock, coordinator, farmingCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go workers.PollBatches(ctx, coordinator,
		time.Duration(envInt("BATCH_FLUSH_SECONDS", 10))*time.Second,
		time.Duration(envInt("BATCH_RECOVERY_MINUTES", 5))*time.Minute,
	)

	farmingService.StartAccrualScheduler(ctx, envInt("FARM_GROUP_SIZE", 10))

	handlers.SetupFarmingRoutes(app, farmingService)
	handlers.SetupReferralRoutes(app, referralService, coordinator)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5300"
	}
	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", port)
	log.Printf("✅ Accrual scheduler running (tick=%s, groups of %d)", farmingCfg.TickWidth, envInt("FARM_GROUP_SIZE", 10))
	log.Printf("✅ Batch worker running (mode=%s)", batchMode)
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func envDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using default %s", key, v, def)
		return def
	}
	return d
}
