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

	"campaign-referral-system/handlers"
	"campaign-referral-system/middleware"
	"campaign-referral-system/models"
	"campaign-referral-system/services"
	"campaign-referral-system/utils"
	"campaign-referral-system/workers"

	"github.com/go-co-op/gocron/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 10 * 1024 * 1024, // 10MB — share cards are small images
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
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
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Session-Token, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID, X-Session-Token",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}
	sessionSecret := os.Getenv("SESSION_JWT_SECRET")
	if sessionSecret == "" {
		log.Fatal("SESSION_JWT_SECRET environment variable not set")
	}

	if err := utils.InitR2(); err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	}

	// TranslateError turns Postgres unique violations into
	// gorm.ErrDuplicatedKey, which the services rely on for conflicts.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Counter{},
		&models.CampaignUser{},
		&models.Referral{},
		&models.Wallet{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := services.NewRedisClient(ctx)
	if err != nil {
		log.Fatal("failed to connect to Redis:", err)
	}
	defer rdb.Close()

	skipRanges, err := services.ParseSkipRanges(os.Getenv("POSITION_SKIP_RANGES"))
	if err != nil {
		log.Fatal("bad POSITION_SKIP_RANGES:", err)
	}

	positionService := services.NewPositionService(db, skipRanges,
		envInt64("POSITION_FLOOR", services.DefaultRegularFloor),
		envInt64("KOL_POSITION_CAP", services.DefaultKOLCap))
	kolIndex := services.NewKOLIndex(os.Getenv("KOL_LIST_FILE"))
	codeGen := services.NewCodeGenerator(envOr("REFERRAL_CODE_PREFIX", "CMPN"))
	referralService := services.NewReferralService(db, positionService, kolIndex, codeGen)
	userService := services.NewUserService(db)
	walletService := services.NewWalletService(db)
	jobQueue := services.NewJobQueue(rdb, "referral")
	minFollowers := envInt64("MIN_FOLLOWER_COUNT", services.DefaultMinFollowers)
	signupService := services.NewSignupService(userService, referralService, walletService, jobQueue, minFollowers)
	statusService := services.NewStatusService(referralService, jobQueue, 5)

	attributionCodec := services.NewAttributionCodec([]byte(sessionSecret), codeGen)
	sessionCodec := services.NewSessionCodec([]byte(sessionSecret), 7*24*time.Hour)

	// Pull counters up to any already-assigned position before serving —
	// covers restores from backup and manual position grants.
	if err := positionService.ReseedFromRecords(ctx); err != nil {
		log.Printf("⚠️  counter reseed on boot failed: %v", err)
	}

	// Hourly KOL list refresh + daily counter audit.
	sched, _ := gocron.NewScheduler()
	_, _ = sched.NewJob(gocron.DurationJob(1*time.Hour), gocron.NewTask(func() {
		if err := kolIndex.Reload(); err != nil {
			log.Printf("⚠️  [Scheduler] kol list reload failed: %v", err)
		}
	}))
	_, _ = sched.NewJob(gocron.DurationJob(24*time.Hour), gocron.NewTask(func() {
		if err := positionService.ReseedFromRecords(context.Background()); err != nil {
			log.Printf("⚠️  [Scheduler] counter audit failed: %v", err)
		}
	}))
	sched.Start()
	defer func() { _ = sched.Shutdown() }()

	referralWorker := workers.NewReferralWorker(jobQueue, userService, referralService, positionService, minFollowers)
	go func() {
		log.Println("Starting Referral Worker...")
		referralWorker.Start(ctx)
	}()

	app.Use(middleware.SessionMiddleware(sessionCodec, signupService))

	handlers.SetupAuthRoutes(app, signupService, sessionCodec, attributionCodec)
	handlers.SetupReferralRoutes(app, referralService, statusService, attributionCodec, kolIndex)
	handlers.SetupWalletRoutes(app, walletService)

	app.Get("/health", func(c *fiber.Ctx) error {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.UserContext())
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "database unavailable"})
		}
		if err := jobQueue.Health(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue broker unavailable"})
		}
		return c.JSON(fiber.Map{"ok": true, "kol_identities": kolIndex.Size()})
	})

	port := envOr("PORT", "5300")
	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", port)
	log.Println("✅ Referral Worker running")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Fatalf("bad %s value %q: %v", key, raw, err)
	}
	return v
}
