package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/recordtransfer/backend/internal/clamav"
	"github.com/recordtransfer/backend/internal/config"
	"github.com/recordtransfer/backend/internal/database"
	"github.com/recordtransfer/backend/internal/handlers"
	"github.com/recordtransfer/backend/internal/middleware"
	"github.com/recordtransfer/backend/internal/models"
	"github.com/recordtransfer/backend/internal/services"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Seed admin user if not exists
	seedAdminUser()

	// JWT secret persisted in database so staff sessions survive restarts
	cfg.JWTSecret = database.EnsureJWTSecret(cfg)

	// Virus scanner client
	scanner := clamav.NewClient(cfg.ClamHost, cfg.ClamPort, time.Duration(cfg.ClamTimeoutSeconds)*time.Second)
	if err := scanner.Ping(context.Background()); err != nil {
		log.Printf("Warning: clamd not reachable at %s:%d: %v (uploads will be rejected until it is)", cfg.ClamHost, cfg.ClamPort, err)
	}

	// Core upload session manager
	uploadManager := services.NewUploadSessionService(database.DB, scanner, cfg)

	// Email service for expiry reminders
	emailService := services.NewEmailService()

	// Start session sweeper (expires idle sessions, sends reminders)
	sweeper := services.NewSessionSweeperService(database.DB, uploadManager, emailService, cfg)
	sweeper.Start()

	// Optional FTP delivery of finished bags
	delivery := services.NewPackageDeliveryService()

	// Start packaging worker (builds archival bags from finalized sessions)
	worker, err := services.NewPackagingWorkerService(database.DB, uploadManager, delivery, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize packaging worker: %v", err)
	}
	worker.Start()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "RecordTransfer API v1.0",
		ServerHeader: "RecordTransfer",
		BodyLimit:    int(cfg.MaxSingleFileSize) + 1024*1024, // single file plus form overhead
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "recordtransfer-api",
		})
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg)
	uploadHandler := handlers.NewUploadHandler(uploadManager)
	submissionHandler := handlers.NewSubmissionHandler(uploadManager, worker)
	settingsHandler := handlers.NewSettingsHandler(emailService)
	auditHandler := handlers.NewAuditHandler()
	userHandler := handlers.NewUserHandler()

	// API routes
	api := app.Group("/api")
	api.Use(middleware.RateLimiter(100, time.Minute))

	// Auth routes (public)
	auth := api.Group("/auth")
	auth.Post("/login", authHandler.Login)

	// Donor-facing routes (session token / submission UUID is the capability)
	uploads := api.Group("/uploads")
	uploads.Get("/accepted-formats", uploadHandler.AcceptedFormats)
	uploads.Post("/sessions", uploadHandler.CreateSession)
	uploads.Get("/sessions/:token", uploadHandler.GetSession)
	uploads.Post("/sessions/:token/files", uploadHandler.UploadFile)
	uploads.Delete("/sessions/:token/files/:name", uploadHandler.RemoveFile)

	wizard := api.Group("/submissions")
	wizard.Post("/", submissionHandler.Create)
	wizard.Get("/:uuid", submissionHandler.Get)
	wizard.Put("/:uuid", submissionHandler.Update)
	wizard.Delete("/:uuid", submissionHandler.Delete)
	wizard.Post("/:uuid/complete", submissionHandler.Complete)

	// Staff routes (JWT protected, audit logged)
	admin := api.Group("/admin", middleware.AuthRequired(cfg), middleware.AuditLogger())
	admin.Post("/auth/logout", authHandler.Logout)
	admin.Get("/auth/me", authHandler.Me)
	admin.Post("/auth/change-password", authHandler.ChangePassword)

	// Submission review carries donor contact details; read-only accounts
	// get the aggregate stats only
	admin.Get("/submissions", middleware.ArchivistOrAdmin(), submissionHandler.List)
	admin.Get("/submissions/stats", submissionHandler.Stats)
	admin.Get("/submissions/:uuid", middleware.ArchivistOrAdmin(), submissionHandler.GetOne)

	admin.Get("/audit", auditHandler.List)
	admin.Get("/audit/actions", auditHandler.GetActions)

	// Admin-only: settings and staff accounts
	admin.Get("/settings", settingsHandler.List)
	admin.Get("/settings/:key", settingsHandler.Get)
	admin.Put("/settings", middleware.AdminOnly(), settingsHandler.Update)
	admin.Put("/settings/bulk", middleware.AdminOnly(), settingsHandler.BulkUpdate)
	admin.Delete("/settings/:key", middleware.AdminOnly(), settingsHandler.Delete)
	admin.Post("/settings/test-email", middleware.AdminOnly(), settingsHandler.TestEmail)

	admin.Get("/users", middleware.AdminOnly(), userHandler.List)
	admin.Post("/users", middleware.AdminOnly(), userHandler.Create)
	admin.Put("/users/:id", middleware.AdminOnly(), userHandler.Update)
	admin.Delete("/users/:id", middleware.AdminOnly(), userHandler.Delete)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		sweeper.Stop()
		worker.Stop()
		app.Shutdown()
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting RecordTransfer API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}

func seedAdminUser() {
	var count int64
	database.DB.Model(&models.User{}).Where("user_type = ?", models.UserTypeAdmin).Count(&count)

	if count == 0 {
		log.Println("Creating default admin user...")

		admin := models.User{
			Username: "admin",
			Email:    "admin@recordtransfer.local",
			FullName: "System Administrator",
			UserType: models.UserTypeAdmin,
			IsActive: true,
		}
		if err := admin.SetPassword("admin123"); err != nil {
			log.Printf("Failed to hash admin password: %v", err)
			return
		}

		if err := database.DB.Create(&admin).Error; err != nil {
			log.Printf("Failed to create admin user: %v", err)
		} else {
			log.Println("Admin user created successfully (username: admin, password: admin123)")
		}
	}
}
