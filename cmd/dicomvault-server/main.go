package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dicomvault/dicomvault/internal/config"
	"github.com/dicomvault/dicomvault/internal/domain/extraction"
	"github.com/dicomvault/dicomvault/internal/domain/study"
	"github.com/dicomvault/dicomvault/internal/domain/upload"
	"github.com/dicomvault/dicomvault/internal/platform/auth"
	"github.com/dicomvault/dicomvault/internal/platform/db"
	"github.com/dicomvault/dicomvault/internal/platform/dicomfile"
	"github.com/dicomvault/dicomvault/internal/platform/middleware"
	"github.com/dicomvault/dicomvault/internal/platform/storage"
	"github.com/dicomvault/dicomvault/internal/platform/tasks"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dicomvault-server",
		Short: "DICOM upload and extraction API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Roll back by applying a new forward migration instead.")
			return nil
		},
	})

	return cmd
}

// sweepCmd runs one retention sweep and exits, for use from cron when the
// in-process sweeper is not wanted.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete stale upload and extraction sessions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := storage.NewLocalStore(cfg.StagingDir(), cfg.ExtractedDir(), logger)
			if err != nil {
				return err
			}

			uploadSvc := upload.NewService(upload.NewSessionRepoPG(pool), store, logger)
			extractionRepo := extraction.NewSessionRepoPG(pool)

			uploads, err := uploadSvc.SweepExpired(ctx, cfg.SessionRetention())
			if err != nil {
				return err
			}
			extractions, err := extraction.NewService(extractionRepo, uploadSvc, nil, store, nil, nil, logger).
				Sweep(ctx, cfg.SessionRetention())
			if err != nil {
				return err
			}

			fmt.Printf("Swept %d upload session(s), %d extraction session(s).\n", uploads, extractions)
			return nil
		},
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	store, err := storage.NewLocalStore(cfg.StagingDir(), cfg.ExtractedDir(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}

	// Services
	runner := tasks.NewRunner(logger)
	uploadSvc := upload.NewService(upload.NewSessionRepoPG(pool), store, logger)
	studySvc := study.NewService(study.NewRepoPG(pool), store, dicomfile.NewReader(), logger)
	extractor := extraction.NewExtractor(store, cfg.MaxZipDepth, logger)
	extractionSvc := extraction.NewService(
		extraction.NewSessionRepoPG(pool), uploadSvc, studySvc, store, extractor, runner, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(middleware.DefaultBodyLimit, cfg.MaxChunkBytes))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware([]byte(cfg.AuthSecret)))
	}

	// Routes
	apiV1 := e.Group("/api/v1")
	upload.NewHandler(uploadSvc).RegisterRoutes(apiV1)
	extraction.NewHandler(extractionSvc).RegisterRoutes(apiV1)
	study.NewHandler(studySvc).RegisterRoutes(apiV1)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Retention sweeper
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n, err := uploadSvc.SweepExpired(sweepCtx, cfg.SessionRetention()); err != nil {
					logger.Error().Err(err).Msg("upload session sweep failed")
				} else if n > 0 {
					logger.Info().Int("sessions", n).Msg("swept stale upload sessions")
				}
				if n, err := extractionSvc.Sweep(sweepCtx, cfg.SessionRetention()); err != nil {
					logger.Error().Err(err).Msg("extraction session sweep failed")
				} else if n > 0 {
					logger.Info().Int("sessions", n).Msg("swept stale extraction sessions")
				}
			}
		}
	}()

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful shutdown: stop accepting requests, then drain in-flight
	// extraction pipelines so a restart does not silently abandon them.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	stopSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	runner.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
