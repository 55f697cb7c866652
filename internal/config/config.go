package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                    string   `mapstructure:"PORT"`
	Env                     string   `mapstructure:"ENV"`
	DatabaseURL             string   `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32    `mapstructure:"DB_MIN_CONNS"`
	AuthSecret              string   `mapstructure:"AUTH_SECRET"`
	CORSOrigins             []string `mapstructure:"CORS_ORIGINS"`
	StorageRoot             string   `mapstructure:"STORAGE_ROOT"`
	ChunkDir                string   `mapstructure:"CHUNK_DIR"`
	DicomDir                string   `mapstructure:"DICOM_DIR"`
	MaxChunkBytes           int64    `mapstructure:"MAX_CHUNK_BYTES"`
	MaxZipDepth             int      `mapstructure:"MAX_ZIP_DEPTH"`
	SessionRetentionMinutes int      `mapstructure:"SESSION_RETENTION_MINUTES"`
	SweepIntervalMinutes    int      `mapstructure:"SWEEP_INTERVAL_MINUTES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("STORAGE_ROOT", "./data")
	v.SetDefault("CHUNK_DIR", "chunks")
	v.SetDefault("DICOM_DIR", "dicom")
	v.SetDefault("MAX_CHUNK_BYTES", 6*1024*1024)
	v.SetDefault("MAX_ZIP_DEPTH", 5)
	v.SetDefault("SESSION_RETENTION_MINUTES", 60)
	v.SetDefault("SWEEP_INTERVAL_MINUTES", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("STORAGE_ROOT")
	v.BindEnv("CHUNK_DIR")
	v.BindEnv("DICOM_DIR")
	v.BindEnv("MAX_CHUNK_BYTES")
	v.BindEnv("MAX_ZIP_DEPTH")
	v.BindEnv("SESSION_RETENTION_MINUTES")
	v.BindEnv("SWEEP_INTERVAL_MINUTES")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests are treated as authenticated.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// StagingDir is where per-session chunk files accumulate before assembly.
func (c *Config) StagingDir() string {
	return filepath.Join(c.StorageRoot, c.ChunkDir)
}

// ExtractedDir is the destination area holding flattened DICOM folders.
func (c *Config) ExtractedDir() string {
	return filepath.Join(c.StorageRoot, c.DicomDir)
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SECRET must be set so that real JWT authentication is enforced.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required when ENV is not development (current ENV=%q)", c.Env)
	}
	if c.MaxChunkBytes <= 0 {
		return fmt.Errorf("MAX_CHUNK_BYTES must be positive, got %d", c.MaxChunkBytes)
	}
	if c.MaxZipDepth < 1 {
		return fmt.Errorf("MAX_ZIP_DEPTH must be at least 1, got %d", c.MaxZipDepth)
	}
	if c.SessionRetentionMinutes < 1 {
		return fmt.Errorf("SESSION_RETENTION_MINUTES must be at least 1, got %d", c.SessionRetentionMinutes)
	}
	return nil
}
