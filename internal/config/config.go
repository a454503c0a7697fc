package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Scraper   ScraperConfig
	Navigator NavigatorConfig
	Browser   BrowserConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Mongo     MongoConfig
	Queue     QueueConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type ScraperConfig struct {
	ParseBrand    bool
	BrandDelayMin time.Duration
	BrandDelayMax time.Duration
	TargetsFile   string
	Cities        []string
	Categories    []string
	OutputFormat  string
	OutputDir     string
}

type NavigatorConfig struct {
	BaseURL         string
	ActionTimeout   time.Duration
	LoadMoreTimeout time.Duration
	PageSettle      time.Duration
	RegionSettle    time.Duration
	ExpandSettle    time.Duration
	MaxExpansions   int
}

type BrowserConfig struct {
	Backend           string
	Headless          bool
	Timeout           time.Duration
	ViewportWidth     int
	ViewportHeight    int
	AcceptLanguage    string
	TimezoneID        string
	Locale            string
	UserAgent         string
	ProxyServer       string
	NavigationRetries int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

type QueueConfig struct {
	MaxSize int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Scraper: ScraperConfig{
			ParseBrand:    getBoolOrDefault("SCRAPER_PARSE_BRAND", false),
			BrandDelayMin: getDurationOrDefault("SCRAPER_BRAND_DELAY_MIN", 0),
			BrandDelayMax: getDurationOrDefault("SCRAPER_BRAND_DELAY_MAX", 0),
			TargetsFile:   getEnvOrDefault("SCRAPER_TARGETS_FILE", ""),
			Cities:        getStringSliceOrDefault("SCRAPER_CITIES", DefaultCities()),
			Categories:    getStringSliceOrDefault("SCRAPER_CATEGORIES", []string{DefaultCategory}),
			OutputFormat:  getEnvOrDefault("SCRAPER_OUTPUT_FORMAT", "csv"),
			OutputDir:     getEnvOrDefault("SCRAPER_OUTPUT_DIR", "."),
		},
		Navigator: NavigatorConfig{
			BaseURL:         getEnvOrDefault("NAVIGATOR_BASE_URL", "https://online.metro-cc.ru"),
			ActionTimeout:   getDurationOrDefault("NAVIGATOR_ACTION_TIMEOUT", 10*time.Second),
			LoadMoreTimeout: getDurationOrDefault("NAVIGATOR_LOAD_MORE_TIMEOUT", 5*time.Second),
			PageSettle:      getDurationOrDefault("NAVIGATOR_PAGE_SETTLE", 2*time.Second),
			RegionSettle:    getDurationOrDefault("NAVIGATOR_REGION_SETTLE", 5*time.Second),
			ExpandSettle:    getDurationOrDefault("NAVIGATOR_EXPAND_SETTLE", 3*time.Second),
			MaxExpansions:   getIntOrDefault("NAVIGATOR_MAX_EXPANSIONS", 0),
		},
		Browser: BrowserConfig{
			Backend:           getEnvOrDefault("BROWSER_BACKEND", "playwright"),
			Headless:          getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:           getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:     getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight:    getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage:    getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "ru-RU,ru;q=0.9,en;q=0.8"),
			TimezoneID:        getEnvOrDefault("BROWSER_TIMEZONE", "Europe/Moscow"),
			Locale:            getEnvOrDefault("BROWSER_LOCALE", "ru-RU"),
			UserAgent:         getEnvOrDefault("BROWSER_USER_AGENT", ""),
			ProxyServer:       getEnvOrDefault("BROWSER_PROXY", ""),
			NavigationRetries: getIntOrDefault("BROWSER_NAVIGATION_RETRIES", 3),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "metro_scraper"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
			Stream:   getEnvOrDefault("REDIS_STREAM", "stream:metro_products"),
		},
		Mongo: MongoConfig{
			URI:        getEnvOrDefault("MONGO_URI", ""),
			Database:   getEnvOrDefault("MONGO_DATABASE", "metro"),
			Collection: getEnvOrDefault("MONGO_COLLECTION", "products"),
		},
		Queue: QueueConfig{
			MaxSize: getIntOrDefault("QUEUE_MAX_SIZE", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Scraper.BrandDelayMin < 0 || c.Scraper.BrandDelayMax < 0 {
		return fmt.Errorf("SCRAPER_BRAND_DELAY_MIN and SCRAPER_BRAND_DELAY_MAX must not be negative")
	}

	if c.Scraper.BrandDelayMin > c.Scraper.BrandDelayMax {
		return fmt.Errorf("SCRAPER_BRAND_DELAY_MIN cannot be greater than SCRAPER_BRAND_DELAY_MAX")
	}

	switch c.Scraper.OutputFormat {
	case "csv", "json":
	default:
		return fmt.Errorf("SCRAPER_OUTPUT_FORMAT must be csv or json, got %q", c.Scraper.OutputFormat)
	}

	switch c.Browser.Backend {
	case "playwright", "chromedp":
	default:
		return fmt.Errorf("BROWSER_BACKEND must be playwright or chromedp, got %q", c.Browser.Backend)
	}

	if c.Navigator.BaseURL == "" {
		return fmt.Errorf("NAVIGATOR_BASE_URL is required")
	}

	if c.Navigator.ActionTimeout <= 0 || c.Navigator.LoadMoreTimeout <= 0 {
		return fmt.Errorf("NAVIGATOR_ACTION_TIMEOUT and NAVIGATOR_LOAD_MORE_TIMEOUT must be positive")
	}

	if c.Navigator.MaxExpansions < 0 {
		return fmt.Errorf("NAVIGATOR_MAX_EXPANSIONS must not be negative")
	}

	if c.Browser.NavigationRetries < 1 {
		return fmt.Errorf("BROWSER_NAVIGATION_RETRIES must be at least 1")
	}

	if c.Queue.MaxSize < 1 {
		return fmt.Errorf("QUEUE_MAX_SIZE must be at least 1")
	}

	return nil
}

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
