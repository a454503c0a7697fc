package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/maltedev/metro-scraper/internal/browser"
	"github.com/maltedev/metro-scraper/internal/config"
	"github.com/maltedev/metro-scraper/internal/database"
	"github.com/maltedev/metro-scraper/internal/events"
	"github.com/maltedev/metro-scraper/internal/logger"
	"github.com/maltedev/metro-scraper/internal/models"
	"github.com/maltedev/metro-scraper/internal/navigator"
	"github.com/maltedev/metro-scraper/internal/scraper"
	"github.com/maltedev/metro-scraper/internal/storage"
	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		brand      = flag.Bool("brand", false, "Visit each product page to collect the brand")
		cities     = flag.String("cities", "", "Comma-separated list of cities (overrides SCRAPER_CITIES)")
		categories = flag.String("categories", "", "Comma-separated list of category paths (overrides SCRAPER_CATEGORIES)")
		targets    = flag.String("targets", "", "YAML targets file (overrides SCRAPER_TARGETS_FILE)")
		backend    = flag.String("backend", "", "Browser backend: playwright or chromedp")
		format     = flag.String("format", "", "Output format: csv or json")
		outputDir  = flag.String("output", "", "Output directory")
		persist    = flag.Bool("db", false, "Also upsert products into PostgreSQL and publish events to Redis")
		probe      = flag.Bool("probe", false, "Start and stop the browser, then exit")
	)
	flag.Parse()

	brandPinned := isFlagSet(flag.CommandLine, "brand")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg, brand, brandPinned, *cities, *categories, *targets, *backend, *format, *outputDir)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *probe {
		os.Exit(runProbe(ctx, cfg, logger))
	}

	os.Exit(run(ctx, cfg, brandPinned, *persist, logger))
}

// isFlagSet reports whether name was given on the command line.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func applyFlags(cfg *config.Config, brand *bool, brandPinned bool, cities, categories, targets, backend, format, outputDir string) {
	if brandPinned {
		cfg.Scraper.ParseBrand = *brand
	}
	if cities != "" {
		cfg.Scraper.Cities = splitList(cities)
	}
	if categories != "" {
		cfg.Scraper.Categories = splitList(categories)
	}
	if targets != "" {
		cfg.Scraper.TargetsFile = targets
	}
	if backend != "" {
		cfg.Browser.Backend = backend
	}
	if format != "" {
		cfg.Scraper.OutputFormat = format
	}
	if outputDir != "" {
		cfg.Scraper.OutputDir = outputDir
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runProbe(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	open, err := browser.Open(cfg.Browser.Backend, scraper.BrowserOptions(cfg.Browser))
	if err != nil {
		logger.Error("Failed to select browser backend", "error", err)
		return 1
	}

	if err := browser.Probe(ctx, open); err != nil {
		logger.Error("Browser could not be started", "backend", cfg.Browser.Backend, "error", err)
		return 1
	}

	logger.Info("Browser started and stopped", "backend", cfg.Browser.Backend)
	return 0
}

func run(ctx context.Context, cfg *config.Config, brandPinned, persist bool, logger *slog.Logger) int {
	set, err := cfg.Targets()
	if err != nil {
		logger.Error("Failed to resolve targets", "error", err)
		return 1
	}
	targets := set.Targets
	parseBrand := set.ParseBrand(cfg.Scraper.ParseBrand, brandPinned)

	runner, err := scraper.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize scraper", "error", err)
		return 1
	}

	fileSink, err := storage.NewFileSink(cfg.Scraper.OutputFormat, cfg.Scraper.OutputDir)
	if err != nil {
		logger.Error("Failed to create output sink", "error", err)
		return 1
	}

	stores := storage.NewMulti(logger)
	var finish func(result *navigator.Result, runErr error)
	runID := ""

	if cfg.Mongo.URI != "" {
		mongoSink, err := storage.NewMongoSink(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			logger.Error("Failed to connect to MongoDB, skipping", "error", err)
		} else {
			defer mongoSink.Close(context.Background())
			stores.Add("mongo", mongoSink)
		}
	}

	if persist {
		p, err := openPersistence(ctx, cfg, logger)
		if err != nil {
			logger.Error("Failed to open database, skipping", "error", err)
		} else {
			defer p.close()
			rec := &models.Run{Targets: targets, ParseBrand: parseBrand}
			if err := p.runs.Create(ctx, rec); err != nil {
				logger.Error("Failed to record run, skipping database", "error", err)
			} else {
				runID = rec.ID
				if err := p.runs.MarkRunning(ctx, runID); err != nil {
					logger.Warn("Failed to mark run as running", "id", runID, "error", err)
				}
				stores.Add("postgres", p.publisher)
				finish = p.finisher(runID, logger)
			}
		}
	}

	logger.Info("Starting Metro scraper",
		"targets", len(targets),
		"parse_brand", parseBrand,
		"backend", cfg.Browser.Backend,
	)

	result, err := runner.Run(ctx, targets, parseBrand)
	if err != nil {
		logger.Error("Scrape aborted", "error", err)
		if finish != nil {
			finish(nil, err)
		}
		return 1
	}

	logSummaries(logger, result.Summaries)

	batch := storage.Batch{RunID: runID, ParseBrand: parseBrand, Records: result.Records}
	writeCtx := context.WithoutCancel(ctx)

	exitCode := 0
	if err := fileSink.Write(writeCtx, batch); err != nil {
		logger.Error("Failed to write output", "error", err)
		exitCode = 1
	}

	if stores.Len() > 0 {
		if err := stores.Write(writeCtx, batch); err != nil {
			logger.Warn("Some stores were not updated", "error", err)
		}
	}

	if finish != nil {
		finish(result, nil)
	}

	logger.Info("Scraping completed", "records", len(result.Records), "run_id", runID)
	return exitCode
}

func logSummaries(logger *slog.Logger, summaries []*navigator.Summary) {
	for _, s := range summaries {
		attrs := []any{
			"city", s.Target.City,
			"category", s.Target.Category,
			"region", s.Region.Outcome.String(),
			"expansions", s.Expansions,
			"cards", s.Cards,
			"records", s.Records,
			"card_failures", s.CardFailures,
			"duration", s.Duration,
		}
		if s.Brands != nil {
			attrs = append(attrs, "brands_resolved", s.Brands.Resolved, "brand_timeouts", s.Brands.Timeouts, "brand_errors", s.Brands.Errors)
		}
		if s.Degraded() {
			logger.Warn("Category summary (degraded)", attrs...)
			continue
		}
		logger.Info("Category summary", attrs...)
	}
}

type persistence struct {
	db        *database.DB
	redis     *redis.Client
	runs      *database.RunRepository
	outbox    *database.OutboxRepository
	publisher *events.Publisher
}

func openPersistence(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*persistence, error) {
	db, err := database.New(ctx, database.Config{DSN: cfg.Database.DSN()})
	if err != nil {
		return nil, err
	}

	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	outbox := database.NewOutboxRepository(db, cfg.Redis.Stream)
	return &persistence{
		db: db,
		redis: redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}),
		runs:      database.NewRunRepository(db),
		outbox:    outbox,
		publisher: events.NewPublisher(db, outbox, logger),
	}, nil
}

// finisher closes out the run row and flushes the outbox to Redis.
func (p *persistence) finisher(runID string, logger *slog.Logger) func(*navigator.Result, error) {
	return func(result *navigator.Result, runErr error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if runErr != nil {
			if err := p.runs.Fail(ctx, runID, runErr); err != nil {
				logger.Warn("Failed to mark run as failed", "id", runID, "error", err)
			}
			return
		}

		summaries := encodeSummaries(result.Summaries, logger)
		if err := p.runs.Complete(ctx, runID, len(result.Records), summaries); err != nil {
			logger.Warn("Failed to mark run as completed", "id", runID, "error", err)
		}

		if err := p.redis.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, events stay in the outbox", "error", err)
			return
		}

		relay := database.NewRelay(p.outbox, p.redis, logger, database.RelayConfig{})
		n, err := relay.Drain(ctx)
		if err != nil {
			logger.Warn("Outbox drain stopped early", "published", n, "error", err)
			return
		}
		logger.Info("Outbox drained", "events", n)
	}
}

func (p *persistence) close() {
	if err := p.redis.Close(); err != nil {
		slog.Default().Warn("Failed to close Redis client", "error", err)
	}
	p.db.Close()
}

// encodeSummaries returns nil when summaries cannot be encoded so the run
// still completes with its record count.
func encodeSummaries(summaries any, logger *slog.Logger) json.RawMessage {
	data, err := json.Marshal(summaries)
	if err != nil {
		logger.Warn("Failed to encode run summaries", "error", err)
		return nil
	}
	return data
}
