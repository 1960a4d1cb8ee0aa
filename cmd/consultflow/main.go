package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dungji-market/consultflow/internal/api"
	"github.com/dungji-market/consultflow/internal/flow"
	"github.com/dungji-market/consultflow/internal/genai"
	"github.com/dungji-market/consultflow/internal/lifecycle"
	"github.com/dungji-market/consultflow/internal/lockfile"
	"github.com/dungji-market/consultflow/internal/matching"
	"github.com/dungji-market/consultflow/internal/notify"
	"github.com/dungji-market/consultflow/internal/store"
	"github.com/dungji-market/consultflow/internal/twiliosms"
	"github.com/dungji-market/consultflow/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for consultflow state data
	DefaultStateDir = "/var/lib/consultflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "consultflow.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// A file-based store means exclusive ownership of the state directory.
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		lock, err := lockfile.Acquire(filepath.Dir(*flags.dbDSN))
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	// Build the storage backend
	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Optional collaborators: SMS delivery and AI assistance degrade to off
	// when their credentials are absent.
	sms := buildSMSSender(flags)
	summarizer := buildSummarizer(flags)

	dispatcher := notify.NewService(st, sms)
	matcher := matching.NewEngine(st, dispatcher,
		matching.WithRegionMatching(*flags.regionMatching),
		matching.WithFanoutLimit(*flags.fanoutLimit))
	lc := lifecycle.NewEngine(st, dispatcher)
	flows := flow.NewCache(st)

	server := api.NewServer(st, flows, matcher, lc, summarizer, buildAPIOptions(flags)...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping consultflow with configured modules",
		"dsn_set", *flags.dbDSN != "",
		"sms_enabled", sms != nil,
		"ai_enabled", summarizer != nil,
		"region_matching", *flags.regionMatching)
	if err := server.Run(ctx); err != nil {
		slog.Error("consultflow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("consultflow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL    string
	StateDir       string
	OpenAIKey      string
	APIAddr        string
	TwilioSID      string
	TwilioToken    string
	TwilioFrom     string
	RegionMatching bool
	FanoutLimit    int
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	openaiKey      *string
	apiAddr        *string
	twilioSID      *string
	twilioToken    *string
	twilioFrom     *string
	regionMatching *bool
	fanoutLimit    *int
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StateDir:       os.Getenv("CONSULTFLOW_STATE_DIR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		APIAddr:        os.Getenv("API_ADDR"),
		TwilioSID:      os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:     os.Getenv("TWILIO_FROM_NUMBER"),
		RegionMatching: util.ParseBoolEnv("ENABLE_REGION_MATCHING", false),
		FanoutLimit:    util.ParseIntEnv("MATCH_FANOUT_LIMIT", matching.DefaultFanoutLimit),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CONSULTFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CONSULTFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"ENABLE_REGION_MATCHING", config.RegionMatching,
		"MATCH_FANOUT_LIMIT", config.FanoutLimit)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for consultflow data (overrides $CONSULTFLOW_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		twilioSID:      flag.String("twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:    flag.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:     flag.String("twilio-from-number", config.TwilioFrom, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)"),
		regionMatching: flag.Bool("enable-region-matching", config.RegionMatching, "filter experts by region overlap (overrides $ENABLE_REGION_MATCHING)"),
		fanoutLimit:    flag.Int("match-fanout-limit", config.FanoutLimit, "max concurrent match creations per request (overrides $MATCH_FANOUT_LIMIT)"),
	}

	flag.Parse()

	// Follow an overridden state directory when the DSN still points at the
	// default SQLite location.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// buildStore constructs the configured storage backend.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildSMSSender constructs the Twilio SMS sender, or nil when unconfigured.
func buildSMSSender(flags Flags) twiliosms.SMSSender {
	if *flags.twilioSID == "" || *flags.twilioToken == "" || *flags.twilioFrom == "" {
		slog.Info("Twilio credentials not configured, SMS delivery disabled")
		return nil
	}
	client, err := twiliosms.NewClient(
		twiliosms.WithAccountSID(*flags.twilioSID),
		twiliosms.WithAuthToken(*flags.twilioToken),
		twiliosms.WithFromNumber(*flags.twilioFrom))
	if err != nil {
		slog.Error("Failed to initialize Twilio client, SMS delivery disabled", "error", err)
		return nil
	}
	return client
}

// buildSummarizer constructs the GenAI summarizer, or nil when unconfigured.
func buildSummarizer(flags Flags) api.Summarizer {
	if *flags.openaiKey == "" {
		slog.Info("OpenAI API key not configured, AI assistance disabled")
		return nil
	}
	client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Error("Failed to initialize GenAI client, AI assistance disabled", "error", err)
		return nil
	}
	return client
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	apiOpts = append(apiOpts, api.WithPendingWindow(7*24*time.Hour))
	return apiOpts
}
