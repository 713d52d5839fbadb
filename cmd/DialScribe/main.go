package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dialscribe/DialScribe/internal/api"
	"github.com/dialscribe/DialScribe/internal/store"
	"github.com/dialscribe/DialScribe/internal/telephony"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DialScribe state data
	DefaultStateDir = "/var/lib/dialscribe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "dialscribe.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Build module options
	storeOpts := buildStoreOptions(flags)
	telephonyOpts := buildTelephonyOptions(flags)
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping DialScribe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "telephony", len(telephonyOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := api.Run(storeOpts, telephonyOpts, apiOpts); err != nil {
		slog.Error("DialScribe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DialScribe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL      string
	StateDir         string
	APIAddr          string
	PublicURL        string
	ChatRelayURL     string
	RedisAddr        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	apiAddr      *string
	publicURL    *string
	chatRelayURL *string
	redisAddr    *string
	twilioSID    *string
	twilioToken  *string
	twilioFrom   *string
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
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("DIALSCRIBE_STATE_DIR"),
		APIAddr:          os.Getenv("API_ADDR"),
		PublicURL:        os.Getenv("PUBLIC_URL"),
		ChatRelayURL:     os.Getenv("CHAT_RELAY_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No DIALSCRIBE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("DIALSCRIBE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"DIALSCRIBE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"PUBLIC_URL", config.PublicURL,
		"CHAT_RELAY_URL_SET", config.ChatRelayURL != "",
		"REDIS_ADDR", config.RedisAddr,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"TWILIO_FROM_NUMBER_SET", config.TwilioFromNumber != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for DialScribe data (overrides $DIALSCRIBE_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN for the call store (overrides $DATABASE_URL)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicURL:    flag.String("public-url", config.PublicURL, "publicly reachable base URL for provider webhooks (overrides $PUBLIC_URL)"),
		chatRelayURL: flag.String("chat-relay-url", config.ChatRelayURL, "chat relay endpoint for notifications (overrides $CHAT_RELAY_URL)"),
		redisAddr:    flag.String("redis-addr", config.RedisAddr, "Redis address for delivery caches (overrides $REDIS_ADDR)"),
		twilioSID:    flag.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:  flag.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:   flag.String("twilio-from-number", config.TwilioFromNumber, "Twilio caller id number (overrides $TWILIO_FROM_NUMBER)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"publicURL", *flags.publicURL,
		"chatRelayURL_set", *flags.chatRelayURL != "",
		"redisAddr", *flags.redisAddr,
		"twilioSID_set", *flags.twilioSID != "",
		"twilioFrom_set", *flags.twilioFrom != "")

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildTelephonyOptions constructs telephony configuration options. An empty
// slice disables outbound call placement.
func buildTelephonyOptions(flags Flags) []telephony.Option {
	if *flags.twilioSID == "" || *flags.twilioToken == "" {
		slog.Debug("Twilio credentials not configured, call placement disabled")
		return nil
	}
	if *flags.publicURL == "" {
		slog.Warn("PUBLIC_URL not set, call placement disabled: provider webhooks need a reachable URL")
		return nil
	}
	base := strings.TrimSuffix(*flags.publicURL, "/")
	return []telephony.Option{
		telephony.WithAccountSID(*flags.twilioSID),
		telephony.WithAuthToken(*flags.twilioToken),
		telephony.WithFromNumber(*flags.twilioFrom),
		telephony.WithWebhookURL(base + "/webhook/voice"),
		telephony.WithStatusURL(base + "/webhook/voice"),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.chatRelayURL != "" {
		apiOpts = append(apiOpts, api.WithChatRelayURL(*flags.chatRelayURL))
	}
	if *flags.redisAddr != "" {
		apiOpts = append(apiOpts, api.WithRedisAddr(*flags.redisAddr))
	}
	return apiOpts
}
