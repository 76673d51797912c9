package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kaiwalabs/reviewloop/internal/api"
	"github.com/kaiwalabs/reviewloop/internal/store"
	"github.com/kaiwalabs/reviewloop/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReviewLoop state data
	DefaultStateDir = "/var/lib/reviewloop"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "reviewloop.db"
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
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping ReviewLoop with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "embed_agent", *flags.embedAgent)
	if err := api.Run(storeOpts, apiOpts); err != nil {
		slog.Error("ReviewLoop failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ReviewLoop exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	OpenAIKey     string
	APIAddr       string
	AgentBaseURL  string
	AgentWSURL    string
	EmbedAgent    bool
	TurnTimeout   time.Duration
	ReviewTimeout time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	apiAddr       *string
	agentBaseURL  *string
	agentWSURL    *string
	embedAgent    *bool
	turnTimeout   *time.Duration
	reviewTimeout *time.Duration
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
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("REVIEWLOOP_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		AgentBaseURL:  os.Getenv("AGENT_BASE_URL"),
		AgentWSURL:    os.Getenv("AGENT_WS_URL"),
		EmbedAgent:    util.ParseBoolEnv("EMBED_AGENT", true),
		TurnTimeout:   util.ParseDurationEnv("TURN_TIMEOUT", 0),
		ReviewTimeout: util.ParseDurationEnv("REVIEW_TIMEOUT", 0),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REVIEWLOOP_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("REVIEWLOOP_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REVIEWLOOP_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"AGENT_BASE_URL", config.AgentBaseURL,
		"AGENT_WS_URL", config.AgentWSURL,
		"EMBED_AGENT", config.EmbedAgent)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for ReviewLoop data (overrides $REVIEWLOOP_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the session store (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		agentBaseURL:  flag.String("agent-base-url", config.AgentBaseURL, "external agent service base URL (overrides $AGENT_BASE_URL)"),
		agentWSURL:    flag.String("agent-ws-url", config.AgentWSURL, "external agent service websocket URL (overrides $AGENT_WS_URL)"),
		embedAgent:    flag.Bool("embed-agent", config.EmbedAgent, "run the in-process agent service (overrides $EMBED_AGENT)"),
		turnTimeout:   flag.Duration("turn-timeout", config.TurnTimeout, "channel turn wait bound (overrides $TURN_TIMEOUT)"),
		reviewTimeout: flag.Duration("review-timeout", config.ReviewTimeout, "channel review wait bound (overrides $REVIEW_TIMEOUT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"agentBaseURL", *flags.agentBaseURL,
		"agentWSURL", *flags.agentWSURL,
		"embedAgent", *flags.embedAgent)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	// The GenAI client reads the key from the environment; propagate an
	// explicit flag value so the embedded agent sees it.
	if *flags.openaiKey != "" {
		if err := os.Setenv("OPENAI_API_KEY", *flags.openaiKey); err != nil {
			slog.Warn("failed to propagate OpenAI API key", "error", err)
		}
	}

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
		storeOpts = append(storeOpts, store.WithDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.agentBaseURL != "" {
		apiOpts = append(apiOpts, api.WithAgentBaseURL(*flags.agentBaseURL))
	}
	if *flags.agentWSURL != "" {
		apiOpts = append(apiOpts, api.WithAgentWSURL(*flags.agentWSURL))
	}
	if *flags.embedAgent {
		apiOpts = append(apiOpts, api.WithEmbeddedAgent())
	}
	if *flags.turnTimeout > 0 {
		apiOpts = append(apiOpts, api.WithTurnTimeout(*flags.turnTimeout))
	}
	if *flags.reviewTimeout > 0 {
		apiOpts = append(apiOpts, api.WithReviewTimeout(*flags.reviewTimeout))
	}
	return apiOpts
}
