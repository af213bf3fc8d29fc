// Package config provides configuration management for the agent.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultPort     = 8787
	DefaultLogLevel = "info"
	DefaultDataDir  = ".storyreel"

	// Environment variable names
	EnvPort     = "STORYREEL_PORT"
	EnvLogLevel = "STORYREEL_LOG_LEVEL"
	EnvDataDir  = "STORYREEL_DATA_DIR"
	EnvOutput   = "STORYREEL_OUTPUT_DIR"
	EnvHeadless = "STORYREEL_HEADLESS"

	// Video backend environment variable names
	EnvFlowBaseURL        = "STORYREEL_FLOW_BASE_URL"
	EnvFlowProjectID      = "STORYREEL_FLOW_PROJECT_ID"
	EnvFlowTokens         = "STORYREEL_FLOW_TOKENS"
	EnvFlowModel          = "STORYREEL_FLOW_MODEL"
	EnvFlowConnectTimeout = "STORYREEL_FLOW_CONNECT_TIMEOUT"
	EnvFlowReadTimeout    = "STORYREEL_FLOW_READ_TIMEOUT"
	EnvAccountsFile       = "STORYREEL_ACCOUNTS_FILE"

	// Reconciliation environment variable names
	EnvPollRounds      = "STORYREEL_POLL_ROUNDS"
	EnvPollInterval    = "STORYREEL_POLL_INTERVAL"
	EnvDownloadRetries = "STORYREEL_DOWNLOAD_RETRIES"
	EnvUpscale4K       = "STORYREEL_UPSCALE_4K"
	EnvFFmpegPath      = "STORYREEL_FFMPEG_PATH"

	// Screenplay environment variable names
	EnvLLMProvider  = "STORYREEL_LLM_PROVIDER"
	EnvLLMModel     = "STORYREEL_LLM_MODEL"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"

	// Database filename
	DBFilename = "storyreel.db"

	// Accounts filename inside the data directory
	AccountsFilename = "accounts.yaml"

	// Video backend defaults
	DefaultFlowBaseURL        = "https://aisandbox-pa.googleapis.com/v1"
	DefaultFlowModel          = "veo_3_1_t2v_fast_ultra"
	DefaultFlowConnectTimeout = 20  // seconds
	DefaultFlowReadTimeout    = 180 // seconds

	// Reconciliation defaults
	DefaultPollRounds      = 120
	DefaultPollInterval    = 5 // seconds
	DefaultDownloadRetries = 5
	DefaultFFmpegPath      = "ffmpeg"

	// Screenplay defaults
	DefaultLLMProvider = "gemini"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	OutputDir() string
	Headless() bool

	FlowBaseURL() string
	FlowProjectID() string
	FlowTokens() []string
	FlowModel() string
	FlowConnectTimeout() time.Duration
	FlowReadTimeout() time.Duration
	AccountsFile() string

	PollRounds() int
	PollInterval() time.Duration
	DownloadRetries() int
	Upscale4K() bool
	FFmpegPath() string

	LLMProvider() string
	LLMModel() string
	GeminiAPIKey() string
	OpenAIAPIKey() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port      int
	logLevel  string
	dataDir   string
	outputDir string
	headless  bool

	flowBaseURL        string
	flowProjectID      string
	flowTokens         []string
	flowModel          string
	flowConnectTimeout int
	flowReadTimeout    int
	accountsFile       string

	pollRounds      int
	pollInterval    int
	downloadRetries int
	upscale4K       bool
	ffmpegPath      string

	llmProvider  string
	llmModel     string
	geminiAPIKey string
	openAIAPIKey string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:               DefaultPort,
		logLevel:           DefaultLogLevel,
		dataDir:            defaultDataDir(),
		flowBaseURL:        DefaultFlowBaseURL,
		flowModel:          DefaultFlowModel,
		flowConnectTimeout: DefaultFlowConnectTimeout,
		flowReadTimeout:    DefaultFlowReadTimeout,
		pollRounds:         DefaultPollRounds,
		pollInterval:       DefaultPollInterval,
		downloadRetries:    DefaultDownloadRetries,
		ffmpegPath:         DefaultFFmpegPath,
		llmProvider:        DefaultLLMProvider,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}
	cfg.outputDir = os.Getenv(EnvOutput)
	cfg.headless = parseBool(os.Getenv(EnvHeadless))

	if u := os.Getenv(EnvFlowBaseURL); u != "" {
		cfg.flowBaseURL = u
	}
	cfg.flowProjectID = strings.TrimSpace(os.Getenv(EnvFlowProjectID))
	cfg.flowTokens = splitTokens(os.Getenv(EnvFlowTokens))
	if m := os.Getenv(EnvFlowModel); m != "" {
		cfg.flowModel = m
	}
	cfg.accountsFile = os.Getenv(EnvAccountsFile)

	ints := []struct {
		env string
		dst *int
		min int
	}{
		{EnvFlowConnectTimeout, &cfg.flowConnectTimeout, 1},
		{EnvFlowReadTimeout, &cfg.flowReadTimeout, 1},
		{EnvPollRounds, &cfg.pollRounds, 1},
		{EnvPollInterval, &cfg.pollInterval, 1},
		{EnvDownloadRetries, &cfg.downloadRetries, 1},
	}
	for _, it := range ints {
		v := os.Getenv(it.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", it.env, err)
		}
		if n < it.min {
			return nil, fmt.Errorf("invalid %s: must be at least %d", it.env, it.min)
		}
		*it.dst = n
	}

	cfg.upscale4K = parseBool(os.Getenv(EnvUpscale4K))
	if fp := os.Getenv(EnvFFmpegPath); fp != "" {
		cfg.ffmpegPath = fp
	}

	if lp := strings.ToLower(os.Getenv(EnvLLMProvider)); lp != "" {
		if lp != "gemini" && lp != "openai" {
			return nil, fmt.Errorf("invalid %s: must be gemini or openai", EnvLLMProvider)
		}
		cfg.llmProvider = lp
	}
	cfg.llmModel = os.Getenv(EnvLLMModel)
	cfg.geminiAPIKey = os.Getenv(EnvGeminiAPIKey)
	if cfg.geminiAPIKey == "" {
		cfg.geminiAPIKey = os.Getenv("GOOGLE_API_KEY")
	}
	cfg.openAIAPIKey = os.Getenv(EnvOpenAIAPIKey)

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// OutputDir is where project folders are created.
func (c *EnvConfig) OutputDir() string {
	if c.outputDir != "" {
		return c.outputDir
	}
	return filepath.Join(c.dataDir, "projects")
}

func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) FlowBaseURL() string {
	return c.flowBaseURL
}

func (c *EnvConfig) FlowProjectID() string {
	return c.flowProjectID
}

// FlowTokens returns the single-account bearer tokens.
func (c *EnvConfig) FlowTokens() []string {
	return c.flowTokens
}

func (c *EnvConfig) FlowModel() string {
	return c.flowModel
}

func (c *EnvConfig) FlowConnectTimeout() time.Duration {
	return time.Duration(c.flowConnectTimeout) * time.Second
}

func (c *EnvConfig) FlowReadTimeout() time.Duration {
	return time.Duration(c.flowReadTimeout) * time.Second
}

// AccountsFile returns the accounts file path, defaulting to the data dir.
func (c *EnvConfig) AccountsFile() string {
	if c.accountsFile != "" {
		return c.accountsFile
	}
	return filepath.Join(c.dataDir, AccountsFilename)
}

func (c *EnvConfig) PollRounds() int {
	return c.pollRounds
}

func (c *EnvConfig) PollInterval() time.Duration {
	return time.Duration(c.pollInterval) * time.Second
}

func (c *EnvConfig) DownloadRetries() int {
	return c.downloadRetries
}

func (c *EnvConfig) Upscale4K() bool {
	return c.upscale4K
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) LLMProvider() string {
	return c.llmProvider
}

func (c *EnvConfig) LLMModel() string {
	return c.llmModel
}

func (c *EnvConfig) GeminiAPIKey() string {
	return c.geminiAPIKey
}

func (c *EnvConfig) OpenAIAPIKey() string {
	return c.openAIAPIKey
}

// splitTokens accepts tokens separated by commas or newlines.
func splitTokens(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
