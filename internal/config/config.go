package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/forge.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ForgeConfig describes runtime options for the daemon and the CLI.
type ForgeConfig struct {
	Environment string
	// Chat platform credentials for the delivery channel.
	BotToken string
	// Generation provider access.
	ProviderAPIKey  string
	ProviderBaseURL string
	// Shared secret for HMAC verification of provider callbacks, and the
	// public URL the provider posts completions to.
	CallbackSecret string
	CallbackURL    string
	ListenPort     int
	// Credit ledger storage. A DSN selects postgres; otherwise the file
	// path selects sqlite.
	LedgerPath string
	LedgerDSN  string
	// Job registry storage, same selection rule as the ledger.
	JobsPath string
	JobsDSN  string
	// Optional YAML model catalog; empty keeps the built-in defaults.
	ModelsFile string
	// Token guarding the operator HTTP endpoints; empty disables them.
	AdminToken string
	// Backward-compatible base log file; used if specific files unset
	LogFile string
	// Separate log files for CLI and daemon (preferred)
	LogFileCLI    string
	LogFileDaemon string
	LogLevel      string
	// Retention bounds pending-job lifetime and terminal-job idempotency.
	Retention           time.Duration
	SweepInterval       time.Duration
	ConversationTimeout time.Duration
}

// LoadForgeConfig reads the current environment and loads the appropriate
// config file, applying FORGE_* environment overrides on top.
func LoadForgeConfig(root string) (ForgeConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ForgeConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ForgeConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ForgeConfig{
		Environment:     s.Environment,
		BotToken:        firstNonEmpty(os.Getenv("FORGE_BOT_TOKEN"), merged["bot_token"]),
		ProviderAPIKey:  firstNonEmpty(os.Getenv("FORGE_PROVIDER_API_KEY"), merged["provider_api_key"]),
		ProviderBaseURL: firstNonEmpty(os.Getenv("FORGE_PROVIDER_BASE_URL"), merged["provider_base_url"], "https://api.kie.ai"),
		CallbackSecret:  firstNonEmpty(os.Getenv("FORGE_CALLBACK_SECRET"), merged["callback_secret"]),
		CallbackURL:     firstNonEmpty(os.Getenv("FORGE_CALLBACK_URL"), merged["callback_url"]),
		ListenPort:      parseOptionalInt(firstNonEmpty(os.Getenv("FORGE_LISTEN_PORT"), merged["listen_port"]), 8090),
		LedgerPath:      firstNonEmpty(merged["ledger_path"], DefaultLedgerPath()),
		LedgerDSN:       firstNonEmpty(os.Getenv("FORGE_LEDGER_DSN"), merged["ledger_dsn"]),
		JobsPath:        firstNonEmpty(merged["jobs_path"], DefaultJobsPath()),
		JobsDSN:         firstNonEmpty(os.Getenv("FORGE_JOBS_DSN"), merged["jobs_dsn"]),
		ModelsFile:      firstNonEmpty(os.Getenv("FORGE_MODELS_FILE"), merged["models_file"]),
		AdminToken:      firstNonEmpty(os.Getenv("FORGE_ADMIN_TOKEN"), merged["admin_token"]),
		LogFile:         firstNonEmpty(os.Getenv("FORGE_LOG_FILE"), merged["log_file"]),
		LogLevel:        firstNonEmpty(merged["log_level"], "info"),
	}

	// Preferred separate log files with env override precedence
	cfg.LogFileCLI = firstNonEmpty(os.Getenv("FORGE_LOG_FILE_CLI"), os.Getenv("FORGE_LOG_FILE"), merged["log_file_cli"], merged["log_file"])
	cfg.LogFileDaemon = firstNonEmpty(os.Getenv("FORGE_LOG_FILE_DAEMON"), os.Getenv("FORGE_LOG_FILE"), merged["log_file_daemon"], merged["log_file"])

	cfg.Retention, err = parseOptionalDuration(firstNonEmpty(os.Getenv("FORGE_RETENTION"), merged["retention"]), time.Hour)
	if err != nil {
		return ForgeConfig{}, fmt.Errorf("invalid retention: %w", err)
	}
	cfg.SweepInterval, err = parseOptionalDuration(firstNonEmpty(os.Getenv("FORGE_SWEEP_INTERVAL"), merged["sweep_interval"]), time.Minute)
	if err != nil {
		return ForgeConfig{}, fmt.Errorf("invalid sweep_interval: %w", err)
	}
	cfg.ConversationTimeout, err = parseOptionalDuration(firstNonEmpty(os.Getenv("FORGE_CONVERSATION_TIMEOUT"), merged["conversation_timeout"]), 30*time.Minute)
	if err != nil {
		return ForgeConfig{}, fmt.Errorf("invalid conversation_timeout: %w", err)
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	if dur <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", v)
	}
	return dur, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".videoforge", "ledger.db")
}

// DefaultJobsPath returns the fallback job registry location under the user's home directory.
func DefaultJobsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "jobs.db"
	}
	return filepath.Join(home, ".videoforge", "jobs.db")
}
