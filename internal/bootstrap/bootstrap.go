package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jasonheron/VideoForgeBot/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root            string
	Environment     string
	BotToken        string
	ProviderAPIKey  string
	ProviderBaseURL string
	CallbackSecret  string
	CallbackURL     string
	ListenPort      int
	LedgerPath      string
	JobsPath        string
	Force           bool
}

// Init scaffolds configuration files for the service.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	forgePath := filepath.Join(opts.Root, "config", opts.Environment, "forge.ini")
	if err := writeFile(forgePath, forgeTemplate(opts), opts.Force); err != nil {
		return err
	}

	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.ProviderBaseURL) == "" {
		opts.ProviderBaseURL = "https://api.kie.ai"
	}
	if opts.ListenPort <= 0 {
		opts.ListenPort = 8090
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultLedgerPath()
	}
	if strings.TrimSpace(opts.JobsPath) == "" {
		opts.JobsPath = config.DefaultJobsPath()
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# VideoForge settings
environment=%s
bot_token=%s
`, opts.Environment, opts.BotToken)
}

func forgeTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Environment specific overrides for %s
provider_base_url=%s
provider_api_key=%s
callback_secret=%s
callback_url=%s
listen_port=%d
log_level=info
# Separate log files (CLI and daemon). Dash '-' disables file output.
log_file_cli=logs/forge-cli.log
log_file_daemon=logs/forged.log
ledger_path=%s
jobs_path=%s
retention=1h
sweep_interval=1m
conversation_timeout=30m
`, opts.Environment, opts.ProviderBaseURL, opts.ProviderAPIKey, opts.CallbackSecret, opts.CallbackURL, opts.ListenPort, opts.LedgerPath, opts.JobsPath)
}

// Validate ensures required fields are present without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if strings.TrimSpace(opts.CallbackSecret) == "" {
		return errors.New("callback secret is required")
	}
	if opts.CallbackURL != "" && !strings.Contains(opts.CallbackURL, "://") {
		return errors.New("callback url must be absolute")
	}
	return nil
}
