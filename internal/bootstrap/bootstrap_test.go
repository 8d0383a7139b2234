package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitCreatesConfigFiles(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{
		Root:           tmp,
		BotToken:       "bot-token-123",
		ProviderAPIKey: "provider-key",
		CallbackSecret: "secret",
		CallbackURL:    "https://forge.example.com/v1/callbacks/generation",
	}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}

	settingBytes, err := os.ReadFile(filepath.Join(tmp, "config", "setting.ini"))
	if err != nil {
		t.Fatalf("read setting: %v", err)
	}
	content := string(settingBytes)
	if !strings.Contains(content, "environment=dev") {
		t.Fatalf("missing environment: %s", content)
	}
	if !strings.Contains(content, "bot_token=bot-token-123") {
		t.Fatalf("missing bot token: %s", content)
	}

	forgeBytes, err := os.ReadFile(filepath.Join(tmp, "config", "dev", "forge.ini"))
	if err != nil {
		t.Fatalf("read forge: %v", err)
	}
	forgeContent := string(forgeBytes)
	if !strings.Contains(forgeContent, "provider_base_url=https://api.kie.ai") {
		t.Fatalf("missing provider base url: %s", forgeContent)
	}
	if !strings.Contains(forgeContent, "callback_url=https://forge.example.com/v1/callbacks/generation") {
		t.Fatalf("missing callback url: %s", forgeContent)
	}
	if !strings.Contains(forgeContent, "listen_port=8090") {
		t.Fatalf("missing listen port: %s", forgeContent)
	}
}

func TestInitRespectsForce(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{Root: tmp, CallbackSecret: "secret"}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := Init(opts); err == nil {
		t.Fatalf("expected error when files exist")
	}
	opts.Force = true
	if err := Init(opts); err != nil {
		t.Fatalf("Init with force: %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(InitOptions{}); err == nil {
		t.Fatalf("expected missing callback secret error")
	}
	if err := Validate(InitOptions{CallbackSecret: "s", CallbackURL: "not-absolute"}); err == nil {
		t.Fatalf("expected invalid callback url error")
	}
	if err := Validate(InitOptions{CallbackSecret: "s", CallbackURL: "https://forge.example.com/cb"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
