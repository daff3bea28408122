package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
log_level: debug
session:
  id: abc-123
  store_path: /tmp/chat.db
api:
  base_url: https://api.example.com
  timeout: 30s
llm:
  api_key: dummy
  model: gpt-4o
  temperature: 0.7
server:
  port: "9090"
prompt:
  tone: Light & Humorous
  text_size: Short
  max_chars: 1200
`

// TestLoad_File verifies that Load correctly unmarshals a YAML file named by CONFIG_PATH.
func TestLoad_File(t *testing.T) {
	// Write config to temp file
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(sampleConfig); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()

	t.Setenv("CONFIG_PATH", tmp.Name())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Session.ID != "abc-123" {
		t.Fatalf("unexpected session id: %s", cfg.Session.ID)
	}
	if cfg.API.Timeout != 30*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.API.Timeout)
	}
	if cfg.LLM.Model != "gpt-4o" || cfg.LLM.Temperature != 0.7 {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.LLM.HistoryWindow != 10 {
		t.Fatalf("default history window not applied: %d", cfg.LLM.HistoryWindow)
	}
	if cfg.Server.Port != "9090" || cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Prompt.Tone != "Light & Humorous" || cfg.Prompt.GenderTone != "Neutral" || cfg.Prompt.MaxChars != 1200 {
		t.Fatalf("unexpected prompt config: %+v", cfg.Prompt)
	}
}

// TestLoad_Defaults verifies that a missing config.yaml falls back to defaults and env overrides.
func TestLoad_Defaults(t *testing.T) {
	wd, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("IDEACHAT_SESSION_ID", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Session.ID != "from-env" {
		t.Fatalf("env override not applied: %q", cfg.Session.ID)
	}
	if cfg.API.BaseURL != "http://localhost:8000" || cfg.API.Timeout != 2*time.Minute {
		t.Fatalf("unexpected api defaults: %+v", cfg.API)
	}
}

// TestLoad_ExplicitMissingFile verifies that an explicit path must exist.
func TestLoad_ExplicitMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}
