package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("main")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Board.ID != "main" {
		t.Fatalf("expected board id main, got %q", cfg.Board.ID)
	}
	if len(cfg.Board.Owners) != 4 {
		t.Fatalf("expected 4 owners, got %d", len(cfg.Board.Owners))
	}
	if cfg.Board.SeedTasks != 10 {
		t.Fatalf("expected 10 seed tasks, got %d", cfg.Board.SeedTasks)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
}

func TestDefaultQuotesBoardID(t *testing.T) {
	for _, id := range []string{"a: b", "#team", "[x]", `say "hi"`} {
		cfg := Default(id)
		if err := cfg.Validate(); err != nil {
			t.Fatalf("%q: default config invalid: %v", id, err)
		}
		parsed, err := FromYAML([]byte(GenerateDefault(id)))
		if err != nil {
			t.Fatalf("%q: generated yaml rejected: %v", id, err)
		}
		if parsed.Board.ID != id {
			t.Fatalf("expected board id %q, got %q", id, parsed.Board.ID)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"missing id", func(c *Config) { c.Board.ID = "" }, "board.id"},
		{"three owners", func(c *Config) { c.Board.Owners = c.Board.Owners[:3] }, "exactly 4"},
		{"empty owner", func(c *Config) { c.Board.Owners[2] = "" }, "owners[2]"},
		{"duplicate owner", func(c *Config) { c.Board.Owners[1] = c.Board.Owners[0] }, "duplicate"},
		{"negative seed", func(c *Config) { c.Board.SeedTasks = -1 }, "seed_tasks"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("main")
			tc.edit(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for missing file, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "kanboard.yml"), []byte(GenerateDefault("ops")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Board.ID != "ops" {
		t.Fatalf("expected ops, got %q", cfg.Board.ID)
	}
}

func TestFromYAMLInvalid(t *testing.T) {
	if _, err := FromYAML([]byte("board: [")); err == nil {
		t.Fatalf("expected yaml error")
	}
	if _, err := Load(t.TempDir()); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestWebhookConfig(t *testing.T) {
	raw := GenerateDefault("ops") + `
webhooks:
  - url: http://127.0.0.1:9000/hook
    events: [task.pulled]
    timeout_seconds: 3
`
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "task.pulled" {
		t.Fatalf("unexpected webhooks: %+v", cfg.Webhooks)
	}
	cfg.Webhooks[0].URL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing url error")
	}
}
