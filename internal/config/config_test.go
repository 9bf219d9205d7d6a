package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"careline/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Emergency.Keywords["en"]) == 0 {
		t.Fatal("default config must carry an English keyword table")
	}
	for _, typ := range config.EmergencyTypes {
		if len(cfg.Emergency.Actions[typ]) == 0 {
			t.Fatalf("no immediate actions for %s", typ)
		}
	}
}

func TestPartialOverlayKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("deployment:\n  region: district-02\n"))
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if cfg.Deployment.Region != "district-02" {
		t.Fatalf("region = %s", cfg.Deployment.Region)
	}
	if cfg.Session.MaxQuestions != 10 {
		t.Fatalf("max questions = %d, defaults lost", cfg.Session.MaxQuestions)
	}
}

func TestUnknownEmergencyTypeRejected(t *testing.T) {
	_, err := config.FromYAML([]byte(`emergency:
  fallback_facility: f-1
  keywords:
    en:
      - {phrase: "glowing", type: radioactivity}
`))
	if err == nil {
		t.Fatal("expected validation error for unknown emergency type")
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.MaxQuestions != 10 {
		t.Fatalf("max questions = %d", cfg.Session.MaxQuestions)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "careline.yml")
	if err := os.WriteFile(path, []byte("session:\n  max_questions: 6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.MaxQuestions != 6 {
		t.Fatalf("max questions = %d", cfg.Session.MaxQuestions)
	}
}
