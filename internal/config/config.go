package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models careline.yml.
type Config struct {
	Deployment struct {
		Region string `yaml:"region"`
	} `yaml:"deployment"`
	Thresholds struct {
		GuidelineRelevance      float64 `yaml:"guideline_relevance"`
		TranscriptionConfidence float64 `yaml:"transcription_confidence"`
		ModelTimeoutMS          int     `yaml:"model_timeout_ms"`
	} `yaml:"thresholds"`
	Session struct {
		MaxQuestions int `yaml:"max_questions"`
		ExpiryHours  int `yaml:"expiry_hours"`
	} `yaml:"session"`
	Sync struct {
		BatchSize   int `yaml:"batch_size"`
		Workers     int `yaml:"workers"`
		MaxAttempts int `yaml:"max_attempts"`
		BackoffMS   int `yaml:"backoff_ms"`
		IntervalSec int `yaml:"interval_sec"`
	} `yaml:"sync"`
	Emergency struct {
		FallbackFacility string               `yaml:"fallback_facility"`
		Facilities       map[string]string    `yaml:"facilities"`
		Keywords         map[string][]Keyword `yaml:"keywords"`
		Actions          map[string][]string  `yaml:"actions"`
	} `yaml:"emergency"`
}

// Keyword binds a localized phrase to an emergency type from the taxonomy.
type Keyword struct {
	Phrase string `yaml:"phrase"`
	Type   string `yaml:"type"`
}

// EmergencyTypes is the fixed taxonomy; keyword tables must stay within it.
var EmergencyTypes = []string{
	"severe_bleeding",
	"breathing_difficulty",
	"unconsciousness",
	"chest_pain",
	"convulsions",
	"obstructed_labor",
}

func validEmergencyType(t string) bool {
	for _, k := range EmergencyTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Thresholds.GuidelineRelevance <= 0 || c.Thresholds.GuidelineRelevance > 1 {
		return fmt.Errorf("thresholds.guideline_relevance must be in (0,1]")
	}
	if c.Thresholds.TranscriptionConfidence <= 0 || c.Thresholds.TranscriptionConfidence > 1 {
		return fmt.Errorf("thresholds.transcription_confidence must be in (0,1]")
	}
	if c.Session.MaxQuestions <= 0 {
		return fmt.Errorf("session.max_questions must be positive")
	}
	if c.Session.ExpiryHours <= 0 {
		return fmt.Errorf("session.expiry_hours must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive")
	}
	if c.Emergency.FallbackFacility == "" {
		return fmt.Errorf("emergency.fallback_facility is required")
	}
	for lang, kws := range c.Emergency.Keywords {
		if lang == "" {
			return fmt.Errorf("emergency.keywords contains empty language tag")
		}
		for _, kw := range kws {
			if kw.Phrase == "" {
				return fmt.Errorf("emergency keyword for %s has empty phrase", lang)
			}
			if !validEmergencyType(kw.Type) {
				return fmt.Errorf("emergency keyword %q has unknown type %s", kw.Phrase, kw.Type)
			}
		}
	}
	for typ := range c.Emergency.Actions {
		if !validEmergencyType(typ) {
			return fmt.Errorf("emergency.actions has unknown type %s", typ)
		}
	}
	return nil
}

// ModelTimeout returns the bounded stage-2 model invocation timeout.
func (c *Config) ModelTimeout() time.Duration {
	if c.Thresholds.ModelTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Thresholds.ModelTimeoutMS) * time.Millisecond
}

// SessionTTL returns the session expiry window.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.ExpiryHours) * time.Hour
}

// Backoff returns the base backoff for sync retries.
func (c *Config) Backoff() time.Duration {
	if c.Sync.BackoffMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Sync.BackoffMS) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "careline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// inherit defaults so a partial careline.yml only overrides what it names.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the compiled-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML for `cl config init`.
func GenerateDefault() string { return defaultTemplate }

const defaultTemplate = `deployment:
  region: district-01

thresholds:
  guideline_relevance: 0.75
  transcription_confidence: 0.7
  model_timeout_ms: 2000

session:
  max_questions: 10
  expiry_hours: 24

sync:
  batch_size: 25
  workers: 4
  max_attempts: 3
  backoff_ms: 500
  interval_sec: 300

emergency:
  fallback_facility: district-referral-hospital

  facilities:
    district-01: st-marys-district-hospital
    district-02: kibwezi-subcounty-hospital

  keywords:
    en:
      - {phrase: "severe bleeding", type: severe_bleeding}
      - {phrase: "bleeding heavily", type: severe_bleeding}
      - {phrase: "blood wont stop", type: severe_bleeding}
      - {phrase: "hemorrhage", type: severe_bleeding}
      - {phrase: "difficulty breathing", type: breathing_difficulty}
      - {phrase: "cant breathe", type: breathing_difficulty}
      - {phrase: "struggling to breathe", type: breathing_difficulty}
      - {phrase: "gasping", type: breathing_difficulty}
      - {phrase: "unconscious", type: unconsciousness}
      - {phrase: "not waking up", type: unconsciousness}
      - {phrase: "passed out", type: unconsciousness}
      - {phrase: "unresponsive", type: unconsciousness}
      - {phrase: "severe chest pain", type: chest_pain}
      - {phrase: "crushing chest pain", type: chest_pain}
      - {phrase: "chest pain spreading", type: chest_pain}
      - {phrase: "convulsions", type: convulsions}
      - {phrase: "seizure", type: convulsions}
      - {phrase: "fitting", type: convulsions}
      - {phrase: "labor stopped progressing", type: obstructed_labor}
      - {phrase: "baby stuck", type: obstructed_labor}
    hi:
      - {phrase: "bahut khoon beh raha", type: severe_bleeding}
      - {phrase: "khoon nahi ruk raha", type: severe_bleeding}
      - {phrase: "saans nahi aa rahi", type: breathing_difficulty}
      - {phrase: "saans lene mein dikkat", type: breathing_difficulty}
      - {phrase: "behosh", type: unconsciousness}
      - {phrase: "hosh nahi", type: unconsciousness}
      - {phrase: "seene mein tez dard", type: chest_pain}
      - {phrase: "daura pada", type: convulsions}
    sw:
      - {phrase: "kutokwa damu nyingi", type: severe_bleeding}
      - {phrase: "damu haikatiki", type: severe_bleeding}
      - {phrase: "kushindwa kupumua", type: breathing_difficulty}
      - {phrase: "anahema", type: breathing_difficulty}
      - {phrase: "amezimia", type: unconsciousness}
      - {phrase: "hapati fahamu", type: unconsciousness}
      - {phrase: "maumivu makali ya kifua", type: chest_pain}
      - {phrase: "degedege", type: convulsions}
      - {phrase: "mtoto amekwama", type: obstructed_labor}

  actions:
    severe_bleeding:
      - Apply firm direct pressure to the bleeding site with clean cloth
      - Lay the patient flat and raise the legs
      - Do not remove soaked dressings; add layers on top
      - Arrange immediate transport to the referral facility
    breathing_difficulty:
      - Sit the patient upright and loosen tight clothing
      - Clear the mouth and airway of any obstruction
      - Give oxygen if available
      - Arrange immediate transport to the referral facility
    unconsciousness:
      - Check airway, breathing and pulse
      - Place the patient in the recovery position
      - Do not give anything by mouth
      - Arrange immediate transport to the referral facility
    chest_pain:
      - Keep the patient seated, calm and still
      - Give aspirin 300mg to chew if available and not allergic
      - Arrange immediate transport to the referral facility
    convulsions:
      - Protect the patient from injury; do not restrain
      - Place in recovery position once the convulsion stops
      - Note the duration of the convulsion
      - Arrange immediate transport to the referral facility
    obstructed_labor:
      - Do not attempt to push or pull the baby
      - Keep the mother on her left side
      - Start oral rehydration if she is conscious
      - Arrange immediate transport to a facility with surgical capability
`
