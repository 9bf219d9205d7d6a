package triage_test

import (
	"testing"

	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/triage"
)

func newDetector(t *testing.T) triage.Detector {
	t.Helper()
	return triage.NewDetector(config.Default())
}

func TestDetectKeywordInUtterance(t *testing.T) {
	d := newDetector(t)
	v := d.Detect(nil, []string{"the mother is bleeding heavily after delivery"}, "en")
	if !v.IsEmergency {
		t.Fatal("expected emergency")
	}
	if v.Type != "severe_bleeding" {
		t.Fatalf("type = %s", v.Type)
	}
	if len(v.Actions) == 0 {
		t.Fatal("expected immediate actions")
	}
	if v.FacilityID == "" {
		t.Fatal("expected a facility")
	}
}

func TestDetectToleratesNoiseAndPunctuation(t *testing.T) {
	d := newDetector(t)
	cases := []string{
		"she Can't  Breathe!!",
		"patient is unconcious", // one-letter typo
		"having convulsions right now",
	}
	for _, utterance := range cases {
		if v := d.Detect(nil, []string{utterance}, "en"); !v.IsEmergency {
			t.Errorf("Detect(%q) = no emergency", utterance)
		}
	}
}

func TestDetectDiacriticsFold(t *testing.T) {
	d := newDetector(t)
	if v := d.Detect(nil, []string{"está unconscious ahora"}, "en"); !v.IsEmergency {
		t.Fatal("expected emergency despite diacritics")
	}
}

func TestDetectSessionLanguageTable(t *testing.T) {
	d := newDetector(t)
	v := d.Detect(nil, []string{"mgonjwa anashindwa kushindwa kupumua vizuri"}, "sw")
	if !v.IsEmergency || v.Type != "breathing_difficulty" {
		t.Fatalf("verdict = %+v", v)
	}
	// English keywords still apply in a non-English session.
	v = d.Detect(nil, []string{"daktari says severe bleeding"}, "sw")
	if !v.IsEmergency || v.Type != "severe_bleeding" {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestDetectHighSeveritySymptomName(t *testing.T) {
	d := newDetector(t)
	symptoms := []domain.Symptom{{Name: "chest pain", Severity: 9}}
	v := d.Detect(symptoms, nil, "en")
	if !v.IsEmergency || v.Type != "chest_pain" {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestDetectNoFalsePositiveOnShortWords(t *testing.T) {
	d := newDetector(t)
	// "fitting" matches convulsions only as an exact word; "sitting" must not.
	if v := d.Detect(nil, []string{"the patient is sitting and calm"}, "en"); v.IsEmergency {
		t.Fatalf("false positive: %+v", v)
	}
	if v := d.Detect(nil, []string{"mild cough for two days"}, "en"); v.IsEmergency {
		t.Fatalf("false positive: %+v", v)
	}
}

func TestDetectFallbackFacility(t *testing.T) {
	cfg := config.Default()
	cfg.Deployment.Region = "district-99" // not in the facility table
	d := triage.NewDetector(cfg)
	v := d.Detect(nil, []string{"severe bleeding"}, "en")
	if !v.IsEmergency {
		t.Fatal("expected emergency")
	}
	if v.FacilityID != cfg.Emergency.FallbackFacility {
		t.Fatalf("facility = %s, want fallback %s", v.FacilityID, cfg.Emergency.FallbackFacility)
	}
}
