package triage_test

import (
	"strings"
	"testing"

	"careline/internal/domain"
)

func healthyMaternal() domain.MaternalData {
	return domain.MaternalData{
		PatientID:        "p-1",
		Age:              27,
		GestationalWeeks: 27,
		BPSystolic:       115,
		BPDiastolic:      75,
		Hemoglobin:       12.5,
	}
}

func TestMaternalHealthyBaselineIsLow(t *testing.T) {
	s := newStratifier()
	score := s.AssessMaternal(healthyMaternal())
	if score.RiskLevel != domain.RiskLow {
		t.Fatalf("level = %s, score = %d", score.RiskLevel, score.Score)
	}
	if score.Score < 0 || score.Score > 100 {
		t.Fatalf("score out of range: %d", score.Score)
	}
	if len(score.Factors) == 0 {
		t.Fatal("factors must be listed")
	}
	if score.NextVisit == "" {
		t.Fatal("next visit must be set")
	}
}

// Every input factor must move the score when perturbed.
func TestMaternalEveryFactorMovesScore(t *testing.T) {
	s := newStratifier()
	base := s.AssessMaternal(healthyMaternal()).Score

	perturb := map[string]domain.MaternalData{}
	d := healthyMaternal()
	d.Age = 17
	perturb["age"] = d
	d = healthyMaternal()
	d.GestationalWeeks = 40
	perturb["gestational_weeks"] = d
	d = healthyMaternal()
	d.BPSystolic, d.BPDiastolic = 150, 95
	perturb["blood_pressure"] = d
	d = healthyMaternal()
	d.Hemoglobin = 8
	perturb["hemoglobin"] = d
	d = healthyMaternal()
	d.PriorComplications = true
	perturb["prior_complications"] = d
	d = healthyMaternal()
	d.SymptomSeverity = 6
	perturb["symptom_severity"] = d

	for name, data := range perturb {
		got := s.AssessMaternal(data).Score
		if got <= base {
			t.Errorf("perturbing %s: score %d, want > baseline %d", name, got, base)
		}
	}
}

func TestMaternalAnemiaMonotone(t *testing.T) {
	s := newStratifier()
	d := healthyMaternal()
	d.Hemoglobin = 12
	prev := s.AssessMaternal(d)
	for hb := 11.0; hb >= 6; hb-- {
		d.Hemoglobin = hb
		cur := s.AssessMaternal(d)
		if cur.Score <= prev.Score {
			t.Fatalf("hb %.0f: score %d not above %d", hb, cur.Score, prev.Score)
		}
		if cur.RiskLevel.Rank() < prev.RiskLevel.Rank() {
			t.Fatalf("hb %.0f: level %s dropped below %s", hb, cur.RiskLevel, prev.RiskLevel)
		}
		prev = cur
	}
}

func TestMaternalCriticalFactorFloorsLevel(t *testing.T) {
	s := newStratifier()
	d := healthyMaternal()
	d.BPSystolic, d.BPDiastolic = 165, 112 // severe hypertension
	score := s.AssessMaternal(d)
	if score.RiskLevel.Rank() < domain.RiskHigh.Rank() {
		t.Fatalf("level = %s, want at least high", score.RiskLevel)
	}
}

func TestMaternalHighRiskGetsSpecificRecommendations(t *testing.T) {
	s := newStratifier()
	d := healthyMaternal()
	d.Age = 16
	d.Hemoglobin = 7.5
	d.BPSystolic, d.BPDiastolic = 150, 100
	d.PriorComplications = true
	d.SymptomSeverity = 8
	score := s.AssessMaternal(d)
	if score.RiskLevel.Rank() < domain.RiskHigh.Rank() {
		t.Fatalf("level = %s, want high or critical", score.RiskLevel)
	}
	var anemia, bp bool
	for _, r := range score.Recommendations {
		if strings.Contains(r, "anemia") {
			anemia = true
		}
		if strings.Contains(r, "pre-eclampsia") {
			bp = true
		}
	}
	if !anemia || !bp {
		t.Fatalf("recommendations not specific: %v", score.Recommendations)
	}
}

func TestMaternalNextVisitByLevel(t *testing.T) {
	s := newStratifier()
	low := s.AssessMaternal(healthyMaternal())
	d := healthyMaternal()
	d.Hemoglobin = 6
	d.BPSystolic = 170
	d.SymptomSeverity = 9
	d.PriorComplications = true
	severe := s.AssessMaternal(d)
	if !(severe.NextVisit < low.NextVisit) {
		t.Fatalf("severe next visit %s not earlier than %s", severe.NextVisit, low.NextVisit)
	}
}
