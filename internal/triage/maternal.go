package triage

import (
	"fmt"
	"math"

	"careline/internal/domain"
)

// Maternal score thresholds: low < 30 <= medium < 60 <= high < 85 <= critical.
const (
	maternalMediumAt   = 30
	maternalHighAt     = 60
	maternalCriticalAt = 85
)

// Each factor contributes a bounded, monotone amount so that perturbing any
// single input moves the total; the score is summed in float and rounded once
// at the end, then clamped to 0-100.
type maternalFactor struct {
	name string
	eval func(d domain.MaternalData) (points float64, tier domain.RiskLevel, desc string)
}

var maternalFactors = []maternalFactor{
	{
		name: "maternal_age",
		eval: func(d domain.MaternalData) (float64, domain.RiskLevel, string) {
			dev := math.Abs(float64(d.Age) - 27)
			pts := math.Min(dev*1.2, 20)
			tier := domain.RiskLow
			switch {
			case d.Age < 18 || d.Age >= 40:
				tier = domain.RiskHigh
			case d.Age < 20 || d.Age >= 35:
				tier = domain.RiskMedium
			}
			return pts, tier, fmt.Sprintf("maternal age %d", d.Age)
		},
	},
	{
		name: "gestational_age",
		eval: func(d domain.MaternalData) (float64, domain.RiskLevel, string) {
			dev := math.Abs(float64(d.GestationalWeeks) - 27)
			pts := math.Min(dev*0.8, 12)
			tier := domain.RiskLow
			if d.GestationalWeeks < 12 || d.GestationalWeeks > 37 {
				tier = domain.RiskMedium
			}
			return pts, tier, fmt.Sprintf("gestational age %d weeks", d.GestationalWeeks)
		},
	},
	{
		name: "blood_pressure",
		eval: func(d domain.MaternalData) (float64, domain.RiskLevel, string) {
			dev := (math.Abs(float64(d.BPSystolic)-115) + math.Abs(float64(d.BPDiastolic)-75)) / 2
			pts := math.Min(dev*0.9, 28)
			tier := domain.RiskLow
			switch {
			case d.BPSystolic >= 160 || d.BPDiastolic >= 110:
				tier = domain.RiskCritical
			case d.BPSystolic >= 140 || d.BPDiastolic >= 90:
				tier = domain.RiskHigh
			case d.BPSystolic >= 130 || d.BPDiastolic >= 85:
				tier = domain.RiskMedium
			}
			return pts, tier, fmt.Sprintf("blood pressure %d/%d mmHg", d.BPSystolic, d.BPDiastolic)
		},
	},
	{
		name: "hemoglobin",
		eval: func(d domain.MaternalData) (float64, domain.RiskLevel, string) {
			pts := math.Min(math.Max(12.5-d.Hemoglobin, 0)*4, 26)
			tier := domain.RiskLow
			switch {
			case d.Hemoglobin < 7:
				tier = domain.RiskCritical
			case d.Hemoglobin < 9:
				tier = domain.RiskHigh
			case d.Hemoglobin < 11:
				tier = domain.RiskMedium
			}
			return pts, tier, fmt.Sprintf("hemoglobin %.1f g/dL", d.Hemoglobin)
		},
	},
	{
		name: "prior_complications",
		eval: func(d domain.MaternalData) (float64, domain.RiskLevel, string) {
			if !d.PriorComplications {
				return 0, domain.RiskLow, "no prior pregnancy complications"
			}
			return 12, domain.RiskHigh, "history of pregnancy complications"
		},
	},
	{
		name: "symptom_severity",
		eval: func(d domain.MaternalData) (float64, domain.RiskLevel, string) {
			pts := math.Min(float64(d.SymptomSeverity)*2, 20)
			tier := domain.RiskLow
			switch {
			case d.SymptomSeverity >= 8:
				tier = domain.RiskHigh
			case d.SymptomSeverity >= 5:
				tier = domain.RiskMedium
			}
			return pts, tier, fmt.Sprintf("current symptom severity %d/10", d.SymptomSeverity)
		},
	},
}

// AssessMaternal recomputes the full score from scratch on every call; a
// score is a value, never a patched record.
func (s Stratifier) AssessMaternal(data domain.MaternalData) domain.MaternalRiskScore {
	total := 0.0
	factors := make([]domain.RiskFactor, 0, len(maternalFactors))
	for _, f := range maternalFactors {
		pts, tier, desc := f.eval(data)
		total += pts
		factors = append(factors, domain.RiskFactor{
			Name:        f.name,
			Tier:        string(tier),
			Description: desc,
		})
	}

	score := int(math.Round(total))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	level := maternalLevel(score)
	// Any individually critical factor floors the overall label at high.
	for _, f := range factors {
		if f.Tier == string(domain.RiskCritical) {
			level = domain.MaxRisk(level, domain.RiskHigh)
		}
	}

	return domain.MaternalRiskScore{
		Score:           score,
		RiskLevel:       level,
		Factors:         factors,
		Recommendations: maternalRecommendations(level, data),
		NextVisit:       s.nextVisit(level),
	}
}

func maternalLevel(score int) domain.RiskLevel {
	switch {
	case score >= maternalCriticalAt:
		return domain.RiskCritical
	case score >= maternalHighAt:
		return domain.RiskHigh
	case score >= maternalMediumAt:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// maternalRecommendations must be specific, not generic, for high and
// critical scores.
func maternalRecommendations(level domain.RiskLevel, d domain.MaternalData) []string {
	var recs []string
	if level == domain.RiskHigh || level == domain.RiskCritical {
		if d.Hemoglobin < 9 {
			recs = append(recs, fmt.Sprintf("Hemoglobin %.1f g/dL indicates anemia: start iron supplementation and refer for transfusion assessment", d.Hemoglobin))
		}
		if d.BPSystolic >= 140 || d.BPDiastolic >= 90 {
			recs = append(recs, fmt.Sprintf("Blood pressure %d/%d suggests pre-eclampsia risk: check urine protein and refer for antihypertensive review", d.BPSystolic, d.BPDiastolic))
		}
		if d.Age < 18 {
			recs = append(recs, "Adolescent pregnancy: enrol in facility-based antenatal care with skilled birth attendance")
		}
		if d.PriorComplications {
			recs = append(recs, "Prior complications: plan facility delivery and prepare an emergency transport arrangement")
		}
		recs = append(recs, "Refer to the nearest facility with obstetric capability")
	}
	if level == domain.RiskMedium {
		recs = append(recs, "Schedule a follow-up antenatal visit and monitor blood pressure weekly")
	}
	if len(recs) == 0 {
		recs = append(recs, "Continue routine antenatal visits and a balanced diet with iron-rich foods")
	}
	return recs
}

func (s Stratifier) nextVisit(level domain.RiskLevel) string {
	days := 30
	switch level {
	case domain.RiskCritical:
		days = 1
	case domain.RiskHigh:
		days = 3
	case domain.RiskMedium:
		days = 14
	}
	return s.now().UTC().AddDate(0, 0, days).Format("2006-01-02")
}
