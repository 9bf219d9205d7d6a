package triage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"careline/internal/domain"
)

// RiskModel is the optional stage-2 probabilistic scorer. It is the only
// collaborator in the assessment path allowed to touch the network, and it is
// always invoked under a deadline.
type RiskModel interface {
	Predict(ctx context.Context, features map[string]float64) (ModelPrediction, error)
}

type ModelPrediction struct {
	Probabilities  map[domain.RiskLevel]float64
	FeatureWeights map[string]float64
}

// GuidelineRetriever fetches guideline passages for a symptom set. Failures
// degrade the assessment, never fail it.
type GuidelineRetriever interface {
	Retrieve(ctx context.Context, symptoms []domain.Symptom, history domain.PatientHistory) ([]domain.GuidelineEvidence, error)
}

// Stratifier combines the deterministic rule layer with the optional model.
// The rule layer is pure and total; it carries the guideline-mandated floors,
// so on ties and on model failure its verdict stands.
type Stratifier struct {
	Model              RiskModel
	ModelTimeout       time.Duration
	RelevanceThreshold float64
	Now                func() time.Time
}

func (s Stratifier) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type rule struct {
	ID          string
	Description string
	Tier        domain.RiskLevel
	Referral    bool
	// Immediate marks guideline "refer immediately" rules; any match forces
	// critical regardless of model output.
	Immediate bool
	Match     func(symptoms []domain.Symptom, h domain.PatientHistory) bool
}

func hasSymptom(symptoms []domain.Symptom, name string, minSeverity int) bool {
	for _, s := range symptoms {
		if strings.Contains(strings.ToLower(s.Name), name) && s.Severity >= minSeverity {
			return true
		}
	}
	return false
}

func maxSeverity(symptoms []domain.Symptom) int {
	m := 0
	for _, s := range symptoms {
		if s.Severity > m {
			m = s.Severity
		}
	}
	return m
}

func longDuration(symptoms []domain.Symptom, name string) bool {
	for _, s := range symptoms {
		if !strings.Contains(strings.ToLower(s.Name), name) {
			continue
		}
		d := strings.ToLower(s.Duration)
		if strings.Contains(d, "week") || strings.Contains(d, "month") {
			return true
		}
		var n int
		if _, err := fmt.Sscanf(d, "%d day", &n); err == nil && n >= 7 {
			return true
		}
	}
	return false
}

var generalRules = []rule{
	{
		ID: "R-PREG-BLEED", Tier: domain.RiskCritical, Referral: true, Immediate: true,
		Description: "bleeding during pregnancy requires immediate referral",
		Match: func(sym []domain.Symptom, h domain.PatientHistory) bool {
			return h.Pregnant && hasSymptom(sym, "bleeding", 1)
		},
	},
	{
		ID: "R-SEV-8", Tier: domain.RiskHigh, Referral: true,
		Description: "a symptom at severity 8 or above",
		Match: func(sym []domain.Symptom, h domain.PatientHistory) bool {
			return maxSeverity(sym) >= 8
		},
	},
	{
		ID: "R-CHEST", Tier: domain.RiskHigh, Referral: true,
		Description: "chest pain of moderate or higher severity",
		Match: func(sym []domain.Symptom, h domain.PatientHistory) bool {
			return hasSymptom(sym, "chest pain", 5)
		},
	},
	{
		ID: "R-FEVER-LONG", Tier: domain.RiskHigh, Referral: true,
		Description: "fever persisting a week or longer",
		Match: func(sym []domain.Symptom, h domain.PatientHistory) bool {
			return longDuration(sym, "fever")
		},
	},
	{
		ID: "R-AGE-EXTREME", Tier: domain.RiskMedium, Referral: false,
		Description: "patient age under 5 or over 65 with active symptoms",
		Match: func(sym []domain.Symptom, h domain.PatientHistory) bool {
			return len(sym) > 0 && h.Age > 0 && (h.Age < 5 || h.Age > 65)
		},
	},
	{
		ID: "R-CHRONIC", Tier: domain.RiskMedium, Referral: false,
		Description: "symptoms on top of a chronic condition",
		Match: func(sym []domain.Symptom, h domain.PatientHistory) bool {
			return len(sym) > 0 && len(h.ChronicConditions) > 0
		},
	},
	{
		ID: "R-FEVER-COUGH", Tier: domain.RiskMedium, Referral: false,
		Description: "fever together with cough suggests respiratory infection",
		Match: func(sym []domain.Symptom, h domain.PatientHistory) bool {
			return hasSymptom(sym, "fever", 1) && hasSymptom(sym, "cough", 1)
		},
	},
	{
		ID: "R-DEHYDRATION", Tier: domain.RiskHigh, Referral: true,
		Description: "vomiting or diarrhea at high severity risks dehydration",
		Match: func(sym []domain.Symptom, h domain.PatientHistory) bool {
			return hasSymptom(sym, "vomiting", 6) || hasSymptom(sym, "diarrhea", 6)
		},
	},
}

// applyRules is stage 1: pure and total, it always yields a tier even with no
// external data at all.
func applyRules(symptoms []domain.Symptom, history domain.PatientHistory) (domain.RiskLevel, []rule) {
	tier := domain.RiskLow
	var matched []rule
	for _, r := range generalRules {
		if r.Match(symptoms, history) {
			matched = append(matched, r)
			tier = domain.MaxRisk(tier, r.Tier)
		}
	}
	return tier, matched
}

// AssessGeneral produces a complete RiskAssessment from symptoms, history and
// pre-fetched guideline evidence. It never returns an error: the rule layer
// always yields a verdict and the model is strictly optional.
func (s Stratifier) AssessGeneral(ctx context.Context, symptoms []domain.Symptom, history domain.PatientHistory, evidence []domain.GuidelineEvidence) domain.RiskAssessment {
	tier, matched := applyRules(symptoms, history)

	reasoning := make([]string, 0, len(matched)+1)
	for _, r := range matched {
		reasoning = append(reasoning, fmt.Sprintf("[%s] %s", r.ID, r.Description))
	}

	confidence := 0.55 + 0.05*float64(len(matched))
	if confidence > 0.8 {
		confidence = 0.8
	}

	immediate := false
	referral := false
	for _, r := range matched {
		if r.Immediate {
			immediate = true
		}
		if r.Referral {
			referral = true
		}
	}

	if s.Model != nil {
		if pred, err := s.predict(ctx, symptoms, history); err == nil {
			modelTier, prob := argmaxTier(pred.Probabilities)
			// Higher tier wins; ties break toward the rule layer.
			tier = domain.MaxRisk(tier, modelTier)
			confidence = (confidence + prob) / 2
			for _, f := range topFeatures(pred.FeatureWeights, 3) {
				reasoning = append(reasoning, fmt.Sprintf("model weighted %s as a contributing factor", strings.ReplaceAll(f, "_", " ")))
			}
		}
	}

	if immediate {
		tier = domain.RiskCritical
	}
	if tier == domain.RiskCritical {
		referral = true
	}

	if len(reasoning) == 0 {
		reasoning = append(reasoning, "no elevated-risk rule matched the reported symptoms")
	}

	refs, recs, degraded := s.applyEvidence(evidence, tier)

	return domain.RiskAssessment{
		RiskLevel:         tier,
		ConfidenceScore:   confidence,
		Reasoning:         reasoning,
		Recommendations:   recs,
		ReferralRequired:  referral,
		GuidelineRefs:     refs,
		GuidelineDegraded: degraded,
		CreatedAt:         s.now().UTC().Format(time.RFC3339),
	}
}

func (s Stratifier) predict(ctx context.Context, symptoms []domain.Symptom, history domain.PatientHistory) (ModelPrediction, error) {
	timeout := s.ModelTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Model.Predict(ctx, featureVector(symptoms, history))
}

func featureVector(symptoms []domain.Symptom, history domain.PatientHistory) map[string]float64 {
	f := map[string]float64{
		"symptom_count": float64(len(symptoms)),
		"max_severity":  float64(maxSeverity(symptoms)),
		"age":           float64(history.Age),
	}
	if history.Pregnant {
		f["pregnant"] = 1
	}
	if len(history.ChronicConditions) > 0 {
		f["chronic_conditions"] = float64(len(history.ChronicConditions))
	}
	for _, s := range symptoms {
		f["symptom:"+s.Name] = float64(s.Severity)
	}
	return f
}

func argmaxTier(probs map[domain.RiskLevel]float64) (domain.RiskLevel, float64) {
	best := domain.RiskLow
	bestP := 0.0
	for _, tier := range []domain.RiskLevel{domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical} {
		if p := probs[tier]; p > bestP {
			best, bestP = tier, p
		}
	}
	return best, bestP
}

func topFeatures(weights map[string]float64, n int) []string {
	type fw struct {
		name   string
		weight float64
	}
	fws := make([]fw, 0, len(weights))
	for name, w := range weights {
		fws = append(fws, fw{name, w})
	}
	sort.Slice(fws, func(i, j int) bool {
		if fws[i].weight != fws[j].weight {
			return fws[i].weight > fws[j].weight
		}
		return fws[i].name < fws[j].name
	})
	if len(fws) > n {
		fws = fws[:n]
	}
	names := make([]string, len(fws))
	for i, f := range fws {
		names[i] = f.name
	}
	return names
}

// applyEvidence derives refs and recommendations from usable guideline
// evidence; with none available the assessment is explicitly marked
// guideline-degraded rather than silently dropping citations.
func (s Stratifier) applyEvidence(evidence []domain.GuidelineEvidence, tier domain.RiskLevel) (refs, recs []string, degraded bool) {
	threshold := s.RelevanceThreshold
	if threshold <= 0 {
		threshold = 0.75
	}
	for _, ev := range evidence {
		if ev.RelevanceScore < threshold {
			continue
		}
		refs = append(refs, ev.GuidelineID)
		recs = append(recs, fmt.Sprintf("Per %s: %s", ev.Source, ev.Content))
	}
	if len(refs) == 0 {
		degraded = true
		recs = append(recs, genericGuidance(tier))
	}
	if tier == domain.RiskCritical || tier == domain.RiskHigh {
		recs = append(recs, "Refer the patient to the nearest health facility")
	}
	return refs, recs, degraded
}

func genericGuidance(tier domain.RiskLevel) string {
	switch tier {
	case domain.RiskCritical, domain.RiskHigh:
		return "Guideline service unavailable; follow standing emergency referral protocol"
	case domain.RiskMedium:
		return "Guideline service unavailable; monitor the patient and reassess within 24 hours"
	default:
		return "Guideline service unavailable; advise rest, fluids and a follow-up visit if symptoms persist"
	}
}
