package engine

import (
	"regexp"
	"strconv"
	"strings"

	"careline/internal/domain"
)

// symptomVocabulary maps utterance phrases to canonical symptom names. Keys
// are matched against normalized text; longer phrases are checked before
// shorter ones so "chest pain" wins over "pain". Hindi and Swahili entries are
// romanized, matching how field transcriptions arrive.
var symptomVocabulary = []struct {
	phrase string
	name   string
}{
	{"difficulty breathing", "breathing difficulty"},
	{"short of breath", "breathing difficulty"},
	{"shortness of breath", "breathing difficulty"},
	{"saans lene mein dikkat", "breathing difficulty"},
	{"kushindwa kupumua", "breathing difficulty"},
	{"chest pain", "chest pain"},
	{"seene mein dard", "chest pain"},
	{"maumivu ya kifua", "chest pain"},
	{"abdominal pain", "abdominal pain"},
	{"stomach ache", "abdominal pain"},
	{"stomach pain", "abdominal pain"},
	{"pet mein dard", "abdominal pain"},
	{"maumivu ya tumbo", "abdominal pain"},
	{"headache", "headache"},
	{"sar dard", "headache"},
	{"sir dard", "headache"},
	{"maumivu ya kichwa", "headache"},
	{"bleeding", "bleeding"},
	{"khoon beh", "bleeding"},
	{"kutokwa damu", "bleeding"},
	{"fever", "fever"},
	{"bukhar", "fever"},
	{"homa", "fever"},
	{"cough", "cough"},
	{"coughing", "cough"},
	{"khansi", "cough"},
	{"kikohozi", "cough"},
	{"vomiting", "vomiting"},
	{"throwing up", "vomiting"},
	{"ulti", "vomiting"},
	{"kutapika", "vomiting"},
	{"diarrhea", "diarrhea"},
	{"diarrhoea", "diarrhea"},
	{"loose motions", "diarrhea"},
	{"dast", "diarrhea"},
	{"kuharisha", "diarrhea"},
	{"dizziness", "dizziness"},
	{"dizzy", "dizziness"},
	{"chakkar", "dizziness"},
	{"kizunguzungu", "dizziness"},
	{"swelling", "swelling"},
	{"swollen", "swelling"},
	{"sujan", "swelling"},
	{"uvimbe", "swelling"},
	{"rash", "rash"},
	{"weakness", "fatigue"},
	{"fatigue", "fatigue"},
	{"very tired", "fatigue"},
	{"kamzori", "fatigue"},
	{"uchovu", "fatigue"},
}

// severityWords map qualifier phrases to a 1-10 severity. An explicit number
// ("7 out of 10") takes precedence over qualifiers.
var severityWords = []struct {
	phrase   string
	severity int
}{
	{"unbearable", 9},
	{"worst", 9},
	{"very severe", 9},
	{"severe", 8},
	{"intense", 8},
	{"very bad", 8},
	{"bahut", 8},
	{"tez", 8},
	{"sana", 8},
	{"makali", 8},
	{"bad", 6},
	{"strong", 6},
	{"moderate", 5},
	{"mild", 3},
	{"slight", 3},
	{"thoda", 3},
	{"halka", 3},
	{"kidogo", 3},
}

var (
	severityNumRe = regexp.MustCompile(`\b(10|[1-9])\s*(?:out of|/)\s*10\b`)
	durationRe    = regexp.MustCompile(`\b(\d+)\s*(day|days|week|weeks|month|months|hour|hours)\b`)
)

// extraction is what one worker utterance yielded.
type extraction struct {
	Symptoms []domain.Symptom
	Severity int    // 0 when the utterance carried no severity signal
	Duration string // "" when the utterance carried no duration signal
}

// extractSymptoms pulls symptoms, severity and duration out of a free-text
// utterance using the controlled vocabulary. Severity and duration found in
// the utterance attach to every symptom it names; when the utterance names no
// symptom they still surface so the caller can apply them to the symptom
// under discussion.
func extractSymptoms(text string) extraction {
	norm := " " + normalizeUtterance(text) + " "

	var ex extraction
	seen := map[string]bool{}
	for _, v := range symptomVocabulary {
		if !strings.Contains(norm, " "+v.phrase+" ") {
			continue
		}
		if seen[v.name] {
			continue
		}
		seen[v.name] = true
		ex.Symptoms = append(ex.Symptoms, domain.Symptom{Name: v.name})
	}

	if m := severityNumRe.FindStringSubmatch(norm); m != nil {
		ex.Severity, _ = strconv.Atoi(m[1])
	} else {
		for _, sw := range severityWords {
			if strings.Contains(norm, " "+sw.phrase+" ") {
				ex.Severity = sw.severity
				break
			}
		}
	}

	if m := durationRe.FindStringSubmatch(norm); m != nil {
		unit := strings.TrimSuffix(m[2], "s")
		ex.Duration = m[1] + " " + unit
		if m[1] != "1" {
			ex.Duration += "s"
		}
	} else if strings.Contains(norm, "since yesterday") {
		ex.Duration = "1 day"
	} else if strings.Contains(norm, "since this morning") || strings.Contains(norm, "since morning") {
		ex.Duration = "1 day"
	}

	for i := range ex.Symptoms {
		ex.Symptoms[i].Severity = ex.Severity
		ex.Symptoms[i].Duration = ex.Duration
	}
	return ex
}

func normalizeUtterance(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '/':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
