package triage

import (
	"strings"

	"careline/internal/config"
	"careline/internal/domain"
)

// Detector evaluates symptoms and raw utterances against per-language keyword
// tables. Everything it needs is held locally so Detect never touches the
// network and never fails.
type Detector struct {
	keywords   map[string][]config.Keyword
	actions    map[string][]string
	facilities map[string]string
	fallback   string
	region     string
}

func NewDetector(cfg *config.Config) Detector {
	return Detector{
		keywords:   cfg.Emergency.Keywords,
		actions:    cfg.Emergency.Actions,
		facilities: cfg.Emergency.Facilities,
		fallback:   cfg.Emergency.FallbackFacility,
		region:     cfg.Deployment.Region,
	}
}

// Detect runs on every turn. Symptom names come from the controlled (English)
// vocabulary, so they are always checked against the "en" table in addition
// to the session language.
func (d Detector) Detect(symptoms []domain.Symptom, utterances []string, language string) domain.EmergencyVerdict {
	var texts []string
	for _, u := range utterances {
		texts = append(texts, u)
	}
	for _, s := range symptoms {
		name := s.Name
		if s.Severity >= 8 {
			name = "severe " + name
		}
		texts = append(texts, name)
	}

	tables := [][]config.Keyword{}
	if kws, ok := d.keywords[language]; ok {
		tables = append(tables, kws)
	}
	if language != "en" {
		if kws, ok := d.keywords["en"]; ok {
			tables = append(tables, kws)
		}
	}

	for _, text := range texts {
		norm := normalizeText(text)
		if norm == "" {
			continue
		}
		for _, table := range tables {
			for _, kw := range table {
				if fuzzyContains(norm, normalizeText(kw.Phrase)) {
					return d.verdict(kw)
				}
			}
		}
	}
	return domain.EmergencyVerdict{IsEmergency: false}
}

func (d Detector) verdict(kw config.Keyword) domain.EmergencyVerdict {
	facility := d.facilities[d.region]
	if facility == "" {
		facility = d.fallback
	}
	actions := d.actions[kw.Type]
	if len(actions) == 0 {
		// The instruction table must never come back empty on a positive match.
		actions = []string{"Arrange immediate transport to the referral facility"}
	}
	return domain.EmergencyVerdict{
		IsEmergency: true,
		Type:        kw.Type,
		Matched:     kw.Phrase,
		Actions:     actions,
		FacilityID:  facility,
	}
}

// diacriticFold covers the Latin ranges that show up in transcriptions of the
// supported languages.
var diacriticFold = map[rune]rune{
	'á': 'a', 'à': 'a', 'â': 'a', 'ä': 'a', 'ã': 'a', 'ā': 'a',
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e', 'ē': 'e',
	'í': 'i', 'ì': 'i', 'î': 'i', 'ï': 'i', 'ī': 'i',
	'ó': 'o', 'ò': 'o', 'ô': 'o', 'ö': 'o', 'õ': 'o', 'ō': 'o',
	'ú': 'u', 'ù': 'u', 'û': 'u', 'ü': 'u', 'ū': 'u',
	'ñ': 'n', 'ç': 'c', 'ş': 's',
}

// normalizeText lowercases, folds diacritics and strips punctuation so that
// "Can't  breathe!" and "cant breathe" compare equal.
func normalizeText(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		if f, ok := diacriticFold[r]; ok {
			r = f
		}
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t' || r == '\n' || r == '-':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// apostrophes and other punctuation vanish entirely
		}
	}
	return strings.TrimSpace(b.String())
}

// fuzzyContains reports whether the phrase occurs in text as a contiguous run
// of words, tolerating one edit per word of five or more letters. This
// absorbs the single-character noise short transcriptions tend to carry.
func fuzzyContains(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	words := strings.Fields(text)
	pwords := strings.Fields(phrase)
	if len(pwords) == 0 || len(words) < len(pwords) {
		return false
	}
	for i := 0; i+len(pwords) <= len(words); i++ {
		match := true
		for j, pw := range pwords {
			if !wordMatches(words[i+j], pw) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func wordMatches(got, want string) bool {
	if got == want {
		return true
	}
	// Fuzzy matching only for words long enough to carry it, and only when
	// the first letter agrees ("sitting" must not match "fitting").
	if len(want) < 5 || len(got) == 0 || got[0] != want[0] {
		return false
	}
	return withinOneEdit(got, want)
}

// withinOneEdit is a bounded Levenshtein check: true when the strings differ
// by at most one insertion, deletion or substitution.
func withinOneEdit(a, b string) bool {
	if a == b {
		return true
	}
	la, lb := len(a), len(b)
	if la > lb {
		a, b = b, a
		la, lb = lb, la
	}
	if lb-la > 1 {
		return false
	}
	i, j := 0, 0
	edited := false
	for i < la && j < lb {
		if a[i] == b[j] {
			i++
			j++
			continue
		}
		if edited {
			return false
		}
		edited = true
		if la == lb {
			i++
		}
		j++
	}
	return true
}
