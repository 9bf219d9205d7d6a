package engine

import (
	"fmt"

	"careline/internal/domain"
)

type questionCategory string

const (
	catSeverity   questionCategory = "severity"
	catDuration   questionCategory = "duration"
	catOnset      questionCategory = "onset"
	catAssociated questionCategory = "associated"
	catHistory    questionCategory = "history"
	catRedFlag    questionCategory = "red_flag"
)

const openingQuestion = "What symptoms is the patient experiencing today?"

func severityQuestion(name string) string {
	return fmt.Sprintf("On a scale of 1 to 10, how bad is the %s?", name)
}

func durationQuestion(name string) string {
	return fmt.Sprintf("How long has the %s been going on?", name)
}

func onsetQuestion(name string) string {
	return fmt.Sprintf("Did the %s come on suddenly or build up gradually?", name)
}

func associatedQuestion(name string) string {
	return fmt.Sprintf("Besides the %s, is there any fever, vomiting, diarrhea or trouble breathing?", name)
}

func historyQuestion() string {
	return "Does the patient have any ongoing conditions, or are they pregnant or on regular medication?"
}

// redFlagQuestion probes the danger sign most specific to the symptom.
func redFlagQuestion(name string) string {
	switch name {
	case "fever":
		return "With the fever, is there a stiff neck, confusion or trouble staying awake?"
	case "cough":
		return "Is there any blood in what the patient coughs up?"
	case "diarrhea", "vomiting":
		return "Is there blood in it, or signs of dehydration like sunken eyes or very little urine?"
	case "bleeding":
		return "How heavy is the bleeding, and how many cloths or pads have been soaked?"
	case "chest pain":
		return "Does the chest pain spread to the arm, neck or jaw, or come with sweating?"
	case "breathing difficulty":
		return "Can the patient speak full sentences, or do they struggle after a few words?"
	case "headache":
		return "Is this the worst headache the patient has ever had, or is their vision affected?"
	default:
		return fmt.Sprintf("Is the patient still able to eat, drink and walk despite the %s?", name)
	}
}

// nextQuestion picks the next unasked question for the current symptom set. A
// symptom at severity 7 or above jumps the queue: its danger-sign question is
// asked before anything else. Within a session no question text repeats.
func nextQuestion(symptoms []domain.Symptom, asked map[string]bool) (string, questionCategory, bool) {
	if len(symptoms) == 0 {
		if !asked[openingQuestion] {
			return openingQuestion, catAssociated, true
		}
		return "", "", false
	}

	for _, s := range symptoms {
		if s.Severity >= 7 {
			if q := redFlagQuestion(s.Name); !asked[q] {
				return q, catRedFlag, true
			}
		}
	}

	for _, s := range symptoms {
		if s.Severity == 0 {
			if q := severityQuestion(s.Name); !asked[q] {
				return q, catSeverity, true
			}
		}
	}
	for _, s := range symptoms {
		if s.Duration == "" {
			if q := durationQuestion(s.Name); !asked[q] {
				return q, catDuration, true
			}
		}
	}

	lead := symptoms[0].Name
	if q := onsetQuestion(lead); !asked[q] {
		return q, catOnset, true
	}
	if q := associatedQuestion(lead); !asked[q] {
		return q, catAssociated, true
	}
	if q := historyQuestion(); !asked[q] {
		return q, catHistory, true
	}
	for _, s := range symptoms {
		if q := redFlagQuestion(s.Name); !asked[q] {
			return q, catRedFlag, true
		}
		if q := onsetQuestion(s.Name); !asked[q] {
			return q, catOnset, true
		}
	}
	return "", "", false
}

// categoriesCovered reports which question categories the conversation has
// already touched, either because the question was asked or because the worker
// volunteered the answer (severity and duration present on every symptom).
func categoriesCovered(symptoms []domain.Symptom, asked map[string]bool) map[questionCategory]bool {
	covered := map[questionCategory]bool{}

	allSeverity := len(symptoms) > 0
	allDuration := len(symptoms) > 0
	for _, s := range symptoms {
		if s.Severity == 0 {
			allSeverity = false
		}
		if s.Duration == "" {
			allDuration = false
		}
		if asked[severityQuestion(s.Name)] {
			covered[catSeverity] = true
		}
		if asked[durationQuestion(s.Name)] {
			covered[catDuration] = true
		}
		if asked[onsetQuestion(s.Name)] {
			covered[catOnset] = true
		}
		if asked[associatedQuestion(s.Name)] {
			covered[catAssociated] = true
		}
		if asked[redFlagQuestion(s.Name)] {
			covered[catRedFlag] = true
		}
	}
	if allSeverity {
		covered[catSeverity] = true
	}
	if allDuration {
		covered[catDuration] = true
	}
	if asked[historyQuestion()] {
		covered[catHistory] = true
	}
	return covered
}
