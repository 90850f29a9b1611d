package genai

// Report is the end-of-session feedback handed to the results view.
type Report struct {
	OverallComments string               `json:"overallComments"`
	Corrections     []Correction         `json:"corrections"`
	Vocabulary      []VocabularyItem     `json:"vocabulary"`
	Pronunciation   PronunciationSummary `json:"pronunciation"`
}

// Correction is one grammar fix surfaced in the report.
type Correction struct {
	Original    string `json:"original"`
	Corrected   string `json:"corrected"`
	Explanation string `json:"explanation"`
}

// VocabularyItem is one word worth learning, with a short definition.
type VocabularyItem struct {
	Word       string `json:"word"`
	Definition string `json:"definition"`
}

// PronunciationSummary aggregates the per-turn scores.
type PronunciationSummary struct {
	AverageScore int      `json:"averageScore"`
	Tips         []string `json:"tips"`
}

// DefaultReport is the safe substitute when report generation fails. The
// session must still reach its results view.
func DefaultReport() Report {
	return Report{
		OverallComments: "Great job practicing today! Keep up the regular conversation practice and you'll keep improving.",
		Corrections:     []Correction{},
		Vocabulary:      []VocabularyItem{},
		Pronunciation:   PronunciationSummary{AverageScore: 0, Tips: []string{}},
	}
}
