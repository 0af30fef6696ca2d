package eval

// Difficulty levels for evaluation datasets.
const (
	DifficultyEasy      = "easy"
	DifficultyMedium    = "medium"
	DifficultyHard      = "hard"
	DifficultyComplex   = "complex"
	DifficultySuperHard = "super-hard"
)

// Dataset is a collection of test cases for evaluation.
type Dataset struct {
	Name       string     `json:"name"`
	Difficulty string     `json:"difficulty"`
	Tests      []TestCase `json:"tests"`
}

// TestCase defines a single evaluation question.
type TestCase struct {
	Question      string   `json:"question"`
	ExpectedFacts []string `json:"expected_facts"`
	Category      string   `json:"category"` // single-fact, multi-hop, cross-document, multi-fact, synthesis
	Bucket        string   `json:"bucket,omitempty"`
	Explanation   string   `json:"explanation"`
}

// GroundTruthSpan pins an expected answer to a specific source location,
// used to compute retrieval precision/recall at k (§8 invariant 1, 10).
type GroundTruthSpan struct {
	Text       string `json:"text"`
	FilePath   string `json:"file_path"`
	PageNumber int    `json:"page_number,omitempty"`
}

// EasyDataset returns sample easy (single-fact) climate test cases.
func EasyDataset() Dataset {
	return Dataset{
		Name:       "Easy - Single Fact Lookup",
		Difficulty: DifficultyEasy,
		Tests: []TestCase{
			{
				Question:      "What emissions reduction target does the policy set for 2030?",
				ExpectedFacts: []string{"2030", "emissions", "target"},
				Category:      "single-fact",
				Bucket:        "policy",
			},
			{
				Question:      "What is CBAM and which sectors does it cover?",
				ExpectedFacts: []string{"CBAM", "carbon border"},
				Category:      "single-fact",
				Bucket:        "policy",
			},
			{
				Question:      "What was the average global surface temperature anomaly reported?",
				ExpectedFacts: []string{"temperature anomaly"},
				Category:      "single-fact",
				Bucket:        "scientificdata",
			},
		},
	}
}

// MediumDataset returns sample medium (multi-hop) climate test cases.
func MediumDataset() Dataset {
	return Dataset{
		Name:       "Medium - Multi-hop Reasoning",
		Difficulty: DifficultyMedium,
		Tests: []TestCase{
			{
				Question:      "How does CBAM interact with EUDR?",
				ExpectedFacts: []string{"CBAM", "EUDR"},
				Category:      "multi-hop",
				Bucket:        "policy",
			},
			{
				Question:      "Which research papers cite tipping-point thresholds for Arctic sea ice?",
				ExpectedFacts: []string{"tipping point", "Arctic", "sea ice"},
				Category:      "multi-hop",
				Bucket:        "researchpapers",
			},
			{
				Question:      "What adaptation measures does recent coverage attribute to coastal flooding?",
				ExpectedFacts: []string{"adaptation", "coastal flooding"},
				Category:      "multi-hop",
				Bucket:        "news",
			},
		},
	}
}

// ComplexDataset returns sample complex (cross-document, synthesis-mode) test cases.
func ComplexDataset() Dataset {
	return Dataset{
		Name:       "Complex - Cross-document Synthesis",
		Difficulty: DifficultyComplex,
		Tests: []TestCase{
			{
				Question:      "Enumerate all the social tipping points discussed across the ingested corpus and their qualifying factors.",
				ExpectedFacts: []string{"tipping point", "qualifying"},
				Category:      "synthesis",
			},
			{
				Question:      "Compare emissions-reduction commitments across every ingested policy document.",
				ExpectedFacts: []string{"emissions", "commitment"},
				Category:      "cross-document",
				Bucket:        "policy",
			},
			{
				Question:      "Summarize all climate-related entities that appear in more than one document.",
				ExpectedFacts: []string{"entity", "document"},
				Category:      "cross-document",
			},
		},
	}
}
