package models

// Directory difficulty labels, ordered easy < medium < hard.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// Directory is one submission target from the catalog. The pipeline only
// reads this table; the catalog is maintained by the import tooling.
type Directory struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	URL             string         `json:"url"`
	SubmissionURL   string         `json:"submission_url"`
	Category        string         `json:"category"`
	DomainAuthority int            `json:"domain_authority"`
	Difficulty      string         `json:"difficulty"`
	TierRequired    int            `json:"tier_required"`
	FieldMapping    map[string]any `json:"field_mapping,omitempty"`
	Active          bool           `json:"is_active"`
}

// DifficultyRank maps a difficulty label to its sort rank (easy first).
// Unknown labels sort after hard so bad catalog data never jumps the queue.
func DifficultyRank(difficulty string) int {
	switch difficulty {
	case DifficultyEasy:
		return 1
	case DifficultyMedium:
		return 2
	case DifficultyHard:
		return 3
	}
	return 4
}
