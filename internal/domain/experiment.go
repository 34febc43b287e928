package domain

import "github.com/google/uuid"

// Experiment groups related completions, typically across a versions×inputs
// cross product, for comparison. It owns references only (run IDs, version
// IDs, input IDs) and never the completions themselves (spec §3).
type Experiment struct {
	ID          string   `json:"id"`
	AgentID     string   `json:"agent_id"`
	AuthorName  string   `json:"author_name"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	RunIDs      []string `json:"run_ids"`
	VersionIDs  []string `json:"version_ids"`
	InputIDs    []string `json:"input_ids"`
	Result      string   `json:"result,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewExperimentID mints a UUIDv7 identifier for a new experiment.
func NewExperimentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// AddRunID appends a completion's run ID, deduplicating as required by
// spec §3's experiment invariant.
func (e *Experiment) AddRunID(runID string) {
	for _, existing := range e.RunIDs {
		if existing == runID {
			return
		}
	}
	e.RunIDs = append(e.RunIDs, runID)
}

// HasVersion reports whether versionID is one of the experiment's versions.
func (e *Experiment) HasVersion(versionID string) bool {
	return contains(e.VersionIDs, versionID)
}

// HasInput reports whether inputID is one of the experiment's inputs.
func (e *Experiment) HasInput(inputID string) bool {
	return contains(e.InputIDs, inputID)
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// AddVersionID appends a version ID if not already present, returning
// whether it was newly added.
func (e *Experiment) AddVersionID(id string) bool {
	if contains(e.VersionIDs, id) {
		return false
	}
	e.VersionIDs = append(e.VersionIDs, id)
	return true
}

// AddInputID appends an input ID if not already present, returning whether
// it was newly added.
func (e *Experiment) AddInputID(id string) bool {
	if contains(e.InputIDs, id) {
		return false
	}
	e.InputIDs = append(e.InputIDs, id)
	return true
}
