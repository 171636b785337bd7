package model

import "time"

// WorkflowState is the coarse, mutable crash-recovery checkpoint for one
// session. It is replaced wholesale on every upsert and deleted when the
// workflow completes or is cancelled.
type WorkflowState struct {
	SessionID      string         `json:"session_id"`
	Platform       string         `json:"platform,omitempty"`
	WorkflowType   string         `json:"workflow_type"`
	Phase          string         `json:"phase"`
	Refinements    []Refinement   `json:"refinements"`
	Artifacts      []Artifact     `json:"artifacts"`
	StepsCompleted int            `json:"steps_completed"`
	StepsTotal     int            `json:"steps_total"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Refinement is one piece of user feedback folded into the workflow.
type Refinement struct {
	Text    string    `json:"text"`
	Phase   string    `json:"phase,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// Artifact is a work product currently in progress.
type Artifact struct {
	Name    string `json:"name"`
	Kind    string `json:"kind,omitempty"`
	Version int    `json:"version"`
	Content string `json:"content,omitempty"`
}

// WorkflowDiff summarizes what an upsert changed. Only fields that differ are
// populated, keeping audit rows small.
func WorkflowDiff(before *WorkflowState, after WorkflowState) map[string]any {
	diff := map[string]any{}
	if before == nil {
		diff["phase"] = after.Phase
		diff["steps_completed"] = after.StepsCompleted
		diff["steps_total"] = after.StepsTotal
		diff["refinements"] = len(after.Refinements)
		diff["artifacts"] = len(after.Artifacts)
		return diff
	}
	if before.Phase != after.Phase {
		diff["phase"] = map[string]any{"from": before.Phase, "to": after.Phase}
	}
	if before.WorkflowType != after.WorkflowType {
		diff["workflow_type"] = map[string]any{"from": before.WorkflowType, "to": after.WorkflowType}
	}
	if before.StepsCompleted != after.StepsCompleted {
		diff["steps_completed"] = map[string]any{"from": before.StepsCompleted, "to": after.StepsCompleted}
	}
	if before.StepsTotal != after.StepsTotal {
		diff["steps_total"] = map[string]any{"from": before.StepsTotal, "to": after.StepsTotal}
	}
	if n := len(after.Refinements) - len(before.Refinements); n != 0 {
		diff["refinements_delta"] = n
	}

	prev := make(map[string]int, len(before.Artifacts))
	for _, a := range before.Artifacts {
		prev[a.Name] = a.Version
	}
	var changed []string
	for _, a := range after.Artifacts {
		if v, ok := prev[a.Name]; !ok || v != a.Version {
			changed = append(changed, a.Name)
		}
		delete(prev, a.Name)
	}
	if len(changed) > 0 {
		diff["artifacts_changed"] = changed
	}
	if len(prev) > 0 {
		removed := make([]string, 0, len(prev))
		for name := range prev {
			removed = append(removed, name)
		}
		diff["artifacts_removed"] = removed
	}
	return diff
}
