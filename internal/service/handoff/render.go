package handoff

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashita-ai/tsugi/internal/model"
)

// BriefOptions tunes the resumption brief.
type BriefOptions struct {
	// MaxTodos caps the pending items listed. Zero means 5.
	MaxTodos int
	// MaxDecisions caps the prior decisions listed. Zero means 5.
	MaxDecisions int
}

func (o BriefOptions) withDefaults() BriefOptions {
	if o.MaxTodos <= 0 {
		o.MaxTodos = 5
	}
	if o.MaxDecisions <= 0 {
		o.MaxDecisions = 5
	}
	return o
}

// Brief renders the short natural-language context a successor instance is
// seeded with: who it is, what is pending, what was already decided and
// rejected, and what to do first.
func Brief(h model.Handoff, opts BriefOptions) string {
	opts = opts.withDefaults()
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s (%s, version %d), continuing work from %s.\n",
		orDash(h.Target.AgentID), orDash(h.Target.AgentType), h.Target.Version, orDash(h.Source.AgentID))
	if h.Target.Role != "" {
		fmt.Fprintf(&b, "Role: %s.\n", h.Target.Role)
	}
	fmt.Fprintf(&b, "Trace %s. Task is %.0f%% complete, phase %q", h.TraceID, h.Progress.PercentComplete, h.Progress.Phase)
	if h.Progress.SubPhase != "" {
		fmt.Fprintf(&b, " / %q", h.Progress.SubPhase)
	}
	fmt.Fprintf(&b, ", status %s.\n", h.Progress.Status)
	if h.TaskDescription != "" {
		fmt.Fprintf(&b, "Current task: %s\n", h.TaskDescription)
	}

	pending := h.PendingTodos()
	if len(pending) > 0 {
		b.WriteString("\nPending work (highest priority first):\n")
		for i, t := range pending[:min(len(pending), opts.MaxTodos)] {
			fmt.Fprintf(&b, "%d. [P%d] %s", i+1, t.Priority, t.Description)
			if t.Status != model.TodoPending {
				fmt.Fprintf(&b, " (%s)", t.Status)
			}
			b.WriteString("\n")
		}
		if rest := len(pending) - opts.MaxTodos; rest > 0 {
			fmt.Fprintf(&b, "...and %d more.\n", rest)
		}
	}

	if len(h.Decisions) > 0 {
		b.WriteString("\nAlready decided (do not revisit):\n")
		start := max(len(h.Decisions)-opts.MaxDecisions, 0)
		for _, d := range h.Decisions[start:] {
			fmt.Fprintf(&b, "- %s: %s (confidence %.2f)\n", d.Summary, d.Rationale, d.Confidence)
		}
	}

	if len(h.Rejected) > 0 {
		b.WriteString("\nRejected alternatives (do not retry):\n")
		for _, r := range h.Rejected {
			fmt.Fprintf(&b, "- %s: %s\n", r.Option, r.Reason)
		}
	}

	b.WriteString("\nNext step: ")
	if len(pending) > 0 {
		fmt.Fprintf(&b, "start on %q.", pending[0].Description)
	} else {
		b.WriteString("verify the completed work and report status.")
	}
	b.WriteString("\n")
	return b.String()
}

// Report renders every field of the document as numbered sections.
func Report(h model.Handoff) string {
	var b strings.Builder
	section := 0
	head := func(title string) {
		section++
		fmt.Fprintf(&b, "\n## %d. %s\n\n", section, title)
	}

	fmt.Fprintf(&b, "# Handoff %s\n", h.ID)

	head("Identity")
	fmt.Fprintf(&b, "- Schema version: %d\n", h.SchemaVersion)
	fmt.Fprintf(&b, "- Trace: %s\n", orDash(h.TraceID))
	fmt.Fprintf(&b, "- Task: %s\n", orDash(h.TaskID))
	fmt.Fprintf(&b, "- Session: %s\n", orDash(h.SessionID))
	fmt.Fprintf(&b, "- Project: %s\n", orDash(h.ProjectID))
	fmt.Fprintf(&b, "- Created: %s\n", h.CreatedAt.Format(time.RFC3339))

	head("Agents")
	writeAgent(&b, "Source", h.Source)
	writeAgent(&b, "Target", h.Target)

	head("Budget")
	fmt.Fprintf(&b, "- Used: %d of %d (%.1f%%), %d remaining\n",
		h.Budget.TotalUnits, h.Budget.Limit, h.Budget.UsagePercent, h.Budget.RemainingUnits)
	fmt.Fprintf(&b, "- Input %d, output %d, cached %d over %d operations\n",
		h.Budget.InputUnits, h.Budget.OutputUnits, h.Budget.CachedUnits, h.Budget.OperationCount)

	head("Progress")
	fmt.Fprintf(&b, "- Complete: %.1f%%\n", h.Progress.PercentComplete)
	fmt.Fprintf(&b, "- Phase: %s\n", orDash(h.Progress.Phase))
	fmt.Fprintf(&b, "- Sub-phase: %s\n", orDash(h.Progress.SubPhase))
	fmt.Fprintf(&b, "- Status: %s\n", h.Progress.Status)

	head("Request")
	fmt.Fprintf(&b, "Original request:\n\n%s\n\nCurrent task:\n\n%s\n", orDash(h.OriginalRequest), orDash(h.TaskDescription))

	head("Decisions")
	writeList(&b, h.Decisions, func(d model.Decision) string {
		s := fmt.Sprintf("%s (confidence %.2f): %s", d.Summary, d.Confidence, d.Rationale)
		if d.Category != "" {
			s += " [" + d.Category + "]"
		}
		return s
	})

	head("Rejected alternatives")
	writeList(&b, h.Rejected, func(r model.RejectedAlternative) string {
		if r.Decision != "" {
			return fmt.Sprintf("%s: %s (lost to %s)", r.Option, r.Reason, r.Decision)
		}
		return fmt.Sprintf("%s: %s", r.Option, r.Reason)
	})

	head("Completed work")
	writeList(&b, h.Completed, func(w model.WorkItem) string {
		s := w.Summary
		if len(w.Files) > 0 {
			s += "; files: " + strings.Join(w.Files, ", ")
		}
		if len(w.Achievements) > 0 {
			s += "; achievements: " + strings.Join(w.Achievements, ", ")
		}
		return s
	})

	head("TODO")
	writeList(&b, h.Todos, func(t model.TodoItem) string {
		s := fmt.Sprintf("[P%d, %s] %s", t.Priority, t.Status, t.Description)
		if t.Notes != "" {
			s += " (" + t.Notes + ")"
		}
		return s
	})

	head("Tool state")
	writeList(&b, h.ToolStates, func(ts model.ToolState) string {
		return fmt.Sprintf("%s: %s", ts.Tool, string(ts.State))
	})

	head("Assumptions")
	writeList(&b, h.Assumptions, func(a model.Assumption) string {
		if a.Verified {
			return a.Statement + " (verified)"
		}
		return a.Statement + " (unverified)"
	})

	head("Constraints")
	writeList(&b, h.Constraints, func(c model.Constraint) string {
		if c.Source != "" {
			return fmt.Sprintf("%s (source: %s)", c.Description, c.Source)
		}
		return c.Description
	})

	head("Dependencies")
	writeList(&b, h.Dependencies, func(d model.DependencyRef) string {
		s := fmt.Sprintf("%s %s", d.Direction, d.ID)
		if d.Kind != "" {
			s += " (" + d.Kind + ")"
		}
		if d.Description != "" {
			s += ": " + d.Description
		}
		return s
	})

	head("Errors")
	writeList(&b, h.Errors, func(e model.ErrorRecord) string {
		s := e.Message
		if e.Operation != "" {
			s = e.Operation + ": " + s
		}
		if e.Recoverable {
			s += " (recoverable)"
		}
		return s
	})

	head("Quality metrics")
	writeList(&b, h.Quality, func(q model.QualityMetric) string {
		verdict := "failed"
		if q.Passed {
			verdict = "passed"
		}
		if q.Threshold != nil {
			return fmt.Sprintf("%s = %.3f (threshold %.3f, %s)", q.Name, q.Value, *q.Threshold, verdict)
		}
		return fmt.Sprintf("%s = %.3f (%s)", q.Name, q.Value, verdict)
	})

	return b.String()
}

// WriteReport renders the report to dir/<trace id>/<document id>.md and
// returns the path written.
func WriteReport(dir string, h model.Handoff) (string, error) {
	traceDir := filepath.Join(dir, safeName(h.TraceID))
	if err := os.MkdirAll(traceDir, 0o750); err != nil {
		return "", fmt.Errorf("handoff: create report dir: %w", err)
	}
	path := filepath.Join(traceDir, h.ID.String()+".md")
	if err := os.WriteFile(path, []byte(Report(h)), 0o640); err != nil {
		return "", fmt.Errorf("handoff: write report: %w", err)
	}
	return path, nil
}

func writeAgent(b *strings.Builder, label string, a model.AgentDescriptor) {
	fmt.Fprintf(b, "- %s: %s (type %s, role %s, version %d)", label, orDash(a.AgentID), orDash(a.AgentType), orDash(a.Role), a.Version)
	if a.SpawnedAt != nil {
		fmt.Fprintf(b, ", spawned %s", a.SpawnedAt.Format(time.RFC3339))
	}
	if a.TerminationReason != "" {
		fmt.Fprintf(b, ", terminated: %s", a.TerminationReason)
	}
	b.WriteString("\n")
}

func writeList[T any](b *strings.Builder, items []T, line func(T) string) {
	if len(items) == 0 {
		b.WriteString("(none)\n")
		return
	}
	for i, it := range items {
		fmt.Fprintf(b, "%d. %s\n", i+1, line(it))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// safeName keeps trace ids usable as a single path segment.
func safeName(s string) string {
	if s == "" {
		return "untraced"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
