// Package swarm dispatches parallel reviewer swarms against a review target
// and aggregates their findings into a unified report. Session state lives in
// Redis so concurrent reviewer tasks share nothing but the session id.
package swarm

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates swarm session lifecycle states.
type SessionStatus string

// Session statuses. Transitions are strict:
// PENDING -> IN_PROGRESS -> AGGREGATING -> COMPLETE, any -> FAILED (terminal).
const (
	StatusPending     SessionStatus = "PENDING"
	StatusInProgress  SessionStatus = "IN_PROGRESS"
	StatusAggregating SessionStatus = "AGGREGATING"
	StatusComplete    SessionStatus = "COMPLETE"
	StatusFailed      SessionStatus = "FAILED"
)

// ReviewerStatus enumerates a single reviewer's outcome.
type ReviewerStatus string

// Reviewer statuses.
const (
	ReviewerSuccess ReviewerStatus = "success"
	ReviewerFailed  ReviewerStatus = "failed"
	ReviewerTimeout ReviewerStatus = "timeout"
)

// Severity ranks a finding. CRITICAL sorts first.
type Severity string

// Finding severities.
const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Rank returns the sort rank of a severity: CRITICAL is 0, INFO is 4.
// Unknown severities rank after INFO.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	case SeverityInfo:
		return 4
	default:
		return 5
	}
}

// Higher returns the more severe of two severities.
func (s Severity) Higher(other Severity) Severity {
	if other.Rank() < s.Rank() {
		return other
	}
	return s
}

// Finding is one defect report from a reviewer.
type Finding struct {
	ID string `json:"id"`
	// ReviewerType may become a comma-joined set after duplicate merging.
	ReviewerType string   `json:"reviewer_type"`
	Severity     Severity `json:"severity"`
	// Category is hierarchical, "/"-separated (e.g. "security/injection").
	Category       string  `json:"category"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	FilePath       string  `json:"file_path"`
	LineStart      int     `json:"line_start,omitempty"`
	LineEnd        int     `json:"line_end,omitempty"`
	CodeSnippet    string  `json:"code_snippet,omitempty"`
	Recommendation string  `json:"recommendation,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// RootCategory returns the category prefix before the first "/".
func (f *Finding) RootCategory() string {
	if i := strings.Index(f.Category, "/"); i >= 0 {
		return f.Category[:i]
	}
	return f.Category
}

// LineRange returns the finding's line range with single-line ranges
// normalized to end=start. ok is false when the finding has no line info.
func (f *Finding) LineRange() (start, end int, ok bool) {
	if f.LineStart == 0 {
		return 0, 0, false
	}
	end = f.LineEnd
	if end == 0 {
		end = f.LineStart
	}
	return f.LineStart, end, true
}

// ReviewerTypes returns the finding's reviewer-type tokens.
func (f *Finding) ReviewerTypes() []string {
	parts := strings.Split(f.ReviewerType, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ReviewerResult is one reviewer's outcome for a session.
type ReviewerResult struct {
	ReviewerType    string         `json:"reviewer_type"`
	Status          ReviewerStatus `json:"status"`
	Findings        []Finding      `json:"findings,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	FilesReviewed   int            `json:"files_reviewed"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

// UnifiedReport is the aggregation output for a swarm session.
type UnifiedReport struct {
	SessionID          string                `json:"session_id"`
	TargetPath         string                `json:"target_path"`
	TotalFindings      int                   `json:"total_findings"`
	FindingsBySeverity map[Severity][]Finding `json:"findings_by_severity"`
	FindingsByReviewer map[string]int        `json:"findings_by_reviewer"`
	FindingsByCategory map[string]int        `json:"findings_by_category"`
	ReviewersCompleted []string              `json:"reviewers_completed"`
	ReviewersFailed    []string              `json:"reviewers_failed"`
	DuplicatesRemoved  int                   `json:"duplicates_removed"`
	Findings           []Finding             `json:"findings"`
	GeneratedAt        time.Time             `json:"generated_at"`
}

// Session is one parallel-review run.
type Session struct {
	ID          string                    `json:"id"`
	TargetPath  string                    `json:"target_path"`
	Reviewers   []string                  `json:"reviewers"`
	Status      SessionStatus             `json:"status"`
	CreatedAt   time.Time                 `json:"created_at"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	Results     map[string]ReviewerResult `json:"results,omitempty"`
	Report      *UnifiedReport            `json:"unified_report,omitempty"`
}

// NewSessionID generates a session id in the form swarm-<8 hex>.
func NewSessionID() string {
	return "swarm-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// validTransitions lists the allowed forward transitions per status. FAILED
// is reachable from anywhere and terminal.
var validTransitions = map[SessionStatus][]SessionStatus{
	StatusPending:     {StatusInProgress},
	StatusInProgress:  {StatusAggregating},
	StatusAggregating: {StatusComplete},
	StatusComplete:    {},
	StatusFailed:      {},
}

// CanTransition reports whether a session may move from one status to
// another.
func CanTransition(from, to SessionStatus) bool {
	if to == StatusFailed {
		return from != StatusFailed
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the session to a new status, enforcing the strict
// transition table.
func (s *Session) Transition(to SessionStatus) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("invalid session transition: %s -> %s", s.Status, to)
	}
	s.Status = to
	return nil
}
