// Package analysis implements the skin analysis and progress-comparison
// pipeline: it turns submitted face images into persisted, versioned analysis
// records and compares later submissions against the plan-window baseline.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mirelabs/dermatrack/internal/ai"
)

// Type distinguishes the plan-window baseline from later submissions.
type Type string

const (
	TypeInitial  Type = "initial"
	TypeProgress Type = "progress"
)

// Status is the record lifecycle state. Completed and failed are terminal;
// a record never leaves either.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// PlanWindowDays is the length of one improvement plan.
const PlanWindowDays = 28

// PlanWindow is the period during which one baseline stays authoritative.
type PlanWindow struct {
	Start time.Time `json:"start_date"`
	End   time.Time `json:"end_date"`
}

// NewPlanWindow anchors a fresh 28-day window at now.
func NewPlanWindow(now time.Time) PlanWindow {
	return PlanWindow{Start: now, End: now.AddDate(0, 0, PlanWindowDays)}
}

func (w PlanWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Record is the persisted outcome of one image-submission pipeline run.
type Record struct {
	ID                string            `json:"id"`
	SubjectID         string            `json:"subject_id"`
	OwnerID           string            `json:"owner_id,omitempty"` // empty until an anonymous session is reconciled
	Type              Type              `json:"analysis_type"`
	Status            Status            `json:"status"`
	Keypoints         json.RawMessage   `json:"keypoints,omitempty"`
	Report            *ai.Report        `json:"report,omitempty"`
	ProgressDelta     *ai.ProgressDelta `json:"progress_delta,omitempty"`
	PlanWindow        PlanWindow        `json:"plan_window"`
	AnnotatedImageRef string            `json:"annotated_image_ref,omitempty"`
	Error             string            `json:"error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// WeekIndex selects the zero-indexed care-plan week for a submission
// daysElapsed days after the baseline, clamped to the plan length.
func WeekIndex(daysElapsed, planLen int) int {
	if planLen <= 0 {
		return 0
	}
	idx := daysElapsed / 7
	if idx > planLen-1 {
		idx = planLen - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Precondition errors surfaced to clients as 400s.
var (
	ErrNoActivePlan       = errors.New("no active plan window for this user")
	ErrBaselineIncomplete = errors.New("baseline analysis is missing its report or care plan")
	ErrSubjectNotFound    = errors.New("subject not found")
)

// RecordRepository is the persistence port for analysis records.
type RecordRepository interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetBySubject(ctx context.Context, subjectID string) (*Record, error)
	// ActiveBaseline returns the completed INITIAL record whose plan window
	// contains now for the given owner, or nil when there is none.
	ActiveBaseline(ctx context.Context, ownerID string, now time.Time) (*Record, error)
	// Complete writes the terminal completed state. The write is guarded so
	// a record that already reached a terminal state is never changed.
	Complete(ctx context.Context, rec *Record) error
	// Fail writes the terminal failed state with a diagnostic message.
	Fail(ctx context.Context, id, message string) error
	SetAnnotatedImageRef(ctx context.Context, recordID, ref string) error
	ReplaceReportIssues(ctx context.Context, recordID string, issues []ai.Issue) error
}

// Subject is the onboarding answer or progress submission an analysis was
// made for: its stored images, current owner and intake answers.
type Subject struct {
	ID            string
	OwnerID       string
	FrontImageRef string
	LeftImageRef  string
	RightImageRef string
	Answers       map[string]string
}

// SubjectSource resolves subject references. Lookups for submission-local
// subject ids (progress submissions) return ErrSubjectNotFound.
type SubjectSource interface {
	Get(ctx context.Context, subjectID string) (*Subject, error)
}
