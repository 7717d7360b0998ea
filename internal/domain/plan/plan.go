// Package plan defines the implementation Plan entity: an ordered,
// optionally hierarchical list of steps executed during Stage 3.
package plan

import (
	"time"

	"github.com/google/uuid"
)

// Complexity is the estimated effort of a step.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// StepStatus represents the lifecycle state of an individual step.
type StepStatus string

const (
	StepStatusPending     StepStatus = "pending"
	StepStatusInProgress  StepStatus = "in_progress"
	StepStatusCompleted   StepStatus = "completed"
	StepStatusBlocked     StepStatus = "blocked"
	StepStatusNeedsReview StepStatus = "needs_review"
	StepStatusSkipped     StepStatus = "skipped"
)

// Done reports whether the step needs no further work.
func (s StepStatus) Done() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// stepRank orders statuses for the monotonicity rule. needs_review sits below
// completed so invalidation is the one allowed regression target.
var stepRank = map[StepStatus]int{
	StepStatusPending:     0,
	StepStatusNeedsReview: 1,
	StepStatusInProgress:  2,
	StepStatusBlocked:     2,
	StepStatusCompleted:   3,
	StepStatusSkipped:     3,
}

// CanTransition reports whether a step status change is allowed. Transitions
// are monotone except that needs_review may revert to pending.
func CanTransition(from, to StepStatus) bool {
	if from == to {
		return true
	}
	if from == StepStatusNeedsReview && to == StepStatusPending {
		return true
	}
	// Completed steps may only regress to needs_review (invalidation).
	if from == StepStatusCompleted || from == StepStatusSkipped {
		return to == StepStatusNeedsReview
	}
	return stepRank[to] >= stepRank[from]
}

// Step is one unit of work within a plan.
type Step struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parent_id,omitempty"`
	OrderIndex  int        `json:"order_index"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Complexity  Complexity `json:"complexity"`
	Status      StepStatus `json:"status"`
}

// SectionValidation holds the validation outcome for one plan section.
type SectionValidation struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors,omitempty"`
}

// Plan carries the ordered steps for a session plus approval and validation
// state. Version increases on each replanning round.
type Plan struct {
	ProjectID  string                       `json:"project_id"`
	FeatureID  string                       `json:"feature_id"`
	Version    int                          `json:"plan_version"`
	IsApproved bool                         `json:"is_approved"`
	Steps      []Step                       `json:"steps"`
	Validation map[string]SectionValidation `json:"validation_status,omitempty"`
	CreatedAt  time.Time                    `json:"created_at"`
	UpdatedAt  time.Time                    `json:"updated_at"`
}

// NewStepID returns a fresh step identifier.
func NewStepID() string { return uuid.NewString() }

// Step returns a pointer to the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// NextStep returns the first runnable step in orderIndex order: the lowest
// pending, needs_review, or in_progress step. An in_progress step is a
// resumable remnant of an interrupted run. Blocked steps are not runnable
// until the user retries. Returns nil when no step is runnable.
func (p *Plan) NextStep() *Step {
	var next *Step
	for i := range p.Steps {
		s := &p.Steps[i]
		switch s.Status {
		case StepStatusPending, StepStatusNeedsReview, StepStatusInProgress:
		default:
			continue
		}
		if next == nil || s.OrderIndex < next.OrderIndex {
			next = s
		}
	}
	return next
}

// AllStepsDone reports whether every step is completed or skipped.
func (p *Plan) AllStepsDone() bool {
	for i := range p.Steps {
		if !p.Steps[i].Status.Done() {
			return false
		}
	}
	return len(p.Steps) > 0
}

// CompletedStepIDs returns ids of all completed steps in orderIndex order.
func (p *Plan) CompletedStepIDs() []string {
	var ids []string
	for i := range p.Steps {
		if p.Steps[i].Status == StepStatusCompleted {
			ids = append(ids, p.Steps[i].ID)
		}
	}
	return ids
}
