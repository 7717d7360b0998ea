// Package conversation defines the append-only log of agent invocations.
// Entries are the audit trail used for retry and resume.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// EntryStatus tracks an invocation's lifecycle.
type EntryStatus string

const (
	StatusStarted     EntryStatus = "started"
	StatusCompleted   EntryStatus = "completed"
	StatusInterrupted EntryStatus = "interrupted"
)

// PostProcessingType tags a secondary agent pass. The set is fixed.
type PostProcessingType string

const (
	PassDecisionValidation   PostProcessingType = "decision_validation"
	PassTestAssessment       PostProcessingType = "test_assessment"
	PassIncompleteSteps      PostProcessingType = "incomplete_steps"
	PassQuestionExtraction   PostProcessingType = "question_extraction"
	PassPlanStepExtraction   PostProcessingType = "plan_step_extraction"
	PassPRInfoExtraction     PostProcessingType = "pr_info_extraction"
	PassImplementationStatus PostProcessingType = "implementation_status_extraction"
	PassTestResults          PostProcessingType = "test_results_extraction"
	PassReviewFindings       PostProcessingType = "review_findings_extraction"
	PassCommitMessage        PostProcessingType = "commit_message_generation"
	PassSummary              PostProcessingType = "summary_generation"
)

// Valid reports whether t is one of the fixed pass tags.
func (t PostProcessingType) Valid() bool {
	switch t {
	case PassDecisionValidation, PassTestAssessment, PassIncompleteSteps,
		PassQuestionExtraction, PassPlanStepExtraction, PassPRInfoExtraction,
		PassImplementationStatus, PassTestResults, PassReviewFindings,
		PassCommitMessage, PassSummary:
		return true
	}
	return false
}

// ValidationAction is the decision_validation outcome for one answered
// question: accept, drop and re-ask, or accept but reframe.
type ValidationAction string

const (
	ActionPass      ValidationAction = "pass"
	ActionFilter    ValidationAction = "filter"
	ActionRepurpose ValidationAction = "repurpose"
)

// Entry is one record in the append-only conversation log.
type Entry struct {
	ID                 string             `json:"id"`
	Stage              int                `json:"stage"`
	StepID             string             `json:"step_id,omitempty"`
	Timestamp          time.Time          `json:"timestamp"`
	Prompt             string             `json:"prompt"`
	Output             string             `json:"output,omitempty"`
	CostUSD            float64            `json:"cost_usd"`
	Status             EntryStatus        `json:"status"`
	IsError            bool               `json:"is_error"`
	Error              string             `json:"error,omitempty"`
	PostProcessingType PostProcessingType `json:"post_processing_type,omitempty"`
	ValidationAction   ValidationAction   `json:"validation_action,omitempty"`
	QuestionIndex      *int               `json:"question_index,omitempty"`
}

// NewID returns a fresh entry identifier.
func NewID() string { return uuid.NewString() }
