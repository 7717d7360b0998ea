// Package session defines the Session domain entity, the central record of a
// feature moving through the seven-stage pipeline.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Stage is one of the seven pipeline phases.
type Stage int

const (
	StageDiscovery Stage = iota + 1
	StagePlanReview
	StageImplementation
	StagePRCreation
	StagePRReview
	StageFinalApproval
	StageCompleted
)

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageDiscovery:
		return "discovery"
	case StagePlanReview:
		return "plan_review"
	case StageImplementation:
		return "implementation"
	case StagePRCreation:
		return "pr_creation"
	case StagePRReview:
		return "pr_review"
	case StageFinalApproval:
		return "final_approval"
	case StageCompleted:
		return "completed"
	}
	return "unknown"
}

// Valid reports whether s is one of the seven stages.
func (s Stage) Valid() bool { return s >= StageDiscovery && s <= StageCompleted }

// RunningStatus returns the status a session carries while actively executing
// the given stage.
func (s Stage) RunningStatus() Status {
	switch s {
	case StageDiscovery:
		return StatusDiscovery
	case StagePlanReview:
		return StatusPlanning
	case StageImplementation:
		return StatusImplementing
	case StagePRCreation:
		return StatusPRCreation
	case StagePRReview:
		return StatusPRReview
	case StageFinalApproval:
		return StatusFinalApproval
	case StageCompleted:
		return StatusCompleted
	}
	return StatusFailed
}

// Status represents the current state of a session.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusDiscovery     Status = "discovery"
	StatusPlanning      Status = "planning"
	StatusImplementing  Status = "implementing"
	StatusPRCreation    Status = "pr_creation"
	StatusPRReview      Status = "pr_review"
	StatusFinalApproval Status = "final_approval"
	StatusCompleted     Status = "completed"
	StatusPaused        Status = "paused"
	StatusFailed        Status = "failed"
)

// Active reports whether the session currently holds its project's single
// execution slot. At most one session per project may be active.
func (s Status) Active() bool {
	switch s {
	case StatusQueued, StatusCompleted, StatusPaused, StatusFailed:
		return false
	}
	return true
}

// Terminal reports whether the session can never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is one user-defined feature proceeding through the pipeline,
// identified by (ProjectID, FeatureID).
type Session struct {
	ProjectID          string     `json:"project_id"`
	FeatureID          string     `json:"feature_id"`
	ProjectPath        string     `json:"project_path"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty"`
	BaseBranch         string     `json:"base_branch,omitempty"`
	FeatureBranch      string     `json:"feature_branch,omitempty"`
	BaseCommitSHA      string     `json:"base_commit_sha,omitempty"`
	Stage              Stage      `json:"stage"`
	Status             Status     `json:"status"`
	QueuePosition      *int       `json:"queue_position,omitempty"`
	QueuedAt           *time.Time `json:"queued_at,omitempty"`
	ReplanningCount    int        `json:"replanning_count"`
	PRCreationAttempts int        `json:"pr_creation_attempts"`

	// Opaque tokens the external agent uses to resume a conversation.
	AgentSessionID       string `json:"agent_session_id,omitempty"`
	AgentStage3SessionID string `json:"agent_stage3_session_id,omitempty"`

	PlanPath  string `json:"plan_path,omitempty"`
	PRURL     string `json:"pr_url,omitempty"`
	LastError string `json:"last_error,omitempty"`

	Preferences Preferences `json:"preferences"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SetQueued places the session in the queue at the given 1-based position.
func (s *Session) SetQueued(pos int, at time.Time) {
	s.Status = StatusQueued
	s.QueuePosition = &pos
	s.QueuedAt = &at
}

// ClearQueued removes the session from the queue (it became active or left
// the pipeline).
func (s *Session) ClearQueued() {
	s.QueuePosition = nil
	s.QueuedAt = nil
}

// QueueEntry is a lightweight queue view derived from Session records.
type QueueEntry struct {
	FeatureID     string    `json:"feature_id"`
	Title         string    `json:"title"`
	QueuePosition int       `json:"queue_position"`
	QueuedAt      time.Time `json:"queued_at"`
}

// Entry derives the queue view for a waiting session. Returns false if the
// session is not queued.
func (s *Session) Entry() (QueueEntry, bool) {
	if s.Status != StatusQueued || s.QueuePosition == nil {
		return QueueEntry{}, false
	}
	e := QueueEntry{FeatureID: s.FeatureID, Title: s.Title, QueuePosition: *s.QueuePosition}
	if s.QueuedAt != nil {
		e.QueuedAt = *s.QueuedAt
	}
	return e, true
}

// DeriveProjectID returns the stable project identifier for an absolute
// project path. The same path always hashes to the same id.
func DeriveProjectID(projectPath string) string {
	abs := filepath.Clean(projectPath)
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// NewFeatureID returns a fresh feature identifier.
func NewFeatureID() string { return uuid.NewString() }
