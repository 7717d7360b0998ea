package bus

import (
	"fmt"
	"time"
)

// Event kinds pushed to subscribers. The set is fixed; the websocket gateway
// forwards them verbatim.
const (
	KindExecutionStatus        = "execution.status"
	KindClaudeOutput           = "claude.output" // live stdout chunks
	KindQuestionsBatch         = "questions.batch"
	KindPlanUpdated            = "plan.updated"
	KindStageChanged           = "stage.changed"
	KindStepStarted            = "step.started"
	KindStepCompleted          = "step.completed"
	KindImplementationProgress = "implementation.progress"
	KindQueueReordered         = "queue.reordered"
	KindSessionBackedOut       = "session.backedout"

	// KindResyncRequired is synthesized by the bus for subscribers that
	// overflowed; clients must re-fetch state via HTTP.
	KindResyncRequired = "resync_required"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Kind      string    `json:"kind"`
	ProjectID string    `json:"project_id,omitempty"`
	FeatureID string    `json:"feature_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ProjectTopic is the broadcast topic for everything in a project.
func ProjectTopic(projectID string) string {
	return "project/" + projectID
}

// SessionTopic is the broadcast topic for a single session.
func SessionTopic(projectID, featureID string) string {
	return fmt.Sprintf("session/%s/%s", projectID, featureID)
}

// ExecutionStatusPayload reports engine status changes and errors.
type ExecutionStatusPayload struct {
	Status string `json:"status"` // running | idle | error | paused | failed | completed
	Stage  int    `json:"stage"`
	Error  string `json:"error,omitempty"`
}

// OutputPayload carries a live stdout chunk from the agent subprocess.
type OutputPayload struct {
	Stage int    `json:"stage"`
	Chunk string `json:"chunk"`
}

// StageChangedPayload reports a stage transition.
type StageChangedPayload struct {
	FromStage int    `json:"from_stage"`
	ToStage   int    `json:"to_stage"`
	Status    string `json:"status"`
}

// StepPayload reports step lifecycle changes during Stage 3.
type StepPayload struct {
	StepID string `json:"step_id"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status"`
}

// ProgressPayload summarizes implementation progress.
type ProgressPayload struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// QueueReorderedPayload carries the full waiting-list view after any queue
// mutation.
type QueueReorderedPayload struct {
	Entries []QueueEntryView `json:"entries"`
}

// QueueEntryView mirrors the queue view of one waiting session.
type QueueEntryView struct {
	FeatureID     string    `json:"feature_id"`
	Title         string    `json:"title"`
	QueuePosition int       `json:"queue_position"`
	QueuedAt      time.Time `json:"queued_at"`
}

// BackoutPayload reports a user-initiated pause or abandon.
type BackoutPayload struct {
	Action string `json:"action"` // pause | abandon
	Reason string `json:"reason,omitempty"`
}
