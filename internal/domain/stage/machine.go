// Package stage implements the deterministic stage-transition rules as a pure
// function over an immutable snapshot. No I/O happens here; the session
// engine consults Next and acts on the returned decision.
package stage

import (
	"fmt"

	"github.com/clrke/ralph-web/internal/domain"
	"github.com/clrke/ralph-web/internal/domain/session"
)

// Action is what the session engine should do next.
type Action string

const (
	ActionNone               Action = "none"
	ActionRunDiscovery       Action = "run_discovery"
	ActionAwaitAnswers       Action = "await_answers"
	ActionRunPlanning        Action = "run_planning"
	ActionAwaitPlanApproval  Action = "await_plan_approval"
	ActionRunStep            Action = "run_step"
	ActionAwaitUser          Action = "await_user" // blocked; needs retry or backout
	ActionRunPRCreation      Action = "run_pr_creation"
	ActionRunPRReview        Action = "run_pr_review"
	ActionAwaitFinalApproval Action = "await_final_approval"
	ActionComplete           Action = "complete"
	ActionPause              Action = "pause"
	ActionFail               Action = "fail"
)

// InputKind identifies the event being applied to the machine.
type InputKind string

const (
	// InputAssess asks "what should happen now" with no new event.
	InputAssess            InputKind = "assess"
	InputAnswersSubmitted  InputKind = "answers_submitted"
	InputPlanApproved      InputKind = "plan_approved"
	InputChangesRequested  InputKind = "changes_requested"
	InputPRCreated         InputKind = "pr_created"
	InputPRFailed          InputKind = "pr_failed"
	InputReviewClean       InputKind = "review_clean"
	InputReviewPlanChanges InputKind = "review_plan_changes"
	InputReReview          InputKind = "re_review"
	InputFinalMerge        InputKind = "final_merge"
	InputFinalPlanChanges  InputKind = "final_plan_changes"
	InputFinalReReview     InputKind = "final_re_review"
	InputBackoutPause      InputKind = "backout_pause"
	InputBackoutAbandon    InputKind = "backout_abandon"
)

// Input is one event applied to the machine.
type Input struct {
	Kind   InputKind
	Reason string // backout reason, PR failure detail
}

// Snapshot is the read-only view of session state the machine decides on.
type Snapshot struct {
	Stage  session.Stage
	Status session.Status

	ReplanningCount int
	ReplanLimit     int

	PRCreationAttempts int
	PRCreationLimit    int

	DiscoveryRan        bool // at least one Stage 1 invocation recorded
	PlanExtracted       bool
	PlanApproved        bool
	UnansweredQuestions int

	NextStepID   string // "" when no step is runnable
	HasSteps     bool
	AllStepsDone bool

	PRURL string
}

// Decision is the machine's verdict: the stage/status to persist and the
// action the engine must take.
type Decision struct {
	Action Action
	Stage  session.Stage
	Status session.Status
	StepID string
	Reason string

	IncrementReplanning bool
	IncrementPRAttempts bool
	BumpPlanVersion     bool
}

// Next applies in to the snapshot and returns the resulting decision.
// Inputs that are not legal for the current stage return domain.ErrConflict.
func Next(s Snapshot, in Input) (Decision, error) {
	if s.Status.Terminal() {
		return Decision{}, fmt.Errorf("%w: session is %s", domain.ErrConflict, s.Status)
	}

	switch in.Kind {
	case InputAssess:
		return assess(s), nil
	case InputAnswersSubmitted:
		if s.Stage != session.StageDiscovery || s.UnansweredQuestions == 0 {
			return Decision{}, fmt.Errorf("%w: no pending questions at stage %d", domain.ErrConflict, s.Stage)
		}
		// Engine validates answers and re-assesses.
		return stay(s), nil
	case InputPlanApproved:
		if s.Stage != session.StagePlanReview {
			return Decision{}, fmt.Errorf("%w: plan approval only at stage 2 (current %d)", domain.ErrConflict, s.Stage)
		}
		if s.PlanApproved {
			return Decision{}, fmt.Errorf("%w: plan already approved", domain.ErrConflict)
		}
		return Decision{Action: ActionNone, Stage: session.StageImplementation, Status: session.StatusImplementing}, nil
	case InputChangesRequested:
		if s.Stage != session.StagePlanReview {
			return Decision{}, fmt.Errorf("%w: request-changes only at stage 2 (current %d)", domain.ErrConflict, s.Stage)
		}
		return replan(s)
	case InputPRCreated:
		if s.Stage != session.StagePRCreation {
			return Decision{}, fmt.Errorf("%w: pr_created at stage %d", domain.ErrConflict, s.Stage)
		}
		return Decision{Action: ActionRunPRReview, Stage: session.StagePRReview, Status: session.StatusPRReview}, nil
	case InputPRFailed:
		if s.Stage != session.StagePRCreation {
			return Decision{}, fmt.Errorf("%w: pr_failed at stage %d", domain.ErrConflict, s.Stage)
		}
		if s.PRCreationAttempts+1 >= s.PRCreationLimit {
			return failDecision(s, "pr creation retries exhausted"), nil
		}
		return Decision{
			Action: ActionRunPRCreation, Stage: session.StagePRCreation,
			Status: session.StatusPRCreation, IncrementPRAttempts: true,
		}, nil
	case InputReviewClean:
		if s.Stage != session.StagePRReview {
			return Decision{}, fmt.Errorf("%w: review outcome at stage %d", domain.ErrConflict, s.Stage)
		}
		return Decision{Action: ActionAwaitFinalApproval, Stage: session.StageFinalApproval, Status: session.StatusFinalApproval}, nil
	case InputReviewPlanChanges:
		if s.Stage != session.StagePRReview {
			return Decision{}, fmt.Errorf("%w: review outcome at stage %d", domain.ErrConflict, s.Stage)
		}
		return replanToApproval(s)
	case InputReReview:
		if s.Stage != session.StagePRReview {
			return Decision{}, fmt.Errorf("%w: re-review only at stage 5 (current %d)", domain.ErrConflict, s.Stage)
		}
		return Decision{Action: ActionRunPRReview, Stage: session.StagePRReview, Status: session.StatusPRReview}, nil
	case InputFinalMerge:
		if s.Stage != session.StageFinalApproval {
			return Decision{}, fmt.Errorf("%w: final approval only at stage 6 (current %d)", domain.ErrConflict, s.Stage)
		}
		return Decision{Action: ActionComplete, Stage: session.StageCompleted, Status: session.StatusCompleted}, nil
	case InputFinalPlanChanges:
		if s.Stage != session.StageFinalApproval {
			return Decision{}, fmt.Errorf("%w: final approval only at stage 6 (current %d)", domain.ErrConflict, s.Stage)
		}
		return replanToApproval(s)
	case InputFinalReReview:
		if s.Stage != session.StageFinalApproval {
			return Decision{}, fmt.Errorf("%w: final approval only at stage 6 (current %d)", domain.ErrConflict, s.Stage)
		}
		return Decision{Action: ActionRunPRReview, Stage: session.StagePRReview, Status: session.StatusPRReview}, nil
	case InputBackoutPause:
		return Decision{Action: ActionPause, Stage: s.Stage, Status: session.StatusPaused, Reason: in.Reason}, nil
	case InputBackoutAbandon:
		return failDecision(s, in.Reason), nil
	}
	return Decision{}, fmt.Errorf("%w: unknown input %q", domain.ErrValidation, in.Kind)
}

// replan returns to Stage 2 for another planning round, or fails the session
// when the cap is exhausted. No agent invocation happens on the failing path.
func replan(s Snapshot) (Decision, error) {
	if s.ReplanningCount >= s.ReplanLimit {
		return failDecision(s, "replan cap exceeded"), nil
	}
	return Decision{
		Action:              ActionRunPlanning,
		Stage:               session.StagePlanReview,
		Status:              session.StatusPlanning,
		IncrementReplanning: true,
		BumpPlanVersion:     true,
	}, nil
}

// replanToApproval is the looping return from Stages 5/6: the session drops
// back to Stage 2 with the plan unapproved and step statuses already adjusted
// by the incomplete-steps assessor; the user decides whether to approve or
// request another planning round.
func replanToApproval(s Snapshot) (Decision, error) {
	if s.ReplanningCount >= s.ReplanLimit {
		return failDecision(s, "replan cap exceeded"), nil
	}
	return Decision{
		Action:              ActionAwaitPlanApproval,
		Stage:               session.StagePlanReview,
		Status:              session.StatusPlanning,
		IncrementReplanning: true,
		BumpPlanVersion:     true,
	}, nil
}

func failDecision(s Snapshot, reason string) Decision {
	return Decision{Action: ActionFail, Stage: s.Stage, Status: session.StatusFailed, Reason: reason}
}

func stay(s Snapshot) Decision {
	return Decision{Action: ActionNone, Stage: s.Stage, Status: s.Status}
}

// assess decides the next action with no new event.
func assess(s Snapshot) Decision {
	switch s.Stage {
	case session.StageDiscovery:
		if !s.DiscoveryRan {
			return Decision{Action: ActionRunDiscovery, Stage: s.Stage, Status: session.StatusDiscovery}
		}
		if s.UnansweredQuestions > 0 {
			return Decision{Action: ActionAwaitAnswers, Stage: s.Stage, Status: session.StatusDiscovery}
		}
		// Discovery complete: enter plan review with whatever plan was
		// extracted; re-plan from scratch when extraction produced nothing.
		if s.PlanExtracted {
			return Decision{Action: ActionAwaitPlanApproval, Stage: session.StagePlanReview, Status: session.StatusPlanning}
		}
		return Decision{Action: ActionRunPlanning, Stage: session.StagePlanReview, Status: session.StatusPlanning}

	case session.StagePlanReview:
		if s.PlanApproved {
			return Decision{Action: ActionNone, Stage: session.StageImplementation, Status: session.StatusImplementing}
		}
		if !s.PlanExtracted {
			return Decision{Action: ActionRunPlanning, Stage: s.Stage, Status: session.StatusPlanning}
		}
		return Decision{Action: ActionAwaitPlanApproval, Stage: s.Stage, Status: session.StatusPlanning}

	case session.StageImplementation:
		if s.NextStepID != "" {
			return Decision{Action: ActionRunStep, Stage: s.Stage, Status: session.StatusImplementing, StepID: s.NextStepID}
		}
		if s.AllStepsDone {
			return Decision{Action: ActionRunPRCreation, Stage: session.StagePRCreation, Status: session.StatusPRCreation}
		}
		// Steps exist but none is runnable (blocked / in_progress remnant).
		return Decision{Action: ActionAwaitUser, Stage: s.Stage, Status: session.StatusImplementing}

	case session.StagePRCreation:
		if s.PRURL != "" {
			return Decision{Action: ActionRunPRReview, Stage: session.StagePRReview, Status: session.StatusPRReview}
		}
		return Decision{Action: ActionRunPRCreation, Stage: s.Stage, Status: session.StatusPRCreation}

	case session.StagePRReview:
		return Decision{Action: ActionRunPRReview, Stage: s.Stage, Status: session.StatusPRReview}

	case session.StageFinalApproval:
		return Decision{Action: ActionAwaitFinalApproval, Stage: s.Stage, Status: session.StatusFinalApproval}

	case session.StageCompleted:
		return Decision{Action: ActionComplete, Stage: s.Stage, Status: session.StatusCompleted}
	}
	return stay(s)
}
