package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/clrke/ralph-web/internal/adapter/agentcli"
	otelmetrics "github.com/clrke/ralph-web/internal/adapter/otel"
	"github.com/clrke/ralph-web/internal/domain/conversation"
	"github.com/clrke/ralph-web/internal/domain/plan"
	"github.com/clrke/ralph-web/internal/domain/question"
	"github.com/clrke/ralph-web/internal/resilience"
)

// PostProcessor runs the secondary agent passes that turn raw stage output
// into structured artifacts. Passes use the cheap model, run under the
// circuit breaker, and record their own conversation entries tagged with the
// pass type. A failed or shed pass never fails the session; every pass has a
// conservative fallback.
type PostProcessor struct {
	runner     AgentRunner
	store      Store
	breaker    *resilience.Breaker
	metrics    *otelmetrics.Metrics
	cheapModel string
	timeout    time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// NewPostProcessor wires the pass runner. metrics may be nil.
func NewPostProcessor(runner AgentRunner, store Store, breaker *resilience.Breaker, metrics *otelmetrics.Metrics, cheapModel string, timeout time.Duration, log *slog.Logger) *PostProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &PostProcessor{
		runner:     runner,
		store:      store,
		breaker:    breaker,
		metrics:    metrics,
		cheapModel: cheapModel,
		timeout:    timeout,
		log:        log,
		now:        time.Now,
	}
}

// ExtractedQuestion is one clarifying question pulled from discovery output.
type ExtractedQuestion struct {
	QuestionText string            `json:"question_text"`
	Options      []question.Option `json:"options,omitempty"`
}

// ExtractedStep is one plan step pulled from planning output. ParentIndex
// references another extracted step by position, or is nil for top-level.
type ExtractedStep struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Complexity  string `json:"complexity"`
	ParentIndex *int   `json:"parent_index"`
}

// DecisionResult is the decision_validation verdict for one answer.
type DecisionResult struct {
	Action           conversation.ValidationAction `json:"action"`
	ReframedQuestion string                        `json:"reframed_question,omitempty"`
	Reason           string                        `json:"reason,omitempty"`
}

// TestAssessment summarizes testing quality after a step.
type TestAssessment struct {
	TestsRun         bool   `json:"tests_run"`
	TestsPassed      bool   `json:"tests_passed"`
	CoverageAdequate bool   `json:"coverage_adequate"`
	Notes            string `json:"notes,omitempty"`
}

// AffectedStep marks a completed step invalidated by plan changes.
type AffectedStep struct {
	StepID string `json:"step_id"`
	Status string `json:"status"` // needs_review | pending
	Reason string `json:"reason,omitempty"`
}

// IncompleteStepsResult is the replanning impact analysis.
type IncompleteStepsResult struct {
	AffectedSteps   []AffectedStep `json:"affected_steps"`
	UnaffectedSteps []string       `json:"unaffected_steps,omitempty"`
	Summary         string         `json:"summary,omitempty"`
}

// PRInfo is the parsed PR-creation outcome.
type PRInfo struct {
	Created bool   `json:"created"`
	PRURL   string `json:"pr_url,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ImplementationStatus is the parsed step outcome.
type ImplementationStatus struct {
	Outcome string `json:"outcome"` // completed | partial | blocked
	Detail  string `json:"detail,omitempty"`
}

// TestResults carries concrete test counts from a transcript.
type TestResults struct {
	Ran      bool     `json:"ran"`
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Failures []string `json:"failures,omitempty"`
}

// Finding is one review observation.
type Finding struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// ReviewFindings is the parsed review verdict.
type ReviewFindings struct {
	Verdict             string    `json:"verdict"` // clean | minor_fixed | plan_changes
	Findings            []Finding `json:"findings,omitempty"`
	RequiresPlanChanges bool      `json:"requires_plan_changes"`
}

// CommitMessage is the generated commit subject and body.
type CommitMessage struct {
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// Summary is the generated PR description material.
type Summary struct {
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights,omitempty"`
}

// invoke runs one pass under the breaker, unmarshals the first JSON object in
// the reply into out, and records a tagged conversation entry. decorate, when
// non-nil, stamps extra fields onto the entry after out is filled.
func (p *PostProcessor) invoke(ctx context.Context, sess sessionRef, t conversation.PostProcessingType, stageOutput, extra string, out any, decorate func(*conversation.Entry)) error {
	prompt := passPrompt(t, stageOutput, extra)

	entry := conversation.Entry{
		ID:                 conversation.NewID(),
		Stage:              sess.Stage,
		Timestamp:          p.now(),
		Prompt:             prompt,
		Status:             conversation.StatusStarted,
		PostProcessingType: t,
	}

	var res *agentcli.Result
	err := p.breaker.Execute(func() error {
		var runErr error
		res, runErr = p.runner.Run(ctx, agentcli.Request{
			Dir:     sess.Dir,
			Prompt:  prompt,
			Model:   p.cheapModel,
			Timeout: p.timeout,
		})
		return runErr
	})

	if err != nil {
		entry.Status = conversation.StatusInterrupted
		entry.IsError = true
		entry.Error = err.Error()
		if res != nil {
			entry.Output = res.Output
		}
		if decorate != nil {
			decorate(&entry)
		}
		p.record(sess, entry)
		p.metrics.PassRun(ctx, string(t), false, 0)
		return fmt.Errorf("pass %s: %w", t, err)
	}

	entry.Status = conversation.StatusCompleted
	entry.Output = res.Output
	entry.CostUSD = res.CostUSD

	obj, ok := agentcli.ExtractJSONObject(res.ResultText)
	if !ok {
		// Pass replies sometimes wrap the object in commentary inside the
		// full transcript instead of the result text.
		obj, ok = agentcli.ExtractJSONObject(res.Output)
	}
	var parseErr error
	switch {
	case !ok:
		parseErr = fmt.Errorf("pass %s: no JSON object in reply", t)
	default:
		if uerr := json.Unmarshal([]byte(obj), out); uerr != nil {
			parseErr = fmt.Errorf("pass %s: decode: %w", t, uerr)
		}
	}

	if decorate != nil {
		decorate(&entry)
	}
	p.record(sess, entry)
	p.metrics.PassRun(ctx, string(t), true, res.CostUSD)
	return parseErr
}

// sessionRef carries the identifiers a pass needs to record its entry.
type sessionRef struct {
	ProjectID string
	FeatureID string
	Stage     int
	Dir       string
}

func (p *PostProcessor) record(sess sessionRef, e conversation.Entry) {
	if err := p.store.AppendConversation(sess.ProjectID, sess.FeatureID, e); err != nil {
		p.log.Error("record pass entry failed", "pass", e.PostProcessingType, "error", err)
	}
}

// ExtractQuestions pulls clarifying questions from discovery output. On pass
// failure the fallback is no questions, which lets the pipeline proceed.
func (p *PostProcessor) ExtractQuestions(ctx context.Context, sess sessionRef, output string) []ExtractedQuestion {
	var parsed struct {
		Questions []ExtractedQuestion `json:"questions"`
	}
	if err := p.invoke(ctx, sess, conversation.PassQuestionExtraction, output, "", &parsed, nil); err != nil {
		p.log.Warn("question extraction degraded", "error", err)
		return nil
	}
	var qs []ExtractedQuestion
	for _, q := range parsed.Questions {
		if q.QuestionText != "" {
			qs = append(qs, q)
		}
	}
	return qs
}

// ExtractPlanSteps pulls plan steps from planning output. An empty result
// means extraction failed or the transcript had no plan; the engine reruns
// planning in that case.
func (p *PostProcessor) ExtractPlanSteps(ctx context.Context, sess sessionRef, output string) []ExtractedStep {
	var parsed struct {
		Steps []ExtractedStep `json:"steps"`
	}
	if err := p.invoke(ctx, sess, conversation.PassPlanStepExtraction, output, "", &parsed, nil); err != nil {
		p.log.Warn("plan step extraction degraded", "error", err)
		return nil
	}
	var steps []ExtractedStep
	for _, s := range parsed.Steps {
		if s.Title == "" {
			continue
		}
		switch plan.Complexity(s.Complexity) {
		case plan.ComplexityLow, plan.ComplexityMedium, plan.ComplexityHigh:
		default:
			s.Complexity = string(plan.ComplexityMedium)
		}
		steps = append(steps, s)
	}
	return steps
}

// ValidateAnswer judges one submitted answer. The recorded entry is tagged
// with the question's index and the verdict. Fallback is pass: a user answer
// is accepted when the validator cannot run.
func (p *PostProcessor) ValidateAnswer(ctx context.Context, sess sessionRef, q question.Question, answer string, questionIndex int) DecisionResult {
	extra := fmt.Sprintf("Q: %s\nA: %s", q.QuestionText, answer)
	var out DecisionResult
	idx := questionIndex
	tag := func(en *conversation.Entry) {
		en.QuestionIndex = &idx
		en.ValidationAction = out.Action
	}
	if err := p.invoke(ctx, sess, conversation.PassDecisionValidation, "", extra, &out, tag); err != nil {
		p.log.Warn("decision validation degraded, accepting answer", "error", err)
		return DecisionResult{Action: conversation.ActionPass}
	}
	switch out.Action {
	case conversation.ActionPass, conversation.ActionFilter, conversation.ActionRepurpose:
	default:
		out.Action = conversation.ActionPass
	}
	return out
}

// AssessTests reviews the testing done after a step. Fallback reports tests
// not run so the gap is visible.
func (p *PostProcessor) AssessTests(ctx context.Context, sess sessionRef, output string) TestAssessment {
	var out TestAssessment
	if err := p.invoke(ctx, sess, conversation.PassTestAssessment, output, "", &out, nil); err != nil {
		p.log.Warn("test assessment degraded", "error", err)
		return TestAssessment{Notes: "assessment unavailable"}
	}
	return out
}

// AssessIncompleteSteps decides which completed steps replanning invalidates.
// The conservative fallback marks every completed step needs_review: over-
// flagging costs a re-check, under-flagging ships stale work.
func (p *PostProcessor) AssessIncompleteSteps(ctx context.Context, sess sessionRef, pl *plan.Plan, feedback string) IncompleteStepsResult {
	var b []byte
	type completedStep struct {
		StepID string `json:"step_id"`
		Title  string `json:"title"`
	}
	var completed []completedStep
	for i := range pl.Steps {
		if pl.Steps[i].Status == plan.StepStatusCompleted {
			completed = append(completed, completedStep{StepID: pl.Steps[i].ID, Title: pl.Steps[i].Title})
		}
	}
	b, _ = json.Marshal(map[string]any{"completed_steps": completed, "feedback": feedback})

	var out IncompleteStepsResult
	if err := p.invoke(ctx, sess, conversation.PassIncompleteSteps, "", string(b), &out, nil); err != nil {
		p.log.Warn("incomplete-steps assessment degraded, flagging all completed steps", "error", err)
		var affected []AffectedStep
		for _, c := range completed {
			affected = append(affected, AffectedStep{StepID: c.StepID, Status: string(plan.StepStatusNeedsReview), Reason: "assessment unavailable"})
		}
		return IncompleteStepsResult{AffectedSteps: affected, Summary: "assessment unavailable; all completed steps flagged"}
	}

	// Normalize statuses the pass may invent.
	for i := range out.AffectedSteps {
		switch plan.StepStatus(out.AffectedSteps[i].Status) {
		case plan.StepStatusNeedsReview, plan.StepStatusPending:
		default:
			out.AffectedSteps[i].Status = string(plan.StepStatusNeedsReview)
		}
	}
	return out
}

// ExtractPRInfo parses the PR-creation outcome. Fallback reports not created
// so the retry path engages.
func (p *PostProcessor) ExtractPRInfo(ctx context.Context, sess sessionRef, output string) PRInfo {
	var out PRInfo
	if err := p.invoke(ctx, sess, conversation.PassPRInfoExtraction, output, "", &out, nil); err != nil {
		p.log.Warn("pr info extraction degraded", "error", err)
		return PRInfo{Created: false, Error: "extraction unavailable"}
	}
	if out.Created && out.PRURL == "" {
		out.Created = false
		out.Error = "pr reported created but no url extracted"
	}
	return out
}

// ExtractImplementationStatus parses the step outcome. Fallback is partial:
// the step stays open rather than being wrongly marked done.
func (p *PostProcessor) ExtractImplementationStatus(ctx context.Context, sess sessionRef, output string) ImplementationStatus {
	var out ImplementationStatus
	if err := p.invoke(ctx, sess, conversation.PassImplementationStatus, output, "", &out, nil); err != nil {
		p.log.Warn("implementation status extraction degraded", "error", err)
		return ImplementationStatus{Outcome: "partial", Detail: "extraction unavailable"}
	}
	switch out.Outcome {
	case "completed", "partial", "blocked":
	default:
		out.Outcome = "partial"
	}
	return out
}

// ExtractTestResults parses concrete test counts. Fallback is not-ran.
func (p *PostProcessor) ExtractTestResults(ctx context.Context, sess sessionRef, output string) TestResults {
	var out TestResults
	if err := p.invoke(ctx, sess, conversation.PassTestResults, output, "", &out, nil); err != nil {
		p.log.Warn("test results extraction degraded", "error", err)
		return TestResults{}
	}
	return out
}

// ExtractReviewFindings parses the review verdict. Fallback demands a
// re-review rather than guessing a verdict.
func (p *PostProcessor) ExtractReviewFindings(ctx context.Context, sess sessionRef, output string) ReviewFindings {
	var out ReviewFindings
	if err := p.invoke(ctx, sess, conversation.PassReviewFindings, output, "", &out, nil); err != nil {
		p.log.Warn("review findings extraction degraded", "error", err)
		return ReviewFindings{Verdict: "minor_fixed"}
	}
	switch out.Verdict {
	case "clean", "minor_fixed", "plan_changes":
	default:
		out.Verdict = "minor_fixed"
	}
	if out.Verdict == "plan_changes" {
		out.RequiresPlanChanges = true
	}
	return out
}

// GenerateCommitMessage produces a commit subject/body for PR creation.
// Fallback derives a subject from the feature title.
func (p *PostProcessor) GenerateCommitMessage(ctx context.Context, sess sessionRef, title, output string) CommitMessage {
	var out CommitMessage
	if err := p.invoke(ctx, sess, conversation.PassCommitMessage, output, "", &out, nil); err != nil || out.Subject == "" {
		if err != nil {
			p.log.Warn("commit message generation degraded", "error", err)
		}
		return CommitMessage{Subject: title}
	}
	return out
}

// GenerateSummary produces the PR description material. Fallback is the
// feature description.
func (p *PostProcessor) GenerateSummary(ctx context.Context, sess sessionRef, description, output string) Summary {
	var out Summary
	if err := p.invoke(ctx, sess, conversation.PassSummary, output, "", &out, nil); err != nil || out.Summary == "" {
		if err != nil {
			p.log.Warn("summary generation degraded", "error", err)
		}
		return Summary{Summary: description}
	}
	return out
}
