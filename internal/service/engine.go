package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clrke/ralph-web/internal/adapter/agentcli"
	otelmetrics "github.com/clrke/ralph-web/internal/adapter/otel"
	"github.com/clrke/ralph-web/internal/bus"
	"github.com/clrke/ralph-web/internal/domain"
	"github.com/clrke/ralph-web/internal/domain/conversation"
	"github.com/clrke/ralph-web/internal/domain/plan"
	"github.com/clrke/ralph-web/internal/domain/question"
	"github.com/clrke/ralph-web/internal/domain/session"
	"github.com/clrke/ralph-web/internal/domain/stage"
)

// EngineConfig carries the per-session execution knobs.
type EngineConfig struct {
	DiscoveryTimeout  time.Duration
	PlanningTimeout   time.Duration
	StepTimeout       time.Duration
	PRCreationTimeout time.Duration
	PRReviewTimeout   time.Duration

	ReplanLimit     int
	PRCreationLimit int

	AllowedTools []string

	RetryMinIdle  time.Duration
	RetryCooldown time.Duration

	// Metrics is optional instrumentation; nil disables it.
	Metrics *otelmetrics.Metrics
}

// Engine drives one session through the pipeline. A single goroutine owns all
// state mutation; user interactions arrive as commands and are only accepted
// while the engine is parked on an await action. Backout is the one exception:
// it cancels the in-flight agent run directly.
type Engine struct {
	projectID string
	featureID string

	store  Store
	runner AgentRunner
	post   *PostProcessor
	events *bus.Bus
	cfg    EngineConfig
	log    *slog.Logger
	now    func() time.Time

	commands chan command
	wake     chan struct{}
	done     chan struct{}
	onExit   func()

	mu           sync.Mutex
	runCancel    context.CancelFunc
	pending      *stage.Input // backout waiting to be applied
	feedback     string       // request-changes feedback for the next planning round
	replan       bool         // user rejected the current plan; force a planning round
	lastActivity time.Time
	lastRetry    time.Time
}

type command struct {
	input stage.Input
	apply func(ctx context.Context, s *session.Session) error // side effects before the decision lands
	reply chan error
}

// NewEngine builds an engine for one session. Call Start to begin execution;
// onExit runs exactly once when the engine goroutine stops.
func NewEngine(projectID, featureID string, store Store, runner AgentRunner, post *PostProcessor, events *bus.Bus, cfg EngineConfig, log *slog.Logger, onExit func()) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if onExit == nil {
		onExit = func() {}
	}
	return &Engine{
		projectID: projectID,
		featureID: featureID,
		store:     store,
		runner:    runner,
		post:      post,
		events:    events,
		cfg:       cfg,
		log:       log.With("project_id", projectID, "feature_id", featureID),
		now:       time.Now,
		commands:  make(chan command),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		onExit:    onExit,
	}
}

// Done is closed when the engine goroutine has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Start launches the driver goroutine.
func (e *Engine) Start(ctx context.Context) {
	go e.loop(ctx)
}

func (e *Engine) loop(ctx context.Context) {
	defer e.onExit()
	defer close(e.done)

	for {
		if e.applyPending() {
			return
		}
		if ctx.Err() != nil {
			e.park("shutdown")
			return
		}

		snap, sess, pl, err := e.snapshot()
		if err != nil {
			e.log.Error("snapshot failed", "error", err)
			e.park("snapshot failure")
			return
		}

		dec, err := stage.Next(snap, stage.Input{Kind: stage.InputAssess})
		if err != nil {
			e.log.Error("assess rejected", "error", err)
			return
		}
		if err := e.applyDecision(sess, dec); err != nil {
			e.log.Error("persist decision failed", "error", err)
			e.park("persist failure")
			return
		}

		switch dec.Action {
		case stage.ActionRunDiscovery:
			err = e.runDiscovery(ctx, sess)
		case stage.ActionRunPlanning:
			err = e.runPlanning(ctx, sess, pl)
		case stage.ActionRunStep:
			err = e.runStep(ctx, sess, pl, dec.StepID)
		case stage.ActionRunPRCreation:
			err = e.runPRCreation(ctx, sess)
		case stage.ActionRunPRReview:
			err = e.runPRReview(ctx, sess)
		case stage.ActionAwaitAnswers, stage.ActionAwaitPlanApproval,
			stage.ActionAwaitUser, stage.ActionAwaitFinalApproval:
			e.publishStatus(sess, "idle", "")
			if !e.await(ctx) {
				return
			}
			continue
		case stage.ActionComplete:
			e.finish(sess, session.StatusCompleted, "")
			return
		case stage.ActionPause:
			e.finish(sess, session.StatusPaused, dec.Reason)
			return
		case stage.ActionFail:
			e.finish(sess, session.StatusFailed, dec.Reason)
			return
		case stage.ActionNone:
			// Intermediate transition already persisted; re-assess.
			continue
		default:
			e.log.Warn("no-op decision", "action", dec.Action)
			e.park("stalled")
			return
		}

		e.touch()

		if err != nil {
			if e.applyPending() {
				return
			}
			if ctx.Err() != nil {
				e.park("shutdown")
				return
			}
			e.recordFailure(sess, err)
			e.publishStatus(sess, "error", err.Error())
			if !e.await(ctx) {
				return
			}
		}
	}
}

// await parks the engine until a user command arrives. Returns false when the
// engine must exit (shutdown or backout applied).
func (e *Engine) await(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			e.park("shutdown")
			return false
		case <-e.wake:
			return !e.applyPending()
		case cmd := <-e.commands:
			ok, exit := e.handle(ctx, cmd)
			if exit {
				return false
			}
			if ok {
				return true
			}
		}
	}
}

// handle validates and executes one user command while parked. Returns
// (reassess, exit).
func (e *Engine) handle(ctx context.Context, cmd command) (bool, bool) {
	snap, sess, _, err := e.snapshot()
	if err != nil {
		cmd.reply <- err
		return false, false
	}

	dec, err := stage.Next(snap, cmd.input)
	if err != nil {
		cmd.reply <- err
		return false, false
	}

	if cmd.apply != nil {
		if err := cmd.apply(ctx, sess); err != nil {
			cmd.reply <- err
			return false, false
		}
	}

	if err := e.applyDecision(sess, dec); err != nil {
		cmd.reply <- err
		return false, false
	}
	e.touch()
	cmd.reply <- nil

	switch dec.Action {
	case stage.ActionPause:
		e.finish(sess, session.StatusPaused, dec.Reason)
		return false, true
	case stage.ActionFail:
		e.finish(sess, session.StatusFailed, dec.Reason)
		return false, true
	case stage.ActionComplete:
		e.finish(sess, session.StatusCompleted, "")
		return false, true
	}
	return true, false
}

// send delivers a command to the parked loop. A running engine rejects user
// input rather than queueing it behind an agent invocation.
func (e *Engine) send(ctx context.Context, in stage.Input, apply func(ctx context.Context, s *session.Session) error) error {
	cmd := command{input: in, apply: apply, reply: make(chan error, 1)}
	select {
	case e.commands <- cmd:
	case <-e.done:
		return fmt.Errorf("%w: session is not running", domain.ErrConflict)
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: session is busy executing", domain.ErrConflict)
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitAnswers records answers to pending questions. Each answer passes
// through decision validation: filtered answers leave the question pending,
// repurposed answers rewrite the question text before recording.
func (e *Engine) SubmitAnswers(ctx context.Context, answers map[string]string) error {
	if len(answers) == 0 {
		return fmt.Errorf("%w: no answers submitted", domain.ErrValidation)
	}
	return e.send(ctx, stage.Input{Kind: stage.InputAnswersSubmitted}, func(ctx context.Context, s *session.Session) error {
		return e.applyAnswers(ctx, s, answers)
	})
}

func (e *Engine) applyAnswers(ctx context.Context, s *session.Session, answers map[string]string) error {
	qs, err := e.store.ListQuestions(e.projectID, e.featureID)
	if err != nil {
		return err
	}
	byID := make(map[string]int, len(qs))
	for i := range qs {
		byID[qs[i].ID] = i
	}

	ref := e.ref(s)
	at := e.now()
	for id, answer := range answers {
		i, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: unknown question %s", domain.ErrNotFound, id)
		}
		q := &qs[i]
		if q.Answered() {
			return fmt.Errorf("%w: question %s already answered", domain.ErrConflict, id)
		}

		verdict := e.post.ValidateAnswer(ctx, ref, *q, answer, i)
		switch verdict.Action {
		case conversation.ActionFilter:
			// Unusable answer; the question stays pending and is re-asked.
			e.log.Info("answer filtered", "question_id", id, "reason", verdict.Reason)
			continue
		case conversation.ActionRepurpose:
			if verdict.ReframedQuestion != "" {
				q.QuestionText = verdict.ReframedQuestion
			}
		}
		a := answer
		q.Answer = &a
		q.AnsweredAt = &at
	}

	if err := e.store.PutQuestions(e.projectID, e.featureID, qs); err != nil {
		return err
	}
	e.publish(bus.KindQuestionsBatch, map[string]any{"questions": qs})
	return nil
}

// ApprovePlan marks the current plan approved and moves to implementation.
func (e *Engine) ApprovePlan(ctx context.Context) error {
	return e.send(ctx, stage.Input{Kind: stage.InputPlanApproved}, func(ctx context.Context, s *session.Session) error {
		pl, err := e.store.GetPlan(e.projectID, e.featureID)
		if err != nil {
			return err
		}
		pl.IsApproved = true
		if err := e.store.PutPlan(pl); err != nil {
			return err
		}
		e.publish(bus.KindPlanUpdated, pl)
		return nil
	})
}

// RequestChanges rejects the current plan with feedback and triggers another
// planning round, subject to the replanning cap.
func (e *Engine) RequestChanges(ctx context.Context, feedback string) error {
	return e.send(ctx, stage.Input{Kind: stage.InputChangesRequested}, func(ctx context.Context, s *session.Session) error {
		e.mu.Lock()
		e.feedback = feedback
		e.replan = true
		e.mu.Unlock()
		return nil
	})
}

// ReReview triggers another PR review round.
func (e *Engine) ReReview(ctx context.Context) error {
	return e.send(ctx, stage.Input{Kind: stage.InputReReview}, nil)
}

// FinalDecision resolves Stage 6: merge completes the session,
// request_changes loops back to plan review, re_review runs Stage 5 again.
func (e *Engine) FinalDecision(ctx context.Context, action, feedback string) error {
	switch action {
	case "merge":
		return e.send(ctx, stage.Input{Kind: stage.InputFinalMerge}, nil)
	case "request_changes":
		return e.send(ctx, stage.Input{Kind: stage.InputFinalPlanChanges}, func(ctx context.Context, s *session.Session) error {
			return e.invalidateSteps(ctx, s, feedback)
		})
	case "re_review":
		return e.send(ctx, stage.Input{Kind: stage.InputFinalReReview}, nil)
	}
	return fmt.Errorf("%w: unknown final action %q", domain.ErrValidation, action)
}

// Retry re-runs a blocked or errored session. Gated: the session must have
// been idle for the configured minimum and retries are rate limited.
func (e *Engine) Retry(ctx context.Context) error {
	now := e.now()
	e.mu.Lock()
	if e.cfg.RetryMinIdle > 0 && now.Sub(e.lastActivity) < e.cfg.RetryMinIdle {
		e.mu.Unlock()
		return fmt.Errorf("%w: session active %s ago, retry requires %s idle",
			domain.ErrConflict, now.Sub(e.lastActivity).Round(time.Second), e.cfg.RetryMinIdle)
	}
	if e.cfg.RetryCooldown > 0 && now.Sub(e.lastRetry) < e.cfg.RetryCooldown {
		e.mu.Unlock()
		return fmt.Errorf("%w: retry cooldown in effect", domain.ErrConflict)
	}
	e.lastRetry = now
	e.mu.Unlock()

	return e.send(ctx, stage.Input{Kind: stage.InputAssess}, func(ctx context.Context, s *session.Session) error {
		s.LastError = ""
		// Unblock the stuck step so the assessor finds it runnable again.
		pl, err := e.store.GetPlan(e.projectID, e.featureID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		changed := false
		for i := range pl.Steps {
			if pl.Steps[i].Status == plan.StepStatusBlocked || pl.Steps[i].Status == plan.StepStatusInProgress {
				pl.Steps[i].Status = plan.StepStatusInProgress
				changed = true
				break
			}
		}
		if changed {
			return e.store.PutPlan(pl)
		}
		return nil
	})
}

// Backout interrupts the session: pause keeps it resumable, abandon is
// terminal. A running agent subprocess is cancelled immediately.
func (e *Engine) Backout(action, reason string) error {
	var kind stage.InputKind
	switch action {
	case "pause":
		kind = stage.InputBackoutPause
	case "abandon":
		kind = stage.InputBackoutAbandon
	default:
		return fmt.Errorf("%w: unknown backout action %q", domain.ErrValidation, action)
	}

	e.mu.Lock()
	e.pending = &stage.Input{Kind: kind, Reason: reason}
	cancel := e.runCancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// applyPending consumes a queued backout. Returns true when the engine must
// exit.
func (e *Engine) applyPending() bool {
	e.mu.Lock()
	in := e.pending
	e.pending = nil
	e.mu.Unlock()
	if in == nil {
		return false
	}

	sess, err := e.store.GetSession(e.projectID, e.featureID)
	if err != nil {
		e.log.Error("backout load failed", "error", err)
		return true
	}
	status := session.StatusPaused
	if in.Kind == stage.InputBackoutAbandon {
		status = session.StatusFailed
	}
	e.finish(sess, status, in.Reason)
	e.publish(bus.KindSessionBackedOut, bus.BackoutPayload{
		Action: map[stage.InputKind]string{stage.InputBackoutPause: "pause", stage.InputBackoutAbandon: "abandon"}[in.Kind],
		Reason: in.Reason,
	})
	return true
}

// park leaves the session paused without treating it as user backout, used on
// shutdown and internal failures. The session resumes on the next boot.
func (e *Engine) park(reason string) {
	sess, err := e.store.GetSession(e.projectID, e.featureID)
	if err != nil {
		e.log.Error("park load failed", "error", err)
		return
	}
	if sess.Status.Terminal() {
		return
	}
	e.finish(sess, session.StatusPaused, reason)
}

// finish persists a terminal-or-parked status and announces it.
func (e *Engine) finish(sess *session.Session, status session.Status, reason string) {
	sess.Status = status
	if status == session.StatusCompleted {
		sess.Stage = session.StageCompleted
	}
	if reason != "" && status == session.StatusFailed {
		sess.LastError = reason
	}
	sess.ClearQueued()
	if err := e.store.PutSession(sess); err != nil {
		e.log.Error("persist final status failed", "status", status, "error", err)
	}
	e.publishStatus(sess, string(status), reason)
	e.log.Info("session stopped", "status", status, "stage", sess.Stage.String(), "reason", reason)
}

// snapshot assembles the machine's view from the store.
func (e *Engine) snapshot() (stage.Snapshot, *session.Session, *plan.Plan, error) {
	sess, err := e.store.GetSession(e.projectID, e.featureID)
	if err != nil {
		return stage.Snapshot{}, nil, nil, err
	}

	pl, err := e.store.GetPlan(e.projectID, e.featureID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return stage.Snapshot{}, nil, nil, err
	}

	qs, err := e.store.ListQuestions(e.projectID, e.featureID)
	if err != nil {
		return stage.Snapshot{}, nil, nil, err
	}

	snap := stage.Snapshot{
		Stage:               sess.Stage,
		Status:              sess.Status,
		ReplanningCount:     sess.ReplanningCount,
		ReplanLimit:         e.cfg.ReplanLimit,
		PRCreationAttempts:  sess.PRCreationAttempts,
		PRCreationLimit:     e.cfg.PRCreationLimit,
		UnansweredQuestions: len(question.Unanswered(qs)),
		PRURL:               sess.PRURL,
	}

	snap.DiscoveryRan, err = e.discoveryRan()
	if err != nil {
		return stage.Snapshot{}, nil, nil, err
	}

	e.mu.Lock()
	replanForced := e.replan
	e.mu.Unlock()

	if pl != nil {
		snap.PlanExtracted = len(pl.Steps) > 0 && !replanForced
		snap.PlanApproved = pl.IsApproved
		snap.HasSteps = len(pl.Steps) > 0
		snap.AllStepsDone = pl.AllStepsDone()
		if next := pl.NextStep(); next != nil {
			snap.NextStepID = next.ID
		}
	}
	return snap, sess, pl, nil
}

// discoveryRan reports whether a completed primary Stage 1 invocation exists
// in the conversation log.
func (e *Engine) discoveryRan() (bool, error) {
	entries, err := e.store.ReadConversations(e.projectID, e.featureID)
	if err != nil {
		return false, err
	}
	for i := range entries {
		en := &entries[i]
		if en.Stage == int(session.StageDiscovery) && en.PostProcessingType == "" && en.Status == conversation.StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// applyDecision persists the stage/status the machine decided and publishes a
// stage.changed event on transitions.
func (e *Engine) applyDecision(sess *session.Session, dec stage.Decision) error {
	fromStage, fromStatus := sess.Stage, sess.Status
	sess.Stage = dec.Stage
	sess.Status = dec.Status
	if dec.IncrementReplanning {
		sess.ReplanningCount++
	}
	if dec.IncrementPRAttempts {
		sess.PRCreationAttempts++
	}
	if fromStage == dec.Stage && fromStatus == dec.Status && !dec.IncrementReplanning && !dec.IncrementPRAttempts {
		return nil
	}
	if err := e.store.PutSession(sess); err != nil {
		return err
	}
	if fromStage != dec.Stage || fromStatus != dec.Status {
		e.publish(bus.KindStageChanged, bus.StageChangedPayload{
			FromStage: int(fromStage),
			ToStage:   int(dec.Stage),
			Status:    string(dec.Status),
		})
	}
	return nil
}

// run wraps one agent invocation with cancellation plumbing so Backout can
// kill the subprocess, and records the primary conversation entry.
func (e *Engine) run(ctx context.Context, sess *session.Session, prompt, resumeID, stepID string, timeout time.Duration) (*agentcli.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.runCancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.runCancel = nil
		e.mu.Unlock()
	}()

	e.publishStatus(sess, "running", "")

	// The started entry lands before the invocation so a crash mid-run still
	// leaves an audit trace; the outcome entry below shares its id.
	entry := conversation.Entry{
		ID:        conversation.NewID(),
		Stage:     int(sess.Stage),
		StepID:    stepID,
		Timestamp: e.now(),
		Prompt:    prompt,
		Status:    conversation.StatusStarted,
	}
	if recErr := e.store.AppendConversation(e.projectID, e.featureID, entry); recErr != nil {
		e.log.Error("record started entry failed", "error", recErr)
	}

	started := e.now()
	res, err := e.runner.Run(runCtx, agentcli.Request{
		Dir:             sess.ProjectPath,
		Prompt:          prompt,
		AllowedTools:    e.cfg.AllowedTools,
		ResumeSessionID: resumeID,
		Timeout:         timeout,
		OnChunk: func(line string) {
			e.publish(bus.KindClaudeOutput, bus.OutputPayload{Stage: int(sess.Stage), Chunk: line})
		},
	})

	entry.Timestamp = e.now()
	entry.Status = conversation.StatusCompleted
	if err != nil {
		entry.Status = conversation.StatusInterrupted
		entry.IsError = true
		entry.Error = err.Error()
		var agentErr *agentcli.AgentError
		if errors.As(err, &agentErr) {
			entry.Output = agentErr.Output
		}
	} else {
		entry.Output = res.Output
		entry.CostUSD = res.CostUSD
	}
	if recErr := e.store.AppendConversation(e.projectID, e.featureID, entry); recErr != nil {
		e.log.Error("record conversation failed", "error", recErr)
	}
	e.cfg.Metrics.AgentRun(ctx, sess.Stage.String(), err == nil, e.now().Sub(started), entry.CostUSD)

	if err != nil {
		return nil, err
	}
	if res.AgentSessionID != "" {
		if sess.Stage == session.StageImplementation {
			sess.AgentStage3SessionID = res.AgentSessionID
		} else {
			sess.AgentSessionID = res.AgentSessionID
		}
		if perr := e.store.PutSession(sess); perr != nil {
			e.log.Error("persist agent session id failed", "error", perr)
		}
	}
	return res, nil
}

func (e *Engine) runDiscovery(ctx context.Context, sess *session.Session) error {
	prompt, err := discoveryPrompt(sess)
	if err != nil {
		return err
	}
	res, err := e.run(ctx, sess, prompt, "", "", e.cfg.DiscoveryTimeout)
	if err != nil {
		return err
	}

	ref := e.ref(sess)
	extracted := e.post.ExtractQuestions(ctx, ref, res.Output)
	if len(extracted) > 0 {
		at := e.now()
		qs := make([]question.Question, 0, len(extracted))
		for _, ex := range extracted {
			qs = append(qs, question.Question{
				ID:           question.NewID(),
				ProjectID:    e.projectID,
				FeatureID:    e.featureID,
				Stage:        int(session.StageDiscovery),
				QuestionText: ex.QuestionText,
				Options:      ex.Options,
				AskedAt:      at,
			})
		}
		if err := e.store.PutQuestions(e.projectID, e.featureID, qs); err != nil {
			return err
		}
		e.publish(bus.KindQuestionsBatch, map[string]any{"questions": qs})
	}

	// Discovery usually sketches a first plan; capture it so plan review can
	// start from something.
	if steps := e.post.ExtractPlanSteps(ctx, ref, res.Output); len(steps) > 0 {
		if err := e.storeExtractedPlan(steps); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runPlanning(ctx context.Context, sess *session.Session, pl *plan.Plan) error {
	qs, err := e.store.ListQuestions(e.projectID, e.featureID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	feedback := e.feedback
	e.feedback = ""
	e.mu.Unlock()

	// Completed work survives replanning: the prompt pins those steps and
	// extraction carries their status over by title.
	var completedTitles []string
	if pl != nil {
		for i := range pl.Steps {
			if pl.Steps[i].Status.Done() {
				completedTitles = append(completedTitles, pl.Steps[i].Title)
			}
		}
	}

	prompt, err := planningPrompt(sess, qs, feedback, completedTitles)
	if err != nil {
		return err
	}
	res, err := e.run(ctx, sess, prompt, sess.AgentSessionID, "", e.cfg.PlanningTimeout)
	if err != nil {
		return err
	}

	steps := e.post.ExtractPlanSteps(ctx, e.ref(sess), res.Output)
	if len(steps) == 0 {
		return fmt.Errorf("planning produced no extractable steps")
	}
	if err := e.storeExtractedPlan(steps); err != nil {
		return err
	}
	e.mu.Lock()
	e.replan = false
	e.mu.Unlock()
	return nil
}

// storeExtractedPlan replaces the plan's steps with a freshly extracted set.
// The version bumps when a plan already existed.
func (e *Engine) storeExtractedPlan(extracted []ExtractedStep) error {
	pl, err := e.store.GetPlan(e.projectID, e.featureID)
	if errors.Is(err, domain.ErrNotFound) {
		pl = &plan.Plan{ProjectID: e.projectID, FeatureID: e.featureID, CreatedAt: e.now()}
	} else if err != nil {
		return err
	} else {
		pl.Version++
	}
	if pl.Version == 0 {
		pl.Version = 1
	}
	pl.IsApproved = false

	// Carry completed status over to regenerated steps with the same title so
	// finished work is not redone after a replanning round.
	doneByTitle := make(map[string]plan.StepStatus)
	for i := range pl.Steps {
		if pl.Steps[i].Status.Done() {
			doneByTitle[pl.Steps[i].Title] = pl.Steps[i].Status
		}
	}

	ids := make([]string, len(extracted))
	steps := make([]plan.Step, 0, len(extracted))
	for i, ex := range extracted {
		ids[i] = plan.NewStepID()
		step := plan.Step{
			ID:          ids[i],
			OrderIndex:  i,
			Title:       ex.Title,
			Description: ex.Description,
			Complexity:  plan.Complexity(ex.Complexity),
			Status:      plan.StepStatusPending,
		}
		if st, ok := doneByTitle[ex.Title]; ok {
			step.Status = st
		}
		if ex.ParentIndex != nil && *ex.ParentIndex >= 0 && *ex.ParentIndex < i {
			step.ParentID = ids[*ex.ParentIndex]
		}
		steps = append(steps, step)
	}
	pl.Steps = steps

	if err := pl.Validate(); err != nil {
		return fmt.Errorf("extracted plan invalid: %w", err)
	}
	if err := e.store.PutPlan(pl); err != nil {
		return err
	}
	e.publish(bus.KindPlanUpdated, pl)
	return nil
}

func (e *Engine) runStep(ctx context.Context, sess *session.Session, pl *plan.Plan, stepID string) error {
	step := pl.Step(stepID)
	if step == nil {
		return fmt.Errorf("%w: step %s", domain.ErrNotFound, stepID)
	}

	if err := e.setStepStatus(pl, step, plan.StepStatusInProgress); err != nil {
		return err
	}
	e.publish(bus.KindStepStarted, bus.StepPayload{StepID: step.ID, Title: step.Title, Status: string(step.Status)})

	var completedTitles []string
	for i := range pl.Steps {
		if pl.Steps[i].Status == plan.StepStatusCompleted {
			completedTitles = append(completedTitles, pl.Steps[i].Title)
		}
	}

	prompt, err := stepPrompt(step, completedTitles)
	if err != nil {
		return err
	}
	res, runErr := e.run(ctx, sess, prompt, sess.AgentStage3SessionID, step.ID, e.cfg.StepTimeout)
	if runErr != nil {
		// The step stays visible as stuck; Retry reruns it.
		if serr := e.setStepStatus(pl, step, plan.StepStatusBlocked); serr != nil {
			e.log.Error("mark step blocked failed", "step_id", step.ID, "error", serr)
		}
		return runErr
	}

	ref := e.ref(sess)
	status := e.post.ExtractImplementationStatus(ctx, ref, res.Output)
	assessment := e.post.AssessTests(ctx, ref, res.Output)
	results := e.post.ExtractTestResults(ctx, ref, res.Output)
	e.log.Info("step finished",
		"step_id", step.ID,
		"outcome", status.Outcome,
		"tests_run", assessment.TestsRun,
		"tests_passed", results.Passed,
		"tests_failed", results.Failed)

	switch status.Outcome {
	case "completed":
		if err := e.setStepStatus(pl, step, plan.StepStatusCompleted); err != nil {
			return err
		}
		e.publish(bus.KindStepCompleted, bus.StepPayload{StepID: step.ID, Title: step.Title, Status: string(step.Status)})
		done := 0
		for i := range pl.Steps {
			if pl.Steps[i].Status.Done() {
				done++
			}
		}
		e.publish(bus.KindImplementationProgress, bus.ProgressPayload{Completed: done, Total: len(pl.Steps)})
		return nil
	case "blocked":
		if err := e.setStepStatus(pl, step, plan.StepStatusBlocked); err != nil {
			return err
		}
		return fmt.Errorf("step blocked: %s", status.Detail)
	default:
		// Partial work stays in progress; the run ends so the user can retry
		// with the resumable agent session.
		return fmt.Errorf("step incomplete: %s", status.Detail)
	}
}

func (e *Engine) setStepStatus(pl *plan.Plan, step *plan.Step, to plan.StepStatus) error {
	if err := pl.ApplyStatus(step.ID, to); err != nil {
		return err
	}
	return e.store.PutPlan(pl)
}

func (e *Engine) runPRCreation(ctx context.Context, sess *session.Session) error {
	transcript, err := e.stageTranscript(int(session.StageImplementation))
	if err != nil {
		return err
	}
	ref := e.ref(sess)
	commit := e.post.GenerateCommitMessage(ctx, ref, sess.Title, transcript)
	summary := e.post.GenerateSummary(ctx, ref, sess.Description, transcript)

	body := summary.Summary
	if commit.Subject != "" {
		body = commit.Subject + "\n\n" + body
	}

	prompt, err := prCreationPrompt(sess, body)
	if err != nil {
		return err
	}
	res, err := e.run(ctx, sess, prompt, "", "", e.cfg.PRCreationTimeout)

	var info PRInfo
	if err != nil {
		info = PRInfo{Created: false, Error: err.Error()}
	} else {
		info = e.post.ExtractPRInfo(ctx, ref, res.Output)
	}

	if info.Created {
		sess.PRURL = info.PRURL
		if info.Branch != "" {
			sess.FeatureBranch = info.Branch
		}
		return e.store.PutSession(sess)
	}

	// Let the machine count the attempt and decide between retry and failure.
	snap, sess2, _, serr := e.snapshot()
	if serr != nil {
		return serr
	}
	dec, derr := stage.Next(snap, stage.Input{Kind: stage.InputPRFailed, Reason: info.Error})
	if derr != nil {
		return derr
	}
	sess2.LastError = info.Error
	if aerr := e.applyDecision(sess2, dec); aerr != nil {
		return aerr
	}
	e.log.Warn("pr creation attempt failed", "attempt", sess2.PRCreationAttempts, "error", info.Error)
	return nil
}

func (e *Engine) runPRReview(ctx context.Context, sess *session.Session) error {
	prompt, err := prReviewPrompt(sess)
	if err != nil {
		return err
	}
	res, err := e.run(ctx, sess, prompt, "", "", e.cfg.PRReviewTimeout)
	if err != nil {
		return err
	}

	findings := e.post.ExtractReviewFindings(ctx, e.ref(sess), res.Output)

	var in stage.Input
	if findings.RequiresPlanChanges {
		in = stage.Input{Kind: stage.InputReviewPlanChanges}
		var notes []string
		for _, f := range findings.Findings {
			notes = append(notes, f.Description)
		}
		if err := e.invalidateSteps(ctx, sess, strings.Join(notes, "\n")); err != nil {
			return err
		}
	} else {
		in = stage.Input{Kind: stage.InputReviewClean}
	}

	snap, sess2, _, err := e.snapshot()
	if err != nil {
		return err
	}
	dec, err := stage.Next(snap, in)
	if err != nil {
		return err
	}
	return e.applyDecision(sess2, dec)
}

// invalidateSteps runs the incomplete-steps assessor and demotes affected
// completed steps so replanning reuses unaffected work.
func (e *Engine) invalidateSteps(ctx context.Context, sess *session.Session, feedback string) error {
	pl, err := e.store.GetPlan(e.projectID, e.featureID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	result := e.post.AssessIncompleteSteps(ctx, e.ref(sess), pl, feedback)
	for _, a := range result.AffectedSteps {
		if err := pl.ApplyStatus(a.StepID, plan.StepStatus(a.Status)); err != nil {
			e.log.Warn("skip invalid step demotion", "step_id", a.StepID, "to", a.Status, "error", err)
		}
	}
	pl.IsApproved = false
	pl.Version++

	e.mu.Lock()
	e.feedback = feedback
	e.mu.Unlock()

	if err := e.store.PutPlan(pl); err != nil {
		return err
	}
	e.publish(bus.KindPlanUpdated, pl)
	return nil
}

// stageTranscript concatenates primary outputs for one stage, newest last,
// capped so pass prompts stay bounded.
func (e *Engine) stageTranscript(stageNum int) (string, error) {
	const maxTranscript = 200 * 1024

	entries, err := e.store.ReadConversations(e.projectID, e.featureID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := range entries {
		en := &entries[i]
		if en.Stage != stageNum || en.PostProcessingType != "" || en.Status != conversation.StatusCompleted {
			continue
		}
		b.WriteString(en.Output)
		b.WriteByte('\n')
	}
	s := b.String()
	if len(s) > maxTranscript {
		s = s[len(s)-maxTranscript:]
	}
	return s, nil
}

func (e *Engine) recordFailure(sess *session.Session, err error) {
	sess.LastError = err.Error()
	if perr := e.store.PutSession(sess); perr != nil {
		e.log.Error("persist failure detail failed", "error", perr)
	}
	e.log.Warn("stage run failed", "stage", sess.Stage.String(), "error", err)
}

func (e *Engine) ref(sess *session.Session) sessionRef {
	return sessionRef{ProjectID: e.projectID, FeatureID: e.featureID, Stage: int(sess.Stage), Dir: sess.ProjectPath}
}

func (e *Engine) touch() {
	e.mu.Lock()
	e.lastActivity = e.now()
	e.mu.Unlock()
}

// publish fans the event out to both the session topic and the project topic.
func (e *Engine) publish(kind string, payload any) {
	ev := bus.Event{Kind: kind, ProjectID: e.projectID, FeatureID: e.featureID, Payload: payload}
	e.events.Publish(bus.SessionTopic(e.projectID, e.featureID), ev)
	e.events.Publish(bus.ProjectTopic(e.projectID), ev)
}

func (e *Engine) publishStatus(sess *session.Session, status, errMsg string) {
	e.publish(bus.KindExecutionStatus, bus.ExecutionStatusPayload{Status: status, Stage: int(sess.Stage), Error: errMsg})
}
