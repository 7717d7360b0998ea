package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clrke/ralph-web/internal/bus"
	"github.com/clrke/ralph-web/internal/domain"
	"github.com/clrke/ralph-web/internal/domain/conversation"
	"github.com/clrke/ralph-web/internal/domain/session"
	"github.com/clrke/ralph-web/internal/resilience"
)

func testEngineConfig() EngineConfig {
	return EngineConfig{
		DiscoveryTimeout:  time.Minute,
		PlanningTimeout:   time.Minute,
		StepTimeout:       time.Minute,
		PRCreationTimeout: time.Minute,
		PRReviewTimeout:   time.Minute,
		ReplanLimit:       5,
		PRCreationLimit:   3,
	}
}

type engineFixture struct {
	store *memStore
	sub   *bus.Subscription
	eng   *Engine
}

// startEngineFixture seeds one discovery-stage session and starts its engine.
func startEngineFixture(t *testing.T, runner AgentRunner) *engineFixture {
	t.Helper()

	store := newMemStore()
	sess := &session.Session{
		ProjectID:   "proj1",
		FeatureID:   "feat1",
		ProjectPath: t.TempDir(),
		Title:       "search endpoint",
		Description: "add a search endpoint to the API",
		Stage:       session.StageDiscovery,
		Status:      session.StatusDiscovery,
		Preferences: session.DefaultPreferences(),
		CreatedAt:   time.Now(),
	}
	if err := store.PutSession(sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	b := bus.New(bus.DefaultBuffer)
	sub := b.Subscribe(bus.SessionTopic("proj1", "feat1"))
	t.Cleanup(sub.Close)

	breaker := resilience.NewBreaker(5, time.Minute)
	post := NewPostProcessor(runner, store, breaker, nil, "cheap-model", time.Minute, testLogger())
	eng := NewEngine("proj1", "feat1", store, runner, post, b, testEngineConfig(), testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-eng.Done():
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop on shutdown")
		}
	})
	return &engineFixture{store: store, sub: sub, eng: eng}
}

// sendCommand retries a user command briefly: the idle event is published just
// before the engine parks, so an immediate command can race the park and see
// the busy rejection.
func sendCommand(t *testing.T, what string, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := fn()
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrConflict) && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		t.Fatalf("%s: %v", what, err)
	}
}

// waitStatus consumes events until an execution.status with the wanted status
// arrives.
func waitStatus(t *testing.T, sub *bus.Subscription, want string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind != bus.KindExecutionStatus {
				continue
			}
			if p, ok := ev.Payload.(bus.ExecutionStatusPayload); ok && p.Status == want {
				return
			}
		case <-deadline:
			t.Fatalf("engine never reached execution status %q", want)
		}
	}
}

func TestEngineFullPipeline(t *testing.T) {
	fx := startEngineFixture(t, pipelineRunner(t))
	ctx := context.Background()

	// Discovery runs, raises a question, and parks awaiting answers.
	waitStatus(t, fx.sub, "idle")
	qs, err := fx.store.ListQuestions("proj1", "feat1")
	if err != nil || len(qs) != 1 {
		t.Fatalf("expected 1 extracted question, got %d (%v)", len(qs), err)
	}
	sess, _ := fx.store.GetSession("proj1", "feat1")
	if sess.Stage != session.StageDiscovery {
		t.Fatalf("expected stage 1 while awaiting answers, got %d", sess.Stage)
	}

	// Answering moves the session to plan review with the sketched plan.
	sendCommand(t, "submit answers", func() error {
		return fx.eng.SubmitAnswers(ctx, map[string]string{qs[0].ID: "use oauth"})
	})
	waitStatus(t, fx.sub, "idle")
	pl, err := fx.store.GetPlan("proj1", "feat1")
	if err != nil {
		t.Fatalf("plan after discovery: %v", err)
	}
	if len(pl.Steps) != 2 || pl.Version != 1 || pl.IsApproved {
		t.Fatalf("unexpected plan: version %d, %d steps, approved %v", pl.Version, len(pl.Steps), pl.IsApproved)
	}
	sess, _ = fx.store.GetSession("proj1", "feat1")
	if sess.Stage != session.StagePlanReview {
		t.Fatalf("expected stage 2, got %d", sess.Stage)
	}

	// Rejecting the plan triggers another planning round.
	sendCommand(t, "request changes", func() error {
		return fx.eng.RequestChanges(ctx, "split the endpoint work into smaller steps")
	})
	waitStatus(t, fx.sub, "idle")
	sess, _ = fx.store.GetSession("proj1", "feat1")
	if sess.ReplanningCount != 1 {
		t.Fatalf("expected replanning count 1, got %d", sess.ReplanningCount)
	}
	pl, _ = fx.store.GetPlan("proj1", "feat1")
	if pl.Version != 2 {
		t.Fatalf("expected plan version 2 after replan, got %d", pl.Version)
	}

	// Approval drives implementation, PR creation, and PR review through to
	// the final gate.
	sendCommand(t, "approve plan", func() error { return fx.eng.ApprovePlan(ctx) })
	waitStatus(t, fx.sub, "idle")
	sess, _ = fx.store.GetSession("proj1", "feat1")
	if sess.Stage != session.StageFinalApproval {
		t.Fatalf("expected stage 6, got %d (status %s, err %q)", sess.Stage, sess.Status, sess.LastError)
	}
	if sess.PRURL == "" || sess.FeatureBranch == "" {
		t.Fatalf("pr url/branch not recorded: %q / %q", sess.PRURL, sess.FeatureBranch)
	}
	pl, _ = fx.store.GetPlan("proj1", "feat1")
	if !pl.AllStepsDone() {
		t.Fatalf("steps not all done: %+v", pl.Steps)
	}

	// Merge completes the session and stops the engine.
	sendCommand(t, "final merge", func() error { return fx.eng.FinalDecision(ctx, "merge", "") })
	select {
	case <-fx.eng.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not exit after merge")
	}
	sess, _ = fx.store.GetSession("proj1", "feat1")
	if sess.Status != session.StatusCompleted || sess.Stage != session.StageCompleted {
		t.Fatalf("expected completed, got stage %d status %s", sess.Stage, sess.Status)
	}
}

func TestEngineRejectsCommandsWhileExecuting(t *testing.T) {
	fx := startEngineFixture(t, blockingRunner())
	waitStatus(t, fx.sub, "running")

	err := fx.eng.ApprovePlan(context.Background())
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict while executing, got %v", err)
	}
}

func TestEngineBackoutCancelsRunningAgent(t *testing.T) {
	fx := startEngineFixture(t, blockingRunner())
	waitStatus(t, fx.sub, "running")

	if err := fx.eng.Backout("pause", "stepping away"); err != nil {
		t.Fatalf("backout: %v", err)
	}
	select {
	case <-fx.eng.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not exit after backout")
	}
	sess, _ := fx.store.GetSession("proj1", "feat1")
	if sess.Status != session.StatusPaused {
		t.Fatalf("expected paused, got %s", sess.Status)
	}
}

func TestEngineBackoutAbandonIsTerminal(t *testing.T) {
	fx := startEngineFixture(t, blockingRunner())
	waitStatus(t, fx.sub, "running")

	if err := fx.eng.Backout("abandon", "wrong direction"); err != nil {
		t.Fatalf("backout: %v", err)
	}
	select {
	case <-fx.eng.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not exit after abandon")
	}
	sess, _ := fx.store.GetSession("proj1", "feat1")
	if sess.Status != session.StatusFailed || sess.LastError != "wrong direction" {
		t.Fatalf("expected failed with reason, got %s / %q", sess.Status, sess.LastError)
	}
}

func TestEngineRunFailureParksForRetry(t *testing.T) {
	fx := startEngineFixture(t, failingRunner())

	// The discovery failure leaves the session parked with the error recorded
	// rather than failing it outright.
	waitStatus(t, fx.sub, "error")
	sess, _ := fx.store.GetSession("proj1", "feat1")
	if sess.Status.Terminal() {
		t.Fatalf("run failure must not be terminal, got %s", sess.Status)
	}
	if sess.LastError == "" {
		t.Fatal("failure detail not recorded")
	}
}

func TestEngineRecordsStartedEntryBeforeRun(t *testing.T) {
	fx := startEngineFixture(t, failingRunner())
	waitStatus(t, fx.sub, "error")

	entries, err := fx.store.ReadConversations("proj1", "feat1")
	if err != nil {
		t.Fatalf("read conversations: %v", err)
	}

	// The invocation leaves a started entry first, then the outcome entry under
	// the same id once the run resolves.
	var started *conversation.Entry
	for i := range entries {
		if entries[i].Status == conversation.StatusStarted {
			started = &entries[i]
			break
		}
	}
	if started == nil {
		t.Fatalf("no started entry in %d entries", len(entries))
	}
	if started.Prompt == "" {
		t.Fatal("started entry missing prompt")
	}

	var outcome *conversation.Entry
	for i := range entries {
		if entries[i].ID == started.ID && entries[i].Status != conversation.StatusStarted {
			outcome = &entries[i]
		}
	}
	if outcome == nil {
		t.Fatalf("no outcome entry for started id %s", started.ID)
	}
	if outcome.Status != conversation.StatusInterrupted || !outcome.IsError {
		t.Fatalf("failed run outcome: status %s, is_error %v", outcome.Status, outcome.IsError)
	}
}

func TestRetryGating(t *testing.T) {
	store := newMemStore()
	cfg := testEngineConfig()
	cfg.RetryMinIdle = 5 * time.Minute
	cfg.RetryCooldown = 30 * time.Second
	eng := NewEngine("proj1", "feat1", store, failingRunner(), nil, bus.New(bus.DefaultBuffer), cfg, testLogger(), nil)

	// Recent activity blocks the retry.
	eng.mu.Lock()
	eng.lastActivity = time.Now()
	eng.mu.Unlock()
	if err := eng.Retry(context.Background()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict within min idle window, got %v", err)
	}

	// Idle long enough but a retry just happened: the cooldown blocks it.
	eng.mu.Lock()
	eng.lastActivity = time.Now().Add(-10 * time.Minute)
	eng.lastRetry = time.Now()
	eng.mu.Unlock()
	if err := eng.Retry(context.Background()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict within cooldown, got %v", err)
	}
}
