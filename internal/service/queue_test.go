package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clrke/ralph-web/internal/bus"
	"github.com/clrke/ralph-web/internal/domain"
	"github.com/clrke/ralph-web/internal/domain/session"
	"github.com/clrke/ralph-web/internal/resilience"
)

func newTestManager(t *testing.T, runner AgentRunner) (*Manager, *memStore) {
	t.Helper()
	store := newMemStore()
	b := bus.New(bus.DefaultBuffer)
	breaker := resilience.NewBreaker(5, time.Minute)
	post := NewPostProcessor(runner, store, breaker, nil, "cheap-model", time.Minute, testLogger())
	mgr := NewManager(store, runner, post, b, testEngineConfig(), testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return mgr, store
}

func mustCreate(t *testing.T, mgr *Manager, path, title string, pos *int) *session.Session {
	t.Helper()
	sess, err := mgr.Create(context.Background(), CreateRequest{ProjectPath: path, Title: title, QueuePosition: pos})
	if err != nil {
		t.Fatalf("create %q: %v", title, err)
	}
	return sess
}

func TestCreateStartsWhenIdleAndQueuesFollowers(t *testing.T) {
	mgr, _ := newTestManager(t, blockingRunner())
	ctx := context.Background()

	first := mustCreate(t, mgr, "/tmp/projA", "one", nil)
	if first.Status != session.StatusDiscovery {
		t.Fatalf("first session should start immediately, got %s", first.Status)
	}
	if _, err := mgr.ActiveEngine(first.ProjectID, first.FeatureID); err != nil {
		t.Fatalf("first session has no engine: %v", err)
	}

	second := mustCreate(t, mgr, "/tmp/projA", "two", nil)
	third := mustCreate(t, mgr, "/tmp/projA", "three", nil)
	if second.Status != session.StatusQueued || *second.QueuePosition != 1 {
		t.Fatalf("second: %s pos %v", second.Status, second.QueuePosition)
	}
	if third.Status != session.StatusQueued || *third.QueuePosition != 2 {
		t.Fatalf("third: %s pos %v", third.Status, third.QueuePosition)
	}

	// Explicit position 1 jumps the queue and shifts the rest down.
	pos := 1
	fourth := mustCreate(t, mgr, "/tmp/projA", "four", &pos)
	queue, err := mgr.Queue(ctx, first.ProjectID)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("expected 3 queued, got %d", len(queue))
	}
	want := []string{fourth.FeatureID, second.FeatureID, third.FeatureID}
	for i, e := range queue {
		if e.FeatureID != want[i] || e.QueuePosition != i+1 {
			t.Fatalf("queue[%d] = %s pos %d, want %s pos %d", i, e.FeatureID, e.QueuePosition, want[i], i+1)
		}
	}

	// A session in a different project is unaffected by projA's active slot.
	other := mustCreate(t, mgr, "/tmp/projB", "other", nil)
	if other.Status != session.StatusDiscovery {
		t.Fatalf("other project should start immediately, got %s", other.Status)
	}
}

func TestReorderValidatesIDs(t *testing.T) {
	mgr, _ := newTestManager(t, blockingRunner())
	ctx := context.Background()

	active := mustCreate(t, mgr, "/tmp/projA", "active", nil)
	a := mustCreate(t, mgr, "/tmp/projA", "a", nil)
	b := mustCreate(t, mgr, "/tmp/projA", "b", nil)
	pid := active.ProjectID

	if err := mgr.Reorder(ctx, pid, []string{a.FeatureID, "ghost"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown id: expected ErrNotFound, got %v", err)
	}
	if err := mgr.Reorder(ctx, pid, []string{a.FeatureID, a.FeatureID}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("duplicate id: expected ErrValidation, got %v", err)
	}

	if err := mgr.Reorder(ctx, pid, []string{b.FeatureID, a.FeatureID}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	queue, err := mgr.Queue(ctx, pid)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 2 || queue[0].FeatureID != b.FeatureID || queue[1].FeatureID != a.FeatureID {
		t.Fatalf("reorder not applied: %+v", queue)
	}
}

func TestReorderDropsUnlistedSessions(t *testing.T) {
	mgr, store := newTestManager(t, blockingRunner())
	ctx := context.Background()

	active := mustCreate(t, mgr, "/tmp/projA", "active", nil)
	a := mustCreate(t, mgr, "/tmp/projA", "a", nil)
	b := mustCreate(t, mgr, "/tmp/projA", "b", nil)
	c := mustCreate(t, mgr, "/tmp/projA", "c", nil)
	pid := active.ProjectID

	sub := mgr.events.Subscribe(bus.ProjectTopic(pid))
	defer sub.Close()

	// Listing only c and a abandons b and renumbers the survivors.
	if err := mgr.Reorder(ctx, pid, []string{c.FeatureID, a.FeatureID}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	dropped, _ := store.GetSession(pid, b.FeatureID)
	if dropped.Status != session.StatusFailed || dropped.QueuePosition != nil {
		t.Fatalf("dropped session: %s pos %v", dropped.Status, dropped.QueuePosition)
	}
	if dropped.LastError == "" {
		t.Fatal("drop reason not recorded")
	}

	queue, err := mgr.Queue(ctx, pid)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 2 || queue[0].FeatureID != c.FeatureID || queue[1].FeatureID != a.FeatureID {
		t.Fatalf("queue after drop: %+v", queue)
	}
	if queue[0].QueuePosition != 1 || queue[1].QueuePosition != 2 {
		t.Fatalf("positions not compacted: %d, %d", queue[0].QueuePosition, queue[1].QueuePosition)
	}

	// The project room sees the backout for b before the reordered view.
	var kinds []string
	deadline := time.After(5 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-sub.C:
			if ev.Kind == bus.KindSessionBackedOut || ev.Kind == bus.KindQueueReordered {
				kinds = append(kinds, ev.Kind)
			}
		case <-deadline:
			t.Fatalf("missing project events, saw %v", kinds)
		}
	}
	if kinds[0] != bus.KindSessionBackedOut || kinds[1] != bus.KindQueueReordered {
		t.Fatalf("event order: %v", kinds)
	}
}

func TestCreateWithPositionStartsWhenIdle(t *testing.T) {
	mgr, _ := newTestManager(t, blockingRunner())

	pos := 1
	sess := mustCreate(t, mgr, "/tmp/projA", "only", &pos)
	if sess.Status != session.StatusDiscovery || sess.QueuePosition != nil {
		t.Fatalf("sole session must start despite requested position, got %s pos %v", sess.Status, sess.QueuePosition)
	}
	if _, err := mgr.ActiveEngine(sess.ProjectID, sess.FeatureID); err != nil {
		t.Fatalf("session has no engine: %v", err)
	}
}

func TestForceStage(t *testing.T) {
	mgr, store := newTestManager(t, blockingRunner())
	ctx := context.Background()

	active := mustCreate(t, mgr, "/tmp/projA", "active", nil)
	q1 := mustCreate(t, mgr, "/tmp/projA", "q1", nil)
	q2 := mustCreate(t, mgr, "/tmp/projA", "q2", nil)
	pid := active.ProjectID

	if _, err := mgr.ForceStage(ctx, pid, q1.FeatureID, session.Stage(0)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("invalid stage: expected ErrValidation, got %v", err)
	}
	if _, err := mgr.ForceStage(ctx, pid, active.FeatureID, session.StagePRCreation); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("executing session: expected ErrConflict, got %v", err)
	}

	moved, err := mgr.ForceStage(ctx, pid, q2.FeatureID, session.StageImplementation)
	if err != nil {
		t.Fatalf("force stage: %v", err)
	}
	if moved.Stage != session.StageImplementation {
		t.Fatalf("stage not set: %d", moved.Stage)
	}

	done, err := mgr.ForceStage(ctx, pid, q1.FeatureID, session.StageCompleted)
	if err != nil {
		t.Fatalf("force completion: %v", err)
	}
	if done.Status != session.StatusCompleted || done.QueuePosition != nil {
		t.Fatalf("forced completion: %s pos %v", done.Status, done.QueuePosition)
	}
	got, _ := store.GetSession(pid, q1.FeatureID)
	if got.Stage != session.StageCompleted {
		t.Fatalf("completion not persisted: stage %d", got.Stage)
	}

	// The waiting list compacts around the forced completion.
	queue, err := mgr.Queue(ctx, pid)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 1 || queue[0].FeatureID != q2.FeatureID || queue[0].QueuePosition != 1 {
		t.Fatalf("queue after forced completion: %+v", queue)
	}
}

func TestBackoutQueuedRenumbers(t *testing.T) {
	mgr, store := newTestManager(t, blockingRunner())
	ctx := context.Background()

	active := mustCreate(t, mgr, "/tmp/projA", "active", nil)
	q1 := mustCreate(t, mgr, "/tmp/projA", "q1", nil)
	q2 := mustCreate(t, mgr, "/tmp/projA", "q2", nil)
	pid := active.ProjectID

	sub := mgr.events.Subscribe(bus.ProjectTopic(pid))
	defer sub.Close()

	if err := mgr.Backout(ctx, pid, q1.FeatureID, "pause", "later"); err != nil {
		t.Fatalf("backout queued: %v", err)
	}

	// Project-room subscribers see the backout, not just the session room.
	waitFor(t, 5*time.Second, "backout on project topic", func() bool {
		select {
		case ev := <-sub.C:
			return ev.Kind == bus.KindSessionBackedOut && ev.FeatureID == q1.FeatureID
		default:
			return false
		}
	})

	got, _ := store.GetSession(pid, q1.FeatureID)
	if got.Status != session.StatusPaused || got.QueuePosition != nil {
		t.Fatalf("q1 not parked: %s pos %v", got.Status, got.QueuePosition)
	}

	queue, err := mgr.Queue(ctx, pid)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 1 || queue[0].FeatureID != q2.FeatureID || queue[0].QueuePosition != 1 {
		t.Fatalf("queue not renumbered: %+v", queue)
	}
}

func TestBackoutActiveAdvancesQueue(t *testing.T) {
	mgr, store := newTestManager(t, blockingRunner())
	ctx := context.Background()

	active := mustCreate(t, mgr, "/tmp/projA", "active", nil)
	next := mustCreate(t, mgr, "/tmp/projA", "next", nil)
	pid := active.ProjectID

	if err := mgr.Backout(ctx, pid, active.FeatureID, "abandon", "wrong feature"); err != nil {
		t.Fatalf("backout active: %v", err)
	}

	waitFor(t, 10*time.Second, "queue head promotion", func() bool {
		s, err := store.GetSession(pid, next.FeatureID)
		return err == nil && s.Status == session.StatusDiscovery
	})

	old, _ := store.GetSession(pid, active.FeatureID)
	if old.Status != session.StatusFailed || old.LastError != "wrong feature" {
		t.Fatalf("abandoned session: %s / %q", old.Status, old.LastError)
	}
	if _, err := mgr.ActiveEngine(pid, next.FeatureID); err != nil {
		t.Fatalf("promoted session has no engine: %v", err)
	}
}

func TestResumeStartsWhenSlotFree(t *testing.T) {
	mgr, store := newTestManager(t, blockingRunner())
	ctx := context.Background()

	sess := mustCreate(t, mgr, "/tmp/projA", "one", nil)
	if err := mgr.Backout(ctx, sess.ProjectID, sess.FeatureID, "pause", "break"); err != nil {
		t.Fatalf("backout: %v", err)
	}
	waitFor(t, 10*time.Second, "session to pause", func() bool {
		s, err := store.GetSession(sess.ProjectID, sess.FeatureID)
		if err != nil || s.Status != session.StatusPaused {
			return false
		}
		_, engErr := mgr.ActiveEngine(sess.ProjectID, sess.FeatureID)
		return engErr != nil
	})

	resumed, err := mgr.Resume(ctx, sess.ProjectID, sess.FeatureID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != session.StatusDiscovery {
		t.Fatalf("resumed status: %s", resumed.Status)
	}
	if _, err := mgr.ActiveEngine(sess.ProjectID, sess.FeatureID); err != nil {
		t.Fatalf("resumed session has no engine: %v", err)
	}
}

func TestResumeQueuesAtFrontWhenBusy(t *testing.T) {
	mgr, _ := newTestManager(t, blockingRunner())
	ctx := context.Background()

	active := mustCreate(t, mgr, "/tmp/projA", "active", nil)
	q1 := mustCreate(t, mgr, "/tmp/projA", "q1", nil)
	q2 := mustCreate(t, mgr, "/tmp/projA", "q2", nil)
	pid := active.ProjectID

	if err := mgr.Backout(ctx, pid, q1.FeatureID, "pause", "later"); err != nil {
		t.Fatalf("backout: %v", err)
	}

	resumed, err := mgr.Resume(ctx, pid, q1.FeatureID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != session.StatusQueued || *resumed.QueuePosition != 1 {
		t.Fatalf("resume into busy project should queue at front, got %s pos %v", resumed.Status, resumed.QueuePosition)
	}
	queue, _ := mgr.Queue(ctx, pid)
	if len(queue) != 2 || queue[0].FeatureID != q1.FeatureID || queue[1].FeatureID != q2.FeatureID {
		t.Fatalf("queue order after resume: %+v", queue)
	}

	// Only paused sessions resume.
	if _, err := mgr.Resume(ctx, pid, q2.FeatureID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("resume of queued session: expected ErrConflict, got %v", err)
	}
}

func TestRehydrateParksInterruptedAndPromotesQueue(t *testing.T) {
	mgr, store := newTestManager(t, blockingRunner())
	pid := session.DeriveProjectID("/tmp/projR")

	interrupted := &session.Session{
		ProjectID: pid, FeatureID: "f-active", ProjectPath: "/tmp/projR",
		Title: "mid-flight", Stage: session.StageImplementation,
		Status: session.StatusImplementing, Preferences: session.DefaultPreferences(),
	}
	queued := &session.Session{
		ProjectID: pid, FeatureID: "f-queued", ProjectPath: "/tmp/projR",
		Title: "waiting", Stage: session.StageDiscovery,
		Status: session.StatusQueued, Preferences: session.DefaultPreferences(),
	}
	queued.SetQueued(1, time.Now())
	if err := store.PutSession(interrupted); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.PutSession(queued); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := mgr.Rehydrate(context.Background()); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	got, _ := store.GetSession(pid, "f-active")
	if got.Status != session.StatusPaused || got.LastError != "interrupted by restart" {
		t.Fatalf("interrupted session: %s / %q", got.Status, got.LastError)
	}
	head, _ := store.GetSession(pid, "f-queued")
	if head.Status != session.StatusDiscovery || head.QueuePosition != nil {
		t.Fatalf("queue head not promoted: %s pos %v", head.Status, head.QueuePosition)
	}
}
