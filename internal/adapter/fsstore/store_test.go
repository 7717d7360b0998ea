package fsstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clrke/ralph-web/internal/domain"
	"github.com/clrke/ralph-web/internal/domain/conversation"
	"github.com/clrke/ralph-web/internal/domain/plan"
	"github.com/clrke/ralph-web/internal/domain/question"
	"github.com/clrke/ralph-web/internal/domain/session"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := New(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testSession() *session.Session {
	return &session.Session{
		ProjectID:   "proj1",
		FeatureID:   "feat1",
		ProjectPath: "/tmp/proj",
		Title:       "add search",
		Stage:       session.StageDiscovery,
		Status:      session.StatusDiscovery,
		Preferences: session.DefaultPreferences(),
		CreatedAt:   time.Now().UTC(),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	want := testSession()

	if err := s.PutSession(want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetSession("proj1", "feat1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != want.Title || got.Stage != want.Stage || got.Status != want.Status {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not stamped on write")
	}
}

func TestGetSessionMissing(t *testing.T) {
	s := newTestStore(t, Options{})
	if _, err := s.GetSession("nope", "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCorruptSessionTreatedAsAbsent(t *testing.T) {
	s := newTestStore(t, Options{})
	sess := testSession()
	if err := s.PutSession(sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	path := filepath.Join(s.sessionDir("proj1", "feat1"), sessionFile)
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, err := s.GetSession("proj1", "feat1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for corrupt file, got %v", err)
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t, Options{})
	if err := s.PutSession(testSession()); err != nil {
		t.Fatalf("put: %v", err)
	}

	entries, err := os.ReadDir(s.sessionDir("proj1", "feat1"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if len(e.Name()) >= 4 && e.Name()[:4] == ".tmp" {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestListByProject(t *testing.T) {
	s := newTestStore(t, Options{})
	for _, f := range []string{"f1", "f2", "f3"} {
		sess := testSession()
		sess.FeatureID = f
		if err := s.PutSession(sess); err != nil {
			t.Fatalf("put %s: %v", f, err)
		}
	}

	got, err := s.ListByProject("proj1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(got))
	}

	if got, err := s.ListByProject("other"); err != nil || len(got) != 0 {
		t.Fatalf("unknown project: got %d sessions, err %v", len(got), err)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	p := &plan.Plan{
		ProjectID: "proj1", FeatureID: "feat1", Version: 1,
		Steps: []plan.Step{{ID: "s1", OrderIndex: 0, Title: "step", Complexity: plan.ComplexityLow, Status: plan.StepStatusPending}},
	}
	if err := s.PutPlan(p); err != nil {
		t.Fatalf("put plan: %v", err)
	}
	got, err := s.GetPlan("proj1", "feat1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.Version != 1 || len(got.Steps) != 1 {
		t.Fatalf("plan mismatch: %+v", got)
	}
}

func TestQuestionsAbsentIsEmpty(t *testing.T) {
	s := newTestStore(t, Options{})
	qs, err := s.ListQuestions("proj1", "feat1")
	if err != nil || qs != nil {
		t.Fatalf("expected empty list, got %v / %v", qs, err)
	}
}

func TestUpsertQuestion(t *testing.T) {
	s := newTestStore(t, Options{})
	q := question.Question{ID: "q1", ProjectID: "proj1", FeatureID: "feat1", QuestionText: "which db?"}

	if err := s.UpsertQuestion("proj1", "feat1", q); err != nil {
		t.Fatalf("insert: %v", err)
	}
	answer := "postgres"
	q.Answer = &answer
	if err := s.UpsertQuestion("proj1", "feat1", q); err != nil {
		t.Fatalf("update: %v", err)
	}

	qs, err := s.ListQuestions("proj1", "feat1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(qs) != 1 || qs[0].Answer == nil || *qs[0].Answer != "postgres" {
		t.Fatalf("upsert did not replace: %+v", qs)
	}
}

func TestPreferencesDefaultOnAbsence(t *testing.T) {
	s := newTestStore(t, Options{})
	p, err := s.GetPreferences("unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p != session.DefaultPreferences() {
		t.Fatalf("expected defaults, got %+v", p)
	}
}

func TestPutPreferencesValidates(t *testing.T) {
	s := newTestStore(t, Options{})
	bad := session.DefaultPreferences()
	bad.RiskComfort = "reckless"
	if err := s.PutPreferences("proj1", bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestConversationAppendAndRead(t *testing.T) {
	s := newTestStore(t, Options{})
	for i := 0; i < 3; i++ {
		e := conversation.Entry{
			ID: conversation.NewID(), Stage: 1, Timestamp: time.Now().UTC(),
			Prompt: "p", Output: "o", Status: conversation.StatusCompleted,
		}
		if err := s.AppendConversation("proj1", "feat1", e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := s.ReadConversations("proj1", "feat1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	last, err := s.LastConversation("proj1", "feat1")
	if err != nil || last == nil {
		t.Fatalf("last: %v / %v", last, err)
	}
}

func TestConversationTornLineSkipped(t *testing.T) {
	s := newTestStore(t, Options{})
	e := conversation.Entry{ID: "e1", Stage: 1, Status: conversation.StatusCompleted}
	if err := s.AppendConversation("proj1", "feat1", e); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Simulate a crash mid-append.
	path := filepath.Join(s.sessionDir("proj1", "feat1"), conversationsFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"id":"torn`); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	entries, err := s.ReadConversations("proj1", "feat1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "e1" {
		t.Fatalf("torn line not skipped: %+v", entries)
	}
}

func TestLogRotationBoundsFiles(t *testing.T) {
	s := newTestStore(t, Options{LogMaxBytes: 256, LogMaxFiles: 3})

	// Enough entries to force several rotations past the keep limit.
	for i := 0; i < 40; i++ {
		e := conversation.Entry{
			ID: conversation.NewID(), Stage: 1,
			Prompt: "prompt text long enough to trip the threshold quickly",
			Status: conversation.StatusCompleted,
		}
		if err := s.AppendConversation("proj1", "feat1", e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	dir := s.sessionDir("proj1", "feat1")
	for n := 1; n <= 3; n++ {
		if _, err := os.Stat(filepath.Join(dir, rotatedName(conversationsFile, n))); err != nil {
			t.Fatalf("rotated file %d missing: %v", n, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, rotatedName(conversationsFile, 4))); !os.IsNotExist(err) {
		t.Fatal("rotation exceeded the keep limit")
	}

	// The live log still reads cleanly after rotation.
	if _, err := s.ReadConversations("proj1", "feat1"); err != nil {
		t.Fatalf("read after rotation: %v", err)
	}
}

func TestReadConversationsSpansRotatedFiles(t *testing.T) {
	s := newTestStore(t, Options{LogMaxBytes: 256, LogMaxFiles: 5})

	var ids []string
	for i := 0; i < 10; i++ {
		e := conversation.Entry{
			ID: conversation.NewID(), Stage: 1,
			Prompt: "prompt text long enough to trip the threshold quickly",
			Status: conversation.StatusCompleted,
		}
		ids = append(ids, e.ID)
		if err := s.AppendConversation("proj1", "feat1", e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	dir := s.sessionDir("proj1", "feat1")
	if _, err := os.Stat(filepath.Join(dir, rotatedName(conversationsFile, 1))); err != nil {
		t.Fatalf("expected a rotated file: %v", err)
	}

	// The full history comes back in append order despite the rotation.
	entries, err := s.ReadConversations("proj1", "feat1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != len(ids) {
		t.Fatalf("expected %d entries across rotated files, got %d", len(ids), len(entries))
	}
	for i := range ids {
		if entries[i].ID != ids[i] {
			t.Fatalf("entry %d out of order: %s, want %s", i, entries[i].ID, ids[i])
		}
	}

	last, err := s.LastConversation("proj1", "feat1")
	if err != nil || last == nil || last.ID != ids[len(ids)-1] {
		t.Fatalf("last entry: %+v / %v", last, err)
	}
}

func TestRetentionPurgesOldRotations(t *testing.T) {
	s := newTestStore(t, Options{LogMaxBytes: 256, LogMaxFiles: 3, LogRetention: 24 * time.Hour})

	for i := 0; i < 20; i++ {
		e := conversation.Entry{
			ID: conversation.NewID(), Stage: 1,
			Prompt: "prompt text long enough to trip the threshold quickly",
			Status: conversation.StatusCompleted,
		}
		if err := s.AppendConversation("proj1", "feat1", e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	dir := s.sessionDir("proj1", "feat1")
	rotated := filepath.Join(dir, rotatedName(conversationsFile, 1))
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("expected a rotated file: %v", err)
	}

	// Age the rotated file beyond retention, then run the purge sweep.
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(rotated, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	s.purgeExpired(filepath.Join(dir, conversationsFile))

	if _, err := os.Stat(rotated); !os.IsNotExist(err) {
		t.Fatal("expired rotation not purged")
	}
}
