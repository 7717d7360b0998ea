package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clrke/ralph-web/internal/bus"
	"github.com/clrke/ralph-web/internal/domain"
	"github.com/clrke/ralph-web/internal/domain/session"
)

// Manager owns session lifecycles across projects. Each project gets one
// worker goroutine so queue mutations and engine starts for a project are
// serialized; at most one session per project is ever active.
type Manager struct {
	store  Store
	runner AgentRunner
	post   *PostProcessor
	events *bus.Bus
	cfg    EngineConfig
	log    *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	engines map[string]*Engine     // projectID/featureID -> active engine
	workers map[string]chan func() // projectID -> serialized work feed
	wg      sync.WaitGroup
}

// NewManager wires the queue manager. Call Rehydrate before serving traffic
// and Shutdown on exit.
func NewManager(store Store, runner AgentRunner, post *PostProcessor, events *bus.Bus, cfg EngineConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   store,
		runner:  runner,
		post:    post,
		events:  events,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		engines: make(map[string]*Engine),
		workers: make(map[string]chan func()),
	}
}

func engineKey(projectID, featureID string) string { return projectID + "/" + featureID }

// worker returns the project's serialized work feed, starting it on first use.
func (m *Manager) worker(projectID string) chan<- func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.workers[projectID]
	if !ok {
		ch = make(chan func(), 16)
		m.workers[projectID] = ch
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case fn := <-ch:
					fn()
				case <-m.ctx.Done():
					return
				}
			}
		}()
	}
	return ch
}

// do runs fn on the project's worker and waits for its result.
func (m *Manager) do(ctx context.Context, projectID string, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case m.worker(projectID) <- func() { errCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return fmt.Errorf("%w: manager shutting down", domain.ErrConflict)
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateRequest describes a new session.
type CreateRequest struct {
	ProjectPath        string
	Title              string
	Description        string
	AcceptanceCriteria []string
	BaseBranch         string
	Preferences        *session.Preferences
	QueuePosition      *int // 1-based; nil or out of range appends
}

// Create registers a session. It starts immediately when the project is idle,
// otherwise it joins the queue at the requested position (appended when none
// is given).
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*session.Session, error) {
	if req.ProjectPath == "" || req.Title == "" {
		return nil, fmt.Errorf("%w: project_path and title are required", domain.ErrValidation)
	}

	projectID := session.DeriveProjectID(req.ProjectPath)

	prefs := session.DefaultPreferences()
	if stored, err := m.store.GetPreferences(projectID); err == nil {
		prefs = stored
	}
	if req.Preferences != nil {
		if err := req.Preferences.Validate(); err != nil {
			return nil, err
		}
		prefs = *req.Preferences
	}

	now := m.now()
	sess := &session.Session{
		ProjectID:          projectID,
		FeatureID:          session.NewFeatureID(),
		ProjectPath:        req.ProjectPath,
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		BaseBranch:         req.BaseBranch,
		Stage:              session.StageDiscovery,
		Status:             session.StatusQueued,
		Preferences:        prefs,
		CreatedAt:          now,
	}

	err := m.do(ctx, projectID, func() error {
		// A free slot starts the session no matter what position was asked
		// for; queueing an only session would strand it.
		if m.hasActive(projectID) {
			return m.enqueue(sess, req.QueuePosition)
		}
		sess.Status = session.StatusDiscovery
		if err := m.store.PutSession(sess); err != nil {
			return err
		}
		m.startEngine(sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("session created", "project_id", projectID, "feature_id", sess.FeatureID, "status", sess.Status)
	return sess, nil
}

// hasActive reports whether the project's execution slot is taken. Engines are
// authoritative; the store backs them up for sessions started elsewhere.
func (m *Manager) hasActive(projectID string) bool {
	m.mu.Lock()
	for key := range m.engines {
		if len(key) > len(projectID) && key[:len(projectID)] == projectID && key[len(projectID)] == '/' {
			m.mu.Unlock()
			return true
		}
	}
	m.mu.Unlock()

	sessions, err := m.store.ListByProject(projectID)
	if err != nil {
		return false
	}
	for i := range sessions {
		if sessions[i].Status.Active() {
			return true
		}
	}
	return false
}

// enqueue inserts sess into the waiting list. Caller runs on the project
// worker.
func (m *Manager) enqueue(sess *session.Session, pos *int) error {
	queued, err := m.queuedSessions(sess.ProjectID)
	if err != nil {
		return err
	}

	at := len(queued) // zero-based insertion point, defaults to the tail
	if pos != nil && *pos >= 1 && *pos <= len(queued) {
		at = *pos - 1
	}

	sess.SetQueued(at+1, m.now())
	if err := m.store.PutSession(sess); err != nil {
		return err
	}

	// Shift everything at or after the insertion point down one slot.
	for i := at; i < len(queued); i++ {
		p := i + 2
		queued[i].QueuePosition = &p
		if err := m.store.PutSession(&queued[i]); err != nil {
			return err
		}
	}
	m.publishQueue(sess.ProjectID)
	return nil
}

// queuedSessions returns the project's waiting list ordered by position.
func (m *Manager) queuedSessions(projectID string) ([]session.Session, error) {
	sessions, err := m.store.ListByProject(projectID)
	if err != nil {
		return nil, err
	}
	var queued []session.Session
	for i := range sessions {
		if sessions[i].Status == session.StatusQueued && sessions[i].QueuePosition != nil {
			queued = append(queued, sessions[i])
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		if *queued[i].QueuePosition != *queued[j].QueuePosition {
			return *queued[i].QueuePosition < *queued[j].QueuePosition
		}
		qi, qj := queued[i].QueuedAt, queued[j].QueuedAt
		if qi != nil && qj != nil {
			return qi.Before(*qj)
		}
		return false
	})
	return queued, nil
}

// startEngine launches the session's engine. Caller runs on the project
// worker and has verified the slot is free.
func (m *Manager) startEngine(sess *session.Session) {
	key := engineKey(sess.ProjectID, sess.FeatureID)
	projectID := sess.ProjectID

	featureID := sess.FeatureID
	eng := NewEngine(sess.ProjectID, sess.FeatureID, m.store, m.runner, m.post, m.events, m.cfg, m.log, func() {
		m.mu.Lock()
		delete(m.engines, key)
		m.mu.Unlock()
		if final, err := m.store.GetSession(projectID, featureID); err == nil {
			m.cfg.Metrics.SessionFinished(context.Background(), string(final.Status))
		}
		// Advance asynchronously; the engine goroutine must not block on its
		// own project worker.
		go func() {
			if err := m.do(context.Background(), projectID, func() error {
				return m.advance(projectID)
			}); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error("queue advance failed", "project_id", projectID, "error", err)
			}
		}()
	})

	m.mu.Lock()
	m.engines[key] = eng
	m.mu.Unlock()
	m.cfg.Metrics.SessionStarted(m.ctx)
	eng.Start(m.ctx)
}

// advance promotes the queue head when the slot is free. Caller runs on the
// project worker.
func (m *Manager) advance(projectID string) error {
	if m.ctx.Err() != nil {
		return nil
	}
	if m.hasActive(projectID) {
		return nil
	}
	queued, err := m.queuedSessions(projectID)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}

	head := queued[0]
	head.ClearQueued()
	head.Status = head.Stage.RunningStatus()
	if err := m.store.PutSession(&head); err != nil {
		return err
	}
	if err := m.renumber(projectID); err != nil {
		return err
	}
	m.startEngine(&head)
	m.log.Info("queue advanced", "project_id", projectID, "feature_id", head.FeatureID)
	return nil
}

// renumber compacts queue positions to 1..n and publishes the new view.
func (m *Manager) renumber(projectID string) error {
	queued, err := m.queuedSessions(projectID)
	if err != nil {
		return err
	}
	for i := range queued {
		want := i + 1
		if queued[i].QueuePosition == nil || *queued[i].QueuePosition != want {
			queued[i].QueuePosition = &want
			if err := m.store.PutSession(&queued[i]); err != nil {
				return err
			}
		}
	}
	m.publishQueue(projectID)
	return nil
}

// publishQueue broadcasts the current waiting-list view to the project topic.
func (m *Manager) publishQueue(projectID string) {
	queued, err := m.queuedSessions(projectID)
	if err != nil {
		m.log.Error("queue view failed", "project_id", projectID, "error", err)
		return
	}
	payload := bus.QueueReorderedPayload{}
	for i := range queued {
		if e, ok := queued[i].Entry(); ok {
			payload.Entries = append(payload.Entries, bus.QueueEntryView{
				FeatureID:     e.FeatureID,
				Title:         e.Title,
				QueuePosition: e.QueuePosition,
				QueuedAt:      e.QueuedAt,
			})
		}
	}
	m.events.Publish(bus.ProjectTopic(projectID), bus.Event{
		Kind:      bus.KindQueueReordered,
		ProjectID: projectID,
		Payload:   payload,
	})
}

// Queue returns the project's waiting list.
func (m *Manager) Queue(ctx context.Context, projectID string) ([]session.QueueEntry, error) {
	var entries []session.QueueEntry
	err := m.do(ctx, projectID, func() error {
		queued, err := m.queuedSessions(projectID)
		if err != nil {
			return err
		}
		for i := range queued {
			if e, ok := queued[i].Entry(); ok {
				entries = append(entries, e)
			}
		}
		return nil
	})
	return entries, err
}

// Reorder atomically reassigns the project's waiting list. Queued sessions
// missing from the list are dropped (abandoned); each drop emits
// session.backedout before the single queue.reordered.
func (m *Manager) Reorder(ctx context.Context, projectID string, featureIDs []string) error {
	return m.do(ctx, projectID, func() error {
		queued, err := m.queuedSessions(projectID)
		if err != nil {
			return err
		}
		byID := make(map[string]*session.Session, len(queued))
		for i := range queued {
			byID[queued[i].FeatureID] = &queued[i]
		}
		seen := make(map[string]bool, len(featureIDs))
		for _, id := range featureIDs {
			if _, ok := byID[id]; !ok {
				return fmt.Errorf("%w: session %s is not queued", domain.ErrNotFound, id)
			}
			if seen[id] {
				return fmt.Errorf("%w: session %s listed twice", domain.ErrValidation, id)
			}
			seen[id] = true
		}

		const dropReason = "dropped from queue by reorder"
		for i := range queued {
			s := &queued[i]
			if seen[s.FeatureID] {
				continue
			}
			s.Status = session.StatusFailed
			s.LastError = dropReason
			s.ClearQueued()
			if err := m.store.PutSession(s); err != nil {
				return err
			}
			m.publishBackout(projectID, s.FeatureID, "abandon", dropReason)
		}

		for pos, id := range featureIDs {
			s := byID[id]
			p := pos + 1
			s.QueuePosition = &p
			if err := m.store.PutSession(s); err != nil {
				return err
			}
		}
		m.publishQueue(projectID)
		return nil
	})
}

// Backout pauses or abandons a session, active or queued.
func (m *Manager) Backout(ctx context.Context, projectID, featureID, action, reason string) error {
	if eng := m.engine(projectID, featureID); eng != nil {
		return eng.Backout(action, reason)
	}

	return m.do(ctx, projectID, func() error {
		sess, err := m.store.GetSession(projectID, featureID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return fmt.Errorf("%w: session is %s", domain.ErrConflict, sess.Status)
		}
		switch action {
		case "pause":
			sess.Status = session.StatusPaused
		case "abandon":
			sess.Status = session.StatusFailed
			sess.LastError = reason
		default:
			return fmt.Errorf("%w: unknown backout action %q", domain.ErrValidation, action)
		}
		sess.ClearQueued()
		if err := m.store.PutSession(sess); err != nil {
			return err
		}
		m.publishBackout(projectID, featureID, action, reason)
		return m.renumber(projectID)
	})
}

// publishBackout announces a backout on both the session and project topics,
// so project-room subscribers see it ordered against queue.reordered.
func (m *Manager) publishBackout(projectID, featureID, action, reason string) {
	ev := bus.Event{
		Kind: bus.KindSessionBackedOut, ProjectID: projectID, FeatureID: featureID,
		Payload: bus.BackoutPayload{Action: action, Reason: reason},
	}
	m.events.Publish(bus.SessionTopic(projectID, featureID), ev)
	m.events.Publish(bus.ProjectTopic(projectID), ev)
}

// ForceStage moves an inactive session straight to a stage, bypassing the
// machine. Debug surface; an executing session must be backed out first.
func (m *Manager) ForceStage(ctx context.Context, projectID, featureID string, to session.Stage) (*session.Session, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: stage %d out of range", domain.ErrValidation, int(to))
	}
	if m.engine(projectID, featureID) != nil {
		return nil, fmt.Errorf("%w: session is executing, back out first", domain.ErrConflict)
	}

	var out *session.Session
	err := m.do(ctx, projectID, func() error {
		sess, err := m.store.GetSession(projectID, featureID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return fmt.Errorf("%w: session is %s", domain.ErrConflict, sess.Status)
		}

		from := sess.Stage
		sess.Stage = to
		if to == session.StageCompleted {
			sess.Status = session.StatusCompleted
			sess.ClearQueued()
		}
		if err := m.store.PutSession(sess); err != nil {
			return err
		}
		ev := bus.Event{
			Kind: bus.KindStageChanged, ProjectID: projectID, FeatureID: featureID,
			Payload: bus.StageChangedPayload{FromStage: int(from), ToStage: int(to), Status: string(sess.Status)},
		}
		m.events.Publish(bus.SessionTopic(projectID, featureID), ev)
		m.events.Publish(bus.ProjectTopic(projectID), ev)
		out = sess

		if to == session.StageCompleted {
			if err := m.renumber(projectID); err != nil {
				return err
			}
			return m.advance(projectID)
		}
		return nil
	})
	return out, err
}

// Resume puts a paused session back into play: it starts immediately when the
// project slot is free, otherwise it re-enters the queue at the front.
func (m *Manager) Resume(ctx context.Context, projectID, featureID string) (*session.Session, error) {
	var out *session.Session
	err := m.do(ctx, projectID, func() error {
		sess, err := m.store.GetSession(projectID, featureID)
		if err != nil {
			return err
		}
		if sess.Status != session.StatusPaused {
			return fmt.Errorf("%w: only paused sessions resume (status %s)", domain.ErrConflict, sess.Status)
		}

		if m.hasActive(projectID) {
			front := 1
			if err := m.enqueue(sess, &front); err != nil {
				return err
			}
			out = sess
			return nil
		}

		sess.Status = sess.Stage.RunningStatus()
		sess.LastError = ""
		if err := m.store.PutSession(sess); err != nil {
			return err
		}
		m.startEngine(sess)
		out = sess
		return nil
	})
	return out, err
}

// Engine returns the running engine for a session, or nil.
func (m *Manager) engine(projectID, featureID string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[engineKey(projectID, featureID)]
}

// ActiveEngine returns the running engine for a session, or ErrConflict when
// the session is not executing.
func (m *Manager) ActiveEngine(projectID, featureID string) (*Engine, error) {
	if eng := m.engine(projectID, featureID); eng != nil {
		return eng, nil
	}
	return nil, fmt.Errorf("%w: session is not active", domain.ErrConflict)
}

// Rehydrate recovers state after a restart: sessions that were mid-execution
// are parked as paused (their agent process is gone), then each project's
// queue head is promoted.
func (m *Manager) Rehydrate(ctx context.Context) error {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return err
	}

	projects := make(map[string]struct{})
	for i := range sessions {
		s := &sessions[i]
		projects[s.ProjectID] = struct{}{}
		if s.Status.Active() {
			s.Status = session.StatusPaused
			s.LastError = "interrupted by restart"
			if err := m.store.PutSession(s); err != nil {
				return err
			}
			m.log.Warn("session parked after restart", "project_id", s.ProjectID, "feature_id", s.FeatureID, "stage", s.Stage.String())
		}
	}

	for projectID := range projects {
		pid := projectID
		if err := m.do(ctx, pid, func() error { return m.advance(pid) }); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops all engines and workers, waiting up to ctx's deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		for _, e := range engines {
			<-e.Done()
		}
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
