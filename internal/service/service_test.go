package service

// Shared test fixtures: an in-memory Store and scripted agent runners.

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clrke/ralph-web/internal/adapter/agentcli"
	"github.com/clrke/ralph-web/internal/domain"
	"github.com/clrke/ralph-web/internal/domain/conversation"
	"github.com/clrke/ralph-web/internal/domain/plan"
	"github.com/clrke/ralph-web/internal/domain/question"
	"github.com/clrke/ralph-web/internal/domain/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu        sync.Mutex
	sessions  map[string]session.Session
	plans     map[string]plan.Plan
	questions map[string][]question.Question
	convs     map[string][]conversation.Entry
	prefs     map[string]session.Preferences
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  make(map[string]session.Session),
		plans:     make(map[string]plan.Plan),
		questions: make(map[string][]question.Question),
		convs:     make(map[string][]conversation.Entry),
		prefs:     make(map[string]session.Preferences),
	}
}

func memKey(projectID, featureID string) string { return projectID + "/" + featureID }

func (m *memStore) GetSession(projectID, featureID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[memKey(projectID, featureID)]
	if !ok {
		return nil, fmt.Errorf("%w: session %s/%s", domain.ErrNotFound, projectID, featureID)
	}
	out := s
	return &out, nil
}

func (m *memStore) PutSession(s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.UpdatedAt = time.Now()
	m.sessions[memKey(s.ProjectID, s.FeatureID)] = cp
	return nil
}

func (m *memStore) ListSessions() ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out, nil
}

func (m *memStore) ListByProject(projectID string) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for _, s := range m.sessions {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out, nil
}

func (m *memStore) GetPlan(projectID, featureID string) (*plan.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[memKey(projectID, featureID)]
	if !ok {
		return nil, fmt.Errorf("%w: plan %s/%s", domain.ErrNotFound, projectID, featureID)
	}
	out := p
	out.Steps = append([]plan.Step(nil), p.Steps...)
	return &out, nil
}

func (m *memStore) PutPlan(p *plan.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Steps = append([]plan.Step(nil), p.Steps...)
	m.plans[memKey(p.ProjectID, p.FeatureID)] = cp
	return nil
}

func (m *memStore) ListQuestions(projectID, featureID string) ([]question.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]question.Question(nil), m.questions[memKey(projectID, featureID)]...), nil
}

func (m *memStore) PutQuestions(projectID, featureID string, qs []question.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions[memKey(projectID, featureID)] = append([]question.Question(nil), qs...)
	return nil
}

func (m *memStore) UpsertQuestion(projectID, featureID string, q question.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(projectID, featureID)
	for i := range m.questions[key] {
		if m.questions[key][i].ID == q.ID {
			m.questions[key][i] = q
			return nil
		}
	}
	m.questions[key] = append(m.questions[key], q)
	return nil
}

func (m *memStore) AppendConversation(projectID, featureID string, e conversation.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(projectID, featureID)
	m.convs[key] = append(m.convs[key], e)
	return nil
}

func (m *memStore) ReadConversations(projectID, featureID string) ([]conversation.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]conversation.Entry(nil), m.convs[memKey(projectID, featureID)]...), nil
}

func (m *memStore) LastConversation(projectID, featureID string) (*conversation.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.convs[memKey(projectID, featureID)]
	if len(entries) == 0 {
		return nil, nil
	}
	out := entries[len(entries)-1]
	return &out, nil
}

func (m *memStore) GetPreferences(projectID string) (session.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prefs[projectID]; ok {
		return p, nil
	}
	return session.DefaultPreferences(), nil
}

func (m *memStore) PutPreferences(projectID string, p session.Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[projectID] = p
	return nil
}

// runnerFunc adapts a function to the AgentRunner interface.
type runnerFunc func(ctx context.Context, req agentcli.Request) (*agentcli.Result, error)

func (f runnerFunc) Run(ctx context.Context, req agentcli.Request) (*agentcli.Result, error) {
	return f(ctx, req)
}

// blockingRunner parks every invocation until its context is cancelled, so the
// session under test holds its project's execution slot indefinitely.
func blockingRunner() AgentRunner {
	return runnerFunc(func(ctx context.Context, req agentcli.Request) (*agentcli.Result, error) {
		<-ctx.Done()
		return nil, &agentcli.AgentError{Kind: agentcli.ErrCancelled}
	})
}

func failingRunner() AgentRunner {
	return runnerFunc(func(ctx context.Context, req agentcli.Request) (*agentcli.Result, error) {
		return nil, &agentcli.AgentError{Kind: agentcli.ErrCrashed}
	})
}

func jsonResult(s string) *agentcli.Result {
	return &agentcli.Result{Output: s, ResultText: s}
}

func textResult(s string) *agentcli.Result {
	return &agentcli.Result{Output: s, ResultText: s, AgentSessionID: "agent-sess"}
}

// pipelineRunner scripts a clean end-to-end run: every primary stage succeeds
// and every post-processing pass returns well-formed JSON.
func pipelineRunner(t *testing.T) AgentRunner {
	t.Helper()
	return runnerFunc(func(ctx context.Context, req agentcli.Request) (*agentcli.Result, error) {
		p := req.Prompt
		switch {
		// Post-processing passes, matched on their instruction text.
		case strings.Contains(p, "Extract every clarifying question"):
			return jsonResult(`{"questions":[{"question_text":"Which auth provider?"}]}`), nil
		case strings.Contains(p, "Extract the implementation plan steps"):
			return jsonResult(`{"steps":[{"title":"wire endpoint","complexity":"low","parent_index":null},{"title":"add tests","complexity":"medium","parent_index":null}]}`), nil
		case strings.Contains(p, "Judge whether the answer"):
			return jsonResult(`{"action":"pass"}`), nil
		case strings.Contains(p, "Assess the testing"):
			return jsonResult(`{"tests_run":true,"tests_passed":true,"coverage_adequate":true}`), nil
		case strings.Contains(p, "previously completed steps are invalidated"):
			return jsonResult(`{"affected_steps":[]}`), nil
		case strings.Contains(p, "Extract the pull request outcome"):
			return jsonResult(`{"created":true,"pr_url":"https://example.com/pull/7","branch":"feat/wire-endpoint"}`), nil
		case strings.Contains(p, "outcome of the implementation step"):
			return jsonResult(`{"outcome":"completed"}`), nil
		case strings.Contains(p, "Extract concrete test results"):
			return jsonResult(`{"ran":true,"passed":12,"failed":0}`), nil
		case strings.Contains(p, "Extract the review verdict"):
			return jsonResult(`{"verdict":"clean","requires_plan_changes":false}`), nil
		case strings.Contains(p, "conventional commit message"):
			return jsonResult(`{"subject":"add endpoint wiring"}`), nil
		case strings.Contains(p, "Summarize the work"):
			return jsonResult(`{"summary":"Wired the endpoint and added tests."}`), nil
		// Primary stage invocations.
		case strings.Contains(p, "starting discovery"):
			return textResult("explored the repo and sketched a plan"), nil
		case strings.Contains(p, "revised implementation plan"):
			return textResult("revised the plan per feedback"), nil
		case strings.Contains(p, "Implement the following step"):
			return textResult("implemented and committed the step"), nil
		case strings.Contains(p, "Create a pull request"):
			return textResult("opened the pull request"), nil
		case strings.Contains(p, "Review the pull request"):
			return textResult("reviewed the diff, no findings"), nil
		}
		t.Errorf("unscripted prompt: %.80s", p)
		return nil, fmt.Errorf("unscripted prompt")
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
