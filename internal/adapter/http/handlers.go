package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/clrke/ralph-web/internal/domain/session"
	"github.com/clrke/ralph-web/internal/service"
)

// bodyLimit caps JSON request bodies.
const bodyLimit = 1 << 20

// Handlers carries the REST endpoints' dependencies.
type Handlers struct {
	store service.Store
	mgr   *service.Manager
}

// NewHandlers wires the endpoint set.
func NewHandlers(store service.Store, mgr *service.Manager) *Handlers {
	return &Handlers{store: store, mgr: mgr}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// insertPosition accepts the queue insertion spot as "front", "end", or a
// 1-based integer (JSON number or numeric string).
type insertPosition struct {
	pos *int // nil appends
}

func (p *insertPosition) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		switch s {
		case "front":
			one := 1
			p.pos = &one
			return nil
		case "end", "":
			p.pos = nil
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("insert_at_position must be %q, %q, or an integer", "front", "end")
		}
		p.pos = &n
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("insert_at_position must be %q, %q, or an integer", "front", "end")
	}
	p.pos = &n
	return nil
}

type createSessionRequest struct {
	ProjectPath        string               `json:"project_path"`
	Title              string               `json:"title"`
	Description        string               `json:"description"`
	AcceptanceCriteria []string             `json:"acceptance_criteria,omitempty"`
	BaseBranch         string               `json:"base_branch,omitempty"`
	Preferences        *session.Preferences `json:"preferences,omitempty"`
	InsertAtPosition   *insertPosition      `json:"insert_at_position,omitempty"`
	QueuePosition      *int                 `json:"queue_position,omitempty"`
}

// queuePosition resolves the two accepted insertion forms; insert_at_position
// wins when both are present.
func (r *createSessionRequest) queuePosition() *int {
	if r.InsertAtPosition != nil {
		return r.InsertAtPosition.pos
	}
	return r.QueuePosition
}

// CreateSession registers a new session; it starts immediately or joins the
// project queue.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createSessionRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if !requireField(w, req.ProjectPath, "project_path") || !requireField(w, req.Title, "title") {
		return
	}

	sess, err := h.mgr.Create(r.Context(), service.CreateRequest{
		ProjectPath:        req.ProjectPath,
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		BaseBranch:         req.BaseBranch,
		Preferences:        req.Preferences,
		QueuePosition:      req.queuePosition(),
	})
	if err != nil {
		writeDomainError(w, r, err, "session not created")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// ListSessions returns every stored session, newest first.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions()
	if err != nil {
		writeDomainError(w, r, err, "sessions unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// ListProjectSessions returns one project's sessions.
func (h *Handlers) ListProjectSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListByProject(urlParam(r, "projectId"))
	if err != nil {
		writeDomainError(w, r, err, "sessions unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSession returns one session record.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.GetSession(urlParam(r, "projectId"), urlParam(r, "featureId"))
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CheckQueue reports the project's active session and waiting list.
func (h *Handlers) CheckQueue(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "projectId")

	sessions, err := h.store.ListByProject(projectID)
	if err != nil {
		writeDomainError(w, r, err, "queue unavailable")
		return
	}
	var active *session.Session
	for i := range sessions {
		if sessions[i].Status.Active() {
			active = &sessions[i]
			break
		}
	}

	queue, err := h.mgr.Queue(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, r, err, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "queue": queue})
}

// CheckQueueByPath reports the active session and queued count for a project
// path, for clients that have no project id yet.
func (h *Handlers) CheckQueueByPath(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("projectPath")
	if !requireField(w, path, "projectPath") {
		return
	}
	projectID := session.DeriveProjectID(path)

	sessions, err := h.store.ListByProject(projectID)
	if err != nil {
		writeDomainError(w, r, err, "queue unavailable")
		return
	}
	var active *session.Session
	queuedCount := 0
	for i := range sessions {
		if sessions[i].Status.Active() {
			active = &sessions[i]
		}
		if sessions[i].Status == session.StatusQueued {
			queuedCount++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id":     projectID,
		"active_session": active,
		"queued_count":   queuedCount,
	})
}

// ---------------------------------------------------------------------------
// Session artifacts
// ---------------------------------------------------------------------------

// GetPlan returns the session's plan.
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPlan(urlParam(r, "projectId"), urlParam(r, "featureId"))
	if err != nil {
		writeDomainError(w, r, err, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetQuestions returns the session's questions, answered and pending.
func (h *Handlers) GetQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.store.ListQuestions(urlParam(r, "projectId"), urlParam(r, "featureId"))
	if err != nil {
		writeDomainError(w, r, err, "questions unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": qs})
}

// GetConversations returns a page of the conversation log in chronological
// order. Query params: offset (default 0) and limit (default 50, max 200).
func (h *Handlers) GetConversations(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ReadConversations(urlParam(r, "projectId"), urlParam(r, "featureId"))
	if err != nil {
		writeDomainError(w, r, err, "conversations unavailable")
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	total := len(entries)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries[offset:end],
		"total":   total,
		"offset":  offset,
		"limit":   limit,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// ---------------------------------------------------------------------------
// Session interactions
// ---------------------------------------------------------------------------

type answersRequest struct {
	Answers map[string]string `json:"answers"`
}

// SubmitAnswers records answers to pending discovery questions.
func (h *Handlers) SubmitAnswers(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[answersRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	eng, err := h.mgr.ActiveEngine(urlParam(r, "projectId"), urlParam(r, "featureId"))
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	if err := eng.SubmitAnswers(r.Context(), req.Answers); err != nil {
		writeDomainError(w, r, err, "answers rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// ApprovePlan approves the current plan and starts implementation.
func (h *Handlers) ApprovePlan(w http.ResponseWriter, r *http.Request) {
	eng, err := h.mgr.ActiveEngine(urlParam(r, "projectId"), urlParam(r, "featureId"))
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	if err := eng.ApprovePlan(r.Context()); err != nil {
		writeDomainError(w, r, err, "approval rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
}

// RequestChanges rejects the current plan and triggers replanning.
func (h *Handlers) RequestChanges(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[feedbackRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	eng, err := h.mgr.ActiveEngine(urlParam(r, "projectId"), urlParam(r, "featureId"))
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	if err := eng.RequestChanges(r.Context(), req.Feedback); err != nil {
		writeDomainError(w, r, err, "request rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replanning"})
}

type transitionRequest struct {
	Stage int `json:"stage"`
}

// Transition forces a session to a stage, bypassing the machine. Debug
// surface; only sessions without a running engine accept it.
func (h *Handlers) Transition(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[transitionRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	sess, err := h.mgr.ForceStage(r.Context(), urlParam(r, "projectId"), urlParam(r, "featureId"), session.Stage(req.Stage))
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Retry re-runs a blocked or errored session, subject to idle gating.
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	eng, err := h.mgr.ActiveEngine(urlParam(r, "projectId"), urlParam(r, "featureId"))
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	if err := eng.Retry(r.Context()); err != nil {
		writeDomainError(w, r, err, "retry rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

type backoutRequest struct {
	Action string `json:"action"` // pause | abandon
	Reason string `json:"reason,omitempty"`
}

// Backout pauses or abandons a session, interrupting any running agent.
func (h *Handlers) Backout(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[backoutRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if !requireField(w, req.Action, "action") {
		return
	}
	err := h.mgr.Backout(r.Context(), urlParam(r, "projectId"), urlParam(r, "featureId"), req.Action, req.Reason)
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Action})
}

// Resume puts a paused session back into play.
func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) {
	sess, err := h.mgr.Resume(r.Context(), urlParam(r, "projectId"), urlParam(r, "featureId"))
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ReReview triggers another PR review round.
func (h *Handlers) ReReview(w http.ResponseWriter, r *http.Request) {
	eng, err := h.mgr.ActiveEngine(urlParam(r, "projectId"), urlParam(r, "featureId"))
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	if err := eng.ReReview(r.Context()); err != nil {
		writeDomainError(w, r, err, "re-review rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reviewing"})
}

type finalApprovalRequest struct {
	Action   string `json:"action"` // merge | request_changes | re_review
	Feedback string `json:"feedback,omitempty"`
}

// FinalApproval resolves Stage 6.
func (h *Handlers) FinalApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[finalApprovalRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if !requireField(w, req.Action, "action") {
		return
	}
	eng, err := h.mgr.ActiveEngine(urlParam(r, "projectId"), urlParam(r, "featureId"))
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	if err := eng.FinalDecision(r.Context(), req.Action, req.Feedback); err != nil {
		writeDomainError(w, r, err, "decision rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Action})
}

// ---------------------------------------------------------------------------
// Queue and preferences
// ---------------------------------------------------------------------------

// GetQueue returns the project's waiting list.
func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := h.mgr.Queue(r.Context(), urlParam(r, "projectId"))
	if err != nil {
		writeDomainError(w, r, err, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue})
}

type queueOrderRequest struct {
	FeatureIDs []string `json:"feature_ids"`
}

// SetQueueOrder applies a complete new order to the waiting list.
func (h *Handlers) SetQueueOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[queueOrderRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if err := h.mgr.Reorder(r.Context(), urlParam(r, "projectId"), req.FeatureIDs); err != nil {
		writeDomainError(w, r, err, "reorder rejected")
		return
	}
	queue, err := h.mgr.Queue(r.Context(), urlParam(r, "projectId"))
	if err != nil {
		writeDomainError(w, r, err, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue})
}

// GetPreferences returns the project's working preferences.
func (h *Handlers) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.store.GetPreferences(urlParam(r, "projectId"))
	if err != nil {
		writeDomainError(w, r, err, "preferences unavailable")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// PutPreferences replaces the project's working preferences.
func (h *Handlers) PutPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, ok := readJSON[session.Preferences](w, r, bodyLimit)
	if !ok {
		return
	}
	if err := h.store.PutPreferences(urlParam(r, "projectId"), prefs); err != nil {
		writeDomainError(w, r, err, "preferences rejected")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
