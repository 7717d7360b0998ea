// Package fsstore implements the durable session store on the local
// filesystem. Layout:
//
//	<root>/sessions/<projectId>/<featureId>/{session.json, plan.json,
//	    questions.json, conversations.json, status.json}
//	<root>/projects/<projectId>/preferences.json
//
// All writes are atomic (temp file + fsync + rename); the conversation log is
// newline-delimited JSON with size-based rotation. Reads of missing or
// corrupt files surface domain.ErrNotFound.
package fsstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/clrke/ralph-web/internal/domain"
	"github.com/clrke/ralph-web/internal/domain/plan"
	"github.com/clrke/ralph-web/internal/domain/question"
	"github.com/clrke/ralph-web/internal/domain/session"
)

const (
	sessionFile       = "session.json"
	planFile          = "plan.json"
	questionsFile     = "questions.json"
	conversationsFile = "conversations.json"
	statusFile        = "status.json"
	preferencesFile   = "preferences.json"
)

// Options tune rotation and caching.
type Options struct {
	LogMaxBytes  int64         // rotation threshold for conversations.json
	LogMaxFiles  int           // rotated files kept
	LogRetention time.Duration // purge rotated files older than this
	CacheMaxCost int64         // session read cache budget in bytes; 0 disables
	CacheTTL     time.Duration
	Logger       *slog.Logger
}

// Store is the filesystem-backed store. Safe for concurrent readers; writes
// to one session's files serialize on a per-session lock.
type Store struct {
	root string
	opts Options
	log  *slog.Logger

	cache *ristretto.Cache[string, []byte]

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: init root: %w", err)
	}
	if opts.LogMaxBytes <= 0 {
		opts.LogMaxBytes = 50 << 20
	}
	if opts.LogMaxFiles <= 0 {
		opts.LogMaxFiles = 10
	}
	if opts.LogRetention <= 0 {
		opts.LogRetention = 30 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		root:  root,
		opts:  opts,
		log:   opts.Logger,
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}

	if opts.CacheMaxCost > 0 {
		c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters: opts.CacheMaxCost / 100 * 10, // ~10x expected items
			MaxCost:     opts.CacheMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("fsstore: cache: %w", err)
		}
		s.cache = c
	}

	return s, nil
}

// Close releases the read cache.
func (s *Store) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

func (s *Store) sessionDir(projectID, featureID string) string {
	return filepath.Join(s.root, "sessions", projectID, featureID)
}

// lock returns the per-session mutex, creating it on first use.
func (s *Store) lock(projectID, featureID string) *sync.Mutex {
	key := projectID + "/" + featureID
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// readJSONFile decodes one JSON file into v. Missing or undecodable files
// return domain.ErrNotFound; corrupt content is logged for diagnosis.
func (s *Store) readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, domain.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", path, domain.ErrNotFound)
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn("corrupt store file treated as absent", "path", path, "error", err)
		return fmt.Errorf("%s: %w", path, domain.ErrNotFound)
	}
	return nil
}

// GetSession loads one session record.
func (s *Store) GetSession(projectID, featureID string) (*session.Session, error) {
	key := "session:" + projectID + "/" + featureID
	if s.cache != nil {
		if data, ok := s.cache.Get(key); ok {
			var sess session.Session
			if err := json.Unmarshal(data, &sess); err == nil {
				return &sess, nil
			}
		}
	}

	var sess session.Session
	path := filepath.Join(s.sessionDir(projectID, featureID), sessionFile)
	if err := s.readJSONFile(path, &sess); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(&sess); err == nil {
			s.cache.SetWithTTL(key, data, int64(len(data)), s.opts.CacheTTL)
		}
	}
	return &sess, nil
}

// PutSession persists one session record atomically and refreshes the small
// status.json beside it.
func (s *Store) PutSession(sess *session.Session) error {
	mu := s.lock(sess.ProjectID, sess.FeatureID)
	mu.Lock()
	defer mu.Unlock()

	sess.UpdatedAt = s.now()
	dir := s.sessionDir(sess.ProjectID, sess.FeatureID)

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, sessionFile), data); err != nil {
		return fmt.Errorf("put session: %w", err)
	}

	status := map[string]any{
		"stage":      sess.Stage,
		"status":     sess.Status,
		"updated_at": sess.UpdatedAt,
	}
	if sd, err := json.Marshal(status); err == nil {
		if err := writeFileAtomic(filepath.Join(dir, statusFile), sd); err != nil {
			s.log.Warn("status file write failed", "error", err)
		}
	}

	if s.cache != nil {
		key := "session:" + sess.ProjectID + "/" + sess.FeatureID
		s.cache.SetWithTTL(key, data, int64(len(data)), s.opts.CacheTTL)
	}
	return nil
}

// ListSessions returns every stored session, newest first.
func (s *Store) ListSessions() ([]session.Session, error) {
	base := filepath.Join(s.root, "sessions")
	projects, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []session.Session
	for _, p := range projects {
		if !p.IsDir() {
			continue
		}
		sessions, err := s.ListByProject(p.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, sessions...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListByProject returns every session of one project.
func (s *Store) ListByProject(projectID string) ([]session.Session, error) {
	dir := filepath.Join(s.root, "sessions", projectID)
	features, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list project %s: %w", projectID, err)
	}

	var out []session.Session
	for _, f := range features {
		if !f.IsDir() {
			continue
		}
		sess, err := s.GetSession(projectID, f.Name())
		if err != nil {
			// Skip unreadable entries; readers decide whether absence is fatal.
			continue
		}
		out = append(out, *sess)
	}
	return out, nil
}

// GetPlan loads the plan for one session.
func (s *Store) GetPlan(projectID, featureID string) (*plan.Plan, error) {
	var p plan.Plan
	path := filepath.Join(s.sessionDir(projectID, featureID), planFile)
	if err := s.readJSONFile(path, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutPlan persists the plan atomically.
func (s *Store) PutPlan(p *plan.Plan) error {
	mu := s.lock(p.ProjectID, p.FeatureID)
	mu.Lock()
	defer mu.Unlock()

	p.UpdatedAt = s.now()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	path := filepath.Join(s.sessionDir(p.ProjectID, p.FeatureID), planFile)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("put plan: %w", err)
	}
	return nil
}

// ListQuestions loads all questions for one session. A missing file is an
// empty list.
func (s *Store) ListQuestions(projectID, featureID string) ([]question.Question, error) {
	var qs []question.Question
	path := filepath.Join(s.sessionDir(projectID, featureID), questionsFile)
	if err := s.readJSONFile(path, &qs); err != nil {
		return nil, nil //nolint:nilerr // absence means no questions yet
	}
	return qs, nil
}

// PutQuestions replaces the stored question list atomically.
func (s *Store) PutQuestions(projectID, featureID string, qs []question.Question) error {
	mu := s.lock(projectID, featureID)
	mu.Lock()
	defer mu.Unlock()

	data, err := json.MarshalIndent(qs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	path := filepath.Join(s.sessionDir(projectID, featureID), questionsFile)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("put questions: %w", err)
	}
	return nil
}

// UpsertQuestion inserts or replaces one question by id.
func (s *Store) UpsertQuestion(projectID, featureID string, q question.Question) error {
	qs, err := s.ListQuestions(projectID, featureID)
	if err != nil {
		return err
	}
	replaced := false
	for i := range qs {
		if qs[i].ID == q.ID {
			qs[i] = q
			replaced = true
			break
		}
	}
	if !replaced {
		qs = append(qs, q)
	}
	return s.PutQuestions(projectID, featureID, qs)
}

// GetPreferences loads per-project preferences; missing file returns the
// defaults.
func (s *Store) GetPreferences(projectID string) (session.Preferences, error) {
	var p session.Preferences
	path := filepath.Join(s.root, "projects", projectID, preferencesFile)
	if err := s.readJSONFile(path, &p); err != nil {
		return session.DefaultPreferences(), nil //nolint:nilerr // defaults on absence
	}
	return p, nil
}

// PutPreferences persists per-project preferences atomically.
func (s *Store) PutPreferences(projectID string, p session.Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	path := filepath.Join(s.root, "projects", projectID, preferencesFile)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("put preferences: %w", err)
	}
	return nil
}
