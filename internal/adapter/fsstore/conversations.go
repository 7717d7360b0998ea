package fsstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clrke/ralph-web/internal/domain/conversation"
)

// AppendConversation appends one entry to the session's newline-delimited
// conversation log, rotating the file first when it exceeds the size
// threshold.
func (s *Store) AppendConversation(projectID, featureID string, e conversation.Entry) error {
	mu := s.lock(projectID, featureID)
	mu.Lock()
	defer mu.Unlock()

	dir := s.sessionDir(projectID, featureID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir session dir: %w", err)
	}
	path := filepath.Join(dir, conversationsFile)

	if err := s.rotateIfNeeded(path); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync log: %w", err)
	}
	return nil
}

// ReadConversations returns the full log in append order: rotated files
// oldest first, then the live file, so history survives rotation. Torn
// trailing lines (partial writes during a crash) are skipped.
func (s *Store) ReadConversations(projectID, featureID string) ([]conversation.Entry, error) {
	path := filepath.Join(s.sessionDir(projectID, featureID), conversationsFile)

	var out []conversation.Entry
	for n := s.opts.LogMaxFiles; n >= 1; n-- {
		entries, err := s.readLog(rotatedName(path, n), projectID, featureID)
		if err != nil {
			return out, err
		}
		out = append(out, entries...)
	}
	entries, err := s.readLog(path, projectID, featureID)
	return append(out, entries...), err
}

// readLog scans one NDJSON log file; a missing file yields no entries.
func (s *Store) readLog(path, projectID, featureID string) ([]conversation.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var out []conversation.Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e conversation.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			s.log.Warn("skipping torn conversation line", "project_id", projectID, "feature_id", featureID)
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("scan log: %w", err)
	}
	return out, nil
}

// LastConversation returns the most recent entry, or nil when the log is
// empty.
func (s *Store) LastConversation(projectID, featureID string) (*conversation.Entry, error) {
	entries, err := s.ReadConversations(projectID, featureID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[len(entries)-1], nil
}
