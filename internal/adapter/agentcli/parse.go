package agentcli

import (
	"encoding/json"
	"errors"
	"strings"
)

// envelope mirrors the agent's stream-JSON lines. Only the fields the
// orchestrator consumes are declared.
type envelope struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	SessionID    string  `json:"session_id"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	IsError      bool    `json:"is_error"`
}

// parseResult extracts the trailing result envelope from the accumulated
// stream-JSON output. The session token is taken from any line that carries
// one, so a resume id survives even a truncated tail.
func parseResult(output string) (*Result, error) {
	res := &Result{Output: output}

	var resultSeen bool
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue
		}
		if env.SessionID != "" {
			res.AgentSessionID = env.SessionID
		}
		if env.Type == "result" {
			resultSeen = true
			res.ResultText = env.Result
			res.CostUSD = env.TotalCostUSD
			if env.IsError {
				res.ResultText = env.Result
			}
		}
	}

	if !resultSeen {
		return nil, errors.New("no result envelope in agent output")
	}
	return res, nil
}

// ExtractJSONObject scans s for the first balanced top-level JSON object and
// returns it. Unlike a non-greedy regex it handles nested objects and braces
// inside strings.
func ExtractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		if obj, ok := scanBalanced(s[start:]); ok {
			if json.Valid([]byte(obj)) {
				return obj, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return "", false
}

// scanBalanced returns the prefix of s that forms one balanced {...} group,
// respecting JSON string literals and escapes.
func scanBalanced(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
