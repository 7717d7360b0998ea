// Package question defines the Question entity: clarifications the agent
// raises during a stage, answered by the user.
package question

import (
	"time"

	"github.com/google/uuid"
)

// Option is one selectable answer for a question.
type Option struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Recommended bool   `json:"recommended,omitempty"`
}

// Question lifecycle: created by post-processing, pending until answered,
// then immutable.
type Question struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	FeatureID    string     `json:"feature_id"`
	Stage        int        `json:"stage"`
	QuestionText string     `json:"question_text"`
	Options      []Option   `json:"options,omitempty"`
	Answer       *string    `json:"answer,omitempty"`
	AskedAt      time.Time  `json:"asked_at"`
	AnsweredAt   *time.Time `json:"answered_at,omitempty"`
}

// NewID returns a fresh question identifier.
func NewID() string { return uuid.NewString() }

// Answered reports whether the question has an answer.
func (q *Question) Answered() bool { return q.Answer != nil }

// Unanswered filters the pending questions out of qs.
func Unanswered(qs []Question) []Question {
	var out []Question
	for _, q := range qs {
		if !q.Answered() {
			out = append(out, q)
		}
	}
	return out
}
