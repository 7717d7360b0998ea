// Package service holds the orchestration core: the per-session engine, the
// per-project queue manager, and the post-processing passes that refine raw
// agent output into structured artifacts.
package service

import (
	"context"

	"github.com/clrke/ralph-web/internal/adapter/agentcli"
	"github.com/clrke/ralph-web/internal/domain/conversation"
	"github.com/clrke/ralph-web/internal/domain/plan"
	"github.com/clrke/ralph-web/internal/domain/question"
	"github.com/clrke/ralph-web/internal/domain/session"
)

// Store is the durable persistence surface the services depend on.
type Store interface {
	GetSession(projectID, featureID string) (*session.Session, error)
	PutSession(s *session.Session) error
	ListSessions() ([]session.Session, error)
	ListByProject(projectID string) ([]session.Session, error)

	GetPlan(projectID, featureID string) (*plan.Plan, error)
	PutPlan(p *plan.Plan) error

	ListQuestions(projectID, featureID string) ([]question.Question, error)
	PutQuestions(projectID, featureID string, qs []question.Question) error
	UpsertQuestion(projectID, featureID string, q question.Question) error

	AppendConversation(projectID, featureID string, e conversation.Entry) error
	ReadConversations(projectID, featureID string) ([]conversation.Entry, error)
	LastConversation(projectID, featureID string) (*conversation.Entry, error)

	GetPreferences(projectID string) (session.Preferences, error)
	PutPreferences(projectID string, p session.Preferences) error
}

// AgentRunner executes one external agent invocation.
type AgentRunner interface {
	Run(ctx context.Context, req agentcli.Request) (*agentcli.Result, error)
}
