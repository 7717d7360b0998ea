package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, handleWS http.HandlerFunc) {
	r.Get("/health", h.Health)
	r.Get("/ws", handleWS)

	r.Route("/api", func(r chi.Router) {
		// Sessions
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/check-queue", h.CheckQueueByPath)
		r.Get("/sessions/{projectId}/{featureId}", h.GetSession)

		// Session artifacts
		r.Get("/sessions/{projectId}/{featureId}/plan", h.GetPlan)
		r.Get("/sessions/{projectId}/{featureId}/questions", h.GetQuestions)
		r.Get("/sessions/{projectId}/{featureId}/conversations", h.GetConversations)

		// Session interactions
		r.Post("/sessions/{projectId}/{featureId}/answers", h.SubmitAnswers)
		r.Post("/sessions/{projectId}/{featureId}/approve", h.ApprovePlan)
		r.Post("/sessions/{projectId}/{featureId}/request-changes", h.RequestChanges)
		r.Post("/sessions/{projectId}/{featureId}/transition", h.Transition)
		r.Post("/sessions/{projectId}/{featureId}/retry", h.Retry)
		r.Post("/sessions/{projectId}/{featureId}/backout", h.Backout)
		r.Post("/sessions/{projectId}/{featureId}/resume", h.Resume)
		r.Post("/sessions/{projectId}/{featureId}/re-review", h.ReReview)
		r.Post("/sessions/{projectId}/{featureId}/final-approval", h.FinalApproval)

		// Projects
		r.Get("/projects/{projectId}/sessions", h.ListProjectSessions)
		r.Get("/projects/{projectId}/check-queue", h.CheckQueue)
		r.Get("/projects/{projectId}/queue", h.GetQueue)
		r.Put("/projects/{projectId}/queue-order", h.SetQueueOrder)
		r.Get("/projects/{projectId}/preferences", h.GetPreferences)
		r.Put("/projects/{projectId}/preferences", h.PutPreferences)
	})
}
