package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Liveness)
	if h.Hub != nil {
		r.Get("/ws", h.Hub.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Spaces and members
		r.Post("/spaces", h.CreateSpace)
		r.Get("/spaces/{spaceID}", h.GetSpace)
		r.Patch("/spaces/{spaceID}", h.UpdateSpace)
		r.Get("/spaces/{spaceID}/members", h.ListMembers)
		r.Post("/spaces/{spaceID}/members", h.AddMember)
		r.Put("/members/{memberID}/participation", h.SetParticipation)
		r.Delete("/members/{memberID}", h.RemoveMember)

		// Conversations
		r.Get("/spaces/{spaceID}/conversations", h.ListConversations)
		r.Post("/spaces/{spaceID}/conversations", h.CreateConversation)

		r.Route("/conversations/{convID}", func(r chi.Router) {
			r.Get("/", h.GetConversation)

			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.SendMessage)
			r.Patch("/messages/{msgID}", h.EditMessage)
			r.Delete("/messages/{msgID}", h.DeleteMessage)
			r.Post("/messages/{msgID}/regenerate", h.Regenerate)
			r.Post("/messages/{msgID}/fork", h.ForkConversation)

			r.Post("/force-talk", h.ForceTalk)
			r.Post("/copilot", h.StartCopilot)
			r.Delete("/copilot/{memberID}", h.StopCopilot)
			r.Put("/auto-mode", h.SetAutoMode)
			r.Put("/auto-without-human", h.SetAutoWithoutHuman)

			// Round control
			r.Post("/round/skip", h.SkipSpeaker)
			r.Post("/round/retry", h.RetrySpeaker)
			r.Post("/round/insert", h.InsertSpeaker)
			r.Post("/round/pause", h.PauseRound)
			r.Post("/round/resume", h.ResumeRound)
			r.Post("/stop", h.Stop)

			// Queries
			r.Get("/state", h.GetState)
			r.Get("/queue", h.GetQueue)
			r.Get("/next-speaker", h.GetNextSpeaker)
			r.Get("/history", h.GetHistory)

			// Health and recovery
			r.Get("/health", h.CheckHealth)
			r.Post("/health/cancel-stuck", h.CancelStuckRun)
			r.Post("/health/retry-stuck", h.RetryStuckRun)
			r.Post("/health/retry-failed", h.RetryFailedRun)
			r.Post("/health/recover-idle", h.RecoverIdle)
		})

		r.Post("/runs/{runID}/kick", h.KickRun)
	})
}

// NewRouter builds the chi router with the standard middleware chain.
func NewRouter(h *Handlers, corsOrigin string, tracing func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	if tracing != nil {
		r.Use(tracing)
	}
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(corsOrigin))
	MountRoutes(r, h)
	return r
}
