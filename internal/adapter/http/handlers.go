package http

import (
	"context"
	"net/http"

	"github.com/roundtable-chat/roundtable/internal/adapter/ws"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
	"github.com/roundtable-chat/roundtable/internal/service"
)

const defaultBodyLimit = 1 << 20 // 1 MB

// Handlers holds the services the HTTP adapter dispatches to.
type Handlers struct {
	Spaces    *service.SpaceService
	Messages  *service.MessageService
	Planner   *service.PlannerService
	Scheduler *service.SchedulerService
	Forks     *service.ForkService
	Health    *service.HealthService
	Hub       *ws.Hub

	// BodyLimit caps request bodies; zero means 1 MB.
	BodyLimit int64
}

func (h *Handlers) limit() int64 {
	if h.BodyLimit > 0 {
		return h.BodyLimit
	}
	return defaultBodyLimit
}

// --- Spaces ---

func (h *Handlers) CreateSpace(w http.ResponseWriter, r *http.Request) {
	handleCreate(h.limit(), h.Spaces.CreateSpace)(w, r)
}

func (h *Handlers) GetSpace(w http.ResponseWriter, r *http.Request) {
	handleGet("spaceID", h.Spaces.GetSpace, "space not found")(w, r)
}

func (h *Handlers) UpdateSpace(w http.ResponseWriter, r *http.Request) {
	handleUpdate(h.limit(), "spaceID", h.Spaces.UpdateSettings, "space not found")(w, r)
}

// --- Members ---

func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	handleListByParam("spaceID", h.Spaces.ListMembers, "space not found")(w, r)
}

func (h *Handlers) AddMember(w http.ResponseWriter, r *http.Request) {
	handleCreate(h.limit(), func(ctx context.Context, req space.AddMemberRequest) (*space.Membership, error) {
		return h.Spaces.AddMember(ctx, urlParam(r, "spaceID"), req)
	})(w, r)
}

type participationRequest struct {
	Participation space.Participation `json:"participation"`
}

func (h *Handlers) SetParticipation(w http.ResponseWriter, r *http.Request) {
	handleUpdate(h.limit(), "memberID", func(ctx context.Context, id string, req participationRequest) (*space.Membership, error) {
		return h.Spaces.SetParticipation(ctx, id, req.Participation)
	}, "member not found")(w, r)
}

func (h *Handlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Spaces.RemoveMember(r.Context(), urlParam(r, "memberID"))
	if err != nil {
		writeDomainError(w, err, "member not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Conversations ---

func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	handleListByParam("spaceID", h.Spaces.ListConversations, "space not found")(w, r)
}

func (h *Handlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	handleCreate(h.limit(), func(ctx context.Context, req conversation.CreateRequest) (*conversation.Conversation, error) {
		req.SpaceID = urlParam(r, "spaceID")
		return h.Spaces.CreateConversation(ctx, req)
	})(w, r)
}

func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	handleGet("convID", h.Spaces.GetConversation, "conversation not found")(w, r)
}

type forkRequest struct {
	Kind       conversation.Kind       `json:"kind,omitempty"`
	Title      string                  `json:"title,omitempty"`
	Visibility conversation.Visibility `json:"visibility,omitempty"`
}

// ForkConversation branches the conversation at a message.
func (h *Handlers) ForkConversation(w http.ResponseWriter, r *http.Request) {
	handleCreate(h.limit(), func(ctx context.Context, req forkRequest) (*conversation.Conversation, error) {
		return h.Forks.Fork(ctx, conversation.ForkRequest{
			ParentConversationID: urlParam(r, "convID"),
			FromMessageID:        urlParam(r, "msgID"),
			Kind:                 req.Kind,
			Title:                req.Title,
			Visibility:           req.Visibility,
		})
	})(w, r)
}

// --- Liveness ---

// Liveness reports process liveness.
func (h *Handlers) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
