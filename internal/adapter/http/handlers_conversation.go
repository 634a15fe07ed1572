package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
)

// --- Messages ---

func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Messages.List(r.Context(), urlParam(r, "convID"), queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessage creates a manual message. Generation locks and autopilot
// blocks surface as typed failures.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[conversation.SendMessageRequest](w, r, h.limit())
	if !ok {
		return
	}
	msg, err := h.Messages.Create(r.Context(), urlParam(r, "convID"), req)
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handlers) EditMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[editMessageRequest](w, r, h.limit())
	if !ok {
		return
	}
	msg, err := h.Messages.Edit(r.Context(), urlParam(r, "convID"), urlParam(r, "msgID"), req.Content)
	if err != nil {
		writeDomainError(w, err, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handlers) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.Messages.Delete(r.Context(), urlParam(r, "convID"), urlParam(r, "msgID")); err != nil {
		writeDomainError(w, err, "message not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Regenerate rewrites an assistant message: in place at the tail, else on a
// new branch.
func (h *Handlers) Regenerate(w http.ResponseWriter, r *http.Request) {
	res, err := h.Planner.PlanRegenerate(r.Context(), urlParam(r, "convID"), urlParam(r, "msgID"))
	if err != nil {
		writeDomainError(w, err, "message not found")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// --- Direct speaker control ---

type speakerRequest struct {
	MembershipID string `json:"space_membership_id"`
	Steps        int    `json:"steps,omitempty"`
}

func (h *Handlers) ForceTalk(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[speakerRequest](w, r, h.limit())
	if !ok {
		return
	}
	run, err := h.Planner.PlanForceTalk(r.Context(), urlParam(r, "convID"), req.MembershipID)
	if err != nil {
		writeDomainError(w, err, "member not found")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *Handlers) StartCopilot(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[speakerRequest](w, r, h.limit())
	if !ok {
		return
	}
	run, err := h.Planner.PlanCopilotStart(r.Context(), urlParam(r, "convID"), req.MembershipID, req.Steps)
	if err != nil {
		writeDomainError(w, err, "member not found")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *Handlers) StopCopilot(w http.ResponseWriter, r *http.Request) {
	if err := h.Spaces.DisableCopilot(r.Context(), urlParam(r, "convID"), urlParam(r, "memberID")); err != nil {
		writeDomainError(w, err, "member not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type autoRequest struct {
	Enabled bool `json:"enabled"`
	Rounds  int  `json:"rounds,omitempty"`
}

func (h *Handlers) SetAutoMode(w http.ResponseWriter, r *http.Request) {
	handleUpdate(h.limit(), "convID", func(ctx context.Context, id string, req autoRequest) (*conversation.Conversation, error) {
		return h.Spaces.SetAutoMode(ctx, id, req.Enabled, req.Rounds)
	}, "conversation not found")(w, r)
}

func (h *Handlers) SetAutoWithoutHuman(w http.ResponseWriter, r *http.Request) {
	handleUpdate(h.limit(), "convID", func(ctx context.Context, id string, req autoRequest) (*conversation.Conversation, error) {
		return h.Spaces.SetAutoWithoutHuman(ctx, id, req.Enabled, req.Rounds)
	}, "conversation not found")(w, r)
}

type kickRequest struct {
	Force bool `json:"force,omitempty"`
}

func (h *Handlers) KickRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[kickRequest](w, r, h.limit())
	if !ok {
		return
	}
	changed, err := h.Planner.Kick(r.Context(), urlParam(r, "runID"), req.Force)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// --- Queries ---

func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	handleGet("convID", h.Scheduler.State, "conversation not found")(w, r)
}

func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	handleGet("convID", h.Scheduler.QueuePreview, "conversation not found")(w, r)
}

func (h *Handlers) GetNextSpeaker(w http.ResponseWriter, r *http.Request) {
	m, err := h.Scheduler.NextSpeaker(r.Context(), urlParam(r, "convID"))
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	if m == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetHistory returns the scheduler audit log. Filters: types (comma
// separated), run_id, cursor and limit.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := event.Filter{RunID: q.Get("run_id")}
	if types := q.Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, event.Type(t))
			}
		}
	}
	page, err := h.Scheduler.History(r.Context(), urlParam(r, "convID"), filter, q.Get("cursor"), queryInt(r, "limit", 50))
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
