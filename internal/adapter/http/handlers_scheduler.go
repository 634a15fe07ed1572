package http

import (
	"net/http"
)

// roundCommand is the body of the round control endpoints. ExpectedRoundID
// guards against acting on a round that has since been replaced.
type roundCommand struct {
	SpeakerID       string `json:"speaker_id,omitempty"`
	ExpectedRoundID string `json:"expected_round_id,omitempty"`
	CancelRunning   bool   `json:"cancel_running,omitempty"`
}

type commandResult struct {
	Applied bool `json:"applied"`
}

// writeApplied reports the outcome of a round command. A command naming a
// round that was replaced fails with 409 stale_round before getting here;
// applied=false means the round was current but nothing needed to change.
func writeApplied(w http.ResponseWriter, applied bool) {
	writeJSON(w, http.StatusOK, commandResult{Applied: applied})
}

func (h *Handlers) SkipSpeaker(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[roundCommand](w, r, h.limit())
	if !ok {
		return
	}
	applied, err := h.Scheduler.SkipCurrentSpeaker(r.Context(), urlParam(r, "convID"), req.SpeakerID, req.ExpectedRoundID, req.CancelRunning)
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeApplied(w, applied)
}

func (h *Handlers) RetrySpeaker(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[roundCommand](w, r, h.limit())
	if !ok {
		return
	}
	applied, err := h.Scheduler.RetryCurrentSpeaker(r.Context(), urlParam(r, "convID"), req.ExpectedRoundID)
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeApplied(w, applied)
}

func (h *Handlers) InsertSpeaker(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[roundCommand](w, r, h.limit())
	if !ok {
		return
	}
	if req.SpeakerID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "speaker_id is required")
		return
	}
	applied, err := h.Scheduler.InsertNextSpeaker(r.Context(), urlParam(r, "convID"), req.SpeakerID, req.ExpectedRoundID)
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeApplied(w, applied)
}

func (h *Handlers) PauseRound(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[roundCommand](w, r, h.limit())
	if !ok {
		return
	}
	applied, err := h.Scheduler.PauseRound(r.Context(), urlParam(r, "convID"), req.ExpectedRoundID)
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeApplied(w, applied)
}

func (h *Handlers) ResumeRound(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[roundCommand](w, r, h.limit())
	if !ok {
		return
	}
	applied, err := h.Scheduler.ResumeRound(r.Context(), urlParam(r, "convID"), req.ExpectedRoundID)
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeApplied(w, applied)
}

// Stop ends the active round, cancels queued and running work and switches
// the auto loops off. It is idempotent.
func (h *Handlers) Stop(w http.ResponseWriter, r *http.Request) {
	stopped, err := h.Scheduler.Stop(r.Context(), urlParam(r, "convID"))
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, commandResult{Applied: stopped})
}

// --- Health and recovery ---

func (h *Handlers) CheckHealth(w http.ResponseWriter, r *http.Request) {
	handleGet("convID", h.Health.Check, "conversation not found")(w, r)
}

func (h *Handlers) CancelStuckRun(w http.ResponseWriter, r *http.Request) {
	canceled, err := h.Health.CancelStuckRun(r.Context(), urlParam(r, "convID"))
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, commandResult{Applied: canceled})
}

func (h *Handlers) RetryStuckRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Health.RetryStuckRun(r.Context(), urlParam(r, "convID"))
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *Handlers) RetryFailedRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Health.RetryFailedRun(r.Context(), urlParam(r, "convID"))
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *Handlers) RecoverIdle(w http.ResponseWriter, r *http.Request) {
	rd, err := h.Health.RecoverIdle(r.Context(), urlParam(r, "convID"))
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusAccepted, rd)
}
