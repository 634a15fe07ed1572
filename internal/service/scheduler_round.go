package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/event"
	"github.com/roundtable-chat/roundtable/internal/domain/round"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/selection"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
)

// roster is the space and its members as seen by one command.
type roster struct {
	space   *space.Space
	members []space.Membership
	byID    map[string]*space.Membership
}

func (s *SchedulerService) loadRoster(t *txn) (*roster, error) {
	sp, err := t.tx.GetSpace(t.ctx, t.conv.SpaceID)
	if err != nil {
		return nil, fmt.Errorf("get space: %w", err)
	}
	members, err := t.tx.ListMembers(t.ctx, t.conv.SpaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	ro := &roster{space: sp, members: members, byID: make(map[string]*space.Membership, len(members))}
	for i := range members {
		ro.byID[members[i].ID] = &members[i]
	}
	return ro, nil
}

// startRound computes the activated queue and opens a new round. It returns
// nil when nobody was activated. A round already started for the same
// trigger is returned unchanged.
func (s *SchedulerService) startRound(t *txn, trigger *conversation.Message, isUserInput bool, auto round.AutoKind) (*round.Round, error) {
	active, err := s.activeRound(t)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if trigger != nil && active.TriggerMessageID == trigger.ID {
			return active, nil
		}
		if err := s.supersede(t, active); err != nil {
			return nil, err
		}
	}

	ro, err := s.loadRoster(t)
	if err != nil {
		return nil, err
	}
	history, err := t.tx.ListMessages(t.ctx, t.conv.ID, s.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	queue := selection.Select(selection.Input{
		Space:         ro.space,
		Members:       ro.members,
		History:       history,
		Trigger:       trigger,
		IsUserInput:   isUserInput,
		ExcludeHumans: auto == round.AutoWithoutHuman,
		Rand:          s.rng(),
	})
	if len(queue) == 0 {
		slog.InfoContext(t.ctx, "no speaker activated", "reply_order", ro.space.Order())
		if active != nil {
			t.conv.SchedulingState = conversation.StateIdle
		}
		return nil, nil
	}

	ids := make([]string, len(queue))
	for i := range queue {
		ids[i] = queue[i].ID
	}
	triggerID := ""
	if trigger != nil {
		triggerID = trigger.ID
	}
	r := round.New("", t.conv.ID, triggerID, isUserInput, auto, ids, t.now)
	if err := t.tx.CreateRound(t.ctx, r); err != nil {
		return nil, fmt.Errorf("create round: %w", err)
	}
	t.conv.SchedulingState = conversation.StateAIGenerating
	t.touch()
	t.emit(event.TypeRoundStarted, r.ID, "", map[string]any{
		"trigger_message_id": triggerID,
		"is_user_input":      isUserInput,
		"auto_kind":          auto,
		"queue":              ids,
	})
	order, kind := string(ro.space.Order()), string(r.AutoKind)
	t.onCommit(func(ctx context.Context) { s.metrics.RoundStarted(ctx, order, kind) })
	slog.InfoContext(t.ctx, "round started", "round_id", r.ID, "speakers", len(ids), "auto_kind", auto)

	var delay time.Duration
	switch {
	case auto != round.AutoNone:
		delay = ro.space.AutoModeDelay()
	case isUserInput:
		delay = ro.space.UserTurnDebounce()
	}
	if err := s.scheduleCurrent(t, r, ro, delay); err != nil {
		return nil, err
	}
	return r, nil
}

// supersede ends an active round in favor of a newer trigger.
func (s *SchedulerService) supersede(t *txn, r *round.Round) error {
	return s.finishRound(t, r, round.EndedSuperseded)
}

// scheduleCurrent walks the round from CurrentPosition and queues a run for
// the first speaker who can take the turn. Positions whose member was
// removed or muted since the round started are skipped when reached.
func (s *SchedulerService) scheduleCurrent(t *txn, r *round.Round, ro *roster, delay time.Duration) error {
	for {
		pos := r.NextPending(r.CurrentPosition)
		if pos < 0 {
			r.CurrentPosition = len(r.Participants)
			return s.finishRound(t, r, round.EndedRoundComplete)
		}
		r.CurrentPosition = pos
		p := r.Participants[pos]
		m := ro.byID[p.MembershipID]

		if reason := skipReason(r, m); reason != "" {
			if err := s.markParticipant(t, r, pos, round.ParticipantSkipped, ""); err != nil {
				return err
			}
			t.emit(event.TypeSpeakerSkipped, r.ID, "", map[string]any{
				"position":   pos,
				"speaker_id": p.MembershipID,
				"reason":     reason,
			})
			r.CurrentPosition = pos + 1
			continue
		}

		if r.SchedulingState == conversation.StatePaused {
			return s.saveRound(t, r)
		}

		if !m.CanAutoRespond() {
			r.SchedulingState = conversation.StateHumanWaiting
			t.conv.SchedulingState = conversation.StateHumanWaiting
			return s.saveRound(t, r)
		}

		held, err := s.slotHeld(t, r, pos, m.ID)
		if err != nil {
			return err
		}
		switch held {
		case slotOurs:
			r.SchedulingState = conversation.StateAIGenerating
			t.conv.SchedulingState = conversation.StateAIGenerating
			return s.saveRound(t, r)
		case slotTaken:
			r.SchedulingState = conversation.StateWaitingForSpeaker
			t.conv.SchedulingState = conversation.StateWaitingForSpeaker
			return s.saveRound(t, r)
		}

		kind := run.KindAutoResponse
		if m.IsHuman() {
			kind = run.KindCopilotContinue
		}
		rn := &run.Run{
			RoundID:   r.ID,
			SpeakerID: m.ID,
			Kind:      kind,
			Reason:    "round_turn",
			Debug: run.Debug{
				"round_id":           r.ID,
				"position":           pos,
				"trigger_message_id": r.TriggerMessageID,
			},
		}
		if delay > 0 {
			at := t.now.Add(delay)
			rn.RunAfter = &at
		}
		created, err := s.createRun(t, rn)
		if err != nil {
			return err
		}
		if created {
			r.SchedulingState = conversation.StateAIGenerating
		} else {
			r.SchedulingState = conversation.StateWaitingForSpeaker
		}
		t.conv.SchedulingState = r.SchedulingState
		return s.saveRound(t, r)
	}
}

func skipReason(r *round.Round, m *space.Membership) string {
	switch {
	case m == nil || !m.IsActive():
		return "removed"
	case m.IsMuted():
		return "muted"
	case r.AutoKind == round.AutoWithoutHuman && m.IsHuman():
		return "human_excluded"
	}
	return ""
}

type slotState int

const (
	slotFree slotState = iota
	slotOurs
	slotTaken
)

// slotHeld inspects the queued slot and the running slot for the turn at
// pos. A run of this round for this speaker means the turn is already
// scheduled; any other queued run holds the slot.
func (s *SchedulerService) slotHeld(t *txn, r *round.Round, pos int, speakerID string) (slotState, error) {
	mine := func(x *run.Run) bool {
		if x == nil || x.RoundID != r.ID || x.SpeakerID != speakerID {
			return false
		}
		p, ok := x.Debug["position"]
		if !ok {
			return true
		}
		return toInt(p) == pos
	}
	q, err := optional(t.tx.QueuedRun(t.ctx, t.conv.ID))
	if err != nil {
		return slotFree, fmt.Errorf("get queued run: %w", err)
	}
	if q != nil {
		if mine(q) {
			return slotOurs, nil
		}
		return slotTaken, nil
	}
	running, err := optional(t.tx.RunningRun(t.ctx, t.conv.ID))
	if err != nil {
		return slotFree, fmt.Errorf("get running run: %w", err)
	}
	if mine(running) && !running.CancelRequested() {
		return slotOurs, nil
	}
	return slotFree, nil
}

// toInt reads a position stored in run debug, which may have round-tripped
// through JSON.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return -1
}

// roundPosition returns the round position a round-driven run was queued
// for, or -1.
func roundPosition(r *run.Run) int {
	if !r.IsRoundDriven() {
		return -1
	}
	p, ok := r.Debug["position"]
	if !ok {
		return -1
	}
	return toInt(p)
}

// holdsTurn reports whether rn was queued for participant p.
func holdsTurn(p *round.Participant, rn *run.Run) bool {
	if p.MembershipID != rn.SpeakerID {
		return false
	}
	pos := roundPosition(rn)
	return pos < 0 || pos == p.Position
}

func (s *SchedulerService) saveRound(t *txn, r *round.Round) error {
	r.UpdatedAt = t.now
	if err := t.tx.UpdateRound(t.ctx, r); err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	t.touch()
	return nil
}

func (s *SchedulerService) markParticipant(t *txn, r *round.Round, pos int, status round.ParticipantStatus, messageID string) error {
	if err := r.Mark(pos, status, messageID); err != nil {
		return err
	}
	if err := t.tx.UpdateParticipant(t.ctx, r.Participants[pos]); err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	t.touch()
	return nil
}

// advance marks the current position spoken and schedules the next turn.
func (s *SchedulerService) advance(t *txn, r *round.Round, messageID string) error {
	pos := r.CurrentPosition
	speaker := r.Participants[pos].MembershipID
	if err := s.markParticipant(t, r, pos, round.ParticipantSpoken, messageID); err != nil {
		return err
	}
	t.emit(event.TypeRoundAdvanced, r.ID, "", map[string]any{
		"position":   pos,
		"speaker_id": speaker,
		"message_id": messageID,
	})
	r.CurrentPosition = pos + 1
	if r.SchedulingState != conversation.StatePaused {
		r.SchedulingState = conversation.StateAIGenerating
	}
	ro, err := s.loadRoster(t)
	if err != nil {
		return err
	}
	return s.scheduleCurrent(t, r, ro, 0)
}

// finishRound closes r and, for completed rounds, continues an auto loop or
// hands the floor to an autopilot human.
func (s *SchedulerService) finishRound(t *txn, r *round.Round, reason round.EndedReason) error {
	r.Finish(reason, t.now)
	r.SchedulingState = conversation.StateIdle
	if err := t.tx.UpdateRound(t.ctx, r); err != nil {
		return fmt.Errorf("finish round: %w", err)
	}
	if err := s.cancelQueuedRun(t, r.ID, string(reason)); err != nil {
		return err
	}
	t.conv.SchedulingState = conversation.StateIdle
	t.touch()
	t.emit(event.TypeRoundFinished, r.ID, "", map[string]any{"ended_reason": reason})
	t.onCommit(func(ctx context.Context) { s.metrics.RoundFinished(ctx, string(reason)) })
	slog.InfoContext(t.ctx, "round finished", "round_id", r.ID, "ended_reason", reason)

	if reason != round.EndedRoundComplete {
		return nil
	}
	if kind, loop := autoLoop(t.conv); loop != nil {
		return s.continueAutoLoop(t, kind, loop)
	}
	return s.handToCopilot(t)
}

// autoLoop returns the enabled conversation auto loop, if any.
func autoLoop(c *conversation.Conversation) (round.AutoKind, *conversation.AutoLoop) {
	switch {
	case c.AutoWithoutHuman.Enabled:
		return round.AutoWithoutHuman, &c.AutoWithoutHuman
	case c.AutoMode.Enabled:
		return round.AutoMode, &c.AutoMode
	}
	return round.AutoNone, nil
}

// continueAutoLoop consumes one remaining round and starts it. The loop is
// switched off when it runs dry or nobody can speak.
func (s *SchedulerService) continueAutoLoop(t *txn, kind round.AutoKind, loop *conversation.AutoLoop) error {
	if loop.RemainingRounds <= 0 {
		*loop = conversation.AutoLoop{}
		t.emit(event.TypeAutoModeChanged, "", "", map[string]any{"kind": kind, "enabled": false, "reason": "exhausted"})
		return nil
	}
	loop.RemainingRounds--
	trigger, err := optional(t.tx.LastMessage(t.ctx, t.conv.ID))
	if err != nil {
		return fmt.Errorf("last message: %w", err)
	}
	r, err := s.startRound(t, trigger, false, kind)
	if err != nil {
		return err
	}
	if r == nil {
		*loop = conversation.AutoLoop{}
		t.emit(event.TypeAutoModeChanged, "", "", map[string]any{"kind": kind, "enabled": false, "reason": "no_speaker"})
	}
	return nil
}

// handToCopilot queues a standalone turn for the first autopilot human, by
// position, once a round completes without an auto loop.
func (s *SchedulerService) handToCopilot(t *txn) error {
	ro, err := s.loadRoster(t)
	if err != nil {
		return err
	}
	var pick *space.Membership
	for i := range ro.members {
		m := &ro.members[i]
		if !m.IsActive() || !m.CanAutoRespond() || !m.IsHuman() {
			continue
		}
		if pick == nil || m.Position < pick.Position {
			pick = m
		}
	}
	if pick == nil {
		return nil
	}
	_, err = s.createRun(t, &run.Run{
		SpeakerID: pick.ID,
		Kind:      run.KindCopilotContinue,
		Reason:    "copilot_continue",
		Debug:     run.Debug{"copilot_remaining_steps": pick.CopilotRemainingSteps},
	})
	if err != nil {
		return err
	}
	t.conv.SchedulingState = conversation.StateAIGenerating
	return nil
}
