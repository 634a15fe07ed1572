package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	rtotel "github.com/roundtable-chat/roundtable/internal/adapter/otel"
	"github.com/roundtable-chat/roundtable/internal/config"
	"github.com/roundtable-chat/roundtable/internal/domain"
	"github.com/roundtable-chat/roundtable/internal/domain/conversation"
	"github.com/roundtable-chat/roundtable/internal/domain/run"
	"github.com/roundtable-chat/roundtable/internal/domain/space"
	"github.com/roundtable-chat/roundtable/internal/logger"
	"github.com/roundtable-chat/roundtable/internal/port/generator"
	"github.com/roundtable-chat/roundtable/internal/port/messagequeue"
	"github.com/roundtable-chat/roundtable/internal/workpool"
)

var errCancelRequested = errors.New("cancel requested")

// WorkerPool claims due runs and executes them with a Generator. Workers
// wake on the poll interval and on runs.kick; runs.cancel and heartbeat
// replies stop a generation in flight.
type WorkerPool struct {
	runs    *RunQueueService
	gen     generator.Generator
	cfg     config.Worker
	id      string
	pool    *workpool.Pool
	wake    chan struct{}
	cancels sync.Map // run id -> context.CancelCauseFunc
}

// NewWorkerPool creates a WorkerPool.
func NewWorkerPool(runs *RunQueueService, gen generator.Generator, cfg config.Worker) *WorkerPool {
	def := config.Defaults().Worker
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	return &WorkerPool{
		runs: runs,
		gen:  gen,
		cfg:  cfg,
		id:   "worker-" + uuid.NewString()[:8],
		pool: workpool.NewPool(cfg.Concurrency),
		wake: make(chan struct{}, 1),
	}
}

// ID returns the worker id recorded on claimed runs.
func (w *WorkerPool) ID() string { return w.id }

// Wake asks the pool to poll for due runs now.
func (w *WorkerPool) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls for work until ctx is canceled, then waits for in-flight runs
// to settle. Runs interrupted by shutdown are failed with worker_shutdown.
func (w *WorkerPool) Run(ctx context.Context) error {
	if q := w.runs.sched.queue; q != nil {
		stopKick, err := q.Subscribe(ctx, messagequeue.SubjectRunKick, func(_ context.Context, _ string, _ []byte) error {
			w.Wake()
			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectRunKick, err)
		}
		defer stopKick()
		stopCancel, err := q.Subscribe(ctx, messagequeue.SubjectRunCancel, w.handleCancel)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectRunCancel, err)
		}
		defer stopCancel()
	}

	slog.Info("worker pool started", "worker_id", w.id, "concurrency", w.cfg.Concurrency)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			w.pool.Wait()
			slog.Info("worker pool stopped", "worker_id", w.id)
			return nil
		case <-ticker.C:
			w.sweepStale(ctx)
		case <-w.wake:
		}
	}
}

// drain claims runs while slots are free and work is due.
func (w *WorkerPool) drain(ctx context.Context) {
	for ctx.Err() == nil {
		claimed := make(chan bool, 1)
		if !w.pool.TryGo(func() { w.next(ctx, claimed) }) {
			return
		}
		if !<-claimed {
			return
		}
	}
}

func (w *WorkerPool) next(ctx context.Context, claimed chan<- bool) {
	r, err := w.runs.Claim(ctx, w.id)
	if err != nil {
		slog.Error("claim failed", "worker_id", w.id, "error", err)
	}
	claimed <- r != nil
	if r != nil {
		w.execute(ctx, r)
	}
}

// ProcessOnce claims one due run and executes it inline. It reports whether
// a run was claimed.
func (w *WorkerPool) ProcessOnce(ctx context.Context) (bool, error) {
	r, err := w.runs.Claim(ctx, w.id)
	if err != nil || r == nil {
		return false, err
	}
	w.execute(ctx, r)
	return true, nil
}

func (w *WorkerPool) execute(ctx context.Context, r *run.Run) {
	runCtx, cancel := context.WithCancelCause(ctx)
	w.cancels.Store(r.ID, cancel)
	defer w.cancels.Delete(r.ID)
	defer cancel(nil)

	runCtx, span := rtotel.StartRunSpan(runCtx, r.ID, r.ConversationID, string(r.Kind))
	runCtx = logger.WithConversationID(logger.WithRequestID(runCtx, "run-"+r.ID), r.ConversationID)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(runCtx, r.ID, cancel)
	}()

	content, genErr := w.generate(runCtx, r)
	cancelled := errors.Is(context.Cause(runCtx), errCancelRequested)
	cancel(nil)
	<-hbDone

	done := context.WithoutCancel(runCtx)
	lease := LeaseOf(r)
	var err error
	switch {
	case errors.Is(genErr, errSpeakerGone):
		err = w.runs.Skip(done, lease, "speaker_removed")
	case cancelled:
		err = w.runs.AckCancel(done, lease)
	case ctx.Err() != nil:
		err = w.runs.Fail(done, lease, run.ErrorInfo{Code: CodeWorkerShutdown, Message: "worker stopped during generation"})
	case genErr != nil:
		slog.WarnContext(runCtx, "generation failed", "run_id", r.ID, "error", genErr)
		err = w.runs.Fail(done, lease, run.ErrorInfo{Code: CodeGenerationFailed, Message: genErr.Error()})
	default:
		_, err = w.runs.Succeed(done, lease, content)
	}
	if errors.Is(err, domain.ErrConflict) {
		// Recovery finished or requeued the run; the result is dropped.
		slog.InfoContext(done, "run result dropped", "run_id", r.ID, "error", err)
		err = nil
	}
	if err != nil {
		slog.ErrorContext(done, "run completion failed", "run_id", r.ID, "error", err)
	} else {
		err = genErr
	}
	rtotel.EndSpan(span, err)
}

// heartbeat refreshes the run until ctx ends and cancels the generation
// when a cancel request is seen.
func (w *WorkerPool) heartbeat(ctx context.Context, runID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := w.runs.Heartbeat(ctx, runID)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("heartbeat failed", "run_id", runID, "error", err)
				}
				continue
			}
			if requested {
				cancel(errCancelRequested)
				return
			}
		}
	}
}

func (w *WorkerPool) handleCancel(_ context.Context, _ string, data []byte) error {
	var p messagequeue.RunCancelPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode cancel: %w", err)
	}
	if fn, ok := w.cancels.Load(p.RunID); ok {
		fn.(context.CancelCauseFunc)(errCancelRequested)
		slog.Info("generation stopped", "run_id", p.RunID, "worker_id", w.id)
	}
	return nil
}

var errSpeakerGone = errors.New("speaker removed")

func (w *WorkerPool) generate(ctx context.Context, r *run.Run) (string, error) {
	req, err := w.request(ctx, r)
	if err != nil {
		return "", err
	}
	return w.gen.Generate(ctx, *req)
}

// request assembles the generation input from committed state. A regenerate
// run sees the history before its target.
func (w *WorkerPool) request(ctx context.Context, r *run.Run) (*generator.Request, error) {
	s := w.runs.sched
	speaker, err := s.store.GetMember(ctx, r.SpeakerID)
	if err != nil {
		return nil, fmt.Errorf("get speaker: %w", err)
	}
	if speaker.Status != space.MemberActive {
		return nil, errSpeakerGone
	}
	conv, err := s.store.GetConversation(ctx, r.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	sp, err := s.store.GetSpace(ctx, conv.SpaceID)
	if err != nil {
		return nil, fmt.Errorf("get space: %w", err)
	}
	members, err := s.store.ListMembers(ctx, conv.SpaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID, s.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	target := r.TargetMessageID()
	history := make([]conversation.Message, 0, len(msgs))
	for _, m := range msgs {
		if r.Kind == run.KindRegenerate && m.ID == target {
			break
		}
		if !m.IsHidden() {
			history = append(history, m)
		}
	}
	return &generator.Request{
		Run:     r,
		Speaker: speaker,
		Space:   sp,
		Members: members,
		History: history,
	}, nil
}

// sweepStale reports runs whose heartbeat is older than the stale timeout.
// Recovery stays an explicit action.
func (w *WorkerPool) sweepStale(ctx context.Context) {
	s := w.runs.sched
	timeout := s.cfg.StaleRunTimeout
	if timeout <= 0 {
		timeout = run.DefaultStaleTimeout
	}
	stale, err := s.store.ListStaleRuns(ctx, s.now().Add(-timeout))
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("stale run sweep failed", "error", err)
		}
		return
	}
	for _, r := range stale {
		slog.Warn("run is stale", "run_id", r.ID, "conversation_id", r.ConversationID, "worker_id", r.WorkerID)
	}
	s.metrics.RunStale(ctx, len(stale))
}
