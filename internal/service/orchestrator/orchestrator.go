// Package orchestrator schedules runs, drives them through the runner
// backend, and tracks their state in an in-memory task table.
//
// A runner has at most one non-terminal run. Runs of different runners
// execute concurrently up to a fan-out ceiling; waiters are admitted in
// enqueue order. Each task's state changes are published to the progress
// bus under the task's publish lock, so subscribers observe them in order.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/backend"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/progress"
	"github.com/ashita-ai/kensa/internal/service/results"
	"github.com/ashita-ai/kensa/internal/service/runners"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrent is the number of runs that may execute at once.
	MaxConcurrent int
	// CancelDeadline is how long a cancelled run's backend gets to stop
	// before the run is force-marked cancelled and the backend abandoned.
	CancelDeadline time.Duration
}

// ResultWriter persists the result of a completed run.
type ResultWriter interface {
	Write(ctx context.Context, in results.WriteInput) (model.Result, error)
}

// Request is a fully resolved run request. The orchestrator takes ownership
// of Runner: it is closed when the run ends or when Enqueue fails.
type Request struct {
	Runner    *runners.Handle
	Args      model.RunArgs
	Cookbooks []model.Cookbook
	Recipes   []model.Recipe
	Endpoints []model.Endpoint
}

type task struct {
	req Request

	ctx       context.Context
	cancel    context.CancelFunc
	cancelReq chan struct{}
	done      chan struct{}

	// pubMu serializes state changes and their publication. It is always
	// taken before Orchestrator.mu.
	pubMu sync.Mutex

	// Guarded by Orchestrator.mu.
	run             model.Run
	fraction        float64
	phase           string
	message         string
	cancelRequested bool
	finishing       bool
}

// Orchestrator owns the task table.
type Orchestrator struct {
	cfg     Config
	backend backend.RunnerBackend
	writer  ResultWriter
	bus     *progress.Bus
	logger  *slog.Logger
	sem     *semaphore.Weighted

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	wg        sync.WaitGroup
	abandoned sync.WaitGroup

	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	runDuration  metric.Float64Histogram
	runsActive   metric.Int64UpDownCounter
}

// New creates an Orchestrator.
func New(cfg Config, be backend.RunnerBackend, writer ResultWriter, bus *progress.Bus, logger *slog.Logger) *Orchestrator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.CancelDeadline <= 0 {
		cfg.CancelDeadline = 30 * time.Second
	}
	meter := telemetry.Meter("kensa/orchestrator")
	started, _ := meter.Int64Counter("kensa.runs.started",
		metric.WithDescription("Runs that entered the running state"),
	)
	finished, _ := meter.Int64Counter("kensa.runs.finished",
		metric.WithDescription("Runs that reached a terminal state"),
	)
	duration, _ := meter.Float64Histogram("kensa.run.duration",
		metric.WithDescription("Wall-clock duration of finished runs"),
		metric.WithUnit("s"),
	)
	active, _ := meter.Int64UpDownCounter("kensa.runs.active",
		metric.WithDescription("Runs currently executing"),
	)
	return &Orchestrator{
		cfg:          cfg,
		backend:      be,
		writer:       writer,
		bus:          bus,
		logger:       logger,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		tasks:        make(map[string]*task),
		runsStarted:  started,
		runsFinished: finished,
		runDuration:  duration,
		runsActive:   active,
	}
}

// Enqueue records a pending run for req.Runner and schedules it. It fails
// with Conflict if the runner already has a non-terminal run.
func (o *Orchestrator) Enqueue(ctx context.Context, req Request) (model.Run, error) {
	runnerID := req.Runner.Runner.ID

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = req.Runner.Close()
		return model.Run{}, apperr.New(apperr.Invariant, "", "orchestrator is shutting down")
	}
	prev := o.tasks[runnerID]
	if prev != nil && !prev.run.Status.Terminal() {
		o.mu.Unlock()
		_ = req.Runner.Close()
		return model.Run{}, apperr.New(apperr.Conflict, "",
			"runner %s already has run %d in progress", runnerID, prev.run.RunID)
	}
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{
		req:       req,
		ctx:       taskCtx,
		cancel:    cancel,
		cancelReq: make(chan struct{}),
		done:      make(chan struct{}),
		run:       model.Run{RunnerID: runnerID, Status: model.RunStatusPending},
	}
	// The placeholder reserves the runner while the run row is created.
	o.tasks[runnerID] = t
	o.wg.Add(1)
	o.mu.Unlock()

	run, err := req.Runner.DB().CreateRun(ctx, runnerID, req.Args, req.Runner.Runner.Endpoints)
	if err != nil {
		o.mu.Lock()
		if o.tasks[runnerID] == t {
			if prev != nil {
				o.tasks[runnerID] = prev
			} else {
				delete(o.tasks, runnerID)
			}
		}
		o.mu.Unlock()
		cancel()
		_ = req.Runner.Close()
		o.wg.Done()
		return model.Run{}, apperr.Wrap(apperr.IO, "", err)
	}

	o.update(t, func(t *task) bool {
		// A cancel may have landed while the row was being created.
		run.Status = t.run.Status
		run.EndTime = t.run.EndTime
		t.run = run
		t.phase = string(run.Status)
		return true
	})
	o.logger.Info("run enqueued", "runner_id", runnerID, "run_id", run.RunID, "state", run.Status,
		"type", req.Args.Type, "targets", req.Args.Targets)

	go o.execute(t)
	return run, nil
}

// update applies fn to t and, if fn reports a change, publishes t's new
// state. fn runs under the table lock. Nothing is published for a
// placeholder task whose run row does not exist yet.
func (o *Orchestrator) update(t *task, fn func(t *task) bool) bool {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	o.mu.Lock()
	changed := fn(t)
	ev := eventOf(t)
	o.mu.Unlock()

	if changed && ev.RunID != 0 {
		o.bus.Publish(ev)
	}
	return changed
}

func eventOf(t *task) progress.Event {
	return progress.Event{
		RunnerID:  t.run.RunnerID,
		RunID:     t.run.RunID,
		State:     t.run.Status,
		Fraction:  t.fraction,
		Phase:     t.phase,
		Message:   t.message,
		ErrorKind: t.run.ErrorKind,
	}
}

func (o *Orchestrator) execute(t *task) {
	defer o.wg.Done()
	defer close(t.done)
	defer t.cancel()
	defer func() {
		if err := t.req.Runner.Close(); err != nil {
			o.logger.Warn("orchestrator: close runner", "runner_id", t.run.RunnerID, "error", err)
		}
	}()

	if err := o.sem.Acquire(t.ctx, 1); err != nil {
		o.finish(t, model.RunStatusCancelled, "", "", "")
		return
	}
	defer o.sem.Release(1)

	start := time.Now().UTC().Truncate(time.Second)
	started := o.update(t, func(t *task) bool {
		if t.run.Status != model.RunStatusPending {
			return false
		}
		t.run.Status = model.RunStatusRunning
		t.run.StartTime = &start
		t.phase = string(model.RunStatusRunning)
		return true
	})
	if !started {
		o.finish(t, model.RunStatusCancelled, "", "", "")
		return
	}
	o.persist(t)
	o.logger.Info("run state changed", "runner_id", t.run.RunnerID, "run_id", t.run.RunID, "state", model.RunStatusRunning)
	o.runsStarted.Add(context.Background(), 1)
	o.runsActive.Add(context.Background(), 1)
	defer o.runsActive.Add(context.Background(), -1)

	out, forced, err := o.invoke(t)

	// Once finishing is set a cancel request no longer applies; a cancel
	// that got in first wins even if the backend succeeded.
	o.mu.Lock()
	cancelled := t.cancelRequested
	if !cancelled {
		t.finishing = true
	}
	o.mu.Unlock()

	switch {
	case cancelled:
		if forced {
			o.logger.Warn("orchestrator: backend ignored cancellation, abandoning it",
				"runner_id", t.run.RunnerID, "run_id", t.run.RunID, "deadline", o.cfg.CancelDeadline)
		}
		o.finish(t, model.RunStatusCancelled, "", "", "")
	case err != nil:
		o.finish(t, model.RunStatusFailed, apperr.Backend, err.Error(), "")
	default:
		o.complete(t, start, out)
	}
}

type backendResult struct {
	out *backend.Output
	err error
}

// invoke runs the backend and waits for it to return. After a cancel
// request it waits at most CancelDeadline; forced reports that the deadline
// expired and the backend call was abandoned.
func (o *Orchestrator) invoke(t *task) (out *backend.Output, forced bool, err error) {
	req := t.req
	job := backend.Job{
		RunnerID:                  t.run.RunnerID,
		RunID:                     t.run.RunID,
		Type:                      req.Args.Type,
		Targets:                   req.Args.Targets,
		Recipes:                   req.Recipes,
		Endpoints:                 req.Endpoints,
		PromptSelectionPercentage: req.Args.PromptSelectionPercentage,
		RandomSeed:                req.Args.RandomSeed,
		SystemPrompt:              req.Args.SystemPrompt,
		RunnerProcessingModule:    req.Args.RunnerProcessingModule,
		ResultProcessingModule:    req.Args.ResultProcessingModule,
	}

	resc := make(chan backendResult, 1)
	o.abandoned.Add(1)
	go func() {
		defer o.abandoned.Done()
		ctx, span := telemetry.Tracer("kensa/orchestrator").Start(t.ctx, "orchestrator.backend")
		span.SetAttributes(
			attribute.String("kensa.runner_id", job.RunnerID),
			attribute.Int64("kensa.run_id", job.RunID),
			attribute.String("kensa.run_type", string(job.Type)),
		)
		out, err := o.backend.Run(ctx, job, func(fraction float64, phase, message string) {
			o.progress(t, fraction, phase, message)
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		resc <- backendResult{out: out, err: err}
	}()

	select {
	case r := <-resc:
		return r.out, false, r.err
	case <-t.cancelReq:
	}

	timer := time.NewTimer(o.cfg.CancelDeadline)
	defer timer.Stop()
	select {
	case r := <-resc:
		return r.out, false, r.err
	case <-timer.C:
		return nil, true, context.Canceled
	}
}

// progress applies a backend progress report. Fractions are clamped to
// [0, 1] and never move backwards; reports outside the running state are
// ignored.
func (o *Orchestrator) progress(t *task, fraction float64, phase, message string) {
	if math.IsNaN(fraction) {
		return
	}
	fraction = min(max(fraction, 0), 1)
	o.update(t, func(t *task) bool {
		if t.run.Status != model.RunStatusRunning || t.finishing {
			return false
		}
		t.fraction = max(t.fraction, fraction)
		if phase != "" {
			t.phase = phase
		}
		t.message = message
		return true
	})
}

// complete writes the run's result and marks it completed. A duplicate
// write keeps the run completed; any other write failure fails it.
func (o *Orchestrator) complete(t *task, start time.Time, out *backend.Output) {
	end := time.Now().UTC().Truncate(time.Second)
	in := results.WriteInput{
		RunnerID:  t.run.RunnerID,
		RunID:     t.run.RunID,
		Args:      t.req.Args,
		Endpoints: t.req.Runner.Runner.Endpoints,
		Cookbooks: t.req.Cookbooks,
		Recipes:   t.req.Recipes,
		StartTime: start,
		EndTime:   end,
		Output:    out,
	}
	res, err := o.writer.Write(context.WithoutCancel(t.ctx), in)
	switch {
	case err == nil:
		o.finish(t, model.RunStatusCompleted, "", "", res.GetID())
	case apperr.Is(err, apperr.Invariant):
		o.logger.Error("orchestrator: result rejected", "runner_id", t.run.RunnerID, "run_id", t.run.RunID, "error", err)
		o.finish(t, model.RunStatusCompleted, apperr.Invariant, err.Error(), "")
	default:
		o.finish(t, model.RunStatusFailed, apperr.IO, err.Error(), "")
	}
}

// finish moves t to a terminal state, unless it is already terminal, and
// persists it.
func (o *Orchestrator) finish(t *task, status model.RunStatus, kind apperr.Kind, message, resultID string) {
	end := time.Now().UTC().Truncate(time.Second)
	o.update(t, func(t *task) bool {
		if t.run.Status.Terminal() {
			return false
		}
		t.run.Status = status
		t.phase = string(status)
		t.run.EndTime = &end
		if t.run.StartTime != nil {
			d := int64(end.Sub(*t.run.StartTime) / time.Second)
			t.run.Duration = &d
		}
		if status == model.RunStatusCompleted {
			t.fraction = 1
		}
		if kind != "" {
			t.run.ErrorKind = string(kind)
			t.run.ErrorMessage = message
			t.message = message
		}
		t.run.ResultID = resultID
		return true
	})
	o.persist(t)

	o.mu.Lock()
	run := t.run
	o.mu.Unlock()
	o.logger.Info("run state changed", "runner_id", run.RunnerID, "run_id", run.RunID, "state", run.Status,
		"error_kind", run.ErrorKind)
	o.runsFinished.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(run.Status))))
	if run.Duration != nil {
		o.runDuration.Record(context.Background(), float64(*run.Duration))
	}
}

func (o *Orchestrator) persist(t *task) {
	o.mu.Lock()
	run := t.run
	o.mu.Unlock()
	if err := t.req.Runner.DB().UpdateRun(context.WithoutCancel(t.ctx), run); err != nil {
		o.logger.Error("orchestrator: persist run", "runner_id", run.RunnerID, "run_id", run.RunID,
			"state", run.Status, "error", err)
	}
}

// Cancel requests cancellation of the runner's current run. A pending run
// is cancelled at once; a running run moves to cancelling until its backend
// stops. Cancelling a terminal run, or one whose result is being written,
// succeeds without effect. It fails with NotFound if the runner has no run
// in the task table.
func (o *Orchestrator) Cancel(runnerID string) error {
	o.mu.Lock()
	t := o.tasks[runnerID]
	o.mu.Unlock()
	if t == nil {
		return apperr.New(apperr.NotFound, "", "runner %s has no run to cancel", runnerID)
	}

	o.update(t, func(t *task) bool {
		switch t.run.Status {
		case model.RunStatusPending:
			end := time.Now().UTC().Truncate(time.Second)
			t.run.Status = model.RunStatusCancelled
			t.run.EndTime = &end
			t.phase = string(model.RunStatusCancelled)
		case model.RunStatusRunning:
			if t.finishing {
				return false
			}
			t.run.Status = model.RunStatusCancelling
			t.phase = string(model.RunStatusCancelling)
		default:
			return false
		}
		t.cancelRequested = true
		close(t.cancelReq)
		t.cancel()
		return true
	})
	o.logger.Info("run cancel requested", "runner_id", runnerID)
	return nil
}

// Wait blocks until the runner's current run is terminal and returns it.
func (o *Orchestrator) Wait(ctx context.Context, runnerID string) (model.Run, error) {
	o.mu.Lock()
	t := o.tasks[runnerID]
	o.mu.Unlock()
	if t == nil {
		return model.Run{}, apperr.New(apperr.NotFound, "", "runner %s has no run", runnerID)
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return model.Run{}, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return t.run, nil
}

// CancelAndWait cancels the runner's run, if any, and waits until it is
// terminal.
func (o *Orchestrator) CancelAndWait(ctx context.Context, runnerID string) error {
	if err := o.Cancel(runnerID); err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil
		}
		return err
	}
	_, err := o.Wait(ctx, runnerID)
	return err
}

// Status returns the snapshot of the runner's most recent run in the task
// table.
func (o *Orchestrator) Status(runnerID string) (model.RunSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.tasks[runnerID]
	if t == nil {
		return model.RunSnapshot{}, apperr.New(apperr.NotFound, "", "runner %s has no run in progress or on record", runnerID)
	}
	return snapshotOf(t, time.Now()), nil
}

// StatusAll returns a snapshot of every task, ordered by runner id.
func (o *Orchestrator) StatusAll() []model.RunSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	out := make([]model.RunSnapshot, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, snapshotOf(t, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunnerID < out[j].RunnerID })
	return out
}

func snapshotOf(t *task, now time.Time) model.RunSnapshot {
	s := model.RunSnapshot{
		RunnerID:  t.run.RunnerID,
		RunID:     t.run.RunID,
		State:     t.run.Status,
		Fraction:  t.fraction,
		Phase:     t.phase,
		Message:   t.message,
		ErrorKind: t.run.ErrorKind,
	}
	if t.run.StartTime != nil {
		s.StartTime = *t.run.StartTime
		switch {
		case t.run.Duration != nil:
			s.DurationSoFar = *t.run.Duration
		case !t.run.Status.Terminal():
			s.DurationSoFar = int64(now.Sub(*t.run.StartTime) / time.Second)
		}
	}
	return s
}

// Forget drops the runner's terminal task from the table. It is a no-op if
// the runner's run is still active.
func (o *Orchestrator) Forget(runnerID string) {
	o.mu.Lock()
	if t := o.tasks[runnerID]; t != nil && t.run.Status.Terminal() {
		delete(o.tasks, runnerID)
	}
	o.mu.Unlock()
	o.bus.Forget(runnerID)
}

// Shutdown cancels every active run and waits for them, and for any
// backend calls still running, to return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.tasks))
	for id, t := range o.tasks {
		if !t.run.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.Cancel(id); err != nil && !apperr.Is(err, apperr.NotFound) {
			o.logger.Warn("orchestrator: cancel on shutdown", "runner_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.abandoned.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("orchestrator: shutdown timed out with runs still active"), ctx.Err())
	}
}
