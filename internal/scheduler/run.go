package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/gosling/internal/execution"
	"github.com/nextlevelbuilder/gosling/internal/providers"
	"github.com/nextlevelbuilder/gosling/internal/recipe"
	"github.com/nextlevelbuilder/gosling/internal/session"
)

// newSessionID allocates a session name for one run. The schedule linkage
// lives in the session metadata, not in the name.
func newSessionID(jobID string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", now.Format("20060102_150405"), jobID, uuid.NewString()[:8])
}

// WaitRuns blocks until every in-flight run has finished. Used by one-shot
// callers (run-now from the CLI) that must not exit mid-run.
func (s *Scheduler) WaitRuns() {
	s.runWG.Wait()
}

// Run drives the tick loop and the registry watcher until ctx ends. In-flight
// runs are waited for on the way out.
func (s *Scheduler) Run(ctx context.Context) error {
	done := make(chan struct{})
	go s.watchRegistry(done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "tick", s.tickInterval.String(), "jobs", len(s.List()))

	for {
		select {
		case <-ctx.Done():
			close(done)
			s.runWG.Wait()
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(time.Now().In(s.tz))
		}
	}
}

// tick fires every due job: non-paused, non-running, next cron fire at or
// before now, and last_run strictly before that fire instant. A fire time
// equal to an in-progress run's start is skipped, not queued.
func (s *Scheduler) tick(now time.Time) {
	type firing struct {
		snapshot  ScheduledJob
		sessionID string
	}
	var due []firing

	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Paused || job.CurrentlyRunning {
			continue
		}
		if !s.dueAt(job, now) {
			continue
		}

		sessionID := newSessionID(job.ID, now)
		start := now
		job.CurrentlyRunning = true
		job.CurrentSessionID = sessionID
		job.ProcessStartTime = &start
		due = append(due, firing{snapshot: job.clone(), sessionID: sessionID})
	}
	if len(due) > 0 {
		s.persistLocked()
	}
	s.mu.Unlock()

	for _, f := range due {
		f := f
		s.runWG.Add(1)
		go func() {
			defer s.runWG.Done()
			s.executeJob(f.snapshot, f.sessionID, now)
		}()
	}
}

// dueAt computes the job's next fire strictly after its reference instant
// (last_run, or creation) and reports whether it has arrived.
func (s *Scheduler) dueAt(job *ScheduledJob, now time.Time) bool {
	ref := job.CreatedAt
	if job.LastRun != nil {
		ref = *job.LastRun
	}
	if ref.IsZero() {
		ref = now.Add(-s.tickInterval)
	}

	next, err := gronx.NextTickAfter(job.Cron, ref.In(s.tz), false)
	if err != nil {
		slog.Warn("cron evaluation failed", "job", job.ID, "cron", job.Cron, "error", err)
		return false
	}
	return !next.After(now)
}

// executeJob runs one scheduled (or run-now) firing to completion: recipe
// load, a one-task sub_recipe batch through the executor, session write,
// registry update. Failures record a failed session and still advance
// last_run so the job does not tight-loop retry.
func (s *Scheduler) executeJob(job ScheduledJob, sessionID string, fireTime time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, job.ID)
		s.mu.Unlock()
	}()

	ctx, span := otel.Tracer("gosling/scheduler").Start(ctx, "scheduled_run")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.session_id", sessionID),
	)
	defer span.End()

	slog.Info("scheduled run starting", "job", job.ID, "session", sessionID)

	rec, err := recipe.Load(job.Source)
	if err != nil {
		// Failure to launch reports via the same path as a failed run, and
		// last_run still advances so the job does not tight-loop retry.
		errMsg := fmt.Sprintf("failed to load recipe: %v", err)
		slog.Error("scheduled run failed to load recipe", "job", job.ID, "error", err)
		s.writeRunSession(job, sessionID, nil, s.dataDir, nil, errMsg)
		s.finishRun(job.ID, sessionID, fireTime, nil, errMsg)
		return
	}

	workingDir := s.dataDir
	if rec.WorkingDir != "" {
		workingDir = rec.WorkingDir
	}

	task := execution.Task{
		ID:   job.ID,
		Type: execution.TaskTypeSubRecipe,
		Payload: execution.Payload{SubRecipe: &execution.SubRecipe{
			Name:       rec.Title,
			RecipePath: job.Source,
		}},
	}

	taskCfg := execution.TaskConfig{
		WorkingDir:     workingDir,
		TimeoutSeconds: s.cfg.TaskTimeoutSeconds,
		MaxTurns:       s.cfg.MaxTurns,
		Provider:       s.provider,
		Model:          s.cfg.Model,
		BinaryPath:     s.cfg.BinaryPath,
		OnSpawn: func(pid int) {
			s.mu.Lock()
			if j, ok := s.jobs[job.ID]; ok && j.CurrentSessionID == sessionID {
				j.ProcessID = pid
				s.persistLocked()
			}
			s.mu.Unlock()
		},
	}

	resp := execution.ExecuteTasks(ctx, []execution.Task{task}, execution.ModeParallel, nil, taskCfg, execution.Options{})

	var errMsg string
	var result *execution.TaskResult
	if len(resp.Results) > 0 {
		r := resp.Results[0]
		result = &r
		if r.Status == execution.StatusFailed {
			errMsg = r.Error
		}
	} else {
		errMsg = "run produced no result"
	}

	s.writeRunSession(job, sessionID, rec, workingDir, result, errMsg)
	s.finishRun(job.ID, sessionID, fireTime, result, errMsg)

	if errMsg != "" {
		slog.Warn("scheduled run failed", "job", job.ID, "session", sessionID, "error", errMsg)
	} else {
		slog.Info("scheduled run completed", "job", job.ID, "session", sessionID)
	}
}

// writeRunSession records the run as a session carrying the schedule id.
func (s *Scheduler) writeRunSession(job ScheduledJob, sessionID string, rec *recipe.Recipe, workingDir string, result *execution.TaskResult, errMsg string) {
	if s.sessions == nil {
		return
	}

	var prompt, description string
	if rec != nil {
		prompt = rec.Prompt
		if prompt == "" {
			prompt = rec.Instructions
		}
		description = rec.Description
	}
	if prompt == "" {
		prompt = fmt.Sprintf("Run scheduled recipe %s", job.Source)
	}

	msgs := []providers.Message{{Role: "user", Content: prompt}}
	switch {
	case errMsg != "":
		msgs = append(msgs, providers.Message{Role: "assistant", Content: "Run failed: " + errMsg})
	case result != nil:
		msgs = append(msgs, providers.Message{Role: "assistant", Content: fmt.Sprintf("%v", result.Data)})
	}

	if description == "" {
		description = fmt.Sprintf("Scheduled job: %s", job.ID)
	}
	if errMsg != "" {
		description += " (failed)"
	}

	meta := &session.Metadata{
		WorkingDir:  workingDir,
		Description: description,
		ScheduleID:  job.ID,
	}
	if err := s.sessions.SaveMessagesWithMetadata(sessionID, meta, msgs); err != nil {
		slog.Warn("failed to write run session", "job", job.ID, "session", sessionID, "error", err)
	}
}

// finishRun advances last_run and clears the running flags, persisting the
// registry.
func (s *Scheduler) finishRun(jobID, sessionID string, fireTime time.Time, _ *execution.TaskResult, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	// A kill may have already cleared the flags; only unwind our own run.
	if job.CurrentSessionID == sessionID {
		job.CurrentlyRunning = false
		job.CurrentSessionID = ""
		job.ProcessStartTime = nil
		job.ProcessID = 0
	}
	t := fireTime
	job.LastRun = &t
	s.persistLocked()
}
