package scheduler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/gosling/internal/execution"
	"github.com/nextlevelbuilder/gosling/internal/recipe"
	"github.com/nextlevelbuilder/gosling/internal/session"
)

// Add registers a new job: the cron expression is validated and
// canonicalized, the recipe file is validated and copied into the managed
// directory, and the registry is persisted.
func (s *Scheduler) Add(job ScheduledJob) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", ErrSchedulerInternal)
	}

	cron, err := s.canonicalizeCron(job.Cron)
	if err != nil {
		return err
	}
	job.Cron = cron

	if _, err := recipe.Load(job.Source); err != nil {
		return fmt.Errorf("%w: %v", ErrRecipeLoad, err)
	}

	ext := filepath.Ext(job.Source)
	if ext == "" {
		ext = ".yaml"
	}
	storedPath := filepath.Join(s.recipesDir, job.ID+ext)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrJobIDExists, job.ID)
	}

	if err := copyFile(job.Source, storedPath); err != nil {
		return fmt.Errorf("%w: copy recipe: %v", ErrRecipeLoad, err)
	}

	job.Source = storedPath
	job.CurrentlyRunning = false
	job.CurrentSessionID = ""
	job.ProcessStartTime = nil
	job.ProcessID = 0
	if job.ExecutionMode == "" {
		job.ExecutionMode = ModeBackground
	}
	job.CreatedAt = time.Now()

	stored := job
	s.jobs[job.ID] = &stored
	s.persistLocked()
	return nil
}

// List returns a snapshot of all jobs, sorted by id.
func (s *Scheduler) List() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.clone())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// Get returns one job's snapshot.
func (s *Scheduler) Get(id string) (ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return ScheduledJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.clone(), nil
}

// Remove deletes a job and its stored recipe copy.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.CurrentlyRunning {
		return fmt.Errorf("%w: %s", ErrJobRunning, id)
	}

	if err := os.Remove(job.Source); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove recipe copy: %v", ErrSchedulerInternal, err)
	}
	delete(s.jobs, id)
	s.persistLocked()
	return nil
}

// Pause stops a job from firing on cron. A running job cannot be paused.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.CurrentlyRunning {
		return fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
	job.Paused = true
	s.persistLocked()
	return nil
}

// Unpause re-enables cron firing.
func (s *Scheduler) Unpause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job.Paused = false
	s.persistLocked()
	return nil
}

// UpdateCron validates and replaces a job's cron expression.
func (s *Scheduler) UpdateCron(id, cronExpr string) error {
	canonical, err := s.canonicalizeCron(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job.Cron = canonical
	s.persistLocked()
	return nil
}

// RunNow fires a job immediately, paused or not, and returns the new session
// id. Overlap is refused unless the job is a background job that explicitly
// allows it.
func (s *Scheduler) RunNow(id string) (string, error) {
	s.mu.Lock()

	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.CurrentlyRunning && !(job.ExecutionMode == ModeBackground && job.AllowOverlap) {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: already running: %s", ErrJobRunning, id)
	}

	now := time.Now().In(s.tz)
	sessionID := newSessionID(job.ID, now)
	job.CurrentlyRunning = true
	job.CurrentSessionID = sessionID
	job.ProcessStartTime = &now
	s.persistLocked()
	snapshot := job.clone()
	s.mu.Unlock()

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.executeJob(snapshot, sessionID, now)
	}()

	return sessionID, nil
}

// Kill terminates a running job: SIGTERM to the child process group, SIGKILL
// after a grace period, flags cleared and persisted.
func (s *Scheduler) Kill(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !job.CurrentlyRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s is not running", ErrSchedulerInternal, id)
	}

	pid := job.ProcessID
	cancel := s.cancels[id]

	now := time.Now()
	job.LastRun = &now
	job.CurrentlyRunning = false
	job.CurrentSessionID = ""
	job.ProcessStartTime = nil
	job.ProcessID = 0
	s.persistLocked()
	s.mu.Unlock()

	// The run context aborts the in-process side; the runner escalates
	// SIGTERM → SIGKILL on the child group itself.
	if cancel != nil {
		cancel()
	}
	if pid > 0 {
		execution.SignalGroup(pid, syscall.SIGTERM)
		go func() {
			time.Sleep(5 * time.Second)
			if execution.ProcessAlive(pid) {
				execution.SignalGroup(pid, syscall.SIGKILL)
			}
		}()
	}
	return nil
}

// Inspect reports the in-flight run for a job, if any.
func (s *Scheduler) Inspect(id string) (*RunningInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !job.CurrentlyRunning || job.ProcessStartTime == nil {
		return nil, nil
	}
	return &RunningInfo{SessionID: job.CurrentSessionID, StartedAt: *job.ProcessStartTime}, nil
}

// Sessions returns the most recent limit sessions recorded for a job, newest
// first.
func (s *Scheduler) Sessions(id string, limit int) ([]session.Info, error) {
	s.mu.RLock()
	_, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.sessions.ListBySchedule(id, limit)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
