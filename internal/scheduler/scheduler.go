package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/gosling/internal/execution"
	"github.com/nextlevelbuilder/gosling/internal/providers"
	"github.com/nextlevelbuilder/gosling/internal/session"
)

// staleRunThreshold is how old a process_start_time may be before a
// currently_running record loaded at startup is treated as crashed even when
// its PID has been recycled.
const staleRunThreshold = 24 * time.Hour

// Config wires the scheduler's collaborators. The scheduler is a single
// in-process instance by contract, but the instance is passed, not imported.
type Config struct {
	// DataDir is the per-user data directory; the registry, recipe copies,
	// and the default working directory live under it.
	DataDir string

	Sessions *session.Store
	Provider providers.Provider

	// Model passed through to text-instruction sub-agents.
	Model string

	// TaskTimeoutSeconds and MaxTurns configure each run's TaskConfig.
	TaskTimeoutSeconds int
	MaxTurns           int

	// TickInterval defaults to one second.
	TickInterval time.Duration

	// Timezone is the IANA zone cron expressions are evaluated in; local
	// time when empty.
	Timezone string

	// BinaryPath overrides the self path used to spawn sub-recipe children
	// (tests point it at a stub).
	BinaryPath string
}

// Scheduler owns the registry and the tick loop. All public operations are
// safe for concurrent use; state is guarded by a single writer lock and
// readers take snapshots.
type Scheduler struct {
	mu   sync.RWMutex
	jobs map[string]*ScheduledJob

	storagePath string
	recipesDir  string
	dataDir     string

	sessions *session.Store
	provider providers.Provider
	cfg      Config

	tz           *time.Location
	tickInterval time.Duration
	gron         *gronx.Gronx

	// cancels aborts in-flight runs, keyed by job id.
	cancels map[string]func()

	runWG sync.WaitGroup
}

// New loads the registry, reconciles stale running state, and returns a
// scheduler ready for operations. The tick loop does not start until Run.
func New(cfg Config) (*Scheduler, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("%w: data dir is required", ErrSchedulerInternal)
	}

	recipesDir := filepath.Join(cfg.DataDir, "scheduled_recipes")
	if err := os.MkdirAll(recipesDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrSchedulerInternal, recipesDir, err)
	}

	tz := time.Local
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrSchedulerInternal, cfg.Timezone, err)
		}
		tz = loc
	}

	tick := cfg.TickInterval
	if tick <= 0 {
		tick = time.Second
	}

	s := &Scheduler{
		jobs:         make(map[string]*ScheduledJob),
		storagePath:  filepath.Join(cfg.DataDir, "schedules.json"),
		recipesDir:   recipesDir,
		dataDir:      cfg.DataDir,
		sessions:     cfg.Sessions,
		provider:     cfg.Provider,
		cfg:          cfg,
		tz:           tz,
		tickInterval: tick,
		gron:         gronx.New(),
		cancels:      make(map[string]func()),
	}

	if err := s.loadRegistry(); err != nil {
		return nil, err
	}
	s.reconcileStartup()

	return s, nil
}

// loadRegistry reads the registry file into memory. A missing file is an
// empty registry.
func (s *Scheduler) loadRegistry() error {
	data, err := os.ReadFile(s.storagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: read registry: %v", ErrSchedulerInternal, err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: parse registry: %v", ErrSchedulerInternal, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range file.Jobs {
		s.jobs[job.ID] = job
	}
	return nil
}

// reconcileStartup clears currently_running flags left behind by a crash:
// a record whose child PID is no longer alive, or whose process_start_time is
// older than the threshold, is marked failed for that run.
func (s *Scheduler) reconcileStartup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	changed := false
	for _, job := range s.jobs {
		if !job.CurrentlyRunning {
			continue
		}

		stale := job.ProcessStartTime != nil && now.Sub(*job.ProcessStartTime) > staleRunThreshold
		alive := execution.ProcessAlive(job.ProcessID)
		if alive && !stale {
			// The child from the previous scheduler process is still
			// running; leave the record in place.
			continue
		}

		slog.Warn("reconciling crashed run", "job", job.ID, "session", job.CurrentSessionID, "pid", job.ProcessID)

		if job.CurrentSessionID != "" && s.sessions != nil {
			s.markSessionFailed(job.ID, job.CurrentSessionID)
		}

		if job.ProcessStartTime != nil {
			t := *job.ProcessStartTime
			job.LastRun = &t
		}
		job.CurrentlyRunning = false
		job.CurrentSessionID = ""
		job.ProcessStartTime = nil
		job.ProcessID = 0
		changed = true
	}

	if changed {
		s.persistLocked()
	}
}

// markSessionFailed records the crash on the orphaned session's metadata.
func (s *Scheduler) markSessionFailed(jobID, sessionID string) {
	meta, err := s.sessions.ReadMetadata(sessionID)
	if err != nil {
		meta = &session.Metadata{
			WorkingDir: s.dataDir,
			ScheduleID: jobID,
		}
	}
	if !strings.Contains(meta.Description, "failed") {
		if meta.Description == "" {
			meta.Description = fmt.Sprintf("Scheduled job: %s", jobID)
		}
		meta.Description += " (failed: interrupted by scheduler restart)"
	}
	if err := s.sessions.UpdateMetadata(sessionID, meta); err != nil {
		slog.Warn("failed to mark orphaned session", "session", sessionID, "error", err)
	}
}

// persistLocked writes the registry atomically. Persistence failures are
// logged; in-memory state stays authoritative until the next successful
// write.
func (s *Scheduler) persistLocked() {
	jobs := make([]*ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	data, err := json.MarshalIndent(registryFile{Version: 1, Jobs: jobs}, "", "  ")
	if err != nil {
		slog.Error("failed to marshal scheduler registry", "error", err)
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.storagePath), ".schedules-*.tmp")
	if err != nil {
		slog.Error("failed to write scheduler registry", "error", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		slog.Error("failed to write scheduler registry", "error", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		slog.Error("failed to sync scheduler registry", "error", err)
		return
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.storagePath); err != nil {
		os.Remove(tmpPath)
		slog.Error("failed to replace scheduler registry", "error", err)
	}
}

// reloadFromDisk merges registry changes made by another process (the CLI
// schedule commands run in their own process). In-memory running state wins
// over the file.
func (s *Scheduler) reloadFromDisk() {
	data, err := os.ReadFile(s.storagePath)
	if err != nil {
		return
	}
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		slog.Warn("ignoring malformed registry update", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	onDisk := make(map[string]bool, len(file.Jobs))
	for _, job := range file.Jobs {
		onDisk[job.ID] = true
		existing, ok := s.jobs[job.ID]
		if !ok {
			s.jobs[job.ID] = job
			slog.Info("loaded job added by another process", "job", job.ID)
			continue
		}
		if existing.CurrentlyRunning {
			// Keep live run state; adopt the editable fields.
			existing.Cron = job.Cron
			existing.Paused = job.Paused
			existing.ExecutionMode = job.ExecutionMode
			existing.AllowOverlap = job.AllowOverlap
			continue
		}
		s.jobs[job.ID] = job
	}

	for id, job := range s.jobs {
		if !onDisk[id] && !job.CurrentlyRunning {
			delete(s.jobs, id)
			slog.Info("dropped job removed by another process", "job", id)
		}
	}
}

// watchRegistry follows the registry file for external edits until ctx ends.
func (s *Scheduler) watchRegistry(done <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("registry watch unavailable", "error", err)
		return
	}
	defer watcher.Close()

	// Watch the directory: atomic rename replaces the file inode.
	if err := watcher.Add(filepath.Dir(s.storagePath)); err != nil {
		slog.Warn("registry watch unavailable", "error", err)
		return
	}

	base := filepath.Base(s.storagePath)
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.reloadFromDisk()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("registry watch error", "error", err)
		}
	}
}

// canonicalizeCron validates a 5- or 6-field expression and returns the
// canonical 6-field form (5-field input runs at second 0).
func (s *Scheduler) canonicalizeCron(expr string) (string, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		expr = "0 " + strings.Join(fields, " ")
	case 6:
		expr = strings.Join(fields, " ")
	default:
		return "", fmt.Errorf("%w: %q: expected 5 or 6 fields, got %d", ErrInvalidCron, expr, len(fields))
	}
	if !s.gron.IsValid(expr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	return expr, nil
}
