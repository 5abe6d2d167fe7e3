package execution

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gosling/internal/agent"
	"github.com/nextlevelbuilder/gosling/internal/providers"
)

// DefaultTimeoutSeconds bounds one task's runtime when the caller does not
// set one.
const DefaultTimeoutSeconds = 300

// TaskConfig is the per-task execution environment.
type TaskConfig struct {
	WorkingDir     string
	TimeoutSeconds int
	MaxTurns       int
	Provider       providers.Provider
	Model          string

	// BinaryPath is the self path used to spawn sub-recipe children.
	// Resolved via os.Executable when empty.
	BinaryPath string

	// OnSpawn reports the PID of a spawned child (its process group leader)
	// so the scheduler can address the group for kill.
	OnSpawn func(pid int)
}

func (c TaskConfig) timeout() time.Duration {
	secs := c.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// Runner executes one task at a time against a shared tracker.
type Runner struct {
	tracker *Tracker
	cfg     TaskConfig
}

func NewRunner(tracker *Tracker, cfg TaskConfig) *Runner {
	return &Runner{tracker: tracker, cfg: cfg}
}

// Process runs the task and converts the outcome into a terminal TaskResult.
func (r *Runner) Process(ctx context.Context, task Task) TaskResult {
	data, err := r.run(ctx, task)
	if err != nil {
		return TaskResult{TaskID: task.ID, Status: StatusFailed, Error: err.Error()}
	}
	return TaskResult{TaskID: task.ID, Status: StatusCompleted, Data: data}
}

func (r *Runner) run(ctx context.Context, task Task) (interface{}, error) {
	switch task.Type {
	case TaskTypeTextInstruction:
		return r.runTextInstruction(ctx, task)
	case TaskTypeSubRecipe:
		return r.runSubRecipe(ctx, task)
	default:
		return nil, fmt.Errorf("task %s: unknown task type %q", task.ID, task.Type)
	}
}

// runTextInstruction drives an in-process sub-agent with a fresh conversation
// against the parent's provider and a bounded turn count.
func (r *Runner) runTextInstruction(ctx context.Context, task Task) (interface{}, error) {
	// Every task passes through Running, validation failures included.
	r.tracker.StartTask(task.ID)

	instruction := task.Payload.TextInstruction
	if instruction == "" {
		return nil, fmt.Errorf("task %s: missing text_instruction", task.ID)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.timeout())
	defer cancel()

	sub := agent.New(agent.Config{
		Provider: r.cfg.Provider,
		Model:    r.cfg.Model,
		MaxTurns: r.cfg.MaxTurns,
	})
	sub.OnAssistantText = func(text string) {
		for _, line := range strings.Split(text, "\n") {
			r.tracker.SendLiveOutput(task.ID, line)
		}
	}

	res, err := sub.Run(runCtx, "", instruction)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.New("Task cancelled")
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("Task timed out after %d s", int(r.cfg.timeout().Seconds()))
		}
		return nil, fmt.Errorf("subagent execution failed: %w", err)
	}

	return map[string]interface{}{"result": res.Content}, nil
}

// runSubRecipe spawns the agent binary itself as a child process and captures
// its stdout line by line.
func (r *Runner) runSubRecipe(ctx context.Context, task Task) (interface{}, error) {
	// Every task passes through Running, validation failures included.
	r.tracker.StartTask(task.ID)

	sr := task.Payload.SubRecipe
	if sr == nil {
		return nil, fmt.Errorf("task %s: missing sub_recipe", task.ID)
	}
	if sr.RecipePath == "" {
		return nil, fmt.Errorf("task %s: missing sub_recipe path", task.ID)
	}
	if _, err := os.Stat(sr.RecipePath); err != nil {
		return nil, fmt.Errorf("Recipe file not found: %s", sr.RecipePath)
	}

	binary := r.cfg.BinaryPath
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve self binary: %w", err)
		}
		binary = self
	}

	args := []string{"run", "--recipe", sr.RecipePath, "--no-session"}
	keys := make([]string, 0, len(sr.CommandParameters))
	for k := range sr.CommandParameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--params", fmt.Sprintf("%s=%s", k, coerceScalar(sr.CommandParameters[k])))
	}

	cmd := exec.Command(binary, args...)
	if r.cfg.WorkingDir != "" {
		cmd.Dir = r.cfg.WorkingDir
	}
	// New process group so SIGTERM/SIGKILL can address the whole child tree.
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to capture stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to capture stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", binary, err)
	}
	if r.cfg.OnSpawn != nil {
		r.cfg.OnSpawn(cmd.Process.Pid)
	}

	identifier := "sub-recipe " + sr.Name

	var readers sync.WaitGroup
	var stdoutBuf, stderrBuf strings.Builder

	readers.Add(2)
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := StripANSI(scanner.Text())
			stdoutBuf.WriteString(line)
			stdoutBuf.WriteByte('\n')
			r.tracker.SendLiveOutput(task.ID, line)
		}
	}()
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := StripANSI(scanner.Text())
			stderrBuf.WriteString(line)
			stderrBuf.WriteByte('\n')
			slog.Warn("task stderr", "task", identifier, "line", line)
		}
	}()

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	timeout := time.NewTimer(r.cfg.timeout())
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		killProcessGroup(cmd.Process.Pid, done)
		return nil, errors.New("Command cancelled")

	case <-timeout.C:
		killProcessGroup(cmd.Process.Pid, done)
		return nil, fmt.Errorf("Command timed out after %d s", int(r.cfg.timeout().Seconds()))

	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, fmt.Errorf("Command failed:\n%s", stderrBuf.String())
			}
			return nil, fmt.Errorf("failed to wait for process: %w", err)
		}
		return processOutput(stdoutBuf.String()), nil
	}
}
