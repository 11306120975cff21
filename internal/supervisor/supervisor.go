// Package supervisor wraps a single long-running agent execution call with
// checkpointing, validation, failure classification, backoff, and an audit
// trail, producing one exactly-once-effective outcome per task.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"overseer/internal/audit"
	"overseer/internal/checkpoint"
	"overseer/internal/driver"
)

// DefaultMaxAttempts bounds the retry loop when the config leaves it unset.
const DefaultMaxAttempts = 3

// maxRetryContextChars bounds the partial-output summary folded into a retry
// prompt so context augmentation cannot grow without limit.
const maxRetryContextChars = 2000

// Task is one unit of supervised work. Each task owns its workspace
// directory exclusively; directories are always passed explicitly.
type Task struct {
	ID           string
	Description  string
	Prompt       string
	AgentKind    string
	WorkspaceDir string
}

// Executor performs a single execution call. It must not retry internally.
type Executor interface {
	Execute(ctx context.Context, prompt, workDir string, cfg driver.ExecConfig) (*driver.Result, error)
}

// Checkpointer snapshots, commits, and restores the task workspace.
type Checkpointer interface {
	Create(label string, attempt int) (checkpoint.Checkpoint, error)
	CommitSuccess(label string) (checkpoint.Checkpoint, error)
	Rollback(reason string) error
}

// Validator confirms an attempt's deliverables.
type Validator interface {
	Validate(result *driver.Result, agentKind, workDir string) bool
}

// SleepFunc suspends between attempts; injectable for tests.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExhaustedError is raised when a task fails all its attempts. The workspace
// is rolled back before this error is returned.
type ExhaustedError struct {
	TaskDescription string
	WorkspaceDir    string
	Attempts        int
	LastErr         error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("task %q failed after %d attempts (workspace %s): %v",
		e.TaskDescription, e.Attempts, e.WorkspaceDir, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Config parameterizes the retry loop.
type Config struct {
	MaxAttempts int
	Exec        driver.ExecConfig
	Backoff     BackoffConfig
}

// Supervisor composes the checkpoint manager, execution driver, validator
// gate, and audit recorder into the per-task retry state machine. Attempts
// run strictly sequentially on one logical thread of control.
type Supervisor struct {
	exec        Executor
	checkpoints Checkpointer
	validator   Validator
	recorder    audit.Recorder
	cfg         Config
	progress    io.Writer
	sleep       SleepFunc
}

func New(exec Executor, checkpoints Checkpointer, validator Validator, recorder audit.Recorder, cfg Config, progress io.Writer) *Supervisor {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if progress == nil {
		progress = io.Discard
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = defaultBackoffConfig()
	}
	return &Supervisor{
		exec:        exec,
		checkpoints: checkpoints,
		validator:   validator,
		recorder:    recorder,
		cfg:         cfg,
		progress:    progress,
		sleep:       sleepWithContext,
	}
}

// SetSleep overrides the inter-attempt sleep. Test hook.
func (s *Supervisor) SetSleep(fn SleepFunc) {
	if fn != nil {
		s.sleep = fn
	}
}

// Run executes the task with up to MaxAttempts sequential attempts. Per
// attempt: snapshot, execute, validate, commit-or-rollback, record. Returns
// the first validated result, or an error after a fatal failure or
// exhaustion. On every abort path the workspace is rolled back first.
func (s *Supervisor) Run(ctx context.Context, task Task) (*driver.Result, error) {
	maxAttempts := s.cfg.MaxAttempts
	prompt := task.Prompt
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		final := attempt == maxAttempts

		cp, err := s.checkpoints.Create(task.Description, attempt)
		if err != nil {
			// An un-snapshot-able workspace cannot be retried safely.
			return nil, fmt.Errorf("create checkpoint for attempt %d: %w", attempt, err)
		}
		s.recorder.RecordAttemptStart(task.ID, prompt, attempt)
		started := time.Now()
		rec := audit.AttemptRecord{
			AttemptNumber:  attempt,
			StartedAt:      started.UTC(),
			CheckpointID:   cp.ID,
			IsFinalAttempt: final,
		}
		fmt.Fprintf(s.progress, "attempt %d/%d: %s\n", attempt, maxAttempts, task.Description)

		result, execErr := s.exec.Execute(ctx, prompt, task.WorkspaceDir, s.cfg.Exec)

		if execErr == nil {
			if s.validator.Validate(result, task.AgentKind, task.WorkspaceDir) {
				if _, err := s.checkpoints.CommitSuccess(task.Description); err != nil {
					s.recordEnd(task.ID, rec, started, result, false, "success commit failed: "+err.Error())
					return nil, fmt.Errorf("commit success checkpoint: %w", err)
				}
				s.recordEnd(task.ID, rec, started, result, true, "")
				fmt.Fprintf(s.progress, "attempt %d succeeded (%d turns, $%.4f)\n", attempt, result.Turns, result.CostUSD)
				return result, nil
			}

			reason := "output validation failed"
			if result != nil && result.APIErrorDetected {
				reason = "API error detected and output validation failed"
			}
			if err := s.checkpoints.Rollback(reason); err != nil {
				s.recordEnd(task.ID, rec, started, result, false, reason+"; rollback failed: "+err.Error())
				return nil, fmt.Errorf("rollback after validation failure: %w", err)
			}
			s.recordEnd(task.ID, rec, started, result, false, reason)
			lastErr = errors.New(reason)
			if final {
				return nil, &ExhaustedError{
					TaskDescription: task.Description,
					WorkspaceDir:    task.WorkspaceDir,
					Attempts:        maxAttempts,
					LastErr:         lastErr,
				}
			}
			fmt.Fprintf(s.progress, "attempt %d failed: %s\n", attempt, reason)
			if result != nil {
				prompt = retryPrompt(task.Prompt, result.Text)
			}
			continue
		}

		// Driver raised: classify, roll back, record, then decide.
		class := driver.Classify(execErr)
		if rbErr := s.checkpoints.Rollback(execErr.Error()); rbErr != nil {
			s.recordEnd(task.ID, rec, started, partialOf(execErr), false, execErr.Error()+"; rollback failed: "+rbErr.Error())
			return nil, fmt.Errorf("rollback after execution failure: %w", rbErr)
		}
		s.recordEnd(task.ID, rec, started, partialOf(execErr), false, execErr.Error())
		lastErr = execErr

		if class.Kind == driver.KindFatal {
			fmt.Fprintf(s.progress, "attempt %d hit a fatal error, aborting: %v\n", attempt, execErr)
			return nil, fmt.Errorf("fatal execution error on attempt %d: %w", attempt, execErr)
		}
		if final {
			break
		}

		delay := s.delayFor(class, attempt, task.ID)
		fmt.Fprintf(s.progress, "attempt %d failed (%s), retrying in %s: %v\n", attempt, class.Kind, delay.Round(time.Millisecond), execErr)
		if delay > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		if p := partialOf(execErr); p != nil && strings.TrimSpace(p.Text) != "" {
			prompt = retryPrompt(task.Prompt, p.Text)
		}
	}

	return nil, &ExhaustedError{
		TaskDescription: task.Description,
		WorkspaceDir:    task.WorkspaceDir,
		Attempts:        maxAttempts,
		LastErr:         lastErr,
	}
}

// recordEnd closes the attempt record exactly once, after commit-or-rollback
// has settled the workspace. Recording is fire-and-forget.
func (s *Supervisor) recordEnd(taskID string, rec audit.AttemptRecord, started time.Time, result *driver.Result, success bool, errMsg string) {
	rec.EndedAt = time.Now().UTC()
	rec.DurationMS = time.Since(started).Milliseconds()
	rec.Success = success
	rec.ErrorMessage = errMsg
	if result != nil {
		rec.CostUSD = result.CostUSD
		if rec.CostUSD == 0 {
			rec.CostUSD = result.PartialCostUSD
		}
		rec.TurnCount = result.Turns
	}
	s.recorder.RecordAttemptEnd(taskID, rec)
}

func (s *Supervisor) delayFor(class driver.Classification, attempt int, taskID string) time.Duration {
	cfg := s.cfg.Backoff
	if class.BaseDelay > 0 {
		cfg.InitialDelayMS = int(class.BaseDelay / time.Millisecond)
	}
	seed := fmt.Sprintf("%s:%d", taskID, attempt)
	return DelayForAttempt(attempt, cfg, seed)
}

func partialOf(err error) *driver.Result {
	var execErr *driver.ExecError
	if errors.As(err, &execErr) {
		return execErr.Partial
	}
	return nil
}

// retryPrompt augments the original prompt with a bounded summary of the
// previous attempt's partial output. The base prompt is always the original,
// never a previous augmentation, so context cannot compound across attempts.
func retryPrompt(base, partial string) string {
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return base
	}
	if len(partial) > maxRetryContextChars {
		partial = partial[:maxRetryContextChars] + "\n[truncated]"
	}
	return base + "\n\n## Previous attempt\n" +
		"An earlier attempt was rolled back, but it reported the partial output below. " +
		"Use it to avoid repeating the same mistakes:\n\n" + partial
}
