// Package audit records attempt lifecycle to an append-only JSONL sink.
// Every write is fire-and-forget: a broken sink degrades to diagnostic
// messages and never alters supervisor control flow.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

// AttemptRecord mirrors one closed attempt. Written once per attempt on
// every exit path.
type AttemptRecord struct {
	TaskID         string    `json:"task_id"`
	AttemptNumber  int       `json:"attempt_number"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	DurationMS     int64     `json:"duration_ms"`
	CostUSD        float64   `json:"cost_usd"`
	TurnCount      int       `json:"turn_count"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CheckpointID   string    `json:"checkpoint_id,omitempty"`
	IsFinalAttempt bool      `json:"is_final_attempt"`
}

// Recorder is the supervisor-facing interface. Implementations must not
// propagate I/O failures.
type Recorder interface {
	RecordAttemptStart(taskID, prompt string, attemptNumber int)
	RecordAttemptEnd(taskID string, rec AttemptRecord)
}

// Session appends records for one task to a JSONL file. The session is
// process-scoped and never read back by the supervisor.
type Session struct {
	id   string
	path string
	diag io.Writer
}

// NewSession binds a session to <dir>/<taskID>-<sessionID>.jsonl. It cannot
// fail: directory or file problems surface later as swallowed write errors.
func NewSession(dir, taskID string, diag io.Writer) *Session {
	if diag == nil {
		diag = io.Discard
	}
	id := ulid.Make().String()
	return &Session{
		id:   id,
		path: filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl", taskID, id)),
		diag: diag,
	}
}

func (s *Session) ID() string { return s.id }

// Path returns the audit file location.
func (s *Session) Path() string { return s.path }

func (s *Session) RecordAttemptStart(taskID, prompt string, attemptNumber int) {
	s.append(map[string]any{
		"event":          "attempt_start",
		"task_id":        taskID,
		"attempt_number": attemptNumber,
		"prompt_bytes":   len(prompt),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Session) RecordAttemptEnd(taskID string, rec AttemptRecord) {
	rec.TaskID = taskID
	s.append(map[string]any{
		"event":     "attempt_end",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"attempt":   rec,
	})
}

// append writes one JSON object per line. Failures are reported to the
// diagnostic writer and otherwise discarded.
func (s *Session) append(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(s.diag, "audit: marshal record: %v\n", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		fmt.Fprintf(s.diag, "audit: ensure directory: %v\n", err)
		return
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(s.diag, "audit: open sink: %v\n", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(s.diag, "audit: write record: %v\n", err)
	}
}

// Nop is a Recorder that records nothing. Control flow with Nop must be
// observably identical to a functioning sink.
type Nop struct{}

func (Nop) RecordAttemptStart(string, string, int) {}
func (Nop) RecordAttemptEnd(string, AttemptRecord) {}
