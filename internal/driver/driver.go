// Package driver invokes the external agent-execution service once and
// consumes its event stream. It never retries; the supervisor owns that.
package driver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// DefaultHeartbeatInterval is how long the driver waits on a silent stream
// before emitting one progress line.
const DefaultHeartbeatInterval = 30 * time.Second

// ToolServerConfig describes one tool server exposed to the agent.
type ToolServerConfig struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// ExecConfig parameterizes a single execution call.
type ExecConfig struct {
	ModelID        string
	MaxTurns       int
	PermissionMode string
	ToolServers    map[string]ToolServerConfig

	// Heartbeat enables a progress line while the stream is silent. This is
	// an explicit per-call field, not process-wide state.
	Heartbeat         bool
	HeartbeatInterval time.Duration
}

func (c ExecConfig) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

// Request is what the execution service receives for one attempt.
type Request struct {
	Prompt  string
	WorkDir string
	Config  ExecConfig
}

// Stream is a finite, non-restartable event sequence consumed by exactly one
// worker. Err reports the stream's terminal error once Events is closed.
type Stream interface {
	Events() <-chan *StreamEvent
	Err() error
}

// Service starts one execution and returns its event stream.
type Service interface {
	Start(ctx context.Context, req Request) (Stream, error)
}

// Result is the outcome of a single execution call.
type Result struct {
	Text             string  `json:"text,omitempty"`
	Success          bool    `json:"success"`
	DurationMS       int64   `json:"duration_ms"`
	Turns            int     `json:"turns"`
	CostUSD          float64 `json:"cost_usd"`
	PartialCostUSD   float64 `json:"partial_cost_usd,omitempty"`
	APIErrorDetected bool    `json:"api_error_detected"`
	ErrorMessage     string  `json:"error,omitempty"`
	ErrorKind        string  `json:"error_kind,omitempty"`
	Retryable        bool    `json:"retryable,omitempty"`
}

// Driver consumes one event stream per Execute call and tallies turns and
// cost. Counters reset on every call; nothing accumulates across attempts.
type Driver struct {
	svc      Service
	progress io.Writer
}

func New(svc Service, progress io.Writer) *Driver {
	if progress == nil {
		progress = io.Discard
	}
	return &Driver{svc: svc, progress: progress}
}

// billingKeywords is the literal keyword set for the billing-cap heuristic.
// Legitimate multi-turn agent work is never free, so a near-zero-turn
// zero-cost "result" mentioning these is assumed to be a provider
// spending-limit message.
var billingKeywords = []string{"spending", "cap", "limit", "budget", "resets"}

func looksLikeBillingCap(turns int, costUSD float64, text string) bool {
	if turns > 2 || costUSD != 0 || strings.TrimSpace(text) == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range billingKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Execute performs a single execution call: start the service, consume the
// stream to its terminal event, and return the tallied result. Inline error
// events set the API-error flag but do not abort the stream; partial work may
// still validate if a terminal result arrives afterwards.
func (d *Driver) Execute(ctx context.Context, prompt, workDir string, cfg ExecConfig) (*Result, error) {
	start := time.Now()
	stream, err := d.svc.Start(ctx, Request{Prompt: prompt, WorkDir: workDir, Config: cfg})
	if err != nil {
		return nil, &ExecError{Kind: KindRetryable, Message: fmt.Sprintf("start execution: %v", err)}
	}

	var (
		turns            int
		transcript       strings.Builder
		apiErrorDetected bool
		apiErrorMessage  string
	)

	interval := cfg.heartbeatInterval()
	var heartbeat *time.Ticker
	var heartbeatC <-chan time.Time
	if cfg.Heartbeat {
		heartbeat = time.NewTicker(interval)
		heartbeatC = heartbeat.C
		defer heartbeat.Stop()
	}

	partial := func() *Result {
		return &Result{
			Turns:            turns,
			Text:             transcript.String(),
			DurationMS:       time.Since(start).Milliseconds(),
			APIErrorDetected: apiErrorDetected,
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, &ExecError{Kind: KindRetryable, Message: ctx.Err().Error(), Partial: partial()}

		case <-heartbeatC:
			fmt.Fprintf(d.progress, "agent still running (%.0fs elapsed, %d turns so far)\n",
				time.Since(start).Seconds(), turns)

		case ev, ok := <-stream.Events():
			if cfg.Heartbeat {
				heartbeat.Reset(interval)
			}
			if !ok {
				if streamErr := stream.Err(); streamErr != nil {
					return nil, &ExecError{Kind: KindRetryable, Message: streamErr.Error(), Partial: partial()}
				}
				if apiErrorDetected {
					return nil, &ExecError{Kind: KindRetryable, Message: "API error: " + apiErrorMessage, Partial: partial()}
				}
				return nil, &ExecError{Kind: KindRetryable, Message: "stream ended without a result event", Partial: partial()}
			}
			if ev == nil {
				continue
			}

			switch ev.Type {
			case eventAssistant:
				turns++
				if txt := ev.AssistantText(); txt != "" {
					if transcript.Len() > 0 {
						transcript.WriteByte('\n')
					}
					transcript.WriteString(txt)
				}

			case eventError:
				apiErrorDetected = true
				apiErrorMessage = ev.ErrorMessage
				fmt.Fprintf(d.progress, "API error during execution: %s\n", ev.ErrorMessage)

			case eventResult:
				return d.finalize(ev, turns, transcript.String(), apiErrorDetected, start)
			}
		}
	}
}

func (d *Driver) finalize(ev *StreamEvent, turns int, transcript string, apiErrorDetected bool, start time.Time) (*Result, error) {
	text := ev.Result
	if strings.TrimSpace(text) == "" {
		text = transcript
	}
	durationMS := ev.DurationMS
	if durationMS <= 0 {
		durationMS = time.Since(start).Milliseconds()
	}

	if ev.IsError {
		return nil, &ExecError{
			Kind:    KindRetryable,
			Message: fmt.Sprintf("execution service reported failure (%s): %s", ev.Subtype, firstLine(text)),
			Partial: &Result{
				Text:             text,
				Turns:            turns,
				DurationMS:       durationMS,
				PartialCostUSD:   ev.TotalCostUSD,
				APIErrorDetected: apiErrorDetected,
			},
		}
	}

	if looksLikeBillingCap(turns, ev.TotalCostUSD, text) {
		return nil, &ExecError{
			Kind:    KindBilling,
			Message: "result looks like a provider spending-cap message: " + firstLine(text),
			Partial: &Result{
				Text:             text,
				Turns:            turns,
				DurationMS:       durationMS,
				APIErrorDetected: apiErrorDetected,
			},
		}
	}

	return &Result{
		Text:             text,
		Success:          true,
		DurationMS:       durationMS,
		Turns:            turns,
		CostUSD:          ev.TotalCostUSD,
		APIErrorDetected: apiErrorDetected,
	}, nil
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			if len(line) > 200 {
				return line[:200]
			}
			return line
		}
	}
	return ""
}
