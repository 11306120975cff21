package driver

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind partitions execution errors for the retry decision.
type ErrorKind string

const (
	KindRetryable ErrorKind = "retryable"
	KindFatal     ErrorKind = "fatal"
	KindBilling   ErrorKind = "billing"
)

// ExecError is an execution failure with an inline classification. The final
// retry decision belongs to the supervisor; the driver only reports what it
// can determine from the stream itself.
type ExecError struct {
	Kind    ErrorKind
	Message string

	// Partial carries whatever the driver had tallied when the error was
	// raised, so the supervisor can fold partial output into retry context.
	Partial *Result
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execution failed (%s): %s", e.Kind, e.Message)
}

func (e *ExecError) Retryable() bool { return e.Kind != KindFatal }

// Classification is the supervisor-facing verdict for a failed attempt.
type Classification struct {
	Kind      ErrorKind
	BaseDelay time.Duration
}

var fatalHints = []string{
	"authentication",
	"unauthorized",
	"invalid api key",
	"invalid request",
	"malformed request",
	"permission denied",
	"access denied",
	"not found",
	"model does not exist",
}

var transientHints = []string{
	"rate limit",
	"too many requests",
	"timed out",
	"timeout",
	"overloaded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporary failure",
	"service unavailable",
	"gateway timeout",
	"stream disconnected",
	"stream closed before",
}

// Classify maps an execution error to a retry classification. Fatal and
// billing kinds on a typed error are honored as-is. Everything else runs
// through the message heuristics, which may escalate a generically-retryable
// error (an auth failure surfaced through the stream, say) to fatal. Unknown
// errors default to retryable.
func Classify(err error) Classification {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		switch execErr.Kind {
		case KindFatal:
			return Classification{Kind: KindFatal}
		case KindBilling:
			// Billing caps clear on a schedule, not in milliseconds; start high.
			return Classification{Kind: KindBilling, BaseDelay: 30 * time.Second}
		}
	}

	reason := strings.ToLower(strings.TrimSpace(err.Error()))
	for _, hint := range fatalHints {
		if strings.Contains(reason, hint) {
			return Classification{Kind: KindFatal}
		}
	}
	for _, hint := range transientHints {
		if strings.Contains(reason, hint) {
			return Classification{Kind: KindRetryable, BaseDelay: time.Second}
		}
	}
	return Classification{Kind: KindRetryable, BaseDelay: time.Second}
}
