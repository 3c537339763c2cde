package aggregate

import (
	"fmt"
	"strings"

	"github.com/specfold/specfold/internal/engine/command"
)

// ConcurrencyConflictError reports an expected-version mismatch. It is
// retryable by the caller, who must re-read state and resubmit; the runtime
// never retries internally.
type ConcurrencyConflictError struct {
	AggregateType string
	AggregateID   string
	Expected      uint64
	Actual        uint64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s/%s: expected version %d, live version %d",
		e.AggregateType, e.AggregateID, e.Expected, e.Actual)
}

// CommandRejectedError reports a domain invariant violation. It causes no
// state change and is surfaced synchronously to the command issuer.
type CommandRejectedError struct {
	AggregateType string
	AggregateID   string
	CommandType   command.Type
	Rejections    []command.Rejection
}

func (e *CommandRejectedError) Error() string {
	reasons := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		reasons = append(reasons, r.Code+": "+r.Message)
	}
	return fmt.Sprintf("command %s rejected on %s/%s: %s",
		e.CommandType, e.AggregateType, e.AggregateID, strings.Join(reasons, "; "))
}
