package board

import (
	"errors"
	"fmt"

	"kanboard/internal/domain"
)

var (
	// ErrCapacityExceeded means no owner has a free slot for the target state.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrIllegalTransition means the task has no next state.
	ErrIllegalTransition = errors.New("illegal transition")
	ErrTaskNotFound      = errors.New("task not found")
)

// PullError reports a rejected pull. Kind is one of the sentinels above.
type PullError struct {
	TaskID string
	From   domain.State
	To     domain.State
	Kind   error
}

func (e *PullError) Error() string {
	if e == nil {
		return ""
	}
	if errors.Is(e.Kind, ErrIllegalTransition) {
		return fmt.Sprintf("pull task %s: %s: %s is final", e.TaskID, e.Kind, e.From)
	}
	return fmt.Sprintf("pull task %s %s -> %s: %s: no owner free for %s", e.TaskID, e.From, e.To, e.Kind, e.To)
}

func (e *PullError) Unwrap() error { return e.Kind }
