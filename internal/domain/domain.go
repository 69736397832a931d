package domain

import (
	"fmt"
	"strings"
)

// State is the lifecycle position of a task on the board.
type State int

const (
	ToDo State = iota
	WiP
	Test
	Done
)

// States lists every state in lifecycle order.
var States = []State{ToDo, WiP, Test, Done}

func (s State) String() string {
	switch s {
	case ToDo:
		return "todo"
	case WiP:
		return "wip"
	case Test:
		return "test"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid reports whether s is one of the four board states.
func (s State) Valid() bool {
	return s >= ToDo && s <= Done
}

// Next returns the state a pull moves to. ok is false for Done.
func (s State) Next() (State, bool) {
	switch s {
	case ToDo:
		return WiP, true
	case WiP:
		return Test, true
	case Test:
		return Done, true
	default:
		return s, false
	}
}

// Owned reports whether tasks in this state must carry an owner.
func (s State) Owned() bool {
	return s == WiP || s == Test
}

// ParseState accepts the wire names (todo, wip, test, done) case-insensitively.
func ParseState(v string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "todo":
		return ToDo, nil
	case "wip":
		return WiP, nil
	case "test":
		return Test, nil
	case "done":
		return Done, nil
	}
	return ToDo, fmt.Errorf("invalid state %q", v)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Board struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID          string  `json:"id"`
	BoardID     string  `json:"board_id"`
	Seq         int64   `json:"seq"`
	Title       string  `json:"title,omitempty"`
	State       State   `json:"state"`
	OwnerID     *string `json:"owner_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Owner is one of the board's four worker slots. The two flags are derived
// from the tasks currently assigned to it.
type Owner struct {
	ID                string `json:"id"`
	BoardID           string `json:"board_id"`
	Name              string `json:"name"`
	Position          int    `json:"position"`
	HasWorkInProgress bool   `json:"has_work_in_progress"`
	IsTesting         bool   `json:"is_testing"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	BoardID    string `json:"board_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Status summarizes a board for the status command and endpoint.
type Status struct {
	Board  Board          `json:"board"`
	Counts map[string]int `json:"task_counts"`
	Owners []Owner        `json:"owners"`
}
