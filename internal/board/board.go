// Package board implements the in-memory kanban board: a fixed pool of four
// owners and an ordered list of tasks that move ToDo -> WiP -> Test -> Done.
//
// A task can only enter WiP or Test when an owner has a free slot for that
// state. Each owner holds at most one WiP task and, independently, at most one
// Test task.
package board

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kanboard/internal/domain"
)

// OwnerCount is the fixed size of every board's owner pool.
const OwnerCount = 4

// OwnerSpec names one owner slot at construction time. ID may be empty, in
// which case a stable id is derived from the board id and name.
type OwnerSpec struct {
	ID   string
	Name string
}

// Options configure New.
type Options struct {
	ID     string
	Owners []OwnerSpec
	NewID  func() string
	Now    func() time.Time
}

type slot struct {
	owner domain.Owner
	wip   string
	test  string
}

// Board is safe for concurrent use; every operation holds a single mutex.
type Board struct {
	mu      sync.Mutex
	id      string
	owners  [OwnerCount]slot
	tasks   []*domain.Task
	index   map[string]int
	nextSeq int64
	newID   func() string
	now     func() time.Time
}

// New builds an empty board with exactly OwnerCount owners.
func New(opts Options) (*Board, error) {
	if len(opts.Owners) != OwnerCount {
		return nil, fmt.Errorf("board requires exactly %d owners, got %d", OwnerCount, len(opts.Owners))
	}
	b := &Board{
		id:    opts.ID,
		index: map[string]int{},
		newID: opts.NewID,
		now:   opts.Now,
	}
	if b.newID == nil {
		b.newID = uuid.NewString
	}
	if b.now == nil {
		b.now = time.Now
	}
	seen := map[string]bool{}
	for i, spec := range opts.Owners {
		if spec.Name == "" {
			return nil, fmt.Errorf("owner %d has empty name", i)
		}
		id := spec.ID
		if id == "" {
			id = OwnerID(opts.ID, spec.Name)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate owner %s", id)
		}
		seen[id] = true
		b.owners[i] = slot{owner: domain.Owner{
			ID:       id,
			BoardID:  opts.ID,
			Name:     spec.Name,
			Position: i,
		}}
	}
	return b, nil
}

// OwnerID derives the stable owner id used when none is supplied.
func OwnerID(boardID, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(boardID+"|owner|"+name)).String()
}

// Restore loads previously persisted tasks into an empty board, rebuilding the
// owner slots from task ownership. Tasks must be ordered by Seq.
func (b *Board) Restore(tasks []domain.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tasks) > 0 {
		return fmt.Errorf("restore into non-empty board %s", b.id)
	}
	for _, t := range tasks {
		if !t.State.Valid() {
			return fmt.Errorf("task %s: invalid state %d", t.ID, int(t.State))
		}
		if _, dup := b.index[t.ID]; dup {
			return fmt.Errorf("task %s restored twice", t.ID)
		}
		if t.Seq <= b.nextSeq && len(b.tasks) > 0 {
			return fmt.Errorf("task %s out of order (seq %d)", t.ID, t.Seq)
		}
		hasOwner := t.OwnerID != nil && *t.OwnerID != ""
		if t.State.Owned() != hasOwner {
			return fmt.Errorf("task %s in %s: owner present=%t", t.ID, t.State, hasOwner)
		}
		if hasOwner {
			s := b.slotFor(*t.OwnerID)
			if s == nil {
				return fmt.Errorf("task %s: unknown owner %s", t.ID, *t.OwnerID)
			}
			switch t.State {
			case domain.WiP:
				if s.wip != "" {
					return fmt.Errorf("owner %s holds two WiP tasks (%s, %s)", s.owner.ID, s.wip, t.ID)
				}
				s.wip = t.ID
			case domain.Test:
				if s.test != "" {
					return fmt.Errorf("owner %s holds two Test tasks (%s, %s)", s.owner.ID, s.test, t.ID)
				}
				s.test = t.ID
			}
		}
		task := cloneTask(t)
		task.BoardID = b.id
		b.index[t.ID] = len(b.tasks)
		b.tasks = append(b.tasks, &task)
		b.nextSeq = t.Seq
	}
	return nil
}

// CreateNewTask appends a ToDo task without owner. It always succeeds.
func (b *Board) CreateNewTask(title string) domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked(b.newID(), title)
}

// CreateTaskWithID is CreateNewTask with a caller-chosen id.
func (b *Board) CreateTaskWithID(id, title string) (domain.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == "" {
		id = b.newID()
	}
	if _, dup := b.index[id]; dup {
		return domain.Task{}, fmt.Errorf("task %s already exists", id)
	}
	return b.createLocked(id, title), nil
}

func (b *Board) createLocked(id, title string) domain.Task {
	now := b.now().UTC().Format(time.RFC3339)
	b.nextSeq++
	t := &domain.Task{
		ID:        id,
		BoardID:   b.id,
		Seq:       b.nextSeq,
		Title:     title,
		State:     domain.ToDo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.index[id] = len(b.tasks)
	b.tasks = append(b.tasks, t)
	return cloneTask(*t)
}

// Tasks returns the tasks currently in state, in creation order.
func (b *Board) Tasks(state domain.State) []domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []domain.Task{}
	for _, t := range b.tasks {
		if t.State == state {
			out = append(out, cloneTask(*t))
		}
	}
	return out
}

// AllTasks returns every task in creation order.
func (b *Board) AllTasks() []domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, cloneTask(*t))
	}
	return out
}

// Task looks up a single task.
func (b *Board) Task(id string) (domain.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return cloneTask(*b.tasks[i]), nil
}

// Owners returns the four owners in their fixed order.
func (b *Board) Owners() []domain.Owner {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Owner, 0, OwnerCount)
	for i := range b.owners {
		out = append(out, b.owners[i].view())
	}
	return out
}

// Counts returns the number of tasks per state. Every state is present.
func (b *Board) Counts() map[domain.State]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[domain.State]int, len(domain.States))
	for _, s := range domain.States {
		counts[s] = 0
	}
	for _, t := range b.tasks {
		counts[t.State]++
	}
	return counts
}

// Pull advances a task one step along ToDo -> WiP -> Test -> Done.
//
// ToDo -> WiP takes the first owner without WiP work. WiP -> Test keeps the
// current owner when it has no Test work, otherwise takes the first owner
// without Test work. Test -> Done releases the owner. On error the board is
// left untouched.
func (b *Board) Pull(id string) (domain.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t := b.tasks[i]
	to, ok := t.State.Next()
	if !ok {
		return cloneTask(*t), &PullError{TaskID: t.ID, From: t.State, To: t.State, Kind: ErrIllegalTransition}
	}
	var current *slot
	if t.OwnerID != nil {
		current = b.slotFor(*t.OwnerID)
	}
	now := b.now().UTC().Format(time.RFC3339)
	switch to {
	case domain.WiP:
		next := b.firstFree(func(s *slot) bool { return s.wip == "" })
		if next == nil {
			return cloneTask(*t), &PullError{TaskID: t.ID, From: t.State, To: to, Kind: ErrCapacityExceeded}
		}
		next.wip = t.ID
		t.OwnerID = stringPtr(next.owner.ID)
	case domain.Test:
		next := current
		if next == nil || next.test != "" {
			next = b.firstFree(func(s *slot) bool { return s.test == "" })
		}
		if next == nil {
			return cloneTask(*t), &PullError{TaskID: t.ID, From: t.State, To: to, Kind: ErrCapacityExceeded}
		}
		if current != nil {
			current.wip = ""
		}
		next.test = t.ID
		t.OwnerID = stringPtr(next.owner.ID)
	case domain.Done:
		if current != nil {
			current.test = ""
		}
		t.OwnerID = nil
		t.CompletedAt = stringPtr(now)
	}
	t.State = to
	t.UpdatedAt = now
	return cloneTask(*t), nil
}

// Validate checks the ownership invariants against the task list.
func (b *Board) Validate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	wip := map[string]string{}
	test := map[string]string{}
	wipCount := 0
	for _, t := range b.tasks {
		hasOwner := t.OwnerID != nil && *t.OwnerID != ""
		if t.State.Owned() != hasOwner {
			return fmt.Errorf("task %s in %s: owner present=%t", t.ID, t.State, hasOwner)
		}
		switch t.State {
		case domain.WiP:
			wipCount++
			if other, ok := wip[*t.OwnerID]; ok {
				return fmt.Errorf("owner %s holds WiP tasks %s and %s", *t.OwnerID, other, t.ID)
			}
			wip[*t.OwnerID] = t.ID
		case domain.Test:
			if other, ok := test[*t.OwnerID]; ok {
				return fmt.Errorf("owner %s holds Test tasks %s and %s", *t.OwnerID, other, t.ID)
			}
			test[*t.OwnerID] = t.ID
		}
	}
	if wipCount > OwnerCount {
		return fmt.Errorf("%d tasks in WiP exceeds %d", wipCount, OwnerCount)
	}
	for i := range b.owners {
		s := &b.owners[i]
		if s.wip != wip[s.owner.ID] || s.test != test[s.owner.ID] {
			return fmt.Errorf("owner %s slots out of sync with tasks", s.owner.ID)
		}
	}
	return nil
}

func (b *Board) slotFor(ownerID string) *slot {
	for i := range b.owners {
		if b.owners[i].owner.ID == ownerID {
			return &b.owners[i]
		}
	}
	return nil
}

func (b *Board) firstFree(free func(*slot) bool) *slot {
	for i := range b.owners {
		if free(&b.owners[i]) {
			return &b.owners[i]
		}
	}
	return nil
}

func (s slot) view() domain.Owner {
	o := s.owner
	o.HasWorkInProgress = s.wip != ""
	o.IsTesting = s.test != ""
	return o
}

func cloneTask(t domain.Task) domain.Task {
	if t.OwnerID != nil {
		t.OwnerID = stringPtr(*t.OwnerID)
	}
	if t.CompletedAt != nil {
		t.CompletedAt = stringPtr(*t.CompletedAt)
	}
	return t
}

func stringPtr(s string) *string {
	return &s
}
