package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanboard/internal/board"
	"kanboard/internal/config"
	"kanboard/internal/domain"
	"kanboard/internal/events"
	"kanboard/internal/logging"
	"kanboard/internal/repo"
)

// Engine persists board operations. Each mutation loads the board inside a
// transaction, applies it to an in-memory board.Board and writes the result
// together with an event row.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Publisher events.Publisher
	Log       *log.Logger
	Now       func() time.Time
	NewID     func() string

	mu *sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    logging.Discard(),
		Now:    time.Now,
		NewID:  uuid.NewString,
		mu:     &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Log != nil {
		return e.Log
	}
	return log.StandardLogger()
}

func (e Engine) lock() func() {
	if e.mu == nil {
		return func() {}
	}
	e.mu.Lock()
	return e.mu.Unlock
}

func (e Engine) boardID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if e.Config != nil && e.Config.Board.ID != "" {
		return e.Config.Board.ID, nil
	}
	return "", errors.New("board is required")
}

// InitBoard creates a board with the configured owners and seed tasks.
func (e Engine) InitBoard(ctx context.Context, id, name, actorID string) (domain.Board, error) {
	if e.Config == nil {
		return domain.Board{}, errors.New("config not loaded")
	}
	id, err := e.boardID(id)
	if err != nil {
		return domain.Board{}, err
	}
	if name == "" {
		name = e.Config.Board.Name
	}
	if name == "" {
		name = id
	}
	specs := make([]board.OwnerSpec, 0, len(e.Config.Board.Owners))
	for _, n := range e.Config.Board.Owners {
		specs = append(specs, board.OwnerSpec{Name: n})
	}
	b, err := board.New(board.Options{ID: id, Owners: specs, NewID: e.NewID, Now: e.now})
	if err != nil {
		return domain.Board{}, err
	}
	bd := domain.Board{ID: id, Name: name, CreatedAt: e.now().UTC().Format(time.RFC3339)}

	unlock := e.lock()
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Board{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertBoardTx(ctx, tx, bd); err != nil {
		return domain.Board{}, fmt.Errorf("insert board: %w", err)
	}
	for _, o := range b.Owners() {
		if err := e.Repo.InsertOwnerTx(ctx, tx, o); err != nil {
			return domain.Board{}, fmt.Errorf("insert owner %s: %w", o.Name, err)
		}
	}
	cfg := *e.Config
	if err := e.Repo.UpsertBoardConfigTx(ctx, tx, id, &cfg); err != nil {
		return domain.Board{}, fmt.Errorf("insert board config: %w", err)
	}
	for i := 0; i < e.Config.Board.SeedTasks; i++ {
		t := b.CreateNewTask("")
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return domain.Board{}, fmt.Errorf("insert seed task: %w", err)
		}
	}
	evt, err := e.Events.Append(ctx, tx, "board.init", id, "board", id, actorID, events.EventPayload{
		"name":       name,
		"owners":     e.Config.Board.Owners,
		"seed_tasks": e.Config.Board.SeedTasks,
	})
	if err != nil {
		return domain.Board{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Board{}, err
	}
	e.logger().WithFields(log.Fields{"board_id": id, "seed_tasks": e.Config.Board.SeedTasks}).Info("board initialized")
	e.publish(ctx, evt)
	return bd, nil
}

// loadBoard rebuilds the in-memory board from the rows visible to tx.
func (e Engine) loadBoard(ctx context.Context, tx *sql.Tx, boardID string) (*board.Board, error) {
	if _, err := e.Repo.GetBoardTx(ctx, tx, boardID); err != nil {
		return nil, err
	}
	owners, err := e.Repo.ListOwnersTx(ctx, tx, boardID)
	if err != nil {
		return nil, err
	}
	specs := make([]board.OwnerSpec, 0, len(owners))
	for _, o := range owners {
		specs = append(specs, board.OwnerSpec{ID: o.ID, Name: o.Name})
	}
	b, err := board.New(board.Options{ID: boardID, Owners: specs, NewID: e.NewID, Now: e.now})
	if err != nil {
		return nil, fmt.Errorf("load board %s: %w", boardID, err)
	}
	tasks, err := e.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{BoardID: boardID})
	if err != nil {
		return nil, err
	}
	if err := b.Restore(tasks); err != nil {
		return nil, fmt.Errorf("load board %s: %w", boardID, err)
	}
	return b, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID      string
	BoardID string
	Title   string
	ActorID string
}

// CreateTask appends a new ToDo task to the board.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	boardID, err := e.boardID(opts.BoardID)
	if err != nil {
		return domain.Task{}, err
	}
	unlock := e.lock()
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	b, err := e.loadBoard(ctx, tx, boardID)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := b.CreateTaskWithID(opts.ID, opts.Title)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	evt, err := e.Events.Append(ctx, tx, "task.created", boardID, "task", t.ID, opts.ActorID, events.EventPayload{
		"title": t.Title,
		"state": t.State.String(),
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.logger().WithFields(log.Fields{"board_id": boardID, "task_id": t.ID}).Debug("task created")
	e.publish(ctx, evt)
	return t, nil
}

// Pull advances a task one state. Rejected pulls write nothing and return the
// board error (board.ErrCapacityExceeded or board.ErrIllegalTransition).
func (e Engine) Pull(ctx context.Context, boardID, taskID, actorID string) (domain.Task, error) {
	if taskID == "" {
		return domain.Task{}, errors.New("task id is required")
	}
	unlock := e.lock()
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if boardID == "" {
		boardID = current.BoardID
	}
	if current.BoardID != boardID {
		return domain.Task{}, fmt.Errorf("task %s on board %s: %w", taskID, boardID, repo.ErrNotFound)
	}
	b, err := e.loadBoard(ctx, tx, boardID)
	if err != nil {
		return domain.Task{}, err
	}
	fields := log.Fields{"board_id": boardID, "task_id": taskID, "from": current.State.String()}
	t, err := b.Pull(taskID)
	if err != nil {
		e.logger().WithFields(fields).WithError(err).Warn("pull rejected")
		return t, err
	}
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	payload := events.EventPayload{
		"from": current.State.String(),
		"to":   t.State.String(),
	}
	if current.OwnerID != nil {
		payload["previous_owner_id"] = *current.OwnerID
	}
	if t.OwnerID != nil {
		payload["owner_id"] = *t.OwnerID
	}
	evt, err := e.Events.Append(ctx, tx, "task.pulled", boardID, "task", t.ID, actorID, payload)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	fields["to"] = t.State.String()
	if t.OwnerID != nil {
		fields["owner_id"] = *t.OwnerID
	}
	e.logger().WithFields(fields).Info("task pulled")
	e.publish(ctx, evt)
	return t, nil
}

// ListTasks returns tasks in creation order, optionally only those in state.
func (e Engine) ListTasks(ctx context.Context, boardID string, state *domain.State) ([]domain.Task, error) {
	boardID, err := e.boardID(boardID)
	if err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetBoard(ctx, boardID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, repo.TaskFilters{BoardID: boardID, State: state})
}

// ListOwners returns the board's four owners in stable order.
func (e Engine) ListOwners(ctx context.Context, boardID string) ([]domain.Owner, error) {
	boardID, err := e.boardID(boardID)
	if err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetBoard(ctx, boardID); err != nil {
		return nil, err
	}
	return e.Repo.ListOwners(ctx, boardID)
}

func (e Engine) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, taskID)
}

// Status reports task counts per state and owner load, taken from one
// consistent snapshot of the board.
func (e Engine) Status(ctx context.Context, boardID string) (domain.Status, error) {
	boardID, err := e.boardID(boardID)
	if err != nil {
		return domain.Status{}, err
	}
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Status{}, err
	}
	defer tx.Rollback()

	bd, err := e.Repo.GetBoardTx(ctx, tx, boardID)
	if err != nil {
		return domain.Status{}, err
	}
	b, err := e.loadBoard(ctx, tx, boardID)
	if err != nil {
		return domain.Status{}, err
	}
	counts := make(map[string]int, len(domain.States))
	for s, n := range b.Counts() {
		counts[s.String()] = n
	}
	return domain.Status{Board: bd, Counts: counts, Owners: b.Owners()}, nil
}

func (e Engine) publish(ctx context.Context, evts ...domain.Event) {
	if e.Publisher == nil {
		return
	}
	for _, evt := range evts {
		if err := e.Publisher.Publish(ctx, evt); err != nil {
			e.logger().WithFields(log.Fields{"event_id": evt.ID, "type": evt.Type}).WithError(err).Warn("publish event failed")
		}
	}
}
