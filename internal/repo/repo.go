package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"kanboard/internal/config"
	"kanboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TaskFilters narrows ListTasks.
type TaskFilters struct {
	BoardID string
	State   *domain.State
}

func scanBoard(row *sql.Row) (domain.Board, error) {
	var b domain.Board
	err := row.Scan(&b.ID, &b.Name, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) InsertBoardTx(ctx context.Context, tx *sql.Tx, b domain.Board) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO boards(id,name,created_at) VALUES (?,?,?)`, b.ID, b.Name, b.CreatedAt)
	return err
}

func (r Repo) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	return r.getBoard(ctx, r.DB, id)
}

func (r Repo) GetBoardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Board, error) {
	return r.getBoard(ctx, tx, id)
}

func (r Repo) getBoard(ctx context.Context, q queryer, id string) (domain.Board, error) {
	b, err := scanBoard(q.QueryRowContext(ctx, `SELECT id,name,created_at FROM boards WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return b, fmt.Errorf("board %s: %w", id, ErrNotFound)
	}
	return b, err
}

func (r Repo) ListBoards(ctx context.Context) ([]domain.Board, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM boards ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Board{}
	for rows.Next() {
		var b domain.Board
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// SingleBoard returns the only board in the workspace.
func (r Repo) SingleBoard(ctx context.Context) (domain.Board, error) {
	boards, err := r.ListBoards(ctx)
	if err != nil {
		return domain.Board{}, err
	}
	if len(boards) == 0 {
		return domain.Board{}, ErrNotFound
	}
	if len(boards) > 1 {
		return domain.Board{}, fmt.Errorf("multiple boards exist; specify --board")
	}
	return boards[0], nil
}

func (r Repo) DeleteBoard(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM tasks WHERE board_id=?`,
		`DELETE FROM owners WHERE board_id=?`,
		`DELETE FROM board_configs WHERE board_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM boards WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("board %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

func (r Repo) UpsertBoardConfig(ctx context.Context, boardID string, cfg *config.Config) error {
	return upsertBoardConfig(ctx, r.DB, boardID, cfg)
}

func (r Repo) UpsertBoardConfigTx(ctx context.Context, tx *sql.Tx, boardID string, cfg *config.Config) error {
	return upsertBoardConfig(ctx, tx, boardID, cfg)
}

func upsertBoardConfig(ctx context.Context, q queryer, boardID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Board.ID = boardID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = q.ExecContext(ctx, `INSERT INTO board_configs(board_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(board_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, boardID, string(payload), now, now)
	return err
}

func (r Repo) GetBoardConfig(ctx context.Context, boardID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM board_configs WHERE board_id=?`, boardID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Board.ID == "" {
		cfg.Board.ID = boardID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) InsertOwnerTx(ctx context.Context, tx *sql.Tx, o domain.Owner) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO owners(id,board_id,name,position) VALUES (?,?,?,?)`, o.ID, o.BoardID, o.Name, o.Position)
	return err
}

// ListOwners returns the board's owners by position with their WiP/Test flags
// derived from the tasks table.
func (r Repo) ListOwners(ctx context.Context, boardID string) ([]domain.Owner, error) {
	return r.listOwners(ctx, r.DB, boardID)
}

func (r Repo) ListOwnersTx(ctx context.Context, tx *sql.Tx, boardID string) ([]domain.Owner, error) {
	return r.listOwners(ctx, tx, boardID)
}

func (r Repo) listOwners(ctx context.Context, q queryer, boardID string) ([]domain.Owner, error) {
	rows, err := q.QueryContext(ctx, `SELECT o.id,o.board_id,o.name,o.position,
  EXISTS(SELECT 1 FROM tasks t WHERE t.owner_id=o.id AND t.state='wip'),
  EXISTS(SELECT 1 FROM tasks t WHERE t.owner_id=o.id AND t.state='test')
FROM owners o WHERE o.board_id=? ORDER BY o.position`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Owner{}
	for rows.Next() {
		var o domain.Owner
		if err := rows.Scan(&o.ID, &o.BoardID, &o.Name, &o.Position, &o.HasWorkInProgress, &o.IsTesting); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,board_id,seq,title,state,owner_id,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.BoardID, t.Seq, nullable(t.Title), t.State.String(), nullableStringPtr(t.OwnerID), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

// UpdateTaskTx writes the mutable columns of a task.
func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, state=?, owner_id=?, updated_at=?, completed_at=? WHERE id=?`,
		nullable(t.Title), t.State.String(), nullableStringPtr(t.OwnerID), t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

const taskColumns = `id,board_id,seq,COALESCE(title,''),state,owner_id,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (domain.Task, error) {
	var t domain.Task
	var state string
	var ownerID, completedAt sql.NullString
	if err := s.Scan(&t.ID, &t.BoardID, &t.Seq, &t.Title, &state, &ownerID, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
		return t, err
	}
	parsed, err := domain.ParseState(state)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.State = parsed
	if ownerID.Valid {
		t.OwnerID = &ownerID.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, q queryer, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	return r.listTasks(ctx, r.DB, f)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	return r.listTasks(ctx, tx, f)
}

func (r Repo) listTasks(ctx context.Context, q queryer, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"board_id=?"}
	args := []any{f.BoardID}
	if f.State != nil {
		clauses = append(clauses, "state=?")
		args = append(args, f.State.String())
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
