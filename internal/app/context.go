package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kanboard/internal/config"
	"kanboard/internal/db"
	"kanboard/internal/repo"
)

const currentBoardFile = "current_board"

// ResolveBoardAndConfig picks the active board and its config. It prefers the
// override, then the board chosen with `kb board use`, then the only board in
// the database. The stored board config wins over kanboard.yml, which wins
// over defaults.
func ResolveBoardAndConfig(ctx context.Context, workspace, boardOverride string, r repo.Repo) (string, *config.Config, error) {
	boardID := strings.TrimSpace(boardOverride)
	if boardID == "" {
		cur, err := CurrentBoard(workspace)
		if err != nil {
			return "", nil, err
		}
		boardID = cur
	}
	if boardID == "" {
		b, err := r.SingleBoard(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("board not specified; use --board or kb board use")
		}
		boardID = b.ID
	}
	if _, err := r.GetBoard(ctx, boardID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil, fmt.Errorf("board %s not initialized; run kb board init %s: %w", boardID, boardID, err)
		}
		return "", nil, err
	}
	cfg, err := r.GetBoardConfig(ctx, boardID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg, err = SeedConfig(workspace, boardID)
		if err != nil {
			return "", nil, err
		}
		if err := r.UpsertBoardConfig(ctx, boardID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed board config: %w", err)
		}
	}
	cfg.Board.ID = boardID
	return boardID, cfg, nil
}

// SeedConfig returns kanboard.yml from the workspace when present, defaults
// otherwise, with the board id set.
func SeedConfig(workspace, boardID string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(boardID)
	}
	if boardID != "" {
		cfg.Board.ID = boardID
	}
	return cfg, nil
}

// CurrentBoard returns the board stored by SetCurrentBoard, or "".
func CurrentBoard(workspace string) (string, error) {
	data, err := os.ReadFile(currentBoardPath(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func SetCurrentBoard(workspace, boardID string) error {
	dir, err := db.EnsureWorkspace(workspace)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, currentBoardFile), []byte(boardID+"\n"), 0o644)
}

func currentBoardPath(workspace string) string {
	return filepath.Join(filepath.Dir(db.Path(workspace)), currentBoardFile)
}
