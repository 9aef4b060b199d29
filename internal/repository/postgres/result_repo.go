package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/efreed/quizdash/internal/model"
)

// ResultRepo archives final standings of completed games.
//
// Schema:
//
//	CREATE TABLE game_results (
//	    game_id     TEXT NOT NULL,
//	    pin         TEXT NOT NULL,
//	    rank        INT  NOT NULL,
//	    player_name TEXT NOT NULL,
//	    score       INT  NOT NULL,
//	    finished_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (game_id, rank)
//	);
type ResultRepo struct {
	db *sql.DB
}

// NewResultRepo creates a ResultRepo.
func NewResultRepo(db *sql.DB) *ResultRepo {
	return &ResultRepo{db: db}
}

// SaveResult inserts one row per leaderboard entry in a single transaction.
func (r *ResultRepo) SaveResult(ctx context.Context, result *model.GameResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin result tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range result.Entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO game_results (game_id, pin, rank, player_name, score, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (game_id, rank) DO NOTHING`,
			result.GameID, result.Pin, e.Rank, e.Name, e.Score, result.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("insert result row: %w", err)
		}
	}
	return tx.Commit()
}

// ListRecent returns the most recently finished games with their standings.
func (r *ResultRepo) ListRecent(ctx context.Context, limit int) ([]model.GameResult, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT game_id, pin, rank, player_name, score, finished_at
		 FROM game_results
		 WHERE game_id IN (
		     SELECT game_id FROM game_results
		     GROUP BY game_id ORDER BY MAX(finished_at) DESC LIMIT $1
		 )
		 ORDER BY finished_at DESC, game_id, rank`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []model.GameResult
	byGame := make(map[string]int)
	for rows.Next() {
		var gameID, pin, name string
		var rank, score int
		var finishedAt time.Time
		if err := rows.Scan(&gameID, &pin, &rank, &name, &score, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		idx, ok := byGame[gameID]
		if !ok {
			results = append(results, model.GameResult{GameID: gameID, Pin: pin, FinishedAt: finishedAt})
			idx = len(results) - 1
			byGame[gameID] = idx
		}
		results[idx].Entries = append(results[idx].Entries, model.ResultEntry{Rank: rank, Name: name, Score: score})
	}
	return results, rows.Err()
}
