package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/loreweaver/pkg/narrator"
)

// Record is one stored session as listed by the CLI.
type Record struct {
	PlayerID     string    `json:"player_id"`
	LastActivity time.Time `json:"last_activity"`
	Turn         int       `json:"turn"`
	Location     string    `json:"current_location"`
}

// SQLiteStore persists narrator.SessionState per player and forgets players
// idle for longer than the TTL.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func Open(path string, ttl time.Duration) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, ttl: ttl, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS game_states (
			player_id TEXT PRIMARY KEY,
			state_json TEXT NOT NULL,
			turn INTEGER NOT NULL DEFAULT 0,
			current_location TEXT NOT NULL DEFAULT '',
			last_activity_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS game_states_activity_idx ON game_states(last_activity_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init session schema: %w", err)
		}
	}
	return nil
}

// Load returns the stored state for playerID. found is false when the
// player has no saved session.
func (s *SQLiteStore) Load(ctx context.Context, playerID string) (state narrator.SessionState, found bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT state_json FROM game_states WHERE player_id = ?`, playerID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return narrator.SessionState{}, false, nil
	}
	if err != nil {
		return narrator.SessionState{}, false, fmt.Errorf("load session %s: %w", playerID, err)
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return narrator.SessionState{}, false, fmt.Errorf("decode session %s: %w", playerID, err)
	}
	return state, true, nil
}

// Save writes state and refreshes the player's activity time.
func (s *SQLiteStore) Save(ctx context.Context, playerID string, state narrator.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", playerID, err)
	}
	turn := 0
	if state.Memory != nil {
		turn = state.Memory.CurrentTurn
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO game_states (player_id, state_json, turn, current_location, last_activity_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			state_json = excluded.state_json,
			turn = excluded.turn,
			current_location = excluded.current_location,
			last_activity_ms = excluded.last_activity_ms`,
		playerID, string(data), turn, state.CurrentLocation, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save session %s: %w", playerID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, playerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM game_states WHERE player_id = ?`, playerID); err != nil {
		return fmt.Errorf("delete session %s: %w", playerID, err)
	}
	return nil
}

// PruneInactive deletes sessions idle for longer than the TTL and returns
// how many were removed. A non-positive TTL disables pruning.
func (s *SQLiteStore) PruneInactive(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM game_states WHERE last_activity_ms < ?`, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// ActiveCount counts sessions seen within the TTL.
func (s *SQLiteStore) ActiveCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM game_states WHERE last_activity_ms >= ?`, s.cutoff()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// List returns every stored session, most recently active first.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT player_id, last_activity_ms, turn, current_location
		FROM game_states
		ORDER BY last_activity_ms DESC, player_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ms int64
		if err := rows.Scan(&r.PlayerID, &ms, &r.Turn, &r.Location); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.LastActivity = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) cutoff() int64 {
	if s.ttl <= 0 {
		return 0
	}
	return s.now().Add(-s.ttl).UnixMilli()
}
