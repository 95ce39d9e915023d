package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the persistent room session store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// migrations are applied in order; index+1 is the schema version.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id TEXT PRIMARY KEY,
			character_id TEXT NOT NULL,
			chat_id TEXT NOT NULL
		);`,
	},
	{
		`ALTER TABLE rooms ADD COLUMN updated_at_ms INTEGER NOT NULL DEFAULT 0;`,
	},
}

// NewSQLiteStore creates/opens the session database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Concurrent room handlers share one connection to avoid SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
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
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);`,
	}
	for _, stmt := range pragmas {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return s.migrate()
}

// SchemaVersion reports the applied migration count.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) migrate() error {
	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		for _, stmt := range migrations[i] {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed on %q: %w", i+1, trimSQL(stmt), err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func (s *SQLiteStore) Put(ctx context.Context, roomID, characterID, chatID string) error {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(characterID) == "" || strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("%w: room, character and chat ids are required", ErrInvalidSession)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO rooms(room_id, character_id, chat_id, updated_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(room_id) DO UPDATE SET
	character_id = excluded.character_id,
	chat_id = excluded.chat_id,
	updated_at_ms = excluded.updated_at_ms`,
		roomID, characterID, chatID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// Get returns ok=false when the room has no session.
func (s *SQLiteStore) Get(ctx context.Context, roomID string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT room_id, character_id, chat_id, updated_at_ms
FROM rooms WHERE room_id = ?`, roomID)
	var out Session
	if err := row.Scan(&out.RoomID, &out.CharacterID, &out.ChatID, &out.UpdatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("get session: %w", err)
	}
	return out, true, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT room_id, character_id, chat_id, updated_at_ms
FROM rooms ORDER BY updated_at_ms DESC, room_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.RoomID, &sess.CharacterID, &sess.ChatID, &sess.UpdatedAtMS); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
