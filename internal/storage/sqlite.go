//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"relaybot/internal/broadcast"
	"relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps the same logical layout as the file driver: a chats
// table and a requests table holding one JSON document per request. Saves
// run in one transaction, which gives the same old-or-new guarantee as the
// file driver's atomic rename.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (broadcast.StateStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Save(ctx context.Context, st broadcast.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chats"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM requests"); err != nil {
		return err
	}
	for i, chatID := range st.Chats {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chats(chat_id, position) VALUES(?, ?)", chatID, i); err != nil {
			return err
		}
	}
	for id, r := range st.Requests {
		doc, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO requests(id, doc) VALUES(?, ?)", id, string(doc)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Load(ctx context.Context) (broadcast.State, bool, error) {
	st := broadcast.State{Requests: map[string]*broadcast.Request{}}

	rows, err := s.db.QueryContext(ctx, "SELECT chat_id FROM chats ORDER BY position")
	if err != nil {
		return broadcast.State{}, false, err
	}
	for rows.Next() {
		var chatID int64
		if err := rows.Scan(&chatID); err != nil {
			_ = rows.Close()
			return broadcast.State{}, false, err
		}
		st.Chats = append(st.Chats, chatID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return broadcast.State{}, false, err
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, "SELECT id, doc FROM requests")
	if err != nil {
		return broadcast.State{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return broadcast.State{}, false, err
		}
		var r broadcast.Request
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return broadcast.State{}, false, fmt.Errorf("decode request %s: %w", id, err)
		}
		st.Requests[id] = &r
	}
	if err := rows.Err(); err != nil {
		return broadcast.State{}, false, err
	}

	if len(st.Chats) == 0 && len(st.Requests) == 0 {
		return broadcast.State{}, false, nil
	}
	return st, true, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
