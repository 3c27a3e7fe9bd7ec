package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "crowdalert/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
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

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("sql/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, count, err, meta) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Target),
		e.Count, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) LoadPreferences(ctx context.Context) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM preferences WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(body), true, nil
}

func (s *sqliteStore) SavePreferences(ctx context.Context, doc []byte) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(id, body, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		string(doc), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
