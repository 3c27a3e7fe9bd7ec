package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "crowdalert/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	body, err := schemaFS.ReadFile("sql/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("read migration: %w", err)
	}
	if _, err := pool.Exec(ctx, string(body)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("exec migration: %w", err)
	}
	log.Debug("postgres store ready")
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var meta any
	if strings.TrimSpace(e.MetaJSON) != "" {
		meta = e.MetaJSON
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO crowdalert_audit (at, actor, action, target, count, err, meta)
        VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
    `, e.At, nullStr(e.Actor), e.Action, nullStr(e.Target), e.Count, nullStr(e.Error), meta)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (s *postgresStore) LoadPreferences(ctx context.Context) ([]byte, bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, ErrDisabled
	}
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM crowdalert_preferences WHERE id = 1`).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load preferences: %w", err)
	}
	return body, true, nil
}

func (s *postgresStore) SavePreferences(ctx context.Context, doc []byte) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO crowdalert_preferences (id, body, updated_at)
        VALUES (1, $1::jsonb, now())
        ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
    `, string(doc))
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
