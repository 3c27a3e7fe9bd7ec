package storage

import (
	"context"
	"errors"
	"strings"

	logx "crowdalert/pkg/logx"
)

// Store is the persistence API used by the preference store and the
// control surface.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// LoadPreferences returns the stored document; ok is false when none
	// was saved yet.
	LoadPreferences(ctx context.Context) (doc []byte, ok bool, err error)
	SavePreferences(ctx context.Context, doc []byte) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
