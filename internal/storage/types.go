package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON lines audit log plus a JSON preferences document
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action against the hub, banner or
// preferences.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Actor    string    `json:"actor,omitempty"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	Count    int       `json:"count"`
	Error    string    `json:"error,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
