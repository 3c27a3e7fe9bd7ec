package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "crowdalert/pkg/logx"
)

// fileStore keeps everything next to a single path prefix.
//
// Files:
//   - <prefix>.audit.jsonl       (append-only JSON Lines)
//   - <prefix>.preferences.json  (replaced atomically on save)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File
	prefsPath string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:       log,
		auditFile: af,
		prefsPath: prefix + ".preferences.json",
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) LoadPreferences(ctx context.Context) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.prefsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) SavePreferences(ctx context.Context, doc []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("store closed")
	}
	tmp := s.prefsPath + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.prefsPath); err != nil {
		s.log.Debug("preferences rename failed", logx.Err(err))
		return err
	}
	return nil
}
