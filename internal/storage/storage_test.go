package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "crowdalert/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(context.Background(), Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}

func TestPostgresRequiresDSN(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	exerciseStore(t, st)

	f, err := os.Open(filepath.Join(dir, "state.audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var e AuditEntry
	require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
	assert.Equal(t, "mark_read", e.Action)
	assert.Equal(t, 2, e.Count)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "crowdalert.sqlite")
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	exerciseStore(t, st)

	ss := st.(*sqliteStore)
	var n int
	require.NoError(t, ss.db.QueryRow(`SELECT COUNT(*) FROM audit WHERE action = 'mark_read'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := st.LoadPreferences(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{
		At: time.Now(), Actor: "127.0.0.1", Action: "mark_read", Count: 2, MetaJSON: `{"ids":["a","b"]}`,
	}))

	require.NoError(t, st.SavePreferences(ctx, []byte(`{"sound":{"enabled":false}}`)))
	require.NoError(t, st.SavePreferences(ctx, []byte(`{"sound":{"enabled":true}}`)))
	doc, ok, err := st.LoadPreferences(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"sound":{"enabled":true}}`, string(doc))
}
