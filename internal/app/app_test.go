package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "crowdalert.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestAppServesAlertsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`
logging:
  level: warn
http:
  enabled: true
  addr: 127.0.0.1:0
storage:
  driver: file
  path: %s
`, filepath.Join(dir, "state", "crowdalert")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	base := "http://" + a.HTTPAddr()

	body := `{"id":"m1","level":"critical","category":"crowd_density","zone":"Stadium Area","value":95}`
	resp, err := http.Post(base+"/v1/alerts", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ind struct {
		UnreadCount    int  `json:"unreadCount"`
		HasNewCritical bool `json:"hasNewCritical"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/indicator")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&ind) == nil && ind.UnreadCount == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, ind.HasNewCritical)

	req, err := http.NewRequest(http.MethodPut, base+"/v1/preferences", strings.NewReader(`{"display":{"showToast":false}}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))

	doc, err := os.ReadFile(filepath.Join(dir, "state", "crowdalert.preferences.json"))
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"showToast":false`)
	audit, err := os.ReadFile(filepath.Join(dir, "state", "crowdalert.audit.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), "preferences.update")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "engine:\n  queue_size: -5\n")
	_, err := New(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.queue_size")
}
