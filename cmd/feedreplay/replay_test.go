package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "crowdalert/pkg/logx"
)

const feed = `# evening match
{"level":"critical","category":"crowd_density","zone":"Stadium Area","value":92}

{"level":"warning","category":"traffic","zone":"Metro Station"}
{"level":"info"}
`

func TestReadRecordsSkipsBlankAndComments(t *testing.T) {
	t.Parallel()
	recs, err := readRecords(strings.NewReader(feed))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Contains(t, string(recs[0]), "Stadium Area")
}

func TestReplayOverHTTP(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		got  []string
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, string(b))
		path = r.URL.Path
		mu.Unlock()
		if strings.Contains(string(b), "zone") {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"malformed alert"}`))
	}))
	defer srv.Close()

	recs, err := readRecords(strings.NewReader(feed))
	require.NoError(t, err)
	res := replay(context.Background(), recs, &httpSink{base: srv.URL, client: srv.Client()}, 0, logx.Nop())

	assert.Equal(t, result{Sent: 2, Failed: 1}, res)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 3)
	assert.Equal(t, "/v1/alerts", path)
}

func TestReplayStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := replay(ctx, [][]byte{[]byte(`{}`)}, &httpSink{base: "http://127.0.0.1:1", client: http.DefaultClient}, 0, logx.Nop())
	assert.Equal(t, result{}, res)
}
