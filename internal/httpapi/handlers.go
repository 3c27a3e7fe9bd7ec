package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"crowdalert/internal/alert"
	"crowdalert/internal/dispatch"
	"crowdalert/internal/engine"
	"crowdalert/internal/lifecycle"
	"crowdalert/internal/notification"
	"crowdalert/internal/prefs"
	rtsup "crowdalert/internal/runtime/supervisor"
	"crowdalert/internal/storage"
	logx "crowdalert/pkg/logx"
)

type healthResponse struct {
	Status string                `json:"status"`
	Engine engine.Stats          `json:"engine"`
	Loops  []rtsup.LoopStats     `json:"loops,omitempty"`
	Jobs   []lifecycle.JobStatus `json:"jobs,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Engine: s.deps.Engine.Stats()}
	if s.deps.Loops != nil {
		resp.Loops = s.deps.Loops()
		for _, l := range resp.Loops {
			if l.LastErr != "" && !l.Running {
				resp.Status = "degraded"
			}
		}
	}
	if s.deps.Jobs != nil {
		resp.Jobs = s.deps.Jobs()
	}
	writeJSON(w, http.StatusOK, resp)
}

type ingestResponse struct {
	Accepted int      `json:"accepted"`
	Errors   []string `json:"errors,omitempty"`
}

// ingest accepts one raw alert or an array. Partially valid batches are
// accepted with the per-record errors listed.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	n, err := s.deps.Engine.IngestJSON(body)
	if err == nil {
		writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: n})
		return
	}
	resp := ingestResponse{Accepted: n, Errors: strings.Split(err.Error(), "\n")}
	switch {
	case n > 0:
		writeJSON(w, http.StatusAccepted, resp)
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopped):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		writeJSON(w, http.StatusBadRequest, resp)
	}
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := notification.Filter{
		Category: strings.TrimSpace(q.Get("category")),
		Query:    q.Get("q"),
	}
	if raw := strings.TrimSpace(q.Get("level")); raw != "" {
		lvl, ok := alert.ParseLevel(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown level "+raw)
			return
		}
		f.Level = lvl
	}
	ns, err := s.deps.Engine.List(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	if ns == nil {
		ns = []notification.Notification{}
	}
	writeJSON(w, http.StatusOK, ns)
}

type readRequest struct {
	IDs []string `json:"ids"`
	All bool     `json:"all"`
}

type countResponse struct {
	Changed int `json:"changed"`
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !req.All && len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, `either "ids" or "all" is required`)
		return
	}
	var (
		n      int
		err    error
		action = "mark_read"
	)
	if req.All {
		action = "mark_all_read"
		n, err = s.deps.Engine.MarkAllRead(r.Context())
	} else {
		n, err = s.deps.Engine.MarkRead(r.Context(), req.IDs)
	}
	s.audit(r, action, strings.Join(req.IDs, ","), n, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Changed: n})
}

func (s *Server) dismiss(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.deps.Engine.Dismiss(r.Context(), id)
	s.audit(r, "dismiss", id, boolCount(err == nil), err)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) indicator(w http.ResponseWriter, r *http.Request) {
	ind, err := s.deps.Engine.Indicator(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ind)
}

type bannerResponse struct {
	Banner *engine.Banner `json:"banner"`
}

func (s *Server) banner(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Engine.Banner(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bannerResponse{Banner: b})
}

type clearedResponse struct {
	Cleared bool `json:"cleared"`
}

func (s *Server) dismissBanner(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.deps.Engine.DismissBanner(r.Context())
	s.audit(r, "dismiss_banner", "", boolCount(cleared), err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clearedResponse{Cleared: cleared})
}

type prefsResponse struct {
	Preferences prefs.Preferences `json:"preferences"`
	Warning     string            `json:"warning,omitempty"`
}

func (s *Server) getPreferences(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, prefsResponse{Preferences: s.deps.Prefs.Get()})
}

func (s *Server) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var pt prefs.Patch
	if err := decodeStrict(r, &pt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	p, err := s.deps.Prefs.Update(r.Context(), pt)
	s.audit(r, "preferences.update", "", 1, err, pt)
	s.writePrefs(w, p, err)
}

func (s *Server) resetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Prefs.Reset(r.Context())
	s.audit(r, "preferences.reset", "", 1, err)
	s.writePrefs(w, p, err)
}

// writePrefs reports a failed save as a warning: the new document is
// already live.
func (s *Server) writePrefs(w http.ResponseWriter, p prefs.Preferences, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, prefsResponse{Preferences: p})
	case errors.Is(err, prefs.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, prefsResponse{Preferences: p, Warning: err.Error()})
	}
}

func (s *Server) deliveries(w http.ResponseWriter, _ *http.Request) {
	out := []dispatch.Record{}
	if s.deps.Deliveries != nil {
		if h := s.deps.Deliveries.History(); h != nil {
			out = h
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// audit records an operator action. Failures are logged, never returned
// to the caller.
func (s *Server) audit(r *http.Request, action, target string, count int, opErr error, meta ...any) {
	if s.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     time.Now().UTC(),
		Actor:  "http:" + realIP(r),
		Action: action,
		Target: target,
		Count:  count,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if len(meta) > 0 {
		if b, err := json.Marshal(meta[0]); err == nil {
			e.MetaJSON = string(b)
		}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	if err := s.deps.Audit.AppendAudit(ctx, e); err != nil && !errors.Is(err, storage.ErrDisabled) {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func boolCount(ok bool) int {
	if ok {
		return 1
	}
	return 0
}
