// Package api exposes the scheduler over HTTP for inspection and manual
// control.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"longterm/internal/codec"
	"longterm/internal/domain"
	"longterm/internal/scheduler"
)

type Options struct {
	// LockFile guards sweeps triggered through the API, like the CLI flag.
	LockFile string
	Debug    bool
	// Now is used for default timestamps; time.Now when nil.
	Now func() time.Time
}

type Server struct {
	r     *chi.Mux
	sched *scheduler.Scheduler
	opts  Options
}

func NewServer(sched *scheduler.Scheduler, opts Options) http.Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, sched: sched, opts: opts}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Route("/api", func(r chi.Router) {
		r.Post("/entries", s.createEntry)
		r.Get("/entries", s.listEntries)
		r.Get("/entries/{id}", s.getEntry)
		r.Delete("/entries/{id}", s.revokeEntry)
		r.Post("/sweep", s.sweep)
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.sched.Stats()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "longterm_up 1\n")
	fmt.Fprintf(w, "longterm_sweeps_total %d\n", st.Sweeps)
	fmt.Fprintf(w, "longterm_dispatched_total %d\n", st.Dispatched)
	fmt.Fprintf(w, "longterm_failed_total %d\n", st.Failed)
}

type createReq struct {
	ID string `json:"id"`
	// DueAt is an RFC 3339 timestamp or "now". Empty submits immediately.
	DueAt string `json:"due_at"`
	// Payload is the stored document form: [args, kwargs].
	Payload json.RawMessage `json:"payload"`
}

type entryResp struct {
	ID        string          `json:"id"`
	DueAt     *time.Time      `json:"due_at,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Submitted bool            `json:"submitted,omitempty"`
}

func (s *Server) createEntry(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}
	p, err := codec.Decode(req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	var due time.Time
	if req.DueAt != "" {
		if due, err = domain.ParseDueTime(req.DueAt, nil, s.opts.Now); err != nil {
			writeError(w, err)
			return
		}
	}
	id, err := s.sched.Defer(r.Context(), due, req.ID, p)
	if err != nil {
		writeError(w, err)
		return
	}
	if due.IsZero() {
		writeJSON(w, http.StatusAccepted, entryResp{ID: id, Submitted: true})
		return
	}
	due = due.UTC()
	writeJSON(w, http.StatusCreated, entryResp{ID: id, DueAt: &due})
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	before, err := domain.ParseDueTime(r.URL.Query().Get("before"), nil, s.opts.Now)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.sched.Pending(r.Context(), before)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]entryResp, 0, len(items))
	for _, it := range items {
		due := it.DueAt
		e := entryResp{ID: it.ID, DueAt: &due}
		if it.Err != nil {
			e.Error = it.Err.Error()
		} else if e.Payload, err = codec.Encode(it.Payload); err != nil {
			e.Error = err.Error()
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.sched.Get(r.Context(), id)
	if errors.Is(err, domain.ErrDecodeFailure) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := codec.Encode(p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entryResp{ID: id, Payload: data})
}

func (s *Server) revokeEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.sched.Revoke(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	at, err := domain.ParseDueTime(r.URL.Query().Get("at"), nil, s.opts.Now)
	if err != nil {
		writeError(w, err)
		return
	}
	rep, err := scheduler.Sweep(r.Context(), s.sched, at, s.opts.LockFile)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"at":           at.UTC().Format(time.RFC3339),
		"due":          rep.Due,
		"dispatched":   rep.Dispatched,
		"removed":      rep.Removed,
		"already_gone": rep.AlreadyGone,
		"failed":       rep.Failed,
	})
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrDecodeFailure):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyRunning):
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs one line per request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}
