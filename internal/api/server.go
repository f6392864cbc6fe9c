// Package api is the HTTP surface: task submission, status polling, health
// and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"taskrelay/internal/domain"
	"taskrelay/internal/handlers/arith"
	"taskrelay/internal/handlers/email"
	"taskrelay/internal/inspect"
	"taskrelay/internal/status"
)

type Submitter interface {
	Submit(ctx context.Context, name string, args ...any) (domain.TaskHandle, error)
}

type StatusReader interface {
	Resolve(ctx context.Context, id string) (status.View, error)
}

type FleetReader interface {
	ListActiveWorkers(ctx context.Context) inspect.Fleet
}

// Deps are the collaborators the server routes to. Metrics, Connected and
// Tasks are optional.
type Deps struct {
	Submitter   Submitter
	Status      StatusReader
	Fleet       FleetReader
	Metrics     http.Handler
	MetricsPath string
	// BrokerURL is shown on /health and must already be redacted.
	BrokerURL string
	Connected func() bool
	Tasks     func() []string
	Debug     bool
	Version   string
	Logger    zerolog.Logger
}

type Server struct {
	r    *chi.Mux
	deps Deps
	log  zerolog.Logger
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, deps: d, log: d.Logger}
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/", s.index)
	r.Get("/health", s.health)
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, d.Metrics)
	}

	r.Get("/api/tasks", s.listTasks)
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks/{id}", s.getTask)

	r.Post("/tasks/add", s.submitArith(arith.AddName))
	r.Post("/tasks/multiply", s.submitArith(arith.MultiplyName))
	r.Post("/tasks/send-email", s.submitEmail)
	r.Get("/tasks/{id}", s.getTask)

	// Debug routes (pprof)
	if d.Debug {
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

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

type resp struct {
	Data    map[string]any `json:"data"`
	Message string         `json:"message"`
}

type errResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "taskrelay",
		"description": "asynchronous task queue over a Redis or SQLite broker",
		"version":     s.deps.Version,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	connected := true
	if s.deps.Connected != nil {
		connected = s.deps.Connected()
	}
	fleet := s.deps.Fleet.ListActiveWorkers(r.Context())

	body := map[string]any{
		"status": "healthy",
		"broker": map[string]any{
			"url":       s.deps.BrokerURL,
			"connected": connected,
		},
		"workers":        len(fleet.Workers),
		"active_workers": fleet.WorkerIDs(),
	}
	if !connected || fleet.Degraded {
		body["status"] = "degraded"
		if fleet.Reason != "" {
			body["error"] = fleet.Reason
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if s.deps.Tasks != nil {
		names = s.deps.Tasks()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": names})
}

type submitReq struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	args, err := decodeArgs(req.Args)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "args: "+err.Error())
		return
	}
	s.submit(w, r, req.Name, "task created", nil, args...)
}

type arithReq struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

func (s *Server) submitArith(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req arithReq
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if req.X == nil || req.Y == nil {
			writeError(w, http.StatusBadRequest, "bad_request", "x and y are required")
			return
		}
		extra := map[string]any{"x": *req.X, "y": *req.Y}
		s.submit(w, r, name, name+" task created", extra, *req.X, *req.Y)
	}
}

type emailReq struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *Server) submitEmail(w http.ResponseWriter, r *http.Request) {
	var req emailReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "to is required")
		return
	}
	extra := map[string]any{"to": req.To, "subject": req.Subject}
	s.submit(w, r, email.Name, "send email task created", extra, req.To, req.Subject, req.Body)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, name, message string, extra map[string]any, args ...any) {
	h, err := s.deps.Submitter.Submit(r.Context(), name, args...)
	if err != nil {
		s.writeSubmitError(w, name, err)
		return
	}
	data := map[string]any{"task_id": h.ID}
	for k, v := range extra {
		data[k] = v
	}
	writeJSON(w, http.StatusAccepted, resp{Data: data, Message: message})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, name string, err error) {
	var (
		unknown *domain.UnknownTaskError
		argErr  *domain.ArgumentError
	)
	switch {
	case errors.As(err, &unknown):
		writeError(w, http.StatusNotFound, string(domain.KindUnknownTask), err.Error())
	case errors.As(err, &argErr):
		writeError(w, http.StatusBadRequest, string(domain.KindBadArguments), err.Error())
	case errors.Is(err, domain.ErrBrokerUnavailable):
		s.log.Warn().Err(err).Str("task", name).Msg("submit rejected, broker unavailable")
		writeError(w, http.StatusServiceUnavailable, "broker_unavailable", err.Error())
	default:
		s.log.Error().Err(err).Str("task", name).Msg("submit failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := s.deps.Status.Resolve(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "broker_unavailable", err.Error())
			return
		}
		s.log.Error().Err(err).Str("task_id", id).Msg("status lookup failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusBody(v))
}

func statusBody(v status.View) map[string]any {
	body := map[string]any{
		"task_id": v.TaskID,
		"state":   v.State,
		"status":  v.Describe(),
	}
	switch p := v.Payload.(type) {
	case domain.Progress:
		body["current"] = p.Current
		body["total"] = p.Total
	case domain.Result:
		body["result"] = p.Value
	case domain.ErrorInfo:
		body["error"] = p.Summary
		body["error_kind"] = p.Kind
	}
	if v.StartedAt != nil {
		body["started_at"] = v.StartedAt.Format(time.RFC3339Nano)
	}
	if v.FinishedAt != nil {
		body["finished_at"] = v.FinishedAt.Format(time.RFC3339Nano)
	}
	return body
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errResp{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
