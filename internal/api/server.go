package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskvault/internal/domain"
	"taskvault/internal/scheduler"
	"taskvault/internal/store"
)

type Server struct {
	r      *chi.Mux
	store  store.Store
	runner *scheduler.Service
}

func NewServer(st store.Store, runner *scheduler.Service) http.Handler {
	return NewServerWithDebug(st, runner, false)
}

func NewServerWithDebug(st store.Store, runner *scheduler.Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, runner: runner}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/tasks", s.scheduleTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Delete("/api/tasks/{id}", s.deleteTask)

	// Debug routes (pprof)
	if enableDebug {
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
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("taskvault_up 1\n"))
}

type scheduleReq struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Timestamp  int64          `json:"timestamp"`
	ResourceID *string        `json:"resource_id"`
	Params     map[string]any `json:"params"`
}

type scheduleResp struct {
	ID string `json:"id"`
}

func (s *Server) scheduleTask(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Action == "" {
		http.Error(w, "action is required", 400)
		return
	}
	id, err := s.runner.ScheduleTask(r.Context(), domain.ScheduledTask{
		ID:         req.ID,
		Action:     req.Action,
		Timestamp:  req.Timestamp,
		ResourceID: req.ResourceID,
		Params:     req.Params,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduleResp{ID: id})
}

// stringSet maps one repeated query param onto the filter's three states:
// absent param = nil, a single empty value = empty set (column must be NULL),
// anything else = membership set.
func stringSet(q url.Values, key string) *[]string {
	if !q.Has(key) {
		return nil
	}
	vals := q[key]
	if len(vals) == 1 && vals[0] == "" {
		return domain.SetOf[string]()
	}
	return &vals
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.TaskFilter{
		Actions:     stringSet(q, "action"),
		ResourceIDs: stringSet(q, "resource_id"),
	}
	if raw := stringSet(q, "status"); raw != nil {
		statuses := make([]domain.Status, 0, len(*raw))
		for _, v := range *raw {
			st, err := domain.ParseStatus(v)
			if err != nil {
				http.Error(w, err.Error(), 400)
				return
			}
			statuses = append(statuses, st)
		}
		f.Statuses = &statuses
	}

	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tasks == nil {
		tasks = []domain.ScheduledTask{}
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if t == nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.runner.DeleteTask(r.Context(), id)
	if errors.Is(err, scheduler.ErrTaskActive) {
		http.Error(w, err.Error(), 409)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
