// Package admin serves the local introspection and control API. It is a thin
// JSON layer over the engine components: no business logic lives here.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fleetbot/internal/engine/governor"
	"fleetbot/internal/engine/health"
	"fleetbot/internal/engine/pool"
	"fleetbot/internal/engine/scheduler"
	"fleetbot/internal/storage"
	logx "fleetbot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
}

type Server struct {
	cfg     Config
	store   storage.Store
	pool    *pool.Pool
	gov     *governor.Governor
	tracker *health.Tracker
	sched   *scheduler.Service
	log     logx.Logger

	srv *http.Server
}

func New(cfg Config, store storage.Store, p *pool.Pool, gov *governor.Governor, tracker *health.Tracker, sched *scheduler.Service, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		pool:    p,
		gov:     gov,
		tracker: tracker,
		sched:   sched,
		log:     log,
	}
}

func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/pool", s.handlePool)
	r.Get("/budgets", s.handleBudgets)

	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", s.handleListAccounts)
		r.Post("/{id}/reset", s.handleResetAccount)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)
		r.Get("/{id}", s.handleGetTask)
		r.Put("/{id}", s.handleUpdateTask)
		r.Delete("/{id}", s.handleDeleteTask)
		r.Get("/{id}/stats", s.handleTaskStats)
		r.Get("/{id}/history", s.handleTaskHistory)
		r.Get("/{id}/precheck", s.handlePrecheck)
		r.Post("/{id}/start", s.handleStartTask)
		r.Post("/{id}/stop", s.handleStopTask)
		r.Post("/{id}/pause", s.handlePauseTask)
		r.Post("/{id}/resume", s.handleResumeTask)
	})

	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.log.Info("admin server listening", logx.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server failed", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("admin server shutdown", logx.Err(err))
	}
}

// ---- handlers ----

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sched.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scheduler": snap,
		"pool":      s.pool.Stats(),
		"accounts":  s.tracker.Snapshot(),
	})
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleBudgets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gov.Snapshot())
}

type accountView struct {
	ID           string             `json:"id"`
	Label        string             `json:"label,omitempty"`
	PoolStatus   storage.PoolStatus `json:"pool_status"`
	HealthScore  int                `json:"health_score"`
	LastActiveAt time.Time          `json:"last_active_at,omitzero"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		// Credentials never leave the process.
		out = append(out, accountView{
			ID:           a.ID,
			Label:        a.Label,
			PoolStatus:   s.tracker.Status(a.ID),
			HealthScore:  s.tracker.Score(a.ID),
			LastActiveAt: a.LastActiveAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetAccount(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.tracker.Reset(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "ok"})
}

type taskView struct {
	ID                  string             `json:"id"`
	Kind                storage.TaskKind   `json:"kind"`
	AccountIDs          []string           `json:"account_ids"`
	TargetIDs           []string           `json:"target_ids"`
	Config              storage.TaskConfig `json:"config"`
	Status              storage.TaskStatus `json:"status"`
	Priority            int                `json:"priority"`
	NextRunAt           time.Time          `json:"next_run_at,omitzero"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
}

func toTaskView(t storage.Task) taskView {
	return taskView{
		ID:                  t.ID,
		Kind:                t.Kind,
		AccountIDs:          t.AccountIDs,
		TargetIDs:           t.TargetIDs,
		Config:              t.Config,
		Status:              t.Status,
		Priority:            t.Priority,
		NextRunAt:           t.NextRunAt,
		ConsecutiveFailures: t.ConsecutiveFailures,
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskView(t))
	}
	writeJSON(w, http.StatusOK, out)
}

type taskRequest struct {
	AccountIDs []string           `json:"account_ids"`
	TargetIDs  []string           `json:"target_ids"`
	Config     storage.TaskConfig `json:"config"`
	Priority   int                `json:"priority"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request: " + err.Error()})
		return
	}
	t, err := s.sched.CreateTask(r.Context(), storage.Task{
		AccountIDs: req.AccountIDs,
		TargetIDs:  req.TargetIDs,
		Config:     req.Config,
		Priority:   req.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskView(t))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(t))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request: " + err.Error()})
		return
	}
	t, err := s.sched.UpdateTask(r.Context(), storage.Task{
		ID:         chi.URLParam(r, "id"),
		AccountIDs: req.AccountIDs,
		TargetIDs:  req.TargetIDs,
		Config:     req.Config,
		Priority:   req.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(t))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hist, err := s.sched.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handlePrecheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.sched.Precheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.sched.StartTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		var pe *scheduler.PrecheckError
		if errors.As(err, &pe) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": pe.Error(), "excluded": pe.Excluded})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.sched.StopTask)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.sched.PauseTask)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.sched.ResumeTask)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "ok"})
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var ve *scheduler.ValidationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, storage.ErrConflict), errors.Is(err, scheduler.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.As(err, &ve):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
