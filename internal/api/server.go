package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mcphub/internal/automation"
	"mcphub/internal/callback"
	"mcphub/internal/directory"
	"mcphub/internal/dispatch"
	"mcphub/internal/domain"
	"mcphub/internal/registry"
	"mcphub/internal/report"
	"mcphub/internal/token"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the slice of the task dispatcher the server needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (domain.Task, error)
}

// Aggregator runs a full business analysis.
type Aggregator interface {
	Run(ctx context.Context, sub report.Submission) (report.Report, error)
}

type Server struct {
	r    *chi.Mux
	reg  registry.Repository
	dir  directory.Directory
	disp Dispatcher
	recv *callback.Receiver
	agg  Aggregator
}

func NewServer(reg registry.Repository, dir directory.Directory, disp Dispatcher, recv *callback.Receiver, agg Aggregator) http.Handler {
	return NewServerWithDebug(reg, dir, disp, recv, agg, false)
}

func NewServerWithDebug(reg registry.Repository, dir directory.Directory, disp Dispatcher, recv *callback.Receiver, agg Aggregator, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, reg: reg, dir: dir, disp: disp, recv: recv, agg: agg}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/tasks/{id}/results", s.taskResults)

	r.Post("/mcp/callback", s.receiveCallback)
	r.Get("/api/forward-logs", s.listForwardLogs)

	r.Post("/api/agents", s.registerAgent)
	r.Get("/api/agents", s.listAgents)
	r.Get("/api/agents/{id}", s.getAgent)
	r.Put("/api/agents/{id}", s.updateAgent)
	r.Delete("/api/agents/{id}", s.deleteAgent)

	r.Post("/api/reports", s.runReport)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

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
	fmt.Fprint(w, "mcphub_up 1\n")
	if tasks, err := s.reg.ListTasks(r.Context(), registry.TaskFilter{Status: domain.StatusPending}); err == nil {
		fmt.Fprintf(w, "mcphub_tasks_pending %d\n", len(tasks))
	}
	if agents, err := s.dir.List(r.Context(), directory.Filter{Status: domain.AgentActive}); err == nil {
		fmt.Fprintf(w, "mcphub_agents_active %d\n", len(agents))
	}
}

type createTaskReq struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Params      json.RawMessage `json:"params"`
	Context     json.RawMessage `json:"context"`
	BusinessID  string          `json:"business_id"`
	CallbackURL string          `json:"callback_url"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", 400)
		return
	}
	task, err := s.disp.Dispatch(r.Context(), dispatch.Request{
		Type:        req.Type,
		Description: req.Description,
		Params:      req.Params,
		Context:     req.Context,
		BusinessID:  req.BusinessID,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.reg.ListTasks(r.Context(), registry.TaskFilter{
		BusinessID: q.Get("business_id"),
		AgentID:    q.Get("agent_id"),
		Status:     domain.TaskStatus(q.Get("status")),
		Type:       q.Get("type"),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.reg.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, task)
}

func (s *Server) taskResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.reg.GetTask(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	results, err := s.reg.ResultsForTask(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, results)
}

func (s *Server) receiveCallback(w http.ResponseWriter, r *http.Request) {
	p, err := token.ParamsFromQuery(r.URL.Query())
	if err != nil {
		s.fail(w, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	res, err := s.recv.Receive(r.Context(), p, body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) listForwardLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	logs, err := s.reg.ListForwardLogs(r.Context(), registry.ForwardLogFilter{
		TaskID:  q.Get("task_id"),
		AgentID: q.Get("agent_id"),
		Status:  q.Get("status"),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, logs)
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var agent domain.Agent
	if err := decodeBody(w, r, &agent); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	created, err := s.dir.Register(r.Context(), agent)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents, err := s.dir.List(r.Context(), directory.Filter{
		Status: q.Get("status"),
		Type:   q.Get("type"),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.dir.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, agent)
}

func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request) {
	var agent domain.Agent
	if err := decodeBody(w, r, &agent); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	agent.ID = chi.URLParam(r, "id")
	updated, err := s.dir.Update(r.Context(), agent)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, updated)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.dir.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runReport(w http.ResponseWriter, r *http.Request) {
	var sub report.Submission
	if err := decodeBody(w, r, &sub); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if sub.BusinessID == "" {
		http.Error(w, "business_id is required", 400)
		return
	}
	rep, err := s.agg.Run(r.Context(), sub)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, rep)
}

type createScheduleReq struct {
	Name       string          `json:"name"`
	CronExpr   string          `json:"cron_expr"`
	TaskType   string          `json:"task_type"`
	BusinessID string          `json:"business_id"`
	Params     json.RawMessage `json:"params"`
	Enabled    bool            `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if req.TaskType == "" {
		http.Error(w, "task_type is required", 400)
		return
	}
	if err := automation.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := automation.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	schedule, err := s.reg.CreateSchedule(r.Context(), domain.Schedule{
		Name:       req.Name,
		CronExpr:   req.CronExpr,
		TaskType:   req.TaskType,
		BusinessID: req.BusinessID,
		Params:     req.Params,
		Enabled:    req.Enabled,
		NextRun:    nextRun,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.reg.ListSchedules(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.reg.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), errStatus(err))
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, directory.ErrNoAgentAvailable),
		errors.Is(err, report.ErrNoFacets):
		return http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, registry.ErrResultNotFound),
		errors.Is(err, registry.ErrScheduleNotFound),
		errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrInvalidSignature),
		errors.Is(err, token.ErrTokenMismatch),
		errors.Is(err, token.ErrMalformed):
		return http.StatusUnauthorized
	case errors.Is(err, registry.ErrAlreadyCompleted),
		errors.Is(err, registry.ErrDuplicateTask),
		errors.Is(err, directory.ErrDuplicateAgent):
		return http.StatusConflict
	case errors.Is(err, directory.ErrInvalidAgent),
		errors.Is(err, callback.ErrEmptyBody),
		errors.Is(err, callback.ErrBadStatus),
		errors.Is(err, callback.ErrBadBody):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
