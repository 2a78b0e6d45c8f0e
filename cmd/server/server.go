package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/eventrules/audit"
	"github.com/liamcoop/eventrules/condition"
	"github.com/liamcoop/eventrules/engine"
	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/internal/logger"
	"github.com/liamcoop/eventrules/internal/metrics"
	"github.com/liamcoop/eventrules/rules"
	"github.com/liamcoop/eventrules/scheduler"
)

const maxImportBytes = 8 << 20

// Server is the management and trigger surface of the engine.
type Server struct {
	db        *sql.DB
	manager   *rules.Manager
	cache     *rules.SnapshotCache
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	logs      audit.Reader
	metrics   *metrics.Metrics
	router    *chi.Mux
	now       func() time.Time
}

// Deps are the collaborators of a Server. DB, Cache, Scheduler, Logs and
// Metrics are optional.
type Deps struct {
	DB        *sql.DB
	Manager   *rules.Manager
	Cache     *rules.SnapshotCache
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Logs      audit.Reader
	Metrics   *metrics.Metrics
}

func NewServer(d Deps) *Server {
	s := &Server{
		db:        d.DB,
		manager:   d.Manager,
		cache:     d.Cache,
		engine:    d.Engine,
		scheduler: d.Scheduler,
		logs:      d.Logs,
		metrics:   d.Metrics,
		now:       time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Post("/activate", s.handleSetActive(true))
			r.Post("/deactivate", s.handleSetActive(false))
			r.Post("/test", s.handleTestRule)
			r.Get("/logs", s.handleRuleLogs)
		})
	})

	r.Post("/api/v1/conditions/parse", s.handleParseCondition)
	r.Get("/api/v1/export", s.handleExport)
	r.Post("/api/v1/import", s.handleImport)
	r.Post("/api/v1/signals/{name}", s.handleSignal)
	r.Post("/api/v1/schedules/tick", s.handleScheduleTick)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Counters: logger.Counters()}
	if s.cache != nil {
		stats := s.cache.Stats()
		resp.Cache = &stats
	}
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	resp := RulesListResponse{Rules: make([]RuleResponse, 0, len(list))}
	for _, rule := range list {
		resp.Rules = append(resp.Rules, toRuleResponse(rule))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule, err := req.toRule("")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}
	created, err := s.manager.Create(r.Context(), rule)
	if err != nil {
		respondRuleError(w, "failed to create rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, toRuleResponse(created))
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.manager.Get(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondRuleError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule, err := req.toRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}
	updated, err := s.manager.Update(r.Context(), rule)
	if err != nil {
		respondRuleError(w, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, toRuleResponse(updated))
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondRuleError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := s.manager.SetActive(r.Context(), chi.URLParam(r, "ruleId"), active)
		if err != nil {
			respondRuleError(w, "failed to change rule activation", err)
			return
		}
		respondJSON(w, http.StatusOK, toRuleResponse(rule))
	}
}

// Test rule handler: evaluates a stored rule against a synthetic event.
// Dry run unless the body sets dryRun to false.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.manager.Get(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondRuleError(w, "failed to get rule", err)
		return
	}
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	key := req.TriggerKey
	if key == "" {
		if keys := rule.TriggerKeys(); len(keys) > 0 {
			key = keys[0]
		}
	}
	name := req.Name
	if name == "" {
		name = "test"
	}
	if req.Context.Request.Source == "" {
		req.Context.Request.Source = event.RequestConsole
	}
	ev := event.New(name, key, event.SourceSignal, req.Payload, req.Context, s.now())

	dryRun := req.DryRun == nil || *req.DryRun
	outcome, err := s.engine.TestRule(r.Context(), rule, ev, dryRun)
	if errors.Is(err, engine.ErrEvaluationFault) {
		respondError(w, http.StatusUnprocessableEntity, "condition could not be evaluated", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"dryRun":  dryRun,
		"eventId": ev.ID(),
		"result":  toOutcomeResponse(outcome),
	})
}

// Rule logs handler
func (s *Server) handleRuleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		respondError(w, http.StatusNotImplemented, "evaluation logs are not available", nil)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}
	entries, err := s.logs.ListEvaluations(r.Context(), chi.URLParam(r, "ruleId"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list evaluations", err)
		return
	}
	if entries == nil {
		entries = []audit.EventLog{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// Parse condition handler
func (s *Server) handleParseCondition(w http.ResponseWriter, r *http.Request) {
	var req ParseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	var (
		node condition.Node
		err  error
	)
	if req.Tree != nil {
		node, err = condition.FromStructured(req.Tree)
	} else {
		node, err = condition.Parse(req.Expression)
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid condition", err)
		return
	}
	respondJSON(w, http.StatusOK, ParseResponse{
		Canonical: condition.String(node),
		Tree:      condition.ToStructured(node),
	})
}

// Export handler
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := rules.Export(r.Context(), s.manager.Store(), &buf); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to export rules", err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="rules.yaml"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// Import handler. Query parameters: mode=upsert|create-only, dryRun=true.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	opts := rules.ImportOptions{Mode: rules.ImportCreateOnly}
	if strings.EqualFold(r.URL.Query().Get("mode"), string(rules.ImportUpsert)) {
		opts.Mode = rules.ImportUpsert
	}
	opts.DryRun, _ = strconv.ParseBool(r.URL.Query().Get("dryRun"))

	// record failures come back in res alongside the joined error
	res, err := rules.Import(r.Context(), http.MaxBytesReader(w, r.Body, maxImportBytes), s.manager, opts)
	if res == nil {
		respondError(w, http.StatusBadRequest, "failed to import rules", err)
		return
	}
	failed := make(map[string]string, len(res.Failed))
	for id, ferr := range res.Failed {
		failed[id] = ferr.Error()
	}
	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, map[string]any{
		"dryRun":  opts.DryRun,
		"created": orEmpty(res.Created),
		"updated": orEmpty(res.Updated),
		"failed":  failed,
	})
}

// Signal handler: raises a custom signal and reports how it was processed.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	if req.Context.Request.Source == "" {
		req.Context.Request.Source = event.RequestWeb
	}
	if req.Context.Request.IP == "" {
		req.Context.Request.IP = r.RemoteAddr
	}
	ev, err := event.NormalizeSignal(event.SignalTrigger{
		Name:       chi.URLParam(r, "name"),
		Payload:    req.Payload,
		Context:    req.Context,
		OccurredAt: s.now(),
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signal", err)
		return
	}
	report, err := s.engine.ProcessEvent(r.Context(), ev)
	if report == nil {
		respondError(w, http.StatusInternalServerError, "failed to process signal", err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
		logger.Error("signal processing errored", "eventId", ev.ID(), "error", err)
	}
	respondJSON(w, status, toProcessResponse(report))
}

// Schedule tick handler: lets an external scheduler drive the tick.
func (s *Server) handleScheduleTick(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "scheduler is disabled", nil)
		return
	}
	fired, err := s.scheduler.Tick(r.Context(), s.now())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "schedule tick failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"fired": orEmpty(fired)})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	var syn *condition.SyntaxError
	if errors.As(err, &syn) {
		pos := syn.Pos
		response.Position = &pos
	}
	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	case status >= 400:
		logger.WarnHttp4xx()
	}
	respondJSON(w, status, response)
}

// respondRuleError maps rule and condition errors onto status codes.
func respondRuleError(w http.ResponseWriter, message string, err error) {
	var (
		invalid *rules.ValidationError
		syn     *condition.SyntaxError
		fault   *condition.EvaluationFault
	)
	switch {
	case errors.Is(err, rules.ErrNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, rules.ErrAlreadyExists):
		respondError(w, http.StatusConflict, message, err)
	case errors.As(err, &invalid), errors.As(err, &syn), errors.As(err, &fault):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
