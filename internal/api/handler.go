package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/action"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/casework"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/network"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/threshold"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	pipeline *pipeline.Pipeline
	engine   *scoring.Engine
	analyzer *network.Analyzer
	router   *threshold.Router
	actions  *action.Executor
	alerts   *alert.Manager
	cases    *casework.Manager
	monitor  *monitor.Monitor
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		pipeline: deps.Pipeline,
		engine:   deps.Engine,
		analyzer: deps.Analyzer,
		router:   deps.Router,
		actions:  deps.Actions,
		alerts:   deps.Alerts,
		cases:    deps.Cases,
		monitor:  deps.Monitor,
		version:  version,
	}
}

// Health returns overall service health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if err := h.repo.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	if err := h.bus.Ping(r.Context()); err != nil {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// IngestEvent handles POST /events: scores the event synchronously and
// returns the decision.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entityId is required")
		return
	}

	ev := req.ToEvent(tenantID)
	decision, err := h.pipeline.Process(ctx, ev)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicateEvent):
			writeError(w, http.StatusConflict, "duplicate event")
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid event")
		default:
			slog.Error("event processing failed", "event_id", ev.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "event processing failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, decision.ToResponse())
}

// GetEvent retrieves an event from the audit log.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	eventID := chi.URLParam(r, "id")

	ev, err := h.repo.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		writeNotFoundOr500(w, err, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// GetDecision retrieves a decision by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	decisionID := chi.URLParam(r, "id")

	decision, err := h.repo.GetDecision(ctx, tenantID, decisionID)
	if err != nil {
		writeNotFoundOr500(w, err, "decision not found")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// GetProfile retrieves the behavior profile for an entity.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	entityID := chi.URLParam(r, "entityID")

	p, err := h.repo.GetProfile(ctx, tenantID, entityID)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		slog.Error("failed to get profile", "entity_id", entityID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get profile")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListAlerts returns alerts matching the query filters.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	filter := domain.AlertFilter{
		Status:   domain.AlertStatus(r.URL.Query().Get("status")),
		Severity: domain.AlertSeverity(r.URL.Query().Get("severity")),
		EntityID: r.URL.Query().Get("entityId"),
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	}

	alerts, err := h.repo.ListAlerts(ctx, tenantID, filter)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert retrieves one alert.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	a, err := h.repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		writeNotFoundOr500(w, err, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AcknowledgeAlert moves a new alert to acknowledged, stopping the
// escalation clock.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	a, err := h.alerts.Transition(ctx, tenantID, alertID, domain.AlertAcknowledged)
	if err != nil {
		writeTransitionError(w, err, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// TransitionAlert moves an alert one step forward in its lifecycle.
func (h *Handler) TransitionAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	var req struct {
		Status domain.AlertStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	a, err := h.alerts.Transition(ctx, tenantID, alertID, req.Status)
	if err != nil {
		writeTransitionError(w, err, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListCases returns cases matching the query filters.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	filter := domain.CaseFilter{
		Status:     domain.CaseStatus(r.URL.Query().Get("status")),
		Severity:   domain.AlertSeverity(r.URL.Query().Get("severity")),
		AssignedTo: r.URL.Query().Get("assignedTo"),
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	}

	cases, err := h.repo.ListCases(ctx, tenantID, filter)
	if err != nil {
		slog.Error("failed to list cases", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list cases")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases": cases,
		"count": len(cases),
	})
}

// GetCase retrieves one case with its timeline.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	c, err := h.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		writeNotFoundOr500(w, err, "case not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// OpenCase creates a case from an existing alert.
func (h *Handler) OpenCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req struct {
		AlertID string `json:"alertId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.AlertID == "" {
		writeError(w, http.StatusBadRequest, "alertId is required")
		return
	}

	a, err := h.repo.GetAlert(ctx, tenantID, req.AlertID)
	if err != nil {
		writeNotFoundOr500(w, err, "alert not found")
		return
	}

	c, err := h.cases.OpenFromAlert(ctx, tenantID, a, officerOrSystem(r))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to open case", "alert_id", req.AlertID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open case")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ClaimCase assigns an unassigned case to the calling officer.
func (h *Handler) ClaimCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	officerID := r.Header.Get(OfficerIDHeader)
	if officerID == "" {
		writeError(w, http.StatusBadRequest, "X-Officer-ID header is required")
		return
	}

	c, err := h.cases.Claim(ctx, tenantID, caseID, officerID)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			writeError(w, http.StatusConflict, "case already claimed")
			return
		}
		writeNotFoundOr500(w, err, "case not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// TransitionCase moves a case one step forward (closing goes through
// the close endpoint).
func (h *Handler) TransitionCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	var req struct {
		Status domain.CaseStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	c, err := h.cases.Transition(ctx, tenantID, caseID, req.Status, officerOrSystem(r))
	if err != nil {
		if errors.Is(err, domain.ErrResolutionRequired) {
			writeError(w, http.StatusBadRequest, "closing requires a resolution; use the close endpoint")
			return
		}
		writeTransitionError(w, err, "case not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CloseCase closes a case with a mandatory resolution.
func (h *Handler) CloseCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	var req struct {
		Resolution domain.Resolution `json:"resolution"`
		Note       string            `json:"note,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	c, err := h.cases.Close(ctx, tenantID, caseID, officerOrSystem(r), req.Resolution, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrResolutionRequired):
			writeError(w, http.StatusBadRequest, "resolution is required to close a case")
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeNotFoundOr500(w, err, "case not found")
		}
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AddCaseNote appends a note to the case timeline.
func (h *Handler) AddCaseNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	var req struct {
		Note        string   `json:"note"`
		Attachments []string `json:"attachments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.cases.AddNote(ctx, tenantID, caseID, officerOrSystem(r), req.Note, req.Attachments); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeNotFoundOr500(w, err, "case not found")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "note added"})
}

// AbsorbAlert attaches an existing alert to the case.
func (h *Handler) AbsorbAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	var req struct {
		AlertID string `json:"alertId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	c, err := h.cases.Absorb(ctx, tenantID, caseID, req.AlertID, officerOrSystem(r))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrInvalidTransition) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeNotFoundOr500(w, err, "case or alert not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetAction retrieves one automated action with its execution log.
func (h *Handler) GetAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	actionID := chi.URLParam(r, "id")

	a, err := h.repo.GetAction(ctx, tenantID, actionID)
	if err != nil {
		writeNotFoundOr500(w, err, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// OverrideAction manually reverses a succeeded action. The justification is
// mandatory and is written to the linked case's timeline when a case ID is
// provided.
func (h *Handler) OverrideAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	actionID := chi.URLParam(r, "id")

	var req domain.OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.OfficerID == "" {
		req.OfficerID = r.Header.Get(OfficerIDHeader)
	}

	a, err := h.actions.Override(ctx, tenantID, actionID, &req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeNotFoundOr500(w, err, "action not found")
		}
		return
	}

	if req.CaseID != "" {
		if err := h.cases.RecordOverride(ctx, tenantID, req.CaseID, &req, actionID); err != nil {
			slog.Warn("failed to record override in case timeline",
				"case_id", req.CaseID, "action_id", actionID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, a)
}

// ListModels returns scoring model versions, optionally by status.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	models, err := h.repo.ListModels(ctx, tenantID, domain.ModelStatus(r.URL.Query().Get("status")))
	if err != nil {
		slog.Error("failed to list models", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list models")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

// CreateModel validates and stores a model version, then reloads the
// engine. New versions land in shadow status unless explicitly active.
func (h *Handler) CreateModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var model domain.ScoringModel
	if err := json.NewDecoder(r.Body).Decode(&model); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if model.ID == "" || model.Version == "" {
		writeError(w, http.StatusBadRequest, "id and version are required")
		return
	}
	if model.Status == "" {
		model.Status = domain.ModelStatusShadow
	}
	model.TenantID = tenantID

	if err := h.engine.ValidateModel(&model); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.SaveModel(ctx, tenantID, &model); err != nil {
		slog.Error("failed to save model", "model_id", model.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save model")
		return
	}

	models, err := h.repo.ListModels(ctx, tenantID, "")
	if err == nil {
		if err := h.engine.ReloadModels(models); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, &model)
}

// ModelHealth returns rolling metrics and a recommendation for a model
// version.
func (h *Handler) ModelHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	modelID := chi.URLParam(r, "id")
	version := chi.URLParam(r, "version")

	health, err := h.monitor.Health(ctx, tenantID, modelID, version)
	if err != nil {
		writeNotFoundOr500(w, err, "model not found")
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// PromoteModel activates a shadow model version.
func (h *Handler) PromoteModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	modelID := chi.URLParam(r, "id")
	version := chi.URLParam(r, "version")

	model, err := h.monitor.Promote(ctx, tenantID, modelID, version)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeNotFoundOr500(w, err, "model not found")
		return
	}
	writeJSON(w, http.StatusOK, model)
}

// RetrainModel creates the next version of a model in shadow status.
func (h *Handler) RetrainModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	modelID := chi.URLParam(r, "id")

	model, err := h.monitor.Retrain(ctx, tenantID, modelID)
	if err != nil {
		writeNotFoundOr500(w, err, "model not found")
		return
	}
	writeJSON(w, http.StatusCreated, model)
}

// GetThresholds returns the risk threshold partition in effect.
func (h *Handler) GetThresholds(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"thresholds": h.router.Thresholds(tenantID),
	})
}

// SetThresholds installs a custom threshold partition after validation.
func (h *Handler) SetThresholds(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var req struct {
		Thresholds []domain.RiskThreshold `json:"thresholds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.router.SetThresholds(tenantID, req.Thresholds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thresholds": h.router.Thresholds(tenantID),
	})
}

// NetworkSnapshot returns the current analysis window's graph.
func (h *Handler) NetworkSnapshot(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	nodes, edges := h.analyzer.Snapshot(tenantID)
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"edges": edges,
	})
}

// DashboardStats returns aggregate counts for the admin dashboard.
func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	stats, err := h.repo.GetDashboardStats(ctx, tenantID)
	if err != nil {
		slog.Error("failed to compute dashboard stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute dashboard stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeNotFoundOr500(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrProfileNotFound) {
		writeError(w, http.StatusNotFound, notFoundMsg)
		return
	}
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeTransitionError(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, domain.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeNotFoundOr500(w, err, notFoundMsg)
}

func officerOrSystem(r *http.Request) string {
	if officer := r.Header.Get(OfficerIDHeader); officer != "" {
		return officer
	}
	return "system"
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
