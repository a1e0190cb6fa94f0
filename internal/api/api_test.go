package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/action"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/casework"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feature"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/network"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/threshold"
)

// createTestServer wires a full server against temp SQLite, the in-process
// cache, and the channel bus.
func createTestServer(t *testing.T) (*Server, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(10000)
	busImpl := bus.NewChannelBus(100)
	t.Cleanup(func() { busImpl.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := domain.DefaultConfig()

	engine, err := scoring.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.ReloadModels(scoring.DefaultModels("tenant-001")); err != nil {
		t.Fatalf("failed to load default models: %v", err)
	}

	analyzer := network.NewAnalyzer(cfg.Network, logger)
	router := threshold.NewRouter()
	actions := action.NewExecutor(repo, lru, busImpl, cfg.Actions, logger)
	alerts := alert.NewManager(repo, lru, busImpl, cfg.Alerts, logger)

	pipe := pipeline.New(pipeline.Deps{
		Repo:      repo,
		Cache:     lru,
		Bus:       busImpl,
		Profiles:  profile.NewStore(repo, lru, logger),
		Extractor: feature.NewExtractor(lru, cfg.Pipeline.VelocityWindow),
		Engine:    engine,
		Analyzer:  analyzer,
		Router:    router,
		Actions:   actions,
		Alerts:    alerts,
	}, cfg.Pipeline, logger)
	pipe.Start(context.Background())
	t.Cleanup(pipe.Stop)

	deps := Deps{
		Repo:     repo,
		Cache:    lru,
		Bus:      busImpl,
		Pipeline: pipe,
		Engine:   engine,
		Analyzer: analyzer,
		Router:   router,
		Actions:  actions,
		Alerts:   alerts,
		Cases:    casework.NewManager(repo, busImpl, logger),
		Monitor:  monitor.NewMonitor(repo, engine, cfg.Monitor, logger),
	}

	serverCfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return NewServer(serverCfg, deps, "test-v1"), repo
}

func doJSON(t *testing.T, server *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, "tenant-001")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestIngestEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("SuccessfulScoring", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/events", domain.EventRequest{
			EventID:  "ev-1",
			EntityID: "entity-1",
			Type:     domain.EventTypeTransaction,
			Transaction: &domain.TransactionPayload{
				TransactionID:  "tx-1",
				CounterpartyID: "cp-1",
				Amount:         150,
				Currency:       "MYR",
			},
		}, nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.DecisionResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.DecisionID == "" {
			t.Error("expected decisionId in response")
		}
		if resp.EventID != "ev-1" {
			t.Errorf("expected eventId ev-1, got %s", resp.EventID)
		}
		if resp.Band == "" {
			t.Error("expected a band in response")
		}
		if resp.Metadata.EngineVersion == "" {
			t.Error("expected engine version in metadata")
		}
	})

	t.Run("DuplicateEvent", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/events", domain.EventRequest{
			EventID:  "ev-1",
			EntityID: "entity-1",
			Type:     domain.EventTypeTransaction,
			Transaction: &domain.TransactionPayload{
				TransactionID: "tx-1", CounterpartyID: "cp-1", Amount: 150, Currency: "MYR",
			},
		}, nil)

		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 for redelivery, got %d", rr.Code)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(TenantIDHeader, "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingEntityID", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/events", domain.EventRequest{
			Type:        domain.EventTypeTransaction,
			Transaction: &domain.TransactionPayload{Amount: 100},
		}, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NonPositiveAmount", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/events", domain.EventRequest{
			EntityID:    "entity-1",
			Type:        domain.EventTypeTransaction,
			Transaction: &domain.TransactionPayload{Amount: -100},
		}, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/events", domain.EventRequest{
			EventID:  "ev-headers",
			EntityID: "entity-1",
			Type:     domain.EventTypeLogin,
			Login:    &domain.LoginPayload{Method: "password", Successful: true},
		}, nil)

		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestCaseWorkflowEndpoints(t *testing.T) {
	server, repo := createTestServer(t)
	ctx := context.Background()

	seed := &domain.FraudAlert{
		ID:          "alert-001",
		TenantID:    "tenant-001",
		Type:        domain.AlertTypeScore,
		Severity:    domain.SeverityHigh,
		Status:      domain.AlertNew,
		Entities:    []string{"entity-1"},
		RiskScore:   0.7,
		Occurrences: 1,
		DetectedAt:  time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := repo.SaveAlert(ctx, "tenant-001", seed); err != nil {
		t.Fatalf("SaveAlert failed: %v", err)
	}

	var caseID string

	t.Run("OpenCase", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cases", map[string]string{"alertId": "alert-001"}, nil)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var c domain.FraudCase
		if err := json.Unmarshal(rr.Body.Bytes(), &c); err != nil {
			t.Fatalf("failed to parse case: %v", err)
		}
		if c.Status != domain.CaseOpen {
			t.Errorf("expected open case, got %s", c.Status)
		}
		if c.CaseNumber == "" {
			t.Error("expected a case number")
		}
		caseID = c.ID
	})

	t.Run("OpenCaseTwiceRejected", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cases", map[string]string{"alertId": "alert-001"}, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for re-used alert, got %d", rr.Code)
		}
	})

	t.Run("ClaimRequiresOfficer", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cases/"+caseID+"/claim", nil, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without X-Officer-ID, got %d", rr.Code)
		}
	})

	t.Run("ClaimCase", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cases/"+caseID+"/claim", nil,
			map[string]string{OfficerIDHeader: "officer-1"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var c domain.FraudCase
		json.Unmarshal(rr.Body.Bytes(), &c)
		if c.AssignedTo != "officer-1" || c.Status != domain.CaseInvestigating {
			t.Errorf("expected officer-1/investigating, got %s/%s", c.AssignedTo, c.Status)
		}
	})

	t.Run("SecondClaimConflicts", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cases/"+caseID+"/claim", nil,
			map[string]string{OfficerIDHeader: "officer-2"})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("AddNote", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cases/"+caseID+"/notes",
			map[string]string{"note": "checked device history"},
			map[string]string{OfficerIDHeader: "officer-1"})
		if rr.Code != http.StatusCreated {
			t.Errorf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("CloseViaStatusRejected", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cases/"+caseID+"/status",
			map[string]string{"status": "closed"}, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CloseRequiresResolution", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cases/"+caseID+"/close",
			map[string]string{}, map[string]string{OfficerIDHeader: "officer-1"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without resolution, got %d", rr.Code)
		}
	})

	t.Run("CloseCase", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cases/"+caseID+"/status",
			map[string]string{"status": "pending_approval"},
			map[string]string{OfficerIDHeader: "officer-1"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodPost, "/cases/"+caseID+"/close",
			map[string]string{"resolution": "false_positive", "note": "device belongs to the customer"},
			map[string]string{OfficerIDHeader: "officer-1"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var c domain.FraudCase
		json.Unmarshal(rr.Body.Bytes(), &c)
		if c.Status != domain.CaseClosed || c.Resolution != domain.ResolutionFalsePositive {
			t.Errorf("expected closed/false_positive, got %s/%s", c.Status, c.Resolution)
		}

		// Closing the case resolves the attached alert.
		a, err := repo.GetAlert(ctx, "tenant-001", "alert-001")
		if err != nil {
			t.Fatalf("GetAlert failed: %v", err)
		}
		if a.Status != domain.AlertResolved {
			t.Errorf("expected resolved alert, got %s", a.Status)
		}
	})

	t.Run("GetCaseWithTimeline", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/cases/"+caseID, nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var c domain.FraudCase
		json.Unmarshal(rr.Body.Bytes(), &c)
		if len(c.Timeline) < 4 {
			t.Errorf("expected a populated timeline, got %d entries", len(c.Timeline))
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/cases/nope", nil, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestThresholdEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("DefaultsReturned", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/thresholds", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Thresholds []domain.RiskThreshold `json:"thresholds"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if len(resp.Thresholds) != 4 {
			t.Errorf("expected 4 default bands, got %d", len(resp.Thresholds))
		}
	})

	t.Run("RejectsGappyPartition", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPut, "/thresholds", map[string]any{
			"thresholds": []domain.RiskThreshold{
				{Band: domain.BandLow, Lower: 0, Upper: 0.5},
				{Band: domain.BandCritical, Lower: 0.7, Upper: 1.0},
			},
		}, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("AcceptsValidPartition", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPut, "/thresholds", map[string]any{
			"thresholds": []domain.RiskThreshold{
				{Band: domain.BandLow, Lower: 0, Upper: 0.5},
				{Band: domain.BandCritical, Lower: 0.5, Upper: 1.0, HumanReviewRequired: true},
			},
		}, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestModelEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("CreateShadowModel", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/models", domain.ScoringModel{
			ID:      "custom-model",
			Name:    "custom",
			Version: "v1",
			Type:    domain.ModelTypeBehavioral,
			Features: []domain.FeatureWeight{
				{Feature: domain.FeatureAmountZScore, Weight: 1.0},
			},
		}, nil)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var m domain.ScoringModel
		json.Unmarshal(rr.Body.Bytes(), &m)
		if m.Status != domain.ModelStatusShadow {
			t.Errorf("new models default to shadow, got %s", m.Status)
		}
	})

	t.Run("RejectsMissingID", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/models", domain.ScoringModel{Version: "v1"}, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("RejectsBadExpression", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/models", domain.ScoringModel{
			ID:      "broken-model",
			Name:    "broken",
			Version: "v1",
			Type:    domain.ModelTypeBehavioral,
			Features: []domain.FeatureWeight{
				{Feature: domain.FeatureVelocity, Weight: 1.0, Expression: "features.velocity >>> nope"},
			},
		}, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListModels", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/models", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Models []domain.ScoringModel `json:"models"`
			Count  int                   `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected the created model, got %d", resp.Count)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var captured string
		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TenantIDHeader, "my-tenant-123")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if captured != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", captured)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var captured string
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				captured = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if captured == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight must not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://dashboard.example.com")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://dashboard.example.com" {
			t.Errorf("expected origin echoed, got %s", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})
}
