package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/animus-labs/animus-gatekeeper/internal/decision"
	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/auditlog"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/auth"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/httpserver"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/metrics"
	"github.com/animus-labs/animus-gatekeeper/internal/repo"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type gater interface {
	Gate(ctx context.Context, modelName, candidateRunID string) (domain.Verdict, error)
}

type rollbacker interface {
	Rollback(ctx context.Context, modelName, triggerReason string) (domain.Verdict, error)
}

type auditFunc func(ctx context.Context, event auditlog.Event) error

type apiConfig struct {
	Logger       *slog.Logger
	Gate         gater
	Rollback     rollbacker
	Registry     repo.Registry
	Verdicts     repo.VerdictStore
	Metrics      *metrics.Metrics
	Audit        auditFunc
	AlertSecret  string
	AlertMaxSkew time.Duration
	Now          func() time.Time
}

type gatekeeperAPI struct {
	logger       *slog.Logger
	gate         gater
	rollback     rollbacker
	registry     repo.Registry
	verdicts     repo.VerdictStore
	metrics      *metrics.Metrics
	audit        auditFunc
	alertSecret  string
	alertMaxSkew time.Duration
	now          func() time.Time
	validate     *validator.Validate
}

func newGatekeeperAPI(cfg apiConfig) *gatekeeperAPI {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Audit == nil {
		cfg.Audit = func(context.Context, auditlog.Event) error { return nil }
	}
	if cfg.AlertMaxSkew <= 0 {
		cfg.AlertMaxSkew = 5 * time.Minute
	}
	return &gatekeeperAPI{
		logger:       cfg.Logger,
		gate:         cfg.Gate,
		rollback:     cfg.Rollback,
		registry:     cfg.Registry,
		verdicts:     cfg.Verdicts,
		metrics:      cfg.Metrics,
		audit:        cfg.Audit,
		alertSecret:  strings.TrimSpace(cfg.AlertSecret),
		alertMaxSkew: cfg.AlertMaxSkew,
		now:          cfg.Now,
		validate:     newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// routes returns the full handler. Alerts authenticate by body signature and
// the probes are public; everything else goes through authenticator when one
// is configured.
func (api *gatekeeperAPI) routes(checks []httpserver.ReadinessCheck, authenticator auth.Authenticator, audit auth.AuditFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, checks...))
	if api.metrics != nil {
		mux.Handle("GET /metrics", api.metrics.Handler())
	}

	mux.HandleFunc("POST /api/alerts", api.handleAlert)
	mux.HandleFunc("POST /api/models/{model}/gate", api.handleGate)
	mux.HandleFunc("POST /api/models/{model}/rollback", api.handleRollback)
	mux.HandleFunc("GET /api/models/{model}/versions", api.handleListVersions)
	mux.HandleFunc("GET /api/models/{model}/production", api.handleGetProduction)
	mux.HandleFunc("GET /api/verdicts", api.handleListVerdicts)

	if authenticator == nil {
		return mux
	}
	return auth.Middleware{
		Logger:        api.logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit:         audit,
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics", "/api/alerts"},
	}.Wrap(mux)
}

type gateRequest struct {
	RunID string `json:"run_id" validate:"required,max=256"`
}

type rollbackRequest struct {
	TriggerReason string `json:"trigger_reason" validate:"required,max=2048"`
}

type verdictResponse struct {
	Verdict domain.Verdict `json:"verdict"`
}

type modelVersion struct {
	ModelName        string     `json:"model_name"`
	Version          int64      `json:"version"`
	Stage            string     `json:"stage"`
	RunID            string     `json:"run_id"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastProductionAt *time.Time `json:"last_production_at,omitempty"`
}

func toModelVersion(v domain.ModelVersion) modelVersion {
	return modelVersion{
		ModelName:        v.ModelName,
		Version:          v.Version,
		Stage:            string(v.Stage),
		RunID:            v.RunID,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
		LastProductionAt: v.LastProductionAt,
	}
}

func (api *gatekeeperAPI) handleGate(w http.ResponseWriter, r *http.Request) {
	model := strings.TrimSpace(r.PathValue("model"))
	if model == "" {
		writeError(w, r, http.StatusBadRequest, "model_name_required")
		return
	}
	var req gateRequest
	if !api.decodeAndValidate(w, r, &req) {
		return
	}

	verdict, err := api.gate.Gate(r.Context(), model, req.RunID)
	if err != nil {
		api.writeDecisionError(w, r, "gate", verdict, err)
		return
	}
	writeJSON(w, http.StatusOK, verdictResponse{Verdict: verdict})
}

// handleRollback is the operator path; alerts use handleAlert.
func (api *gatekeeperAPI) handleRollback(w http.ResponseWriter, r *http.Request) {
	model := strings.TrimSpace(r.PathValue("model"))
	if model == "" {
		writeError(w, r, http.StatusBadRequest, "model_name_required")
		return
	}
	var req rollbackRequest
	if !api.decodeAndValidate(w, r, &req) {
		return
	}
	trigger := req.TriggerReason
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.Subject != "" {
		trigger = fmt.Sprintf("%s (requested by %s)", strings.TrimSpace(trigger), identity.Subject)
	}

	verdict, err := api.rollback.Rollback(r.Context(), model, trigger)
	if err != nil {
		api.writeDecisionError(w, r, "rollback", verdict, err)
		return
	}
	writeJSON(w, http.StatusOK, verdictResponse{Verdict: verdict})
}

func (api *gatekeeperAPI) handleListVersions(w http.ResponseWriter, r *http.Request) {
	model := strings.TrimSpace(r.PathValue("model"))
	if model == "" {
		writeError(w, r, http.StatusBadRequest, "model_name_required")
		return
	}
	q := r.URL.Query()
	filter := repo.VersionFilter{
		ModelName: model,
		RunID:     strings.TrimSpace(q.Get("run_id")),
		Limit:     repo.ClampLimit(parseIntQuery(r, "limit", defaultListLimit), defaultListLimit, maxListLimit),
	}
	if raw := strings.TrimSpace(q.Get("stage")); raw != "" {
		stage, err := domain.ParseStage(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_stage")
			return
		}
		filter.Stage = stage
	}

	versions, err := api.registry.ListVersions(r.Context(), filter)
	if err != nil {
		api.logger.Error("list versions failed", "model_name", model, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]modelVersion, 0, len(versions))
	for _, v := range versions {
		out = append(out, toModelVersion(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_name": model, "versions": out})
}

func (api *gatekeeperAPI) handleGetProduction(w http.ResponseWriter, r *http.Request) {
	model := strings.TrimSpace(r.PathValue("model"))
	if model == "" {
		writeError(w, r, http.StatusBadRequest, "model_name_required")
		return
	}
	v, err := api.registry.GetProduction(r.Context(), model)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get production failed", "model_name", model, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, toModelVersion(v))
}

func (api *gatekeeperAPI) handleListVerdicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.VerdictFilter{
		ModelName: strings.TrimSpace(q.Get("model_name")),
		Limit:     repo.ClampLimit(parseIntQuery(r, "limit", defaultListLimit), defaultListLimit, maxListLimit),
	}
	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		kind, err := domain.ParseVerdictKind(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_kind")
			return
		}
		filter.Kind = kind
	}

	verdicts, err := api.verdicts.ListVerdicts(r.Context(), filter)
	if err != nil {
		api.logger.Error("list verdicts failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verdicts": verdicts})
}

// writeDecisionError maps engine errors. A verdict returned alongside the
// error (a Reject for an unavailable run, or any verdict whose publication
// failed) is included in the body.
func (api *gatekeeperAPI) writeDecisionError(w http.ResponseWriter, r *http.Request, op string, verdict domain.Verdict, err error) {
	api.metrics.ObserveDecisionError(op, err)
	status, code := decisionErrorStatus(err)
	requestID := r.Header.Get("X-Request-Id")
	if status >= 500 {
		api.logger.Error(op+" failed", "request_id", requestID, "error", err)
	}
	body := map[string]any{
		"error":      code,
		"request_id": requestID,
		"message":    err.Error(),
	}
	if verdict.ID != "" {
		body["verdict"] = verdict
	}
	writeJSON(w, status, body)
}

func decisionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNoRollbackTarget):
		return http.StatusConflict, "no_rollback_target"
	case errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, domain.ErrIncompleteMetrics):
		return http.StatusUnprocessableEntity, "incomplete_metrics"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case decision.IsPublishError(err):
		return http.StatusBadGateway, "verdict_publish_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (api *gatekeeperAPI) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r.Body, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return false
	}
	if err := api.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_request",
			"request_id": r.Header.Get("X-Request-Id"),
			"fields":     validationFields(err),
		})
		return false
	}
	return true
}

func validationFields(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fe.Field()+":"+fe.Tag())
	}
	return out
}

func decodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(io.LimitReader(body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	httpserver.WriteJSON(w, status, body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
