package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/animus-labs/animus-gatekeeper/internal/platform/auditlog"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/auth"
)

const alertActor = "alert-webhook"

type alertRequest struct {
	ModelName     string `json:"model_name" validate:"required,max=256"`
	TriggerReason string `json:"trigger_reason" validate:"required,max=2048"`
	Source        string `json:"source,omitempty" validate:"max=256"`
}

// handleAlert turns a signed degradation alert into a rollback decision.
func (api *gatekeeperAPI) handleAlert(w http.ResponseWriter, r *http.Request) {
	if api.alertSecret == "" {
		writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	ts := strings.TrimSpace(r.Header.Get(auth.HeaderAlertTimestamp))
	sig := strings.TrimSpace(r.Header.Get(auth.HeaderAlertSignature))
	if ts == "" || sig == "" {
		api.auditAlertReject(r.Context(), r, "", "missing_signature_headers")
		writeError(w, r, http.StatusUnauthorized, "alert_signature_required")
		return
	}
	if err := auth.VerifyTimestamp(ts, api.now().UTC(), api.alertMaxSkew); err != nil {
		api.auditAlertReject(r.Context(), r, "", "invalid_signature_timestamp")
		writeError(w, r, http.StatusUnauthorized, "alert_signature_invalid")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.auditAlertReject(r.Context(), r, "", "body_read_failed")
		writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := auth.VerifyBodySignature(api.alertSecret, ts, r.Method, body, sig); err != nil {
		api.auditAlertReject(r.Context(), r, "", "invalid_signature")
		writeError(w, r, http.StatusUnauthorized, "alert_signature_invalid")
		return
	}

	var req alertRequest
	if err := json.Unmarshal(body, &req); err != nil {
		api.auditAlertReject(r.Context(), r, "", "invalid_json")
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	req.ModelName = strings.TrimSpace(req.ModelName)
	req.TriggerReason = strings.TrimSpace(req.TriggerReason)
	if err := api.validate.Struct(req); err != nil {
		api.auditAlertReject(r.Context(), r, req.ModelName, "invalid_request")
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_request",
			"request_id": r.Header.Get("X-Request-Id"),
			"fields":     validationFields(err),
		})
		return
	}

	api.logger.Info("degradation alert received",
		"request_id", r.Header.Get("X-Request-Id"),
		"model_name", req.ModelName,
		"source", req.Source,
	)
	verdict, err := api.rollback.Rollback(r.Context(), req.ModelName, req.TriggerReason)
	if err != nil {
		api.writeDecisionError(w, r, "rollback", verdict, err)
		return
	}
	writeJSON(w, http.StatusOK, verdictResponse{Verdict: verdict})
}

func (api *gatekeeperAPI) auditAlertReject(ctx context.Context, r *http.Request, modelName, reason string) {
	payload := map[string]any{
		"service": serviceName,
		"reason":  reason,
	}
	if modelName != "" {
		payload["model_name"] = modelName
	}
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = "unknown"
	}
	err := api.audit(ctx, auditlog.Event{
		OccurredAt:   api.now().UTC(),
		Actor:        alertActor,
		Action:       "alert.reject",
		ResourceType: "alert",
		ResourceID:   requestID,
		RequestID:    requestID,
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	})
	if err != nil {
		api.logger.Warn("audit alert reject failed", "request_id", requestID, "error", err)
	}
}
