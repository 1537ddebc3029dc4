package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	domainErrors "github.com/davidleathers/policy-guardian/internal/domain/errors"
	"github.com/davidleathers/policy-guardian/internal/domain/threat"
)

// EvaluateRequest is the body of POST /v1/evaluate
type EvaluateRequest struct {
	Context EvaluationContextRequest `json:"context"`
	Data    map[string]interface{}   `json:"data" validate:"required"`
	UserID  string                   `json:"user_id,omitempty" validate:"omitempty,max=256"`
}

type EvaluationContextRequest struct {
	Type       string                 `json:"type" validate:"omitempty,max=64"`
	RequestID  string                 `json:"request_id,omitempty" validate:"omitempty,max=128"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// EvaluateResponse wraps the result with the possibly remediated data
type EvaluateResponse struct {
	Result *compliance.ComplianceResult `json:"result"`
	Data   map[string]interface{}       `json:"data"`
}

// DetectRequest is the body of POST /v1/threats
type DetectRequest struct {
	Type    threat.Type            `json:"threat_type" validate:"required,max=64"`
	Source  string                 `json:"source" validate:"required,max=256"`
	Data    map[string]interface{} `json:"data"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// DetectResponse reports Detected=false for events below the floor
type DetectResponse struct {
	Detected bool              `json:"detected"`
	Threat   *threat.Detection `json:"threat,omitempty"`
}

// RespondRequest is the body of POST /v1/threats/{id}/respond
type RespondRequest struct {
	Actions []threat.ResponseAction `json:"actions" validate:"required,min=1,dive,oneof=MONITOR ALERT BLOCK QUARANTINE REPAIR ESCALATE SHUTDOWN"`
	AgentID string                  `json:"agent_id,omitempty" validate:"omitempty,max=128"`
}

// RespondResponse reports Resolved=true when the threat was already closed
type RespondResponse struct {
	Resolved bool             `json:"already_resolved"`
	Response *threat.Response `json:"response,omitempty"`
}

// ClearEmergencyRequest is the body of POST /v1/emergency/clear
type ClearEmergencyRequest struct {
	Operator string `json:"operator" validate:"required,max=128"`
}

// Handler serves the engine endpoints
type Handler struct {
	engine       Engine
	logger       *slog.Logger
	validator    *validator.Validate
	maxBodyBytes int64
}

func NewHandler(engine Engine, logger *slog.Logger, maxBodyBytes int64) *Handler {
	return &Handler{
		engine:       engine,
		logger:       logger,
		validator:    validator.New(),
		maxBodyBytes: maxBodyBytes,
	}
}

// decode reads and validates a JSON body into dst
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domainErrors.NewValidationError("BODY_TOO_LARGE", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return domainErrors.NewValidationError("INVALID_JSON", "invalid request body").WithCause(err)
	}
	if err := h.validator.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domainErrors.NewValidationError("VALIDATION_FAILED", err.Error())
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return domainErrors.NewValidationError("VALIDATION_FAILED", strings.Join(fields, "; "))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.GetSystemStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	evalCtx := compliance.EvaluationContext{
		Type:       req.Context.Type,
		RequestID:  req.Context.RequestID,
		Attributes: req.Context.Attributes,
	}
	result := h.engine.EvaluateCompliance(r.Context(), evalCtx, req.Data, req.UserID)
	writeJSON(w, http.StatusOK, EvaluateResponse{Result: result, Data: req.Data})
}

func (h *Handler) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req DetectRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	d, err := h.engine.DetectThreat(r.Context(), req.Type, req.Source, req.Data, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	if d == nil {
		writeJSON(w, http.StatusOK, DetectResponse{Detected: false})
		return
	}
	writeJSON(w, http.StatusCreated, DetectResponse{Detected: true, Threat: d})
}

func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	threatID := r.PathValue("id")
	if threatID == "" {
		writeError(w, domainErrors.NewValidationError("MISSING_ID", "threat id is required"))
		return
	}

	var req RespondRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.engine.RespondToThreat(r.Context(), threatID, req.Actions, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RespondResponse{Resolved: resp == nil, Response: resp})
}

func (h *Handler) handleClearEmergency(w http.ResponseWriter, r *http.Request) {
	var req ClearEmergencyRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	cleared, err := h.engine.ClearEmergency(r.Context(), req.Operator)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "emergency clear requested", "operator", req.Operator, "cleared", cleared)
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}
