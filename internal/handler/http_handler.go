package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/metrics"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// HTTPHandler serves the approval REST API.
type HTTPHandler struct {
	approvals ApprovalEngine
	matrices  MatrixAdmin
	audit     AuditTrail
	settings  PolicySettings
	log       *logger.Logger
}

// HTTPOption configures optional endpoints.
type HTTPOption func(*HTTPHandler)

// WithAuditTrail mounts GET /requests/{requestID}/audit.
func WithAuditTrail(a AuditTrail) HTTPOption {
	return func(h *HTTPHandler) { h.audit = a }
}

// WithPolicySettings mounts the self-approval policy endpoints.
func WithPolicySettings(p PolicySettings) HTTPOption {
	return func(h *HTTPHandler) { h.settings = p }
}

// RouterOptions tune the HTTP router.
type RouterOptions struct {
	RateLimit      int
	RequestTimeout time.Duration
	// Ready reports dependency health for /health.
	Ready func(r *http.Request) error
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(approvals ApprovalEngine, matrices MatrixAdmin, log *logger.Logger, opts ...HTTPOption) *HTTPHandler {
	h := &HTTPHandler{
		approvals: approvals,
		matrices:  matrices,
		log:       log.WithComponent("http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with middleware and all routes mounted.
func (h *HTTPHandler) Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(r); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(opts.RateLimit))
		r.Use(requireCaller)

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", h.InitiateApproval)
			r.Get("/pending", h.ListPending)
			r.Get("/{instanceID}", h.GetInstance)
			r.Get("/{instanceID}/history", h.GetHistory)
			r.Post("/{instanceID}/actions", h.ProcessAction)
		})
		r.Get("/requests/{requestID}/approval", h.GetInstanceByRequest)
		if h.audit != nil {
			r.Get("/requests/{requestID}/audit", h.GetAuditTrail)
		}
		if h.settings != nil {
			r.Get("/settings/self-approval-policy", h.GetSelfApprovalPolicy)
			r.Put("/settings/self-approval-policy", h.SetSelfApprovalPolicy)
		}

		r.Route("/matrices", func(r chi.Router) {
			r.Post("/", h.CreateMatrix)
			r.Get("/", h.ListMatrices)
			r.Get("/active", h.GetActiveMatrix)
			r.Get("/{matrixID}", h.GetMatrix)
			r.Post("/{matrixID}/activate", h.ActivateMatrix)
		})
	})
	return r
}

// ── Approvals ────────────────────────────────────────────────────────────────

// InitiateApproval starts routing a submitted request.
func (h *HTTPHandler) InitiateApproval(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req initiateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RequestType == "" {
		req.RequestType = "expense_report"
	}

	inst, err := h.approvals.InitiateApproval(r.Context(), caller.CompanyID, req.RequestID, req.RequestType, nil)
	if err != nil {
		h.writeInstanceError(w, inst, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInstanceResponse(inst))
}

// ProcessAction records the caller's decision on the current level.
func (h *HTTPHandler) ProcessAction(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	if _, err := h.companyInstance(r, chi.URLParam(r, "instanceID")); err != nil {
		writeError(w, err)
		return
	}

	var req actionRequest
	if !decode(w, r, &req) {
		return
	}

	inst, err := h.approvals.ProcessAction(r.Context(), chi.URLParam(r, "instanceID"), caller.UserID, req.Action, req.Comments)
	if err != nil {
		h.writeInstanceError(w, inst, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

// GetInstance returns one approval instance.
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.companyInstance(r, chi.URLParam(r, "instanceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

// GetHistory returns the history of one approval instance.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	inst, err := h.companyInstance(r, chi.URLParam(r, "instanceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	history := inst.History
	if history == nil {
		history = []repository.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

// GetInstanceByRequest returns the latest instance of a request.
func (h *HTTPHandler) GetInstanceByRequest(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	requestID := chi.URLParam(r, "requestID")

	inst, err := h.approvals.GetInstanceByRequest(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	if inst.CompanyID != caller.CompanyID {
		writeError(w, errors.NotFound("approval instance", requestID))
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

// ListPending returns the instances the caller can act on now.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	insts, err := h.approvals.ListPendingForUser(r.Context(), caller.CompanyID, caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*instanceResponse, 0, len(insts))
	for _, inst := range insts {
		out = append(out, toInstanceResponse(inst))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": out, "total": len(out)})
}

// companyInstance loads an instance and hides instances of other companies.
func (h *HTTPHandler) companyInstance(r *http.Request, instanceID string) (*repository.ApprovalInstance, error) {
	caller, _ := CallerFrom(r.Context())
	inst, err := h.approvals.GetInstance(r.Context(), instanceID)
	if err != nil {
		return nil, err
	}
	if inst.CompanyID != caller.CompanyID {
		return nil, errors.NotFound("approval instance", instanceID)
	}
	return inst, nil
}

// writeInstanceError reports err and, when the decision itself committed,
// the resulting instance alongside it.
func (h *HTTPHandler) writeInstanceError(w http.ResponseWriter, inst *repository.ApprovalInstance, err error) {
	if inst == nil || !errors.Is(err, errors.ErrPostApprovalEffectFailed) {
		writeError(w, err)
		return
	}
	h.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Approval committed but post-approval effect failed")
	var appErr *errors.AppError
	body := errorBody{Code: string(errors.ErrCodePostApprovalEffectFailed), Message: err.Error()}
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
	}
	writeJSON(w, errors.HTTPStatus(errors.ErrCodePostApprovalEffectFailed), map[string]interface{}{
		"error":    body,
		"instance": toInstanceResponse(inst),
	})
}

// ── Matrices ─────────────────────────────────────────────────────────────────

// CreateMatrix stores a new matrix for the caller's company.
func (h *HTTPHandler) CreateMatrix(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req matrixRequest
	if !decode(w, r, &req) {
		return
	}
	m := &repository.ApprovalMatrix{
		CompanyID: caller.CompanyID,
		Name:      req.Name,
		IsActive:  req.IsActive,
		Levels:    req.Levels,
		CreatedBy: caller.UserID,
	}
	if err := h.matrices.CreateMatrix(r.Context(), m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMatrixResponse(m))
}

// ListMatrices lists the caller company's matrices.
func (h *HTTPHandler) ListMatrices(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	ms, err := h.matrices.ListMatrices(r.Context(), caller.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*matrixResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMatrixResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matrices": out})
}

// GetActiveMatrix returns the caller company's active matrix.
func (h *HTTPHandler) GetActiveMatrix(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	m, err := h.matrices.GetActiveMatrix(r.Context(), caller.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMatrixResponse(m))
}

// GetMatrix returns one matrix of the caller's company.
func (h *HTTPHandler) GetMatrix(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	matrixID := chi.URLParam(r, "matrixID")

	m, err := h.matrices.GetMatrix(r.Context(), matrixID)
	if err != nil {
		writeError(w, err)
		return
	}
	if m.CompanyID != caller.CompanyID {
		writeError(w, errors.NotFound("approval matrix", matrixID))
		return
	}
	writeJSON(w, http.StatusOK, toMatrixResponse(m))
}

// ActivateMatrix makes a matrix the company's active one.
func (h *HTTPHandler) ActivateMatrix(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	if err := h.matrices.ActivateMatrix(r.Context(), caller.CompanyID, chi.URLParam(r, "matrixID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Audit and settings ───────────────────────────────────────────────────────

// GetAuditTrail returns the transitions recorded for a request.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	entries, err := h.audit.GetByRequestID(r.Context(), chi.URLParam(r, "requestID"), caller.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*repository.ApprovalAuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// GetSelfApprovalPolicy returns the caller company's policy.
func (h *HTTPHandler) GetSelfApprovalPolicy(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	policy, err := h.settings.GetCompanySelfApprovalPolicy(r.Context(), caller.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policyRequest{SelfApprovalPolicy: policy})
}

// SetSelfApprovalPolicy changes the caller company's policy. Running
// instances keep routing under the policy read when they act.
func (h *HTTPHandler) SetSelfApprovalPolicy(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req policyRequest
	if !decode(w, r, &req) {
		return
	}
	switch req.SelfApprovalPolicy {
	case repository.PolicySkipSelf, repository.PolicyAllowSelf:
	default:
		writeError(w, errors.InvalidInput("self_approval_policy", "must be SKIP_SELF or ALLOW_SELF"))
		return
	}

	if err := h.settings.SetSelfApprovalPolicy(r.Context(), caller.CompanyID, req.SelfApprovalPolicy); err != nil {
		writeError(w, err)
		return
	}
	h.log.Info().
		Str("company_id", caller.CompanyID).
		Str("policy", string(req.SelfApprovalPolicy)).
		Str("user_id", caller.UserID).
		Msg("Self-approval policy updated")
	writeJSON(w, http.StatusOK, req)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
