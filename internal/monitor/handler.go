package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/secmon/internal/audit"
	"github.com/mbd888/secmon/internal/config"
	"github.com/mbd888/secmon/internal/idgen"
	"github.com/mbd888/secmon/internal/incident"
	"github.com/mbd888/secmon/internal/risk"
	"github.com/mbd888/secmon/internal/storage"
	"github.com/mbd888/secmon/internal/validation"
)

// IdempotencyKeyHeader lets callers retry POST /audit safely.
const IdempotencyKeyHeader = "Idempotency-Key"

const (
	defaultTrailLimit = 100
	maxTrailLimit     = 1000
)

// Handler provides HTTP endpoints for the security core.
type Handler struct {
	service *Service
	cfg     *config.Config
}

// NewHandler creates a new handler. cfg may be nil, in which case the
// config endpoint reports defaults only.
func NewHandler(service *Service, cfg *config.Config) *Handler {
	return &Handler{service: service, cfg: cfg}
}

// RegisterRoutes sets up the routes other services call on every event.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/evaluate/login", h.EvaluateLogin)
	r.POST("/evaluate/transaction", h.EvaluateTransaction)
	r.POST("/audit", h.RecordAction)
}

// RegisterAdminRoutes sets up operator routes. The caller guards the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.AuditTrail)
	r.GET("/audit/verify", h.VerifyIntegrity)
	r.GET("/audit/entries/:id", h.GetAuditEntry)

	r.GET("/incidents", h.ListIncidents)
	r.POST("/incidents", h.CreateIncident)
	r.GET("/incidents/:id", h.GetIncident)
	r.POST("/incidents/:id/resolve", h.ResolveIncident)

	r.GET("/accounts/:userId", h.AccountStatus)
	r.POST("/accounts/:userId/lock", h.LockAccount)
	r.POST("/accounts/:userId/unlock", h.UnlockAccount)
	r.POST("/accounts/:userId/compromise", h.ReportCompromise)

	r.GET("/config", h.Config)
}

// requestContext attaches the caller's address for audit entries.
func requestContext(c *gin.Context) context.Context {
	return audit.WithClientInfo(c.Request.Context(), c.ClientIP(), c.Request.UserAgent())
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

// writeError maps service errors to status codes.
func writeError(c *gin.Context, err error) {
	var ve validation.ValidationErrors
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": ve.Error(),
			"details": []validation.ValidationError(ve),
		})
	case errors.Is(err, incident.ErrIncidentNotFound), errors.Is(err, audit.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, incident.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_resolved",
			"message": "Incident is already resolved",
		})
	case errors.Is(err, incident.ErrNoLockout):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_locked",
			"message": "Account is not locked",
		})
	case storage.IsUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Security store is unavailable, retry later",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

// EvaluateLogin handles POST /v1/security/evaluate/login
func (h *Handler) EvaluateLogin(c *gin.Context) {
	var in risk.LoginInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	d, err := h.service.EvaluateLogin(requestContext(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// EvaluateTransaction handles POST /v1/security/evaluate/transaction
func (h *Handler) EvaluateTransaction(c *gin.Context) {
	var in risk.TransactionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	d, err := h.service.EvaluateTransaction(requestContext(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// recordActionRequest keeps details as raw JSON so numbers are hashed
// exactly as sent.
type recordActionRequest struct {
	UserID         string          `json:"userId"`
	Action         string          `json:"action"`
	ResourceType   string          `json:"resourceType"`
	ResourceID     string          `json:"resourceId"`
	Details        json.RawMessage `json:"details"`
	IPAddress      string          `json:"ipAddress"`
	UserAgent      string          `json:"userAgent"`
	EventType      string          `json:"eventType"`
	Resource       string          `json:"resource"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// RecordAction handles POST /v1/security/audit
func (h *Handler) RecordAction(c *gin.Context) {
	var req recordActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(IdempotencyKeyHeader)
	}

	a := audit.Action{
		UserID:         req.UserID,
		Action:         req.Action,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		IPAddress:      req.IPAddress,
		UserAgent:      req.UserAgent,
		EventType:      req.EventType,
		Resource:       req.Resource,
		IdempotencyKey: req.IdempotencyKey,
	}
	if len(req.Details) > 0 {
		a.Details = req.Details
	}

	e, err := h.service.RecordAction(requestContext(c), a)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": e})
}

func queryInt64(c *gin.Context, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// AuditTrail handles GET /v1/security/audit
func (h *Handler) AuditTrail(c *gin.Context) {
	f := audit.ListFilter{
		UserID:     c.Query("user_id"),
		Action:     c.Query("action"),
		Descending: c.DefaultQuery("order", "desc") == "desc",
		Limit:      defaultTrailLimit,
	}
	var ok bool
	if f.AfterID, ok = queryInt64(c, "after_id"); !ok {
		badRequest(c, "after_id must be a non-negative integer")
		return
	}
	if f.BeforeID, ok = queryInt64(c, "before_id"); !ok {
		badRequest(c, "before_id must be a non-negative integer")
		return
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			f.Limit = min(parsed, maxTrailLimit)
		}
	}

	entries, err := h.service.AuditTrail(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetAuditEntry handles GET /v1/security/audit/entries/:id
func (h *Handler) GetAuditEntry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "id must be a positive integer")
		return
	}

	e, err := h.service.AuditEntry(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": e})
}

// VerifyIntegrity handles GET /v1/security/audit/verify
func (h *Handler) VerifyIntegrity(c *gin.Context) {
	report, err := h.service.VerifyAuditIntegrity(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// ListIncidents handles GET /v1/security/incidents
func (h *Handler) ListIncidents(c *gin.Context) {
	var f incident.Filter
	if err := c.ShouldBindQuery(&f); err != nil {
		badRequest(c, "Invalid query parameters")
		return
	}

	incidents, err := h.service.GetIncidents(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// CreateIncident handles POST /v1/security/incidents
func (h *Handler) CreateIncident(c *gin.Context) {
	var n incident.NewIncident
	if err := c.ShouldBindJSON(&n); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	in, err := h.service.CreateIncident(requestContext(c), n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"incident": in})
}

// GetIncident handles GET /v1/security/incidents/:id
func (h *Handler) GetIncident(c *gin.Context) {
	// Incident ids are UUIDs; anything else cannot exist.
	if !idgen.Valid(c.Param("id")) {
		writeError(c, incident.ErrIncidentNotFound)
		return
	}
	in, err := h.service.GetIncident(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident": in})
}

// ResolveIncidentRequest is the body of POST /incidents/:id/resolve.
type ResolveIncidentRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveIncident handles POST /v1/security/incidents/:id/resolve
func (h *Handler) ResolveIncident(c *gin.Context) {
	var req ResolveIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	in, err := h.service.ResolveIncident(requestContext(c), c.Param("id"), validation.SanitizeString(req.Resolution, 2000))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident": in})
}

// AccountStatus handles GET /v1/security/accounts/:userId
func (h *Handler) AccountStatus(c *gin.Context) {
	status, err := h.service.AccountStatus(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": status})
}

// LockAccountRequest is the body of POST /accounts/:userId/lock.
type LockAccountRequest struct {
	// Duration is a Go duration string such as "30m" or "24h".
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

// LockAccount handles POST /v1/security/accounts/:userId/lock
func (h *Handler) LockAccount(c *gin.Context) {
	var req LockAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		badRequest(c, "duration must be a duration such as 30m or 24h")
		return
	}

	l, err := h.service.LockAccount(requestContext(c), c.Param("userId"), d, validation.SanitizeString(req.Reason, 50))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lockout": l})
}

// UnlockAccount handles POST /v1/security/accounts/:userId/unlock
func (h *Handler) UnlockAccount(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.service.UnlockAccount(requestContext(c), userID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":   userID,
		"unlocked": true,
	})
}

// ReportCompromiseRequest is the body of POST /accounts/:userId/compromise.
type ReportCompromiseRequest struct {
	Indicators []string `json:"indicators"`
}

// ReportCompromise handles POST /v1/security/accounts/:userId/compromise
func (h *Handler) ReportCompromise(c *gin.Context) {
	var req ReportCompromiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	d, err := h.service.ReportCompromise(requestContext(c), c.Param("userId"), req.Indicators)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// Config handles GET /v1/security/config
func (h *Handler) Config(c *gin.Context) {
	if h.cfg == nil {
		c.JSON(http.StatusOK, gin.H{"options": config.Options})
		return
	}
	c.JSON(http.StatusOK, gin.H{"options": h.cfg.Effective()})
}
