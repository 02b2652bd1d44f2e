package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/trustcore/internal/auditlog"
	"github.com/ILLUVRSE/trustcore/internal/signer"
)

// AuditHandler exposes the audit log over HTTP: appends, reads and chain
// verification.
type AuditHandler struct {
	log      auditlog.Log
	registry *signer.Registry
	logger   *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(log auditlog.Log, registry *signer.Registry, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{log: log, registry: registry, logger: logger}
}

// Register mounts the audit routes on the given router group. Appends
// require the operator role; reads and verification require auditor.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	{
		a.GET("/events/:id", RequireRole("auditor"), h.GetEvent)

		scopes := a.Group("/scopes/:scope")
		{
			scopes.POST("/events", RequireRole("operator"), h.AppendEvent)
			scopes.GET("/events", RequireRole("auditor"), h.ListEvents)
			scopes.GET("/head", RequireRole("auditor"), h.Head)
			scopes.GET("/verify", RequireRole("auditor"), h.Verify)
		}
	}
}

type appendEventRequest struct {
	EventType      string `json:"eventType" binding:"required"`
	Payload        any    `json:"payload" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// AppendEvent handles POST /audit/scopes/:scope/events — appends a signed
// event to the scope's chain.
func (h *AuditHandler) AppendEvent(c *gin.Context) {
	scope := c.Param("scope")

	var req appendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var opts []auditlog.AppendOption
	if key := req.IdempotencyKey; key != "" {
		opts = append(opts, auditlog.WithIdempotencyKey(key))
	} else if key := c.GetHeader("Idempotency-Key"); key != "" {
		opts = append(opts, auditlog.WithIdempotencyKey(key))
	}

	ev, err := h.log.Append(c.Request.Context(), scope, req.EventType, req.Payload, opts...)
	if err != nil {
		var conflict *auditlog.IdempotencyConflictError
		switch {
		case errors.As(err, &conflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, signer.ErrSigningUnavailable):
			RecordSigningFailure()
			h.logger.Error("append aborted, signing unavailable", zap.String("scope", scope), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signing backend unavailable"})
		default:
			h.logger.Error("append event", zap.String("scope", scope), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append event"})
		}
		return
	}

	RecordAuditAppend(scope)
	c.JSON(http.StatusCreated, gin.H{"event": ev})
}

// GetEvent handles GET /audit/events/:id — returns one event by id.
func (h *AuditHandler) GetEvent(c *gin.Context) {
	ev, err := h.log.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, auditlog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		h.logger.Error("get event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev})
}

// ListEvents handles GET /audit/scopes/:scope/events — returns a
// contiguous, chain-ordered slice of the scope. from/to are 1-based
// positions; to omitted or 0 means the current head.
func (h *AuditHandler) ListEvents(c *gin.Context) {
	scope := c.Param("scope")
	from, to, ok := rangeParams(c)
	if !ok {
		return
	}

	events, err := h.log.Range(c.Request.Context(), scope, from, to)
	if err != nil {
		h.logger.Error("range events", zap.String("scope", scope), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	if events == nil {
		events = []*auditlog.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Head handles GET /audit/scopes/:scope/head — returns the hash of the
// newest event of the scope, empty for an empty scope.
func (h *AuditHandler) Head(c *gin.Context) {
	scope := c.Param("scope")
	head, err := h.log.Head(c.Request.Context(), scope)
	if err != nil {
		h.logger.Error("head", zap.String("scope", scope), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load head"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope, "headHash": head})
}

// Verify handles GET /audit/scopes/:scope/verify — recomputes the digest
// chain and verifies every signature. from/to restrict verification to a
// sub-range anchored at the predecessor's hash.
func (h *AuditHandler) Verify(c *gin.Context) {
	scope := c.Param("scope")
	from, to, ok := rangeParams(c)
	if !ok {
		return
	}

	var (
		head string
		err  error
	)
	if from == 1 && to <= 0 {
		head, err = h.log.VerifyScope(c.Request.Context(), scope, h.registry)
	} else {
		head, err = h.log.VerifyRange(c.Request.Context(), scope, from, to, h.registry)
	}
	if err != nil {
		var integrity *auditlog.IntegrityError
		if errors.As(err, &integrity) {
			RecordVerification(false)
			h.logger.Warn("chain integrity violation",
				zap.String("scope", scope),
				zap.String("event_id", integrity.EventID),
				zap.String("kind", string(integrity.Kind)),
			)
			c.JSON(http.StatusOK, gin.H{
				"valid": false,
				"violation": gin.H{
					"eventId": integrity.EventID,
					"kind":    integrity.Kind,
					"detail":  integrity.Detail,
				},
			})
			return
		}
		h.logger.Error("verify chain", zap.String("scope", scope), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed to run"})
		return
	}

	RecordVerification(true)
	c.JSON(http.StatusOK, gin.H{"valid": true, "headHash": head})
}

// rangeParams parses from/to query parameters, writing a 400 on bad input.
func rangeParams(c *gin.Context) (from, to int, ok bool) {
	var err error
	from, err = strconv.Atoi(c.DefaultQuery("from", "1"))
	if err != nil || from < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a positive integer"})
		return 0, 0, false
	}
	to, err = strconv.Atoi(c.DefaultQuery("to", "0"))
	if err != nil || (to != 0 && to < from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be 0 or >= from"})
		return 0, 0, false
	}
	return from, to, true
}
