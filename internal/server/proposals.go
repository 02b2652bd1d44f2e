package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/trustcore/internal/multisig"
	"github.com/ILLUVRSE/trustcore/internal/signer"
)

// ProposalHandler exposes the multisig engine over HTTP. Effects applied
// through the HTTP surface are records only: the caller that owns the real
// side effect applies through the engine directly.
type ProposalHandler struct {
	engine   *multisig.Engine
	policy   *multisig.Policy
	dispatch DispatchFunc
	logger   *zap.Logger
}

// DispatchFunc forwards a proposal transition to outbound notifiers.
type DispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// NewProposalHandler creates a new ProposalHandler. policy may be nil; then
// every proposal must carry an explicit signer set and threshold.
func NewProposalHandler(engine *multisig.Engine, policy *multisig.Policy, logger *zap.Logger) *ProposalHandler {
	return &ProposalHandler{engine: engine, policy: policy, logger: logger}
}

// SetDispatcher wires an outbound notifier (webhooks) for transitions.
func (h *ProposalHandler) SetDispatcher(fn DispatchFunc) {
	h.dispatch = fn
}

// notify emits a transition event keyed by the proposal's new status.
func (h *ProposalHandler) notify(c *gin.Context, eventType string, p *multisig.Proposal) {
	if h.dispatch == nil {
		return
	}
	h.dispatch(c.Request.Context(), eventType, map[string]string{
		"proposalId": p.ID,
		"status":     string(p.Status),
	})
}

// Register mounts the proposal routes on the given router group.
func (h *ProposalHandler) Register(rg *gin.RouterGroup) {
	p := rg.Group("/proposals")
	p.Use(RequireRole("operator"))
	{
		p.POST("", h.CreateProposal)
		p.GET("", h.ListProposals)
		p.GET("/:id", h.GetProposal)
		p.POST("/:id/approvals", h.Approve)
		p.DELETE("/:id/approvals/:signerId", h.Revoke)
		p.POST("/:id/apply", h.Apply)
		p.POST("/:id/ratify", h.Ratify)
	}
}

type createProposalRequest struct {
	Payload   any      `json:"payload" binding:"required"`
	SignerSet []string `json:"signerSet"`
	Threshold int      `json:"threshold"`

	// Value selects a threshold rule when the server carries a policy and
	// no explicit signer set is given.
	Value *int64 `json:"value"`
}

// CreateProposal handles POST /proposals.
func (h *ProposalHandler) CreateProposal(c *gin.Context) {
	var req createProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	signerSet, threshold := req.SignerSet, req.Threshold
	if len(signerSet) == 0 && h.policy != nil {
		if req.Value == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "value is required to resolve the threshold policy"})
			return
		}
		signerSet, threshold = h.policy.Resolve(*req.Value)
	}

	p, err := h.engine.Propose(c.Request.Context(), multisig.ProposeInput{
		Payload:    req.Payload,
		SignerSet:  signerSet,
		Threshold:  threshold,
		ProposerID: subjectOf(c, "anonymous"),
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	RecordProposalTransition(string(p.Status))
	h.notify(c, "proposal.created", p)
	c.JSON(http.StatusCreated, gin.H{"proposal": p})
}

// ListProposals handles GET /proposals — newest first, optional status filter.
func (h *ProposalHandler) ListProposals(c *gin.Context) {
	status := multisig.Status(c.Query("status"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	proposals, err := h.engine.List(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.Error("list proposals", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list proposals"})
		return
	}
	if proposals == nil {
		proposals = []*multisig.Proposal{}
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals, "count": len(proposals)})
}

// GetProposal handles GET /proposals/:id.
func (h *ProposalHandler) GetProposal(c *gin.Context) {
	p, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, multisig.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "proposal not found"})
			return
		}
		h.logger.Error("get proposal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load proposal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

type approveRequest struct {
	SignerID  string `json:"signerId" binding:"required"`
	Role      string `json:"role"`
	Signature string `json:"signature" binding:"required"` // base64, over the proposal digest
}

// Approve handles POST /proposals/:id/approvals.
func (h *ProposalHandler) Approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature must be base64"})
		return
	}

	p, err := h.engine.Approve(c.Request.Context(), multisig.ApproveInput{
		ProposalID: c.Param("id"),
		SignerID:   req.SignerID,
		Role:       req.Role,
		Signature:  sig,
	})
	if err != nil {
		h.writeEngineError(c, err)
		return
	}

	RecordProposalTransition(string(p.Status))
	if p.Status == multisig.StatusApproved {
		h.notify(c, "proposal.approved", p)
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// Revoke handles DELETE /proposals/:id/approvals/:signerId.
func (h *ProposalHandler) Revoke(c *gin.Context) {
	p, err := h.engine.Revoke(c.Request.Context(), c.Param("id"), c.Param("signerId"))
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	RecordProposalTransition(string(p.Status))
	h.notify(c, "proposal.revoked", p)
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// Apply handles POST /proposals/:id/apply. The HTTP apply records the
// transition without running a side effect.
func (h *ProposalHandler) Apply(c *gin.Context) {
	p, err := h.engine.Apply(c.Request.Context(), c.Param("id"), nil)
	if err != nil {
		if p != nil && p.Status == multisig.StatusFailed {
			RecordProposalTransition(string(p.Status))
			h.notify(c, "proposal.failed", p)
		}
		h.writeEngineError(c, err)
		return
	}
	RecordProposalTransition(string(p.Status))
	h.notify(c, "proposal.applied", p)
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

type ratifyRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Ratify handles POST /proposals/:id/ratify. The caller's token must carry
// the engine's ratifier role.
func (h *ProposalHandler) Ratify(c *gin.Context) {
	var req ratifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := h.engine.RatifierRole()
	if claims := ClaimsFromCtx(c); claims != nil && !claims.HasRole(role) {
		c.JSON(http.StatusForbidden, gin.H{"error": "role " + role + " required"})
		return
	}

	p, err := h.engine.Ratify(c.Request.Context(), c.Param("id"), role, req.Reason)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	RecordProposalTransition(string(p.Status))
	h.notify(c, "proposal.ratified", p)
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func (h *ProposalHandler) writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, multisig.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "proposal not found"})
	case errors.Is(err, multisig.ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, multisig.ErrDuplicateApproval):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, multisig.ErrNotEligible):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, multisig.ErrNoApproval):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, multisig.ErrNotApproved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, signer.ErrBadSignature), errors.Is(err, signer.ErrUnknownSigner):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		h.logger.Error("proposal operation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
	}
}
