package server

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/trustcore/internal/signer"
)

// SignerHandler exposes the signer registry: the public keys verifiers need
// to check chains and approvals out-of-band.
type SignerHandler struct {
	registry *signer.Registry
	signer   signer.Signer
	logger   *zap.Logger
}

// NewSignerHandler creates a new SignerHandler. s is the service's own
// signing backend, used for the health probe.
func NewSignerHandler(registry *signer.Registry, s signer.Signer, logger *zap.Logger) *SignerHandler {
	return &SignerHandler{registry: registry, signer: s, logger: logger}
}

// Register mounts the signer routes on the given router group.
func (h *SignerHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/signers")
	{
		s.GET("", h.ListSigners)
		s.GET("/:id", h.GetSigner)
	}
}

// ListSigners handles GET /signers.
func (h *SignerHandler) ListSigners(c *gin.Context) {
	infos := h.registry.ListSigners()
	sort.Slice(infos, func(i, j int) bool { return infos[i].SignerID < infos[j].SignerID })
	c.JSON(http.StatusOK, gin.H{"signers": infos, "count": len(infos)})
}

// GetSigner handles GET /signers/:id.
func (h *SignerHandler) GetSigner(c *gin.Context) {
	info, ok := h.registry.GetSigner(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "signer not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signer": info})
}
