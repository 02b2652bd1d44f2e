package signer

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted by Config.Backend.
const (
	BackendLocal = "local"
	BackendHMAC  = "hmac"
	BackendProxy = "proxy"
	BackendKMS   = "kms"
)

// Config selects and configures the signing backend. The backend is chosen
// by name here, never by runtime type inspection at call sites.
type Config struct {
	// Backend is one of local, hmac, proxy, kms.
	Backend string

	// Production enables the fail-closed policy: only remote backends with
	// an authentication mode are accepted and the backend must pass a
	// reachability preflight before the process serves traffic.
	Production bool

	// SignerID is the logical identity for local and hmac backends.
	SignerID string

	// HMACSecret is the shared secret for the hmac backend.
	HMACSecret string

	Proxy ProxyConfig
	KMS   KMSConfig
}

// New constructs the configured signing backend.
//
// In production mode the dev backends (local, hmac) are refused outright and
// remote backends must carry an authentication mode; a missing or unknown
// backend is a configuration error rather than a silent fallback.
func New(cfg Config, logger *zap.Logger) (Signer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case BackendLocal:
		if cfg.Production {
			return nil, fmt.Errorf("signer backend %q is refused in production", cfg.Backend)
		}
		logger.Warn("using ephemeral local signer; signatures will not survive restart",
			zap.String("signer_id", cfg.SignerID))
		return NewLocalSigner(cfg.SignerID)

	case BackendHMAC:
		if cfg.Production {
			return nil, fmt.Errorf("signer backend %q is refused in production", cfg.Backend)
		}
		return NewHMACSigner([]byte(cfg.HMACSecret), cfg.SignerID)

	case BackendProxy:
		if cfg.Production && !cfg.Proxy.Authenticated() {
			return nil, fmt.Errorf("production requires mTLS or a bearer token on the proxy signer")
		}
		return NewProxySigner(cfg.Proxy)

	case BackendKMS:
		if cfg.Production && !cfg.KMS.Authenticated() {
			return nil, fmt.Errorf("production requires a bearer token on the kms signer")
		}
		return NewKMSSigner(cfg.KMS)

	case "":
		return nil, fmt.Errorf("no signer backend configured")

	default:
		return nil, fmt.Errorf("unknown signer backend %q", cfg.Backend)
	}
}

// Preflight is the startup guard: run once per process before accepting
// traffic. In production mode it requires the configured backend to answer
// a health probe; startup must abort on error.
func Preflight(ctx context.Context, cfg Config, s Signer) error {
	if s == nil {
		return fmt.Errorf("no signer configured: %w", ErrSigningUnavailable)
	}
	if err := s.Healthy(ctx); err != nil {
		if cfg.Production {
			return fmt.Errorf("signer preflight failed: %w", err)
		}
		// Outside production a cold backend is tolerated; the first append
		// will surface SigningUnavailable if it stays down.
		return nil
	}
	return nil
}
