package signer_test

import (
	"testing"

	"github.com/ILLUVRSE/trustcore/internal/signer"
	"go.uber.org/zap"
)

func TestNew_localRefusedInProduction(t *testing.T) {
	_, err := signer.New(signer.Config{
		Backend:    signer.BackendLocal,
		Production: true,
		SignerID:   "dev",
	}, zap.NewNop())
	if err == nil {
		t.Error("local backend must be refused in production")
	}
}

func TestNew_hmacRefusedInProduction(t *testing.T) {
	_, err := signer.New(signer.Config{
		Backend:    signer.BackendHMAC,
		Production: true,
		SignerID:   "dev",
		HMACSecret: "s",
	}, zap.NewNop())
	if err == nil {
		t.Error("hmac backend must be refused in production")
	}
}

func TestNew_emptyBackendIsError(t *testing.T) {
	if _, err := signer.New(signer.Config{}, zap.NewNop()); err == nil {
		t.Error("missing backend must be a configuration error")
	}
}

func TestNew_productionProxyRequiresAuth(t *testing.T) {
	_, err := signer.New(signer.Config{
		Backend:    signer.BackendProxy,
		Production: true,
		Proxy:      signer.ProxyConfig{Endpoint: "https://kms.internal"},
	}, zap.NewNop())
	if err == nil {
		t.Error("unauthenticated proxy must be refused in production")
	}

	_, err = signer.New(signer.Config{
		Backend:    signer.BackendProxy,
		Production: true,
		Proxy: signer.ProxyConfig{
			Endpoint:    "https://kms.internal",
			BearerToken: "tok",
		},
	}, zap.NewNop())
	if err != nil {
		t.Errorf("bearer-authenticated proxy should construct: %v", err)
	}
}

func TestNew_localInDev(t *testing.T) {
	s, err := signer.New(signer.Config{
		Backend:  signer.BackendLocal,
		SignerID: "dev",
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Preflight(ctx, signer.Config{Backend: signer.BackendLocal}, s); err != nil {
		t.Errorf("preflight on healthy dev signer: %v", err)
	}
}

func TestPreflight_productionUnreachableAborts(t *testing.T) {
	cfg := signer.Config{
		Backend:    signer.BackendProxy,
		Production: true,
		Proxy: signer.ProxyConfig{
			Endpoint:    "http://127.0.0.1:1",
			BearerToken: "tok",
		},
	}
	s, err := signer.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Preflight(ctx, cfg, s); err == nil {
		t.Error("production preflight must fail when the backend is unreachable")
	}
}

func TestPreflight_nilSigner(t *testing.T) {
	if err := signer.Preflight(ctx, signer.Config{}, nil); err == nil {
		t.Error("nil signer must fail preflight")
	}
}
