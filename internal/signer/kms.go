package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// KMSConfig configures a KMSSigner.
type KMSConfig struct {
	// Endpoint is the managed key service base URL.
	Endpoint string

	// KeyID is the logical key requested from the service. The service may
	// answer with its own key identifier, which then becomes the signerId
	// recorded on events.
	KeyID string

	// BearerToken authenticates requests.
	BearerToken string

	// Timeout bounds each attempt; zero means defaultProxyTimeout.
	Timeout time.Duration

	// Retries is the number of additional attempts after the first failure.
	Retries int
}

// Authenticated reports whether the backend carries a credential.
func (c KMSConfig) Authenticated() bool {
	return c.BearerToken != ""
}

// KMSSigner delegates signing to an external managed key service. Unlike the
// proxy signer it retries transient failures with a short linear backoff and
// records the service-assigned key identifier as the signer id.
type KMSSigner struct {
	endpoint string
	keyID    string
	bearer   string
	client   *http.Client
	retries  int

	mu       sync.RWMutex
	signerID string
}

// NewKMSSigner builds a KMSSigner from config.
func NewKMSSigner(cfg KMSConfig) (*KMSSigner, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("kms signer: endpoint not configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProxyTimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &KMSSigner{
		endpoint: endpoint,
		keyID:    cfg.KeyID,
		bearer:   cfg.BearerToken,
		client:   &http.Client{Timeout: timeout},
		retries:  retries,
	}, nil
}

type kmsSignRequest struct {
	SignerID     string `json:"signerId"`
	DigestBase64 string `json:"digestBase64"`
}

type kmsSignResponse struct {
	SignatureBase64 string `json:"signatureBase64"`
	SignerID        string `json:"signerId"`
}

// Sign implements Signer.
func (k *KMSSigner) Sign(ctx context.Context, digest []byte) (SignResult, error) {
	req := kmsSignRequest{
		SignerID:     k.keyID,
		DigestBase64: base64.StdEncoding.EncodeToString(digest),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return SignResult{}, fmt.Errorf("kms marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= k.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return SignResult{}, fmt.Errorf("kms sign: %v: %w", err, ErrSigningUnavailable)
		}
		res, err := k.signOnce(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt < k.retries {
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
	}
	return SignResult{}, fmt.Errorf("kms sign: %v: %w", lastErr, ErrSigningUnavailable)
}

func (k *KMSSigner) signOnce(ctx context.Context, body []byte) (SignResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return SignResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if k.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+k.bearer)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return SignResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return SignResult{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out kmsSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SignResult{}, fmt.Errorf("decode response: %w", err)
	}
	if out.SignatureBase64 == "" {
		return SignResult{}, fmt.Errorf("empty signature")
	}
	sig, err := base64.StdEncoding.DecodeString(out.SignatureBase64)
	if err != nil {
		return SignResult{}, fmt.Errorf("invalid signature encoding: %w", err)
	}

	signerID := out.SignerID
	if signerID == "" {
		signerID = k.keyID
	}
	k.mu.Lock()
	k.signerID = signerID
	k.mu.Unlock()

	return SignResult{Signature: sig, SignerID: signerID}, nil
}

// SignerID returns the most recent service-assigned key identifier, or the
// configured key id before the first successful sign.
func (k *KMSSigner) SignerID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.signerID != "" {
		return k.signerID
	}
	return k.keyID
}

// PublicKey implements Signer. Managed key services keep key material remote.
func (k *KMSSigner) PublicKey() []byte {
	return nil
}

// Healthy implements Signer by issuing a probe sign request.
func (k *KMSSigner) Healthy(ctx context.Context) error {
	_, err := k.Sign(ctx, []byte("trustcore-healthcheck"))
	if err != nil {
		return err
	}
	return nil
}
