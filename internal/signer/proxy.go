package signer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultProxyTimeout = 5 * time.Second

// ProxyConfig configures a ProxySigner.
type ProxyConfig struct {
	// Endpoint is the base URL of the signing proxy, without trailing slash.
	Endpoint string

	// SignerID is the logical key identity requested from the proxy.
	SignerID string

	// BearerToken authenticates requests when mTLS is not in use.
	BearerToken string

	// ClientCertPath/ClientKeyPath/CAPath configure mutual TLS.
	ClientCertPath string
	ClientKeyPath  string
	CAPath         string

	// Timeout bounds each request; zero means defaultProxyTimeout.
	Timeout time.Duration
}

// Authenticated reports whether at least one authentication mode is set.
// Production mode requires this at startup.
func (c ProxyConfig) Authenticated() bool {
	return c.BearerToken != "" || (c.ClientCertPath != "" && c.ClientKeyPath != "")
}

// ProxySigner delegates signing over an authenticated HTTP channel.
//
// Wire contract:
//
//	POST {endpoint}/sign      {"signerId","digestBase64"} -> {"signatureBase64","signerId"}
//	POST {endpoint}/publicKey {"signerId"}                -> {"publicKeyBase64"}
//
// Any non-success status, transport failure, timeout, or malformed response
// is surfaced as ErrSigningUnavailable.
type ProxySigner struct {
	endpoint string
	signerID string
	bearer   string
	client   *http.Client

	mu  sync.RWMutex
	pub []byte
}

// NewProxySigner builds a ProxySigner from config, loading mTLS material if
// configured.
func NewProxySigner(cfg ProxyConfig) (*ProxySigner, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("proxy signer: endpoint not configured")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProxyTimeout
	}

	tlsCfg, err := buildTLSConfig(cfg.ClientCertPath, cfg.ClientKeyPath, cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("proxy signer: %w", err)
	}

	return &ProxySigner{
		endpoint: endpoint,
		signerID: cfg.SignerID,
		bearer:   cfg.BearerToken,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   timeout,
		},
	}, nil
}

func buildTLSConfig(certPath, keyPath, caPath string) (*tls.Config, error) {
	if certPath == "" && keyPath == "" && caPath == "" {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if certPath != "" || keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		cp := x509.NewCertPool()
		if !cp.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse CA bundle at %s", caPath)
		}
		tlsCfg.RootCAs = cp
	}
	return tlsCfg, nil
}

type proxySignRequest struct {
	SignerID     string `json:"signerId"`
	DigestBase64 string `json:"digestBase64"`
}

type proxySignResponse struct {
	SignatureBase64 string `json:"signatureBase64"`
	SignerID        string `json:"signerId"`
}

type proxyKeyRequest struct {
	SignerID string `json:"signerId"`
}

type proxyKeyResponse struct {
	PublicKeyBase64 string `json:"publicKeyBase64"`
}

// Sign implements Signer.
func (p *ProxySigner) Sign(ctx context.Context, digest []byte) (SignResult, error) {
	req := proxySignRequest{
		SignerID:     p.signerID,
		DigestBase64: base64.StdEncoding.EncodeToString(digest),
	}
	var resp proxySignResponse
	if err := p.postJSON(ctx, p.endpoint+"/sign", req, &resp); err != nil {
		return SignResult{}, fmt.Errorf("proxy sign: %v: %w", err, ErrSigningUnavailable)
	}
	if resp.SignatureBase64 == "" {
		return SignResult{}, fmt.Errorf("proxy sign: empty signature: %w", ErrSigningUnavailable)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignatureBase64)
	if err != nil {
		return SignResult{}, fmt.Errorf("proxy sign: invalid signature encoding: %w", ErrSigningUnavailable)
	}
	signerID := resp.SignerID
	if signerID == "" {
		signerID = p.signerID
	}
	return SignResult{Signature: sig, SignerID: signerID}, nil
}

// PublicKey implements Signer. The key is fetched lazily and cached; nil is
// returned when the proxy does not implement the publicKey operation.
func (p *ProxySigner) PublicKey() []byte {
	p.mu.RLock()
	if p.pub != nil {
		defer p.mu.RUnlock()
		return p.pub
	}
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
	defer cancel()
	pub, err := p.fetchPublicKey(ctx)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	p.pub = pub
	p.mu.Unlock()
	return pub
}

// Healthy implements Signer by probing the publicKey operation.
func (p *ProxySigner) Healthy(ctx context.Context) error {
	if _, err := p.fetchPublicKey(ctx); err != nil {
		return fmt.Errorf("proxy health: %v: %w", err, ErrSigningUnavailable)
	}
	return nil
}

func (p *ProxySigner) fetchPublicKey(ctx context.Context) ([]byte, error) {
	var resp proxyKeyResponse
	if err := p.postJSON(ctx, p.endpoint+"/publicKey", proxyKeyRequest{SignerID: p.signerID}, &resp); err != nil {
		return nil, err
	}
	if resp.PublicKeyBase64 == "" {
		return nil, fmt.Errorf("empty public key")
	}
	return base64.StdEncoding.DecodeString(resp.PublicKeyBase64)
}

func (p *ProxySigner) postJSON(ctx context.Context, url string, in, out any) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+p.bearer)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
