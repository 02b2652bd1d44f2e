// Package client is the Go SDK for the trustcore HTTP API: appending and
// reading audit events, verifying digest chains, and driving multisig
// proposals.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Event is one signed, hash-chained audit event as returned by the API.
type Event struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	EventType string    `json:"eventType"`
	Payload   any       `json:"payload"`
	PrevHash  string    `json:"prevHash,omitempty"`
	Hash      string    `json:"hash"`
	Signature string    `json:"signature"`
	SignerID  string    `json:"signerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Approval is one signer's endorsement of a proposal.
type Approval struct {
	SignerID   string    `json:"signerId"`
	Role       string    `json:"role,omitempty"`
	Signature  string    `json:"signature"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// Proposal is a multisig proposal as returned by the API.
type Proposal struct {
	ID            string     `json:"id"`
	Payload       any        `json:"payload"`
	SignerSet     []string   `json:"signerSet"`
	Threshold     int        `json:"threshold"`
	Approvals     []Approval `json:"approvals"`
	Status        string     `json:"status"`
	ProposerID    string     `json:"proposerId"`
	CreatedAt     time.Time  `json:"createdAt"`
	AppliedAt     *time.Time `json:"appliedAt,omitempty"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	RatifiedAt    *time.Time `json:"ratifiedAt,omitempty"`
	RatifiedBy    string     `json:"ratifiedBy,omitempty"`
	RatifyReason  string     `json:"ratifyReason,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
}

// SignerInfo is a registry entry: the public key material verifiers need.
type SignerInfo struct {
	SignerID  string    `json:"signerId"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"publicKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// Violation describes a chain integrity finding from a verify call.
type Violation struct {
	EventID string `json:"eventId"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

// VerifyResult is the outcome of a chain verification.
type VerifyResult struct {
	Valid     bool       `json:"valid"`
	HeadHash  string     `json:"headHash,omitempty"`
	Violation *Violation `json:"violation,omitempty"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("trustcore API error %d: %s", e.StatusCode, e.Message)
}

// Client talks to a trustcore server.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken attaches a service API token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearerToken = token }
}

// New creates a Client connected to base (e.g. "https://trustcore:8080").
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AppendEvent appends a signed event to a scope's chain. idempotencyKey may
// be empty; with a key, replaying the identical payload returns the
// previously committed event.
func (c *Client) AppendEvent(ctx context.Context, scope, eventType string, payload any, idempotencyKey string) (*Event, error) {
	body := map[string]any{"eventType": eventType, "payload": payload}
	if idempotencyKey != "" {
		body["idempotencyKey"] = idempotencyKey
	}
	var resp struct {
		Event *Event `json:"event"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/audit/scopes/"+url.PathEscape(scope)+"/events", body, &resp)
	return resp.Event, err
}

// GetEvent returns one audit event by id.
func (c *Client) GetEvent(ctx context.Context, id string) (*Event, error) {
	var resp struct {
		Event *Event `json:"event"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/audit/events/"+url.PathEscape(id), nil, &resp)
	return resp.Event, err
}

// Head returns the hash of a scope's newest event, empty for an empty scope.
func (c *Client) Head(ctx context.Context, scope string) (string, error) {
	var resp struct {
		HeadHash string `json:"headHash"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/audit/scopes/"+url.PathEscape(scope)+"/head", nil, &resp)
	return resp.HeadHash, err
}

// ListEvents returns a chain-ordered slice of a scope. from is 1-based; to
// zero means the current head.
func (c *Client) ListEvents(ctx context.Context, scope string, from, to int) ([]*Event, error) {
	var resp struct {
		Events []*Event `json:"events"`
	}
	path := "/api/v1/audit/scopes/" + url.PathEscape(scope) + "/events"
	if q := rangeQuery(from, to); q != "" {
		path += "?" + q
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Events, err
}

// VerifyScope recomputes a scope's digest chain server-side. A violation is
// reported in the result, not as an error.
func (c *Client) VerifyScope(ctx context.Context, scope string, from, to int) (*VerifyResult, error) {
	var resp VerifyResult
	path := "/api/v1/audit/scopes/" + url.PathEscape(scope) + "/verify"
	if q := rangeQuery(from, to); q != "" {
		path += "?" + q
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateProposalRequest is the payload for CreateProposal. Leave SignerSet
// empty and set Value to resolve the server's threshold policy instead.
type CreateProposalRequest struct {
	Payload   any      `json:"payload"`
	SignerSet []string `json:"signerSet,omitempty"`
	Threshold int      `json:"threshold,omitempty"`
	Value     *int64   `json:"value,omitempty"`
}

// CreateProposal creates a multisig proposal.
func (c *Client) CreateProposal(ctx context.Context, req CreateProposalRequest) (*Proposal, error) {
	var resp struct {
		Proposal *Proposal `json:"proposal"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals", req, &resp)
	return resp.Proposal, err
}

// GetProposal returns one proposal.
func (c *Client) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var resp struct {
		Proposal *Proposal `json:"proposal"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/proposals/"+url.PathEscape(id), nil, &resp)
	return resp.Proposal, err
}

// ListProposals returns proposals newest first. status may be empty.
func (c *Client) ListProposals(ctx context.Context, status string, limit int) ([]*Proposal, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/proposals"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Proposals []*Proposal `json:"proposals"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Proposals, err
}

// Approve submits a signed approval. signature is base64 over the proposal
// digest.
func (c *Client) Approve(ctx context.Context, proposalID, signerID, role, signature string) (*Proposal, error) {
	var resp struct {
		Proposal *Proposal `json:"proposal"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals/"+url.PathEscape(proposalID)+"/approvals",
		map[string]string{"signerId": signerID, "role": role, "signature": signature}, &resp)
	return resp.Proposal, err
}

// Revoke withdraws a signer's approval.
func (c *Client) Revoke(ctx context.Context, proposalID, signerID string) (*Proposal, error) {
	var resp struct {
		Proposal *Proposal `json:"proposal"`
	}
	err := c.do(ctx, http.MethodDelete,
		"/api/v1/proposals/"+url.PathEscape(proposalID)+"/approvals/"+url.PathEscape(signerID), nil, &resp)
	return resp.Proposal, err
}

// Apply marks an approved proposal applied.
func (c *Client) Apply(ctx context.Context, proposalID string) (*Proposal, error) {
	var resp struct {
		Proposal *Proposal `json:"proposal"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals/"+url.PathEscape(proposalID)+"/apply", nil, &resp)
	return resp.Proposal, err
}

// Ratify bypasses the threshold; the client's token must carry the ratifier
// role and reason must explain the emergency.
func (c *Client) Ratify(ctx context.Context, proposalID, reason string) (*Proposal, error) {
	var resp struct {
		Proposal *Proposal `json:"proposal"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/proposals/"+url.PathEscape(proposalID)+"/ratify",
		map[string]string{"reason": reason}, &resp)
	return resp.Proposal, err
}

// ListSigners returns the signer registry.
func (c *Client) ListSigners(ctx context.Context) ([]SignerInfo, error) {
	var resp struct {
		Signers []SignerInfo `json:"signers"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/signers", nil, &resp)
	return resp.Signers, err
}

func rangeQuery(from, to int) string {
	q := url.Values{}
	if from > 1 {
		q.Set("from", strconv.Itoa(from))
	}
	if to > 0 {
		q.Set("to", strconv.Itoa(to))
	}
	return q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
