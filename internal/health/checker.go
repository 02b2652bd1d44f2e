// Package health runs the background chain integrity watchdog: every scope's
// hash chain is re-verified on an interval, and a scope flipping from valid
// to invalid raises an alert through the webhook dispatcher.
package health

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/trustcore/internal/auditlog"
	"github.com/ILLUVRSE/trustcore/internal/signer"
)

// Config holds integrity check configuration.
type Config struct {
	CheckInterval time.Duration
	VerifyTimeout time.Duration

	// Scopes pins the watch list. Empty means watch every scope the log
	// reports through ScopeLister.
	Scopes []string
}

// ChainVerifier re-verifies a scope's hash chain, returning the head hash.
type ChainVerifier interface {
	VerifyScope(ctx context.Context, scope string, reg *signer.Registry) (string, error)
}

// ScopeLister enumerates the scopes that currently hold events.
type ScopeLister interface {
	ListScopes(ctx context.Context) ([]string, error)
}

// WebhookDispatchFunc is an optional callback for dispatching integrity-violation events.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording verification results.
type MetricsRecordFunc func(valid bool)

// IntegrityChecker runs periodic chain verification over audit scopes.
type IntegrityChecker struct {
	verifier  ChainVerifier
	lister    ScopeLister
	registry  *signer.Registry
	lastValid map[string]bool
	mu        sync.Mutex
	cfg       Config
	onWebhook WebhookDispatchFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new IntegrityChecker. lister may be nil when cfg.Scopes pins
// the watch list.
func New(verifier ChainVerifier, lister ScopeLister, registry *signer.Registry, cfg Config, logger *zap.Logger) *IntegrityChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.VerifyTimeout == 0 {
		cfg.VerifyTimeout = 30 * time.Second
	}

	return &IntegrityChecker{
		verifier:  verifier,
		lister:    lister,
		registry:  registry,
		lastValid: make(map[string]bool),
		cfg:       cfg,
		logger:    logger,
	}
}

// SetWebhookDispatch configures the webhook dispatch callback.
func (h *IntegrityChecker) SetWebhookDispatch(fn WebhookDispatchFunc) {
	h.onWebhook = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *IntegrityChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the verification loop until quit is signalled.
func (h *IntegrityChecker) Start(quit <-chan os.Signal) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CheckInterval-time.Second)
			h.CheckAll(ctx)
			cancel()
		case <-quit:
			return
		}
	}
}

// CheckAll verifies every watched scope with bounded concurrency.
func (h *IntegrityChecker) CheckAll(ctx context.Context) {
	scopes := h.cfg.Scopes
	if len(scopes) == 0 {
		if h.lister == nil {
			return
		}
		var err error
		scopes, err = h.lister.ListScopes(ctx)
		if err != nil {
			h.logger.Error("integrity: list scopes", zap.Error(err))
			return
		}
	}

	sem := make(chan struct{}, 4)
	var wg sync.WaitGroup

	for _, s := range scopes {
		wg.Add(1)
		go func(scope string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			h.checkScope(ctx, scope)
		}(s)
	}

	wg.Wait()
}

// checkScope verifies one scope and raises an alert on the valid → invalid
// transition. Repeated failures of an already-flagged scope stay quiet so a
// standing violation does not flood subscribers every interval.
func (h *IntegrityChecker) checkScope(ctx context.Context, scope string) {
	vctx, cancel := context.WithTimeout(ctx, h.cfg.VerifyTimeout)
	defer cancel()

	_, err := h.verifier.VerifyScope(vctx, scope, h.registry)

	var integrityErr *auditlog.IntegrityError
	if err != nil && !errors.As(err, &integrityErr) {
		// Infrastructure error, not a chain violation. Leave state alone.
		h.logger.Warn("integrity: verify failed", zap.String("scope", scope), zap.Error(err))
		return
	}

	valid := err == nil
	if h.onMetrics != nil {
		h.onMetrics(valid)
	}

	h.mu.Lock()
	wasValid, seen := h.lastValid[scope]
	h.lastValid[scope] = valid
	h.mu.Unlock()

	switch {
	case valid && seen && !wasValid:
		h.logger.Info("integrity: scope recovered", zap.String("scope", scope))
	case !valid && (!seen || wasValid):
		h.logger.Error("integrity: chain violation",
			zap.String("scope", scope),
			zap.String("event_id", integrityErr.EventID),
			zap.String("kind", string(integrityErr.Kind)),
			zap.String("detail", integrityErr.Detail),
		)
		if h.onWebhook != nil {
			h.onWebhook(ctx, "audit.integrity_violation", map[string]string{
				"scope":   scope,
				"eventId": integrityErr.EventID,
				"kind":    string(integrityErr.Kind),
				"detail":  integrityErr.Detail,
			})
		}
	}
}
