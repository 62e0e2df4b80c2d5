// Package auth admits requests: it resolves the API key to an account and
// charges the key's rate-limit quota.
package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mixaill76/evm_gateway/internal/accounts"
	"github.com/mixaill76/evm_gateway/internal/gwerr"
	"github.com/mixaill76/evm_gateway/internal/monitoring"
	"github.com/mixaill76/evm_gateway/internal/ratelimit"
	"github.com/mixaill76/evm_gateway/internal/security"
)

// DefaultTierLimits are used for tiers missing from configuration.
var DefaultTierLimits = map[accounts.Tier]ratelimit.Limits{
	accounts.TierFree:       {RequestsPerMinute: 20, DailyCap: 10_000},
	accounts.TierStarter:    {RequestsPerMinute: 100, DailyCap: 200_000},
	accounts.TierPro:        {RequestsPerMinute: 600, DailyCap: 2_000_000},
	accounts.TierEnterprise: {RequestsPerMinute: 3_000, DailyCap: 0},
}

// Grant is an admitted (or rate-limited) caller. Decision is set whenever the
// key resolved, so callers can emit quota headers on denials too.
type Grant struct {
	KeyID     string
	AccountID string
	Tier      accounts.Tier
	Decision  ratelimit.Decision
}

// Gate combines the account store and the rate limiter.
type Gate struct {
	store   accounts.Store
	limiter *ratelimit.Limiter
	tiers   map[accounts.Tier]ratelimit.Limits
	metrics *monitoring.Metrics
	logger  *slog.Logger
}

func NewGate(store accounts.Store, limiter *ratelimit.Limiter, tiers map[accounts.Tier]ratelimit.Limits, metrics *monitoring.Metrics, logger *slog.Logger) *Gate {
	merged := make(map[accounts.Tier]ratelimit.Limits, len(DefaultTierLimits))
	for tier, limits := range DefaultTierLimits {
		merged[tier] = limits
	}
	for tier, limits := range tiers {
		merged[tier] = limits
	}
	return &Gate{
		store:   store,
		limiter: limiter,
		tiers:   merged,
		metrics: metrics,
		logger:  logger,
	}
}

// Limits returns the quota of a tier.
func (g *Gate) Limits(tier accounts.Tier) ratelimit.Limits {
	return g.tiers[tier]
}

// Authorize resolves apiKey and consumes weight units of its quota. Quota is
// only charged when the key is valid and active.
func (g *Gate) Authorize(ctx context.Context, apiKey string, weight int) (Grant, error) {
	if apiKey == "" {
		g.metrics.RecordAuthFailure(string(gwerr.ReasonInvalidKey))
		return Grant{}, gwerr.Auth(gwerr.ReasonInvalidKey, "missing API key")
	}

	key, err := g.store.Lookup(ctx, accounts.HashKey(apiKey))
	if err != nil {
		if errors.Is(err, accounts.ErrKeyNotFound) {
			g.metrics.RecordAuthFailure(string(gwerr.ReasonInvalidKey))
			g.logger.Debug("Unknown API key", "api_key", security.MaskAPIKey(apiKey))
			return Grant{}, gwerr.Auth(gwerr.ReasonInvalidKey, "invalid API key")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Grant{}, ctxErr
		}
		g.logger.Error("Account store lookup failed",
			"api_key", security.MaskAPIKey(apiKey),
			"error", err,
		)
		return Grant{}, gwerr.Internal(err)
	}

	if !key.Active() {
		g.metrics.RecordAuthFailure(string(gwerr.ReasonSuspended))
		g.logger.Debug("Inactive API key rejected", "key_id", key.ID, "status", key.Status)
		return Grant{}, gwerr.Auth(gwerr.ReasonSuspended, "API key is "+string(key.Status))
	}

	grant := Grant{KeyID: key.ID, AccountID: key.AccountID, Tier: key.Tier}
	grant.Decision = g.limiter.Consume(key.ID, g.Limits(key.Tier), weight)
	if !grant.Decision.Allowed {
		reason := gwerr.ReasonWindowExceeded
		if grant.Decision.Reason == ratelimit.ReasonDaily {
			reason = gwerr.ReasonDailyCapExceeded
		}
		g.metrics.RecordRateLimited(string(key.Tier), string(grant.Decision.Reason))
		return grant, gwerr.RateLimit(reason, grant.Decision.RetryAfter)
	}
	return grant, nil
}
