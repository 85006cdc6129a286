// Package billing enforces plan quotas and reconciles subscription state
// from Stripe.
package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/store"
)

// dayKeyFormat is the UTC calendar-day bucket for usage counters.
const dayKeyFormat = "2006-01-02"

// PlanLimits are the quotas attached to a plan. Zero means unbounded.
type PlanLimits struct {
	MaxCallsPerDay int `json:"maxCallsPerDay"`
	MaxAgents      int `json:"maxAgents"`
	MaxSellers     int `json:"maxSellers"`
}

// LimitsFor returns the quotas for a plan. Unknown plans get free-tier
// limits.
func LimitsFor(plan store.Plan) PlanLimits {
	switch plan {
	case store.PlanEnterprise:
		return PlanLimits{}
	case store.PlanPro:
		return PlanLimits{MaxCallsPerDay: 100000, MaxAgents: 10, MaxSellers: 25}
	default:
		return PlanLimits{MaxCallsPerDay: 1000, MaxAgents: 1, MaxSellers: 2}
	}
}

// Service gates gateway calls and resource creation against plan quotas.
type Service struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
}

// NewService creates a quota service backed by the primary store.
func NewService(st store.Store, log zerolog.Logger) *Service {
	return &Service{
		store: st,
		log:   log.With().Str("component", "billing").Logger(),
		now:   time.Now,
	}
}

// DayKey returns the usage bucket for t in UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayKeyFormat)
}

// AuthorizeCall consumes one unit of the org's daily call quota. The
// counter resets when the UTC date changes. Returns the remaining quota
// after this call, or a plan_limit_reached error with the count left
// unchanged.
func (s *Service) AuthorizeCall(ctx context.Context, org *store.Organization) (remaining int, err error) {
	limits := LimitsFor(org.Plan)
	if limits.MaxCallsPerDay == 0 {
		if _, _, err := s.store.IncrementUsage(ctx, org.ID, DayKey(s.now()), 0); err != nil {
			return 0, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "record usage")
		}
		return -1, nil
	}

	count, allowed, err := s.store.IncrementUsage(ctx, org.ID, DayKey(s.now()), limits.MaxCallsPerDay)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "record usage")
	}
	if !allowed {
		s.log.Warn().Str("org_id", org.ID).Str("plan", string(org.Plan)).
			Int("count", count).Msg("daily call quota exhausted")
		return 0, apperrors.New(apperrors.ErrCodePlanLimitReached,
			"daily call limit of %d reached for plan %s", limits.MaxCallsPerDay, org.Plan).
			WithDetail("limit", limits.MaxCallsPerDay)
	}
	return limits.MaxCallsPerDay - count, nil
}

// CheckAgentLimit rejects agent creation once the plan's agent quota is
// full.
func (s *Service) CheckAgentLimit(ctx context.Context, org *store.Organization) error {
	limits := LimitsFor(org.Plan)
	if limits.MaxAgents == 0 {
		return nil
	}
	n, err := s.store.CountAgents(ctx, org.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "count agents")
	}
	if n >= limits.MaxAgents {
		return apperrors.New(apperrors.ErrCodePlanLimitReached,
			"plan %s allows %d agents", org.Plan, limits.MaxAgents).
			WithDetail("limit", limits.MaxAgents)
	}
	return nil
}

// CheckSellerLimit rejects seller creation once the plan's seller quota
// is full.
func (s *Service) CheckSellerLimit(ctx context.Context, org *store.Organization) error {
	limits := LimitsFor(org.Plan)
	if limits.MaxSellers == 0 {
		return nil
	}
	n, err := s.store.CountSellers(ctx, org.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "count sellers")
	}
	if n >= limits.MaxSellers {
		return apperrors.New(apperrors.ErrCodePlanLimitReached,
			"plan %s allows %d sellers", org.Plan, limits.MaxSellers).
			WithDetail("limit", limits.MaxSellers)
	}
	return nil
}
