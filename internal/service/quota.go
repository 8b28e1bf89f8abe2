package service

import (
	"context"
	"time"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/collab"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/repository"
)

// QuotaWindow is the rolling period daily tier limits are counted over.
const QuotaWindow = 24 * time.Hour

// QuotaTracker enforces the per-tier daily limits against what the
// repositories already hold, so counters survive restarts.
type QuotaTracker struct {
	tiers    collab.TierProvider
	threads  repository.ThreadRepositoryInterface
	messages repository.MessageRepositoryInterface
	clock    clock.Clock
}

func NewQuotaTracker(tiers collab.TierProvider, threads repository.ThreadRepositoryInterface, messages repository.MessageRepositoryInterface, clk clock.Clock) *QuotaTracker {
	return &QuotaTracker{tiers: tiers, threads: threads, messages: messages, clock: clock.Or(clk)}
}

func (q *QuotaTracker) Limits(ctx context.Context, userID uint) (models.TierLimits, error) {
	tier, err := q.tiers.TierOf(ctx, userID)
	if err != nil {
		return models.TierLimits{}, apperr.Internal("tier_lookup", err)
	}
	return models.LimitsFor(tier), nil
}

// CheckMessage fails with LimitExceeded when userID has used up the
// messages/day allowance of limits.
func (q *QuotaTracker) CheckMessage(ctx context.Context, userID uint, limits models.TierLimits) error {
	if limits.MessagesPerDay == models.Unlimited {
		return nil
	}
	now := q.clock.Now()
	used, err := q.messages.CountBySenderSince(ctx, userID, now.Add(-QuotaWindow))
	if err != nil {
		return apperr.Internal("quota_lookup", err)
	}
	if models.Allows(limits.MessagesPerDay, used) {
		return nil
	}
	e := apperr.LimitExceeded("daily_message_quota", "daily message limit of %d reached", limits.MessagesPerDay)
	e.ResetAt = now.Add(QuotaWindow)
	return e
}

// CheckThread fails with LimitExceeded when userID has created the
// threads/day allowance of their tier.
func (q *QuotaTracker) CheckThread(ctx context.Context, userID uint) error {
	limits, err := q.Limits(ctx, userID)
	if err != nil {
		return err
	}
	if limits.ThreadsPerDay == models.Unlimited {
		return nil
	}
	now := q.clock.Now()
	used, err := q.threads.CountCreatedSince(ctx, userID, now.Add(-QuotaWindow))
	if err != nil {
		return apperr.Internal("quota_lookup", err)
	}
	if models.Allows(limits.ThreadsPerDay, used) {
		return nil
	}
	e := apperr.LimitExceeded("daily_thread_quota", "daily thread limit of %d reached", limits.ThreadsPerDay)
	e.ResetAt = now.Add(QuotaWindow)
	return e
}
