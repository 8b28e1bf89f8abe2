package service

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/sirupsen/logrus"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/logger"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/metrics"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/repository"
)

// RateSweeper drops rate windows that can no longer affect a verdict.
type RateSweeper interface {
	Sweep(now time.Time, window time.Duration) int
}

type JanitorReport struct {
	Idempotency int64
	RateWindows int
}

// Janitor purges expired idempotency records and stale rate windows on a
// cron schedule.
type Janitor struct {
	cron       string
	messages   repository.MessageRepositoryInterface
	rates      RateSweeper
	rateWindow time.Duration
	clock      clock.Clock
	log        *logrus.Entry
}

// NewJanitor validates cronExpr. An empty expression yields a janitor whose
// Start does nothing. rates may be nil.
func NewJanitor(cronExpr string, messages repository.MessageRepositoryInterface, rates RateSweeper, rateWindow time.Duration, clk clock.Clock) (*Janitor, error) {
	if cronExpr != "" && !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	return &Janitor{
		cron:       cronExpr,
		messages:   messages,
		rates:      rates,
		rateWindow: rateWindow,
		clock:      clock.Or(clk),
		log:        logger.Component("janitor"),
	}, nil
}

// RunOnce performs one purge.
func (j *Janitor) RunOnce(ctx context.Context) (JanitorReport, error) {
	now := j.clock.Now()
	var rep JanitorReport

	n, err := j.messages.DeleteExpiredIdempotency(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("purge idempotency records: %w", err)
	}
	rep.Idempotency = n
	metrics.JanitorPurged.WithLabelValues("idempotency").Add(float64(n))

	if j.rates != nil {
		rep.RateWindows = j.rates.Sweep(now, j.rateWindow)
		metrics.JanitorPurged.WithLabelValues("rate_window").Add(float64(rep.RateWindows))
	}

	j.log.WithFields(logrus.Fields{
		"idempotency":  rep.Idempotency,
		"rate_windows": rep.RateWindows,
	}).Info("retention run complete")
	return rep, nil
}

// Start runs the janitor on its schedule until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	if j.cron == "" {
		j.log.Info("retention disabled")
		return
	}
	j.log.WithField("cron", j.cron).Info("retention scheduler started")
	go j.loop(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(j.cron, time.Now().UTC(), false)
		wait := time.Until(next)
		if err != nil {
			j.log.WithError(err).Error("failed to compute next retention tick")
			wait = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			j.log.Info("retention scheduler stopping")
			return
		case <-time.After(wait):
		}
		if err != nil {
			continue
		}
		if _, err := j.RunOnce(ctx); err != nil {
			j.log.WithError(err).Error("retention run failed")
		}
	}
}
