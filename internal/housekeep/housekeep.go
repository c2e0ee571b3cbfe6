// Package housekeep runs scheduled maintenance: dropping long-expired
// subscriptions, pruning content history, and finishing deferred topic
// deletions.
package housekeep

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/strandhub/strand/internal/store"
)

// expiredGrace keeps lapsed subscriptions around briefly so a late renewal
// still finds its row (and keeps its delivery cursor).
const expiredGrace = 24 * time.Hour

// Housekeeper owns the maintenance schedule.
type Housekeeper struct {
	store  *store.Store
	cron   *cron.Cron
	retain int
	log    *logrus.Entry
}

// New builds a housekeeper on a standard cron schedule (descriptors like
// @hourly included). retain bounds content history rows per topic.
func New(s *store.Store, schedule string, retain int) (*Housekeeper, error) {
	h := &Housekeeper{
		store:  s,
		cron:   cron.New(),
		retain: retain,
		log:    logrus.WithField("component", "housekeep"),
	}
	if _, err := h.cron.AddFunc(schedule, h.RunOnce); err != nil {
		return nil, fmt.Errorf("housekeep: schedule %q: %w", schedule, err)
	}
	return h, nil
}

// Start begins the schedule.
func (h *Housekeeper) Start() {
	h.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish.
func (h *Housekeeper) Stop() {
	ctx := h.cron.Stop()
	<-ctx.Done()
}

// RunOnce executes one maintenance pass. Each step continues past the
// failures of the others.
func (h *Housekeeper) RunOnce() {
	removed, err := h.store.SubscriptionDeleteExpired(expiredGrace)
	if err != nil {
		h.log.WithError(err).Error("expired subscription sweep failed")
	} else if removed > 0 {
		h.log.WithField("removed", removed).Info("expired subscriptions dropped")
	}

	if err := h.store.TopicContentHistoryPrune(h.retain); err != nil {
		h.log.WithError(err).Error("history prune failed")
	}

	// Deleted topics whose last subscriber has gone can now be removed.
	ids, err := h.store.TopicDeletedIDs()
	if err != nil {
		h.log.WithError(err).Error("deleted topic sweep failed")
		return
	}
	for _, id := range ids {
		if err := h.store.TopicPendingDelete(id); err != nil {
			h.log.WithError(err).WithField("topic", id).Error("pending delete failed")
		}
	}
}
