package callback

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tablazat/quotebot/internal/log"
	"github.com/tablazat/quotebot/internal/store"
)

const (
	// stallAge is how long a complete conversation may sit without a
	// delivery attempt before the sweeper re-enqueues it. Covers the
	// crash window between the completion transition and the delivery
	// goroutine getting anywhere.
	stallAge = 10 * time.Minute

	sweepBatch = 100
)

// Sweeper periodically re-enqueues complete conversations whose delivery
// was lost, typically to a process crash after the completion transition.
type Sweeper struct {
	store     store.Store
	deliverer *Deliverer
	logger    log.Logger
	cron      *cron.Cron
}

// NewSweeper creates a Sweeper running on the given cron spec
// (e.g. "@every 5m").
func NewSweeper(st store.Store, d *Deliverer, spec string, logger log.Logger) (*Sweeper, error) {
	s := &Sweeper{
		store:     st,
		deliverer: d,
		logger:    logger.With("component", "sweeper"),
		cron:      cron.New(),
	}
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the sweep schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-stallAge)
	ids, err := s.store.ListStalled(ctx, cutoff, sweepBatch)
	if err != nil {
		s.logger.Error("stalled conversation scan failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	s.logger.Info("re-enqueueing stalled deliveries", "count", len(ids))
	for _, id := range ids {
		s.deliverer.Enqueue(id)
	}
}
