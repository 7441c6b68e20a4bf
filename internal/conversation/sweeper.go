package conversation

import (
	"context"
	"time"

	"chatrelay/internal/eventbus"
	logx "chatrelay/pkg/logx"
)

// Sweeper is the periodic expiry job for a Store.
type Sweeper struct {
	store *Store
	log   logx.Logger
	bus   eventbus.Bus
}

func NewSweeper(store *Store, log logx.Logger, bus eventbus.Bus) *Sweeper {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Sweeper{store: store, log: log, bus: bus}
}

// Run performs one sweep. It matches the scheduler job signature.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	removed := s.store.Sweep()
	if removed > 0 {
		s.log.Info("expired contexts removed", logx.Int("removed", removed), logx.Duration("took", time.Since(start)))
		s.bus.Publish(eventbus.Event{Type: eventbus.ContextsSwept, Data: removed})
	} else {
		s.log.Debug("context sweep found nothing to remove")
	}
	return nil
}
