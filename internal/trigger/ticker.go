package trigger

import (
	"context"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/event"
)

// Ticker emits a ScheduleTick at every minute boundary. Ticks missed while
// the process was not running are not replayed.
type Ticker struct {
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// NewTicker returns a Ticker on the wall clock.
func NewTicker() *Ticker {
	return &Ticker{Now: time.Now, After: time.After}
}

// Run calls fire for every minute boundary until ctx is done.
func (t *Ticker) Run(ctx context.Context, fire func(context.Context, event.ScheduleTick)) error {
	logger := ctxlog.FromContext(ctx)
	next := t.Now().Truncate(time.Minute).Add(time.Minute)
	logger.Debug("Schedule ticker started.", "first_tick", next)

	for {
		if err := ctx.Err(); err != nil {
			logger.Debug("Schedule ticker stopped.")
			return err
		}
		wait := next.Sub(t.Now())
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			logger.Debug("Schedule ticker stopped.")
			return ctx.Err()
		case <-t.After(wait):
		}

		fire(ctx, event.ScheduleTick{Meta: event.NewMeta(), Time: next})

		following := next.Add(time.Minute)
		if now := t.Now().Truncate(time.Minute).Add(time.Minute); now.After(following) {
			logger.Warn("Schedule ticker fell behind, skipping missed minutes.", "from", following, "to", now)
			following = now
		}
		next = following
	}
}
