package app

import (
	"context"
	"errors"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/event"
	"github.com/specialistvlad/buildgridgo/internal/eventfeed"
	"github.com/specialistvlad/buildgridgo/internal/trigger"
	"golang.org/x/sync/errgroup"
)

// Run serves until ctx is canceled or a component fails, then shuts
// everything down.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.logger.Error("Shutdown finished with errors.", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(ctx)
	})

	g.Go(func() error {
		err := trigger.NewTicker().Run(ctx, func(ctx context.Context, tick event.ScheduleTick) {
			if err := a.engine.Submit(tick); err != nil {
				ctxlog.FromContext(ctx).Warn("Dropped schedule tick.", "time", tick.Time, "error", err)
			}
		})
		return ignoreCanceled(err)
	})

	if a.settings.ListenAddr != "" {
		g.Go(func() error {
			return a.serveAPI(ctx)
		})
	} else {
		a.logger.Warn("HTTP API not started: disabled")
	}

	if a.settings.EventBusURL != "" {
		g.Go(func() error {
			return a.runEventFeed(ctx)
		})
	}

	a.logger.Info("🚀 Build engine running.", "build_types", len(a.engine.Graph().Nodes()))
	err := g.Wait()
	a.logger.Info("🏁 Build engine stopped.")
	return err
}

func (a *App) runEventFeed(ctx context.Context) error {
	feed, err := eventfeed.Connect(ctx, eventfeed.Options{
		URL:                a.settings.EventBusURL,
		Namespace:          a.settings.EventBusNamespace,
		InsecureSkipVerify: a.settings.EventBusInsecure,
	}, a.engine)
	if err != nil {
		return ignoreCanceled(err)
	}
	a.engine.Observe(feed.Publish)

	<-ctx.Done()
	return feed.Close()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
