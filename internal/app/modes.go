package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/orderbridge/internal/broker"
	"github.com/alanyoungcy/orderbridge/internal/dispatcher"
	"github.com/alanyoungcy/orderbridge/internal/domain"
	"github.com/alanyoungcy/orderbridge/internal/events"
	"github.com/alanyoungcy/orderbridge/internal/maintenance"
	"github.com/alanyoungcy/orderbridge/internal/server"
	"github.com/alanyoungcy/orderbridge/internal/server/handler"
	"github.com/alanyoungcy/orderbridge/internal/server/ws"
)

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = 10 * time.Second

// DispatchMode consumes the command queue and runs the archive schedule.
func (a *App) DispatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting dispatch mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startDispatcher(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// ServerMode runs the operator HTTP API and the event websocket only. No
// commands are consumed.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the dispatcher, the archive schedule and the HTTP server in
// one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startDispatcher(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

func (a *App) startDispatcher(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	proc := dispatcher.NewProcessor(dispatcher.Deps{
		Queue: deps.Queue,
		Gate:  deps.KillSwitch,
		Credentials: broker.StaticCredentials(domain.Credentials{
			Login:    a.cfg.Broker.Login,
			Password: a.cfg.Broker.Password,
			Server:   a.cfg.Broker.Server,
		}),
		Broker:   deps.Session,
		Executor: deps.Executor,
		Closer:   deps.Positions,
		Locks:    deps.Locks,
		Events:   deps.Events,
	}, dispatcher.Config{
		Magic:     a.cfg.Account.Magic,
		Deviation: a.cfg.Account.Deviation,
		LockTTL:   a.cfg.Queue.LockTTL.Duration,
		DedupTTL:  a.cfg.Queue.DedupTTL.Duration,
	}, a.logger)

	g.Go(func() error {
		return proc.Run(ctx)
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archive == nil {
		return
	}
	arch := maintenance.NewArchiver(deps.Archive, a.cfg.Archive.RetentionDays, a.cfg.Archive.BatchLimit, a.logger)
	g.Go(func() error {
		return arch.RunCron(ctx, a.cfg.Archive.Cron)
	})
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, a.logger, ws.Config{
			Channels:  []string{events.Channel},
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	health := handler.NewHealthHandler(deps.KillSwitch, a.logger)
	for _, c := range deps.checks {
		health.WithCheck(c.name, c.ping)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:     health,
		KillSwitch: handler.NewKillSwitchHandler(deps.KillSwitch, a.logger),
		Positions:  handler.NewPositionHandler(deps.Positions, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown failed", slog.String("error", err.Error()))
		}
		return nil
	})
}
