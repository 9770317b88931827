package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gibme-npm/port-forwarder/internal/obs"
	"github.com/gibme-npm/port-forwarder/internal/ratelimit"
	"github.com/gibme-npm/port-forwarder/internal/service"
	"github.com/gibme-npm/port-forwarder/internal/session"
	"golang.org/x/sync/errgroup"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		obs.Error("forwarder.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("forwarder.shutdown.complete", obs.Fields{})
}

func run(ctx context.Context) error {
	svcCfg, err := cfg.serviceConfig()
	if err != nil {
		return err
	}
	routes, err := parseRoutes(cfg.Routes)
	if err != nil {
		return err
	}
	store, err := session.NewStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.redisKey(cfg.Port))
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}
	limiter := ratelimit.NewPeerLimiter(cfg.GlobalRate, cfg.PeerRate, cfg.RateBurst)

	r := &router{routes: routes, fallback: svcCfg.Remote != nil}
	svc, err := service.New(svcCfg, service.WithStore(store), service.WithObserver(r), service.WithLimiter(limiter))
	if err != nil {
		return err
	}
	r.svc = svc
	if svcCfg.Remote == nil && len(routes) == 0 {
		obs.Info("forwarder.no_routes", obs.Fields{"hint": "set -remote or -routes; connections will be closed"})
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	obs.Info("forwarder.ready", obs.Fields{"addr": svc.Addr().String(), "routes": len(routes), "static": cfg.Remote})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveAdmin(gctx, cfg.MetricsAddr, svc) })
	}
	if limiter.Enabled() {
		g.Go(func() error {
			runPruneLoop(gctx, limiter, time.Minute)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("forwarder.shutdown.signal", obs.Fields{})
		if err := svc.Stop(); err != nil {
			obs.Error("listen.stop", obs.Fields{"err": err.Error()})
		}
		svc.Wait()
		drain(svc, cfg.GracePeriod)
		return nil
	})
	return g.Wait()
}

// drain waits up to grace for active sessions to finish.
func drain(svc *service.Service, grace time.Duration) {
	if grace <= 0 {
		return
	}
	deadline := time.Now().Add(grace)
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for time.Now().Before(deadline) {
		sessions, err := svc.List(context.Background())
		if err != nil || len(sessions) == 0 {
			return
		}
		obs.Debug("forwarder.drain", obs.Fields{"sessions": len(sessions)})
		<-t.C
	}
	obs.Info("forwarder.drain.timeout", obs.Fields{"grace": grace.String()})
}

func runPruneLoop(ctx context.Context, l *ratelimit.PeerLimiter, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Prune(interval); n > 0 {
				obs.Debug("ratelimit.prune", obs.Fields{"removed": n})
			}
		}
	}
}
