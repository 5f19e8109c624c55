package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"joingate/logger"
	"joingate/service/api"
	"joingate/service/intake"
	"joingate/service/natsx"
	jwtsec "joingate/tools/security"
)

const (
	eventsRoute = "events"
	idemTTL     = 10 * time.Minute
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gate: NATS intake, sweeper and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctrl, err := a.controller()
	if err != nil {
		return err
	}
	mod := a.moderator()
	sweeper := a.sweeper()
	dispatcher := intake.NewDispatcher(ctrl, mod, a.platform,
		intake.WithLogger(logger.Named("intake")),
		intake.WithMetrics(a.metrics),
	)

	if err := a.subscribeEvents(ctx, dispatcher); err != nil {
		return err
	}

	server := api.New(api.Deps{
		Dispatcher:  dispatcher,
		Sweeper:     sweeper,
		Commands:    mod,
		Gatherer:    a.registry,
		JWT:         jwtsec.DefaultOptions([]byte(cfg.AdminJWTSecret)),
		SweepToken:  cfg.SweepToken,
		EventsToken: cfg.EventsToken,
		Health:      a.health,
		Log:         logger.Named("http"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return server.Run(gctx, cfg.HTTPAddr) })

	a.log.Info("joingate started",
		zap.String("version", Version),
		zap.String("http", cfg.HTTPAddr),
		zap.String("events", cfg.NatsEventsSubject),
	)
	err = g.Wait()
	a.log.Info("joingate stopped", zap.Error(err))
	return err
}

func (a *app) subscribeEvents(ctx context.Context, d *intake.Dispatcher) error {
	route := natsx.Route{
		Name:    eventsRoute,
		Subject: a.cfg.NatsEventsSubject,
		Mode:    natsx.Core,
		Queue:   programName,
	}
	if a.cfg.NatsJetStream {
		route.Mode = natsx.JetStreamPush
		route.Durable = programName + "-events"
	}
	if err := a.nats.RegisterRoute(route); err != nil {
		return err
	}

	var idem natsx.IdemStore = natsx.NewMemIdem(idemTTL)
	if a.rdb != nil {
		idem = natsx.NewRedisIdem(a.rdb)
	}
	log := logger.Named("intake")
	return a.nats.Subscribe(ctx, eventsRoute, d.NATSHandler(),
		natsx.Recover(),
		natsx.Logging(log),
		natsx.IdemMiddleware(idem, idemTTL, log),
	)
}
