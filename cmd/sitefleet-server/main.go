package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/sitefleet/internal/config"
	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/deployer"
	"github.com/atvirokodosprendimai/sitefleet/internal/dispatch"
	"github.com/atvirokodosprendimai/sitefleet/internal/logger"
	"github.com/atvirokodosprendimai/sitefleet/internal/messaging"
	"github.com/atvirokodosprendimai/sitefleet/internal/render"
	"github.com/atvirokodosprendimai/sitefleet/internal/server/api"
	"github.com/atvirokodosprendimai/sitefleet/internal/server/monitor"
	"github.com/atvirokodosprendimai/sitefleet/internal/site"
	"github.com/atvirokodosprendimai/sitefleet/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "sitefleet-server",
		Usage: "Control plane for a fleet of hosted websites.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the control plane, its embedded NATS and the task dispatcher",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to a YAML config file"},
					&cli.StringFlag{Name: "http-addr", Usage: "HTTP API bind address"},
					&cli.StringFlag{Name: "db-path", Usage: "Path to the SQLite database file"},
					&cli.StringFlag{Name: "nats-addr", Usage: "Embedded NATS bind address (host:port)"},
					&cli.StringFlag{Name: "templates-dir", Usage: "Directory holding template packages"},
					&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
					&cli.DurationFlag{Name: "monitor-interval", Usage: "Interval between worker health probes"},
				},
				Action: runServer,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cmd *cli.Command) (config.ServerConfig, error) {
	cfg, err := config.LoadServer(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	if cmd.IsSet("http-addr") {
		cfg.HTTPAddr = cmd.String("http-addr")
	}
	if cmd.IsSet("db-path") {
		cfg.DBPath = cmd.String("db-path")
	}
	if cmd.IsSet("nats-addr") {
		cfg.NATSAddr = cmd.String("nats-addr")
	}
	if cmd.IsSet("templates-dir") {
		cfg.TemplatesDir = cmd.String("templates-dir")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("monitor-interval") {
		cfg.MonitorInterval = cmd.Duration("monitor-interval")
	}
	return cfg, nil
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logg := logger.New("sitefleet-server", logger.ParseLevel(cfg.LogLevel))
	logg.Info("starting sitefleet server", "http_addr", cfg.HTTPAddr, "db_path", cfg.DBPath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Database
	gormDB, err := db.NewDatabase(cfg.DBPath, logg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// 2. Embedded NATS with JetStream
	ns, err := messaging.StartEmbedded(cfg.NATSAddr, cfg.NATSStoreDir, logg)
	if err != nil {
		return err
	}
	defer ns.Shutdown()
	nc, err := messaging.Connect(ns.ClientURL(), logg)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to open JetStream: %w", err)
	}

	// 3. Templates
	store := render.NewStore(cfg.TemplatesDir, logg)
	if cfg.WatchTemplates {
		go func() {
			if err := store.Watch(ctx); err != nil {
				logg.Warn("template watcher stopped", "error", err)
			}
		}()
	}

	// 4. Worker client, site service and dispatcher
	client := deployer.NewClient(transport.New(transport.Options{
		ShortTimeout: cfg.Transport.ShortTimeout,
		LongTimeout:  cfg.Transport.LongTimeout,
		LoopbackHost: cfg.Transport.LoopbackHost,
	}, logg))
	svc := site.NewService(site.Deps{
		DB:        gormDB,
		Templates: store,
		Deployer:  client,
		ACMEEmail: cfg.ACMEEmail,
		Logger:    logg,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dispatcher, err := dispatch.New(js, svc, svc, dispatch.Options{
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		AckWait:     cfg.Dispatcher.AckWait,
		RetryDelay:  cfg.Dispatcher.RetryDelay,
		TaskTimeout: cfg.Dispatcher.TaskTimeout,
	}, logg.With("component", "dispatch"), reg)
	if err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	svc.SetQueue(dispatcher)

	errCh := make(chan error, 2)
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	// 5. Worker monitor
	mon := monitor.NewService(svc.Workers(), client, cfg.MonitorInterval, logg, reg)
	mon.Start(ctx)
	defer mon.Stop()

	// 6. HTTP API
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(svc, reg, logg).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logg.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logg.Info("shutting down")
	case err := <-errCh:
		logg.Error("server stopped", "error", err)
		stop()
		shutdown(srv, logg.Error)
		return err
	}
	shutdown(srv, logg.Error)
	return nil
}

func shutdown(srv *http.Server, report func(string, ...any)) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		report("HTTP shutdown", "error", err)
	}
}
