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

	"github.com/atvirokodosprendimai/sitefleet/internal/agent"
	"github.com/atvirokodosprendimai/sitefleet/internal/agent/docker"
	"github.com/atvirokodosprendimai/sitefleet/internal/config"
	"github.com/atvirokodosprendimai/sitefleet/internal/logger"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "sitefleet-agent",
		Usage: "Worker command server: writes site files and manages the reverse proxy.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the worker command server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to a YAML config file"},
					&cli.StringFlag{Name: "addr", Usage: "HTTP bind address"},
					&cli.StringFlag{Name: "sites-root", Usage: "Directory every document root must live under"},
					&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
				},
				Action: runAgent,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runAgent(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadAgent(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("addr") {
		cfg.Addr = cmd.String("addr")
	}
	if cmd.IsSet("sites-root") {
		cfg.SitesRoot = cmd.String("sites-root")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logg := logger.New("sitefleet-agent", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var limiter agent.AuthLimiter
	if cfg.Redis.Addr != "" {
		limiter, err = agent.NewRedisLimiter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cfg.AuthFailureLimit, cfg.AuthFailureWindow, logg)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logg.Info("using redis auth limiter", "addr", cfg.Redis.Addr)
	} else {
		limiter = agent.NewMemoryLimiter(cfg.AuthFailureLimit, cfg.AuthFailureWindow)
	}
	defer limiter.Close()

	runner := agent.ExecRunner{}
	var reloader agent.Reloader = agent.CommandReloader{Runner: runner, Command: cfg.Proxy.ReloadCommand}
	if cfg.Proxy.Container != "" {
		dr, err := docker.NewReloader(cfg.Proxy.Container, logg)
		if err != nil {
			return err
		}
		defer dr.Close()
		reloader = dr
		logg.Info("reloading proxy through docker", "container", dr.Container())
	}

	srv := agent.New(agent.Options{
		WorkerKey: cfg.WorkerKey,
		SitesRoot: cfg.SitesRoot,
		Proxy:     agent.NewProxyManager(cfg.Proxy.ConfigDir, cfg.Proxy.ValidateCommand, runner, reloader, logg),
		Certbot:   agent.Certbot{Bin: cfg.CertbotBin, Runner: runner},
		Limiter:   limiter,
		Logger:    logg,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logg.Info("worker listening", "addr", cfg.Addr, "sites_root", cfg.SitesRoot)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logg.Info("shutting down")
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
