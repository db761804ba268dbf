package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"btcmonitor/api"
	"btcmonitor/app"
	"btcmonitor/config"
	"btcmonitor/logger"
)

var log = logger.Logger

const discoverTimeout = 3 * time.Second

func newCLI() *cli.App {
	return &cli.App{
		Name:        "btcmonitor-api",
		Usage:       "Headless Bitcoin Core monitor serving its state over HTTP",
		Description: "Polls a Bitcoin Core node and serves snapshots, the mempool histogram and the projected next block as JSON and over a websocket",
		Version:     "1.0.0",
		Flags: append(config.Flags(),
			&cli.BoolFlag{
				Name:  config.FlagDiscover,
				Usage: "List monitors advertised on the local network and exit",
			},
		),
		Action: runAPIServer,
	}
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.WithError(err).Warn("Ignoring .env file")
	}

	if err := newCLI().Run(os.Args); err != nil {
		log.WithError(err).Fatal("Application failed")
	}
}

func runAPIServer(c *cli.Context) error {
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}
	if err := logger.Configure(cfg.LogOptions(true)); err != nil {
		return err
	}

	if cfg.Discover {
		return listMonitors(c.App.Writer)
	}

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = config.DefaultAPIAddr
	}

	log.WithFields(logrus.Fields{
		"addr":    cfg.HTTPAddr,
		"network": cfg.Network,
		"version": c.App.Version,
	}).Info("Starting btcmonitor API server")

	monitor, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := monitor.Run(ctx, nil)
	log.Info("Received shutdown signal")

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := monitor.Close(shutdown); err != nil {
		log.WithError(err).Error("Error stopping server")
		return err
	}
	log.Info("Server stopped gracefully")
	return runErr
}

func listMonitors(w io.Writer) error {
	instances, err := api.Discover(discoverTimeout)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		fmt.Fprintln(w, "No monitors found")
		return nil
	}
	for _, inst := range instances {
		fmt.Fprintf(w, "%s\t%s\t%s\n", inst.Name, inst.Network, inst.URL())
	}
	return nil
}
