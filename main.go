package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"btcmonitor/app"
	"btcmonitor/config"
	"btcmonitor/logger"
	"btcmonitor/snapshot"
	"btcmonitor/ui"
)

var log = logger.Logger

func newCLI() *cli.App {
	return &cli.App{
		Name:        "btcmonitor",
		Usage:       "Terminal dashboard for a Bitcoin Core node",
		Description: "Polls a local Bitcoin Core node over JSON-RPC and shows node health, mempool composition and the projected next block",
		Version:     "1.0.0",
		Flags: append(config.Flags(),
			&cli.BoolFlag{
				Name:    config.FlagOnce,
				Usage:   "Take one snapshot, print it and exit",
				EnvVars: []string{"BTCMONITOR_ONCE"},
			},
			&cli.IntFlag{
				Name:  config.FlagTopRows,
				Value: ui.DefaultTopRows,
				Usage: "Rows of the largest-transactions table",
			},
		),
		Action: runDashboard,
	}
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "btcmonitor: %v\n", err)
		os.Exit(1)
	}
}

func runDashboard(c *cli.Context) error {
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}
	// The dashboard owns the terminal, so logs only go to the file.
	if err := logger.Configure(cfg.LogOptions(false)); err != nil {
		return err
	}

	monitor, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("cannot start: %w", err)
	}
	if err := monitor.Start(); err != nil {
		return err
	}
	defer func() {
		if err := monitor.Close(context.Background()); err != nil {
			log.WithError(err).Error("Shutdown failed")
		}
	}()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	renderer := ui.NewRenderer(ui.Options{TopRows: cfg.TopRows, NoBanner: cfg.Once})
	out := c.App.Writer

	if cfg.Once {
		state := monitor.RunOnce(ctx)
		if err := renderer.Render(out, monitor.Frame()); err != nil {
			return err
		}
		if state.Snapshot == nil {
			return fmt.Errorf("no snapshot: %w", state.LastError)
		}
		return nil
	}

	err = monitor.Run(ctx, func(snapshot.State) {
		draw(out, renderer, monitor.Frame())
	})
	log.Info("Shutting down...")
	return err
}

// draw replaces the screen with one frame
func draw(w io.Writer, r *ui.Renderer, f ui.Frame) {
	if _, err := io.WriteString(w, ui.ClearScreen+r.String(f)); err != nil {
		log.WithError(err).Warn("Failed to draw frame")
	}
}
