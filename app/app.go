// Package app builds every component from a Config and runs them together.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"btcmonitor/api"
	"btcmonitor/auth"
	"btcmonitor/chain"
	"btcmonitor/clock"
	"btcmonitor/config"
	"btcmonitor/logger"
	"btcmonitor/mempool"
	"btcmonitor/price"
	"btcmonitor/projection"
	"btcmonitor/rpc"
	"btcmonitor/snapshot"
	"btcmonitor/ui"
)

var log = logger.Logger

// ambientInterval is how often the price and clock caches are consulted.
// The caches decide whether that means a network request.
const ambientInterval = 5 * time.Second

// App is a wired monitor
type App struct {
	Config  *config.Config
	Params  chain.Params
	Store   *auth.Store
	Client  *rpc.Client
	Builder *snapshot.Builder
	Monitor *snapshot.Monitor
	// Price, Clock and API are nil when disabled.
	Price *price.Service
	Clock *clock.Checker
	API   *api.Server

	advert api.MDNSService
	serve  chan error

	mu       sync.RWMutex
	quote    *price.Quote
	priceErr error
	offset   *clock.Status
	clockErr error
}

// New resolves credentials and builds the components. A credential
// resolution failure is returned as is so callers can exit before any
// polling starts.
func New(cfg *config.Config) (*App, error) {
	params, err := chain.ParamsFor(cfg.Network)
	if err != nil {
		return nil, err
	}

	store, err := auth.NewStore(cfg.AuthOptions())
	if err != nil {
		return nil, err
	}

	client := rpc.NewClient(store, cfg.RPCTimeout)

	projCfg := projection.ConfigFor(params)
	projCfg.DisableTemplate = cfg.NoTemplate
	if cfg.MaxBlockWeight > 0 {
		projCfg.MaxBlockWeight = cfg.MaxBlockWeight
	}

	builder := snapshot.NewBuilder(client, snapshot.BuilderConfig{
		Network:      cfg.Network,
		Analyzer:     mempool.NewDefaultAnalyzer(),
		Projection:   projCfg,
		ValueLookups: cfg.ValueLookups,
	})

	a := &App{
		Config:  cfg,
		Params:  params,
		Store:   store,
		Client:  client,
		Builder: builder,
		Monitor: snapshot.NewMonitor(builder, store, snapshot.MonitorConfig{
			TickTimeout: cfg.TickTimeout,
		}),
	}

	if !cfg.NoPrice {
		a.Price = price.NewService(price.NewHTTPFetcher(cfg.PriceURL, cfg.PriceCurrency), cfg.PriceCurrency, price.DefaultTTL)
	}
	if !cfg.NoClock {
		a.Clock = clock.NewChecker(cfg.NTPServers, clock.DefaultTTL)
	}
	if cfg.HTTPAddr != "" {
		a.API = api.NewServer(cfg.HTTPAddr, cfg.Network, a.Monitor)
	}

	creds, endpoint := store.Current()
	log.WithFields(logrus.Fields{
		"network":     cfg.Network,
		"endpoint":    endpoint.URL(),
		"credentials": creds.String(),
		"interval":    cfg.Interval().String(),
		"template":    !cfg.NoTemplate,
		"price":       a.Price != nil,
		"clock":       a.Clock != nil,
		"api":         cfg.HTTPAddr,
	}).Info("Monitor configured")
	return a, nil
}

// Start binds the status API and begins serving it in the background,
// advertising it over mDNS when configured
func (a *App) Start() error {
	if a.API == nil {
		return nil
	}
	if err := a.API.Listen(); err != nil {
		return err
	}

	a.serve = make(chan error, 1)
	go func() {
		a.serve <- a.API.Serve()
	}()

	if a.Config.Advertise {
		advert, err := api.Advertise(a.Config.Network, a.API.Port())
		if err != nil {
			// The API still works without the advertisement.
			log.WithError(err).Warn("mDNS advertisement failed")
		} else {
			a.advert = advert
		}
	}
	return nil
}

// Run polls the node until ctx is done. onUpdate, if set, is called after
// every tick with the new state.
func (a *App) Run(ctx context.Context, onUpdate func(snapshot.State)) error {
	go a.refreshAmbient(ctx)

	return a.Monitor.Run(ctx, a.Config.Interval(), func(state snapshot.State) {
		if a.API != nil {
			a.API.Publish(state)
		}
		if onUpdate != nil {
			onUpdate(state)
		}
	})
}

// RunOnce performs a single tick along with one price and clock refresh
func (a *App) RunOnce(ctx context.Context) snapshot.State {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.RefreshAmbient(ctx)
	}()
	state := a.Monitor.Tick(ctx)
	wg.Wait()
	return state
}

// Frame assembles what the dashboard draws
func (a *App) Frame() ui.Frame {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return ui.Frame{
		State:    a.Monitor.State(),
		Network:  a.Config.Network,
		Price:    a.quote,
		PriceErr: a.priceErr,
		Clock:    a.offset,
		ClockErr: a.clockErr,
		Now:      time.Now(),
	}
}

func (a *App) refreshAmbient(ctx context.Context) {
	if a.Price == nil && a.Clock == nil {
		return
	}

	ticker := time.NewTicker(ambientInterval)
	defer ticker.Stop()
	for {
		a.RefreshAmbient(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RefreshAmbient consults the price and clock caches once
func (a *App) RefreshAmbient(ctx context.Context) {
	if a.Price != nil {
		q, err := a.Price.Quote(ctx)
		a.mu.Lock()
		if err == nil {
			a.quote = &q
		}
		a.priceErr = err
		a.mu.Unlock()
	}

	if a.Clock != nil {
		status, err := a.Clock.Check(ctx)
		a.mu.Lock()
		if err == nil {
			a.offset = &status
		}
		a.clockErr = err
		a.mu.Unlock()
	}
}

// Close stops the status API and the advertisement
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.advert != nil {
		if err := a.advert.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("mDNS shutdown: %w", err))
		}
	}
	if a.API != nil && a.serve != nil {
		if err := a.API.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := <-a.serve; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
