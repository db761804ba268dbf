package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"btcmonitor/logger"
	"btcmonitor/projection"
	"btcmonitor/rpc"
)

// Status summarises the monitor's health for display
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOK         Status = "ok"
	StatusDegraded   Status = "degraded"
	StatusFailed     Status = "failed"
)

const (
	// DefaultTickTimeout bounds one full tick
	DefaultTickTimeout = 15 * time.Second
	// DefaultReresolveAfter is the number of consecutive unauthorized ticks
	// that trigger credential re-resolution
	DefaultReresolveAfter = 2
)

// Source builds snapshots. *Builder implements it.
type Source interface {
	Build(ctx context.Context) (*Snapshot, error)
}

// Reresolver reloads credentials. *auth.Store implements it.
type Reresolver interface {
	Reresolve() error
	Generation() uint64
}

// State is what the display reads after every tick
type State struct {
	// Snapshot is the last successful one; nil before the first success.
	Snapshot            *Snapshot `json:"snapshot"`
	Status              Status    `json:"status"`
	LastAttempt         time.Time `json:"last_attempt"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           error     `json:"-"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Ticks               uint64    `json:"ticks"`
}

// Stale reports whether the displayed snapshot predates the last attempt
func (s State) Stale() bool {
	return s.Snapshot != nil && s.LastSuccess.Before(s.LastAttempt)
}

func (s State) MarshalJSON() ([]byte, error) {
	type plain State
	out := struct {
		plain
		LastError string `json:"last_error,omitempty"`
		Stale     bool   `json:"stale"`
	}{plain: plain(s), Stale: s.Stale()}
	if s.LastError != nil {
		out.LastError = s.LastError.Error()
	}
	return json.Marshal(out)
}

// MonitorConfig configures a Monitor
type MonitorConfig struct {
	TickTimeout    time.Duration
	ReresolveAfter int
}

// Monitor drives ticks and owns the state the display reads. Only the
// ticking goroutine writes state; readers take a copy.
type Monitor struct {
	source         Source
	creds          Reresolver
	tickTimeout    time.Duration
	reresolveAfter int
	now            func() time.Time

	tickMu sync.Mutex
	// unauthorized counts consecutive unauthorized ticks. Guarded by tickMu.
	unauthorized int

	mu    sync.RWMutex
	state State
}

// NewMonitor creates a monitor. creds may be nil, which disables
// re-resolution.
func NewMonitor(source Source, creds Reresolver, config MonitorConfig) *Monitor {
	if config.TickTimeout <= 0 {
		config.TickTimeout = DefaultTickTimeout
	}
	if config.ReresolveAfter <= 0 {
		config.ReresolveAfter = DefaultReresolveAfter
	}
	return &Monitor{
		source:         source,
		creds:          creds,
		tickTimeout:    config.TickTimeout,
		reresolveAfter: config.ReresolveAfter,
		now:            time.Now,
		state:          State{Status: StatusConnecting},
	}
}

// State returns a copy of the current state
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Tick runs one build under the tick deadline and records the outcome. If
// ctx is cancelled while the build is in flight the tick is abandoned and
// the state is left as it was.
func (m *Monitor) Tick(ctx context.Context) State {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	tickCtx, cancel := context.WithTimeout(ctx, m.tickTimeout)
	defer cancel()

	attempted := m.now()
	snap, err := m.source.Build(tickCtx)
	if ctx.Err() != nil {
		log.WithError(ctx.Err()).Debug("Tick abandoned")
		return m.State()
	}

	m.mu.Lock()
	m.state.Ticks++
	m.state.LastAttempt = attempted
	if err != nil {
		m.state.LastError = err
		m.state.ConsecutiveFailures++
		m.state.Status = StatusFailed
	} else {
		m.state.Snapshot = snap
		m.state.LastSuccess = attempted
		m.state.ConsecutiveFailures = 0
		m.state.Status = StatusOK
		m.state.LastError = nil
		if snap.Projection.Source == projection.Unavailable {
			m.state.Status = StatusDegraded
			m.state.LastError = fmt.Errorf("%w: %w", ErrProjectionUnavailable, snap.Projection.Err)
		}
	}
	state := m.state
	m.mu.Unlock()

	m.logOutcome(state, err)
	m.checkCredentials(err)
	return state
}

func (m *Monitor) logOutcome(state State, err error) {
	fields := logger.Fields{
		"status":   string(state.Status),
		"failures": state.ConsecutiveFailures,
	}
	switch {
	case err != nil && state.ConsecutiveFailures == 1:
		log.WithFields(fields).WithError(err).Warn("Tick failed, keeping previous snapshot")
	case err != nil:
		log.WithFields(fields).WithError(err).Debug("Tick failed again")
	case state.Status == StatusDegraded:
		log.WithFields(fields).WithError(state.LastError).Debug("Snapshot built without projection")
	default:
		log.WithFields(fields).Debug("Tick completed")
	}
}

// checkCredentials re-resolves after enough consecutive unauthorized ticks,
// since the node rewrites its cookie on every restart
func (m *Monitor) checkCredentials(err error) {
	if !errors.Is(err, rpc.ErrUnauthorized) {
		if err == nil && m.unauthorized >= m.reresolveAfter {
			log.Info("Node accepted credentials again, credentials recovered")
		}
		m.unauthorized = 0
		return
	}

	m.unauthorized++
	if m.creds == nil || m.unauthorized < m.reresolveAfter {
		return
	}

	if rerr := m.creds.Reresolve(); rerr != nil {
		log.WithError(rerr).WithField("unauthorized_ticks", m.unauthorized).Warn("Re-resolving credentials failed")
		return
	}
	log.WithFields(logger.Fields{
		"unauthorized_ticks": m.unauthorized,
		"generation":         m.creds.Generation(),
	}).Info("Node rejected credentials, credentials re-resolved")
}

// Run ticks immediately and then every interval until ctx is done.
// onUpdate, if set, receives the state after every completed tick.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, onUpdate func(State)) error {
	if interval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.WithField("interval", interval.String()).Info("Monitor started")
	defer log.Info("Monitor stopped")

	for {
		state := m.Tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if onUpdate != nil {
			onUpdate(state)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
