package clock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/ntp"

	"btcmonitor/cache"
	"btcmonitor/logger"
)

var log = logger.Logger

const (
	// MaxClockDrift is the offset beyond which the local clock is flagged
	MaxClockDrift = 2 * time.Second

	// DefaultTTL is how long a measured offset is reused
	DefaultTTL = 60 * time.Second

	// DefaultQueryTimeout bounds one NTP exchange
	DefaultQueryTimeout = 3 * time.Second
)

// DefaultServers are tried in order
var DefaultServers = []string{
	"pool.ntp.org",        // NTP pool
	"time.google.com",     // Google's NTP server
	"time.cloudflare.com", // Cloudflare's NTP server
}

// Offset is one measurement of the local clock against an NTP server
type Offset struct {
	Server  string        `json:"server"`
	Offset  time.Duration `json:"offset"`
	RTT     time.Duration `json:"rtt"`
	Stratum uint8         `json:"stratum"`
}

// Drifting reports whether the local clock is off by more than limit
func (o Offset) Drifting(limit time.Duration) bool {
	return o.Offset > limit || o.Offset < -limit
}

// Status is an offset as the display shows it
type Status struct {
	Offset
	MeasuredAt time.Time `json:"measured_at"`
	Stale      bool      `json:"stale"`
}

type queryFunc func(host string, opt ntp.QueryOptions) (*ntp.Response, error)

// Checker measures the local clock offset and caches it
type Checker struct {
	servers []string
	timeout time.Duration
	query   queryFunc
	cache   *cache.Cache[Offset]
}

// NewChecker creates a checker for servers (DefaultServers when empty)
func NewChecker(servers []string, ttl time.Duration) *Checker {
	return newChecker(servers, ttl, ntp.QueryWithOptions)
}

func newChecker(servers []string, ttl time.Duration, query queryFunc) *Checker {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Checker{
		servers: append([]string(nil), servers...),
		timeout: DefaultQueryTimeout,
		query:   query,
	}
	c.cache = cache.New(ttl, c.measure)
	return c
}

// Check returns the cached offset, measuring again when the window has
// passed
func (c *Checker) Check(ctx context.Context) (Status, error) {
	v, err := c.cache.Get(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Offset: v.Value, MeasuredAt: v.FetchedAt, Stale: v.Stale}, nil
}

// measure asks each server in turn and returns the first valid answer
func (c *Checker) measure(ctx context.Context) (Offset, error) {
	var errs []error
	for _, server := range c.servers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		resp, err := c.query(server, ntp.QueryOptions{Timeout: c.timeout})
		if err == nil {
			err = resp.Validate()
		}
		if err != nil {
			log.WithError(err).WithField("server", server).Debug("NTP query failed")
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}

		offset := Offset{
			Server:  server,
			Offset:  resp.ClockOffset,
			RTT:     resp.RTT,
			Stratum: resp.Stratum,
		}
		if offset.Drifting(MaxClockDrift) {
			log.WithFields(logger.Fields{
				"offset": offset.Offset.String(),
				"server": server,
			}).Warn("Local clock is drifting")
		}
		return offset, nil
	}
	return Offset{}, fmt.Errorf("no NTP server answered: %w", errors.Join(errs...))
}
