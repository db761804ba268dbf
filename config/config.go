// Package config turns command-line flags, environment variables, an
// optional .env file and an optional YAML file into one validated Config.
//
// Precedence, highest first: flags, environment, YAML file, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"btcmonitor/auth"
	"btcmonitor/chain"
	"btcmonitor/clock"
	"btcmonitor/logger"
	"btcmonitor/price"
	"btcmonitor/snapshot"
)

var log = logger.Logger

// Flag names
const (
	FlagConfig         = "config"
	FlagNetwork        = "network"
	FlagRPCHost        = "rpc-host"
	FlagRPCPort        = "rpc-port"
	FlagRPCUser        = "rpc-user"
	FlagRPCPassword    = "rpc-password"
	FlagRPCCookieFile  = "rpc-cookie-file"
	FlagRPCTLS         = "rpc-tls"
	FlagDataDir        = "datadir"
	FlagRPCTimeout     = "rpc-timeout"
	FlagTickTimeout    = "tick-timeout"
	FlagRefresh        = "refresh"
	FlagNoTemplate     = "no-template"
	FlagMaxBlockWeight = "max-block-weight"
	FlagValueLookups   = "value-lookups"
	FlagPriceURL       = "price-url"
	FlagPriceCurrency  = "price-currency"
	FlagNoPrice        = "no-price"
	FlagNTPServer      = "ntp-server"
	FlagNoClock        = "no-clock"
	FlagHTTPAddr       = "http-addr"
	FlagAdvertise      = "advertise"
	FlagLogFile        = "log-file"
	FlagLogLevel       = "log-level"
	FlagLogDB          = "log-db"
	FlagOnce           = "once"
	FlagDiscover       = "discover"
	FlagTopRows        = "top"
)

const (
	DefaultRPCTimeout = 5 * time.Second
	DefaultRefreshHz  = 2.0
	// MinInterval is the shortest refresh interval accepted
	MinInterval = 100 * time.Millisecond
	// DefaultAPIAddr is used by the headless server when no address is set
	DefaultAPIAddr = ":8080"
)

// Config is the validated run configuration
type Config struct {
	Network        chain.Network `validate:"required"`
	RPCHost        string        `validate:"required"`
	RPCPort        int           `validate:"gte=0,lte=65535"`
	RPCUser        string
	RPCPassword    string
	RPCCookieFile  string
	RPCTLS         bool
	DataDir        string
	RPCTimeout     time.Duration `validate:"gt=0"`
	TickTimeout    time.Duration `validate:"gt=0"`
	RefreshHz      float64       `validate:"gt=0,lte=10"`
	NoTemplate     bool
	MaxBlockWeight int64  `validate:"gte=4000,lte=4000000"`
	ValueLookups   int    `validate:"gte=0"`
	PriceURL       string `validate:"omitempty,url"`
	PriceCurrency  string `validate:"omitempty,alpha,len=3"`
	NoPrice        bool
	NTPServers     []string `validate:"dive,required"`
	NoClock        bool
	HTTPAddr       string `validate:"omitempty,hostname_port"`
	Advertise      bool
	LogFile        string
	LogLevel       string `validate:"oneof=trace debug info warn warning error"`
	LogDB          string
	Once           bool
	Discover       bool
	TopRows        int `validate:"gte=0"`
	ConfigFile     string
}

// Flags are the options shared by both binaries
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    FlagConfig,
			Aliases: []string{"c"},
			Usage:   "YAML file with default values for any flag",
			EnvVars: []string{"BTCMONITOR_CONFIG"},
		},
		&cli.StringFlag{
			Name:    FlagNetwork,
			Aliases: []string{"n"},
			Value:   string(chain.Mainnet),
			Usage:   "Bitcoin network (" + strings.Join(chain.Names(), ", ") + ")",
			EnvVars: []string{"BITCOIN_NETWORK"},
		},
		&cli.StringFlag{
			Name:    FlagRPCHost,
			Value:   auth.DefaultHost,
			Usage:   "Bitcoin Core RPC host",
			EnvVars: []string{"BITCOIN_RPC_HOST"},
		},
		&cli.IntFlag{
			Name:    FlagRPCPort,
			Usage:   "Bitcoin Core RPC port (0 uses the network default)",
			EnvVars: []string{"BITCOIN_RPC_PORT"},
		},
		&cli.StringFlag{
			Name:    FlagRPCUser,
			Usage:   "RPC user; with --rpc-password disables cookie authentication",
			EnvVars: []string{"BITCOIN_RPC_USER"},
		},
		&cli.StringFlag{
			Name:    FlagRPCPassword,
			Usage:   "RPC password",
			EnvVars: []string{"BITCOIN_RPC_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    FlagRPCCookieFile,
			Usage:   "Cookie file path (default: <datadir>/<network>/.cookie)",
			EnvVars: []string{"BITCOIN_RPC_COOKIE_FILE"},
		},
		&cli.BoolFlag{
			Name:    FlagRPCTLS,
			Usage:   "Connect to the RPC endpoint over https",
			EnvVars: []string{"BITCOIN_RPC_TLS"},
		},
		&cli.StringFlag{
			Name:    FlagDataDir,
			Usage:   "Bitcoin Core data directory",
			EnvVars: []string{"BITCOIN_DATADIR"},
		},
		&cli.DurationFlag{
			Name:    FlagRPCTimeout,
			Value:   DefaultRPCTimeout,
			Usage:   "Timeout for a single RPC call",
			EnvVars: []string{"BITCOIN_RPC_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    FlagTickTimeout,
			Value:   snapshot.DefaultTickTimeout,
			Usage:   "Deadline for one full refresh",
			EnvVars: []string{"BTCMONITOR_TICK_TIMEOUT"},
		},
		&cli.Float64Flag{
			Name:    FlagRefresh,
			Aliases: []string{"r"},
			Value:   DefaultRefreshHz,
			Usage:   "Refresh rate in Hz (at most 10)",
			EnvVars: []string{"BTCMONITOR_REFRESH"},
		},
		&cli.BoolFlag{
			Name:    FlagNoTemplate,
			Usage:   "Skip getblocktemplate and always estimate the next block",
			EnvVars: []string{"BTCMONITOR_NO_TEMPLATE"},
		},
		&cli.Int64Flag{
			Name:    FlagMaxBlockWeight,
			Value:   chain.MaxBlockWeight,
			Usage:   "Block weight limit used for estimated blocks",
			EnvVars: []string{"BTCMONITOR_MAX_BLOCK_WEIGHT"},
		},
		&cli.IntFlag{
			Name:    FlagValueLookups,
			Value:   snapshot.DefaultValueLookups,
			Usage:   "Raw transactions fetched per refresh to learn output values (0 disables)",
			EnvVars: []string{"BTCMONITOR_VALUE_LOOKUPS"},
		},
		&cli.StringFlag{
			Name:    FlagPriceURL,
			Value:   price.DefaultURL,
			Usage:   "Price endpoint returning a JSON object keyed by currency",
			EnvVars: []string{"BTCMONITOR_PRICE_URL"},
		},
		&cli.StringFlag{
			Name:    FlagPriceCurrency,
			Value:   price.DefaultCurrency,
			Usage:   "Fiat currency for values",
			EnvVars: []string{"BTCMONITOR_PRICE_CURRENCY"},
		},
		&cli.BoolFlag{
			Name:    FlagNoPrice,
			Usage:   "Disable the fiat price lookup",
			EnvVars: []string{"BTCMONITOR_NO_PRICE"},
		},
		&cli.StringSliceFlag{
			Name:    FlagNTPServer,
			Value:   cli.NewStringSlice(clock.DefaultServers...),
			Usage:   "NTP server for the clock check (repeatable)",
			EnvVars: []string{"BTCMONITOR_NTP_SERVERS"},
		},
		&cli.BoolFlag{
			Name:    FlagNoClock,
			Usage:   "Disable the NTP clock check",
			EnvVars: []string{"BTCMONITOR_NO_CLOCK"},
		},
		&cli.StringFlag{
			Name:    FlagHTTPAddr,
			Usage:   "Serve the status API on this address (host:port)",
			EnvVars: []string{"BTCMONITOR_HTTP_ADDR"},
		},
		&cli.BoolFlag{
			Name:    FlagAdvertise,
			Usage:   "Advertise the status API over mDNS",
			EnvVars: []string{"BTCMONITOR_ADVERTISE"},
		},
		&cli.StringFlag{
			Name:    FlagLogFile,
			Value:   logger.DefaultLogFile,
			Usage:   "Rotating log file (empty disables)",
			EnvVars: []string{"BTCMONITOR_LOG_FILE"},
		},
		&cli.StringFlag{
			Name:    FlagLogLevel,
			Aliases: []string{"l"},
			Value:   "info",
			Usage:   "Log level (debug, info, warn, error)",
			EnvVars: []string{"BTCMONITOR_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    FlagLogDB,
			Usage:   "SQLite file that also receives logs, queryable through the API",
			EnvVars: []string{"BTCMONITOR_LOG_DB"},
		},
	}
}

// LoadDotEnv loads KEY=VALUE files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		log.WithField("path", path).Debug("Loaded environment file")
	}
	return nil
}

// FromContext builds and validates the Config for a cli invocation
func FromContext(c *cli.Context) (*Config, error) {
	if path := c.String(FlagConfig); path != "" {
		if err := applyFile(c, path); err != nil {
			return nil, err
		}
	}

	network, err := chain.Parse(c.String(FlagNetwork))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Network:        network,
		RPCHost:        c.String(FlagRPCHost),
		RPCPort:        c.Int(FlagRPCPort),
		RPCUser:        c.String(FlagRPCUser),
		RPCPassword:    c.String(FlagRPCPassword),
		RPCCookieFile:  c.String(FlagRPCCookieFile),
		RPCTLS:         c.Bool(FlagRPCTLS),
		DataDir:        c.String(FlagDataDir),
		RPCTimeout:     c.Duration(FlagRPCTimeout),
		TickTimeout:    c.Duration(FlagTickTimeout),
		RefreshHz:      c.Float64(FlagRefresh),
		NoTemplate:     c.Bool(FlagNoTemplate),
		MaxBlockWeight: c.Int64(FlagMaxBlockWeight),
		ValueLookups:   c.Int(FlagValueLookups),
		PriceURL:       c.String(FlagPriceURL),
		PriceCurrency:  strings.ToUpper(c.String(FlagPriceCurrency)),
		NoPrice:        c.Bool(FlagNoPrice),
		NTPServers:     c.StringSlice(FlagNTPServer),
		NoClock:        c.Bool(FlagNoClock),
		HTTPAddr:       c.String(FlagHTTPAddr),
		Advertise:      c.Bool(FlagAdvertise),
		LogFile:        c.String(FlagLogFile),
		LogLevel:       strings.ToLower(c.String(FlagLogLevel)),
		LogDB:          c.String(FlagLogDB),
		Once:           c.Bool(FlagOnce),
		Discover:       c.Bool(FlagDiscover),
		TopRows:        c.Int(FlagTopRows),
		ConfigFile:     c.String(FlagConfig),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile fills every flag not given on the command line or through the
// environment from the YAML file at path. Keys are flag names.
func applyFile(c *cli.Context, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applied := 0
	for _, flag := range Flags() {
		name := flag.Names()[0]
		if name == FlagConfig || c.IsSet(name) || !v.IsSet(name) {
			continue
		}

		values := []string{v.GetString(name)}
		if name == FlagNTPServer {
			values = v.GetStringSlice(name)
		}
		for _, value := range values {
			if err := c.Set(name, value); err != nil {
				return fmt.Errorf("config file %s: invalid %s %q: %w", path, name, value, err)
			}
		}
		applied++
	}

	log.WithFields(logrus.Fields{
		"path":    path,
		"applied": applied,
	}).Info("Loaded config file")
	return nil
}

// Validate checks field constraints
func (cfg *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.NoPrice && (cfg.PriceURL == "" || cfg.PriceCurrency == "") {
		return errors.New("invalid configuration: price lookup needs --price-url and --price-currency, or --no-price")
	}
	if !cfg.NoClock && len(cfg.NTPServers) == 0 {
		return errors.New("invalid configuration: clock check needs an --ntp-server, or --no-clock")
	}
	if cfg.RPCTimeout > cfg.TickTimeout {
		return fmt.Errorf("invalid configuration: rpc-timeout %s exceeds tick-timeout %s", cfg.RPCTimeout, cfg.TickTimeout)
	}
	return nil
}

// Interval is the refresh period derived from RefreshHz, never below
// MinInterval
func (cfg *Config) Interval() time.Duration {
	if cfg.RefreshHz <= 0 {
		return time.Duration(float64(time.Second) / DefaultRefreshHz)
	}
	d := time.Duration(float64(time.Second) / cfg.RefreshHz)
	if d < MinInterval {
		return MinInterval
	}
	return d
}

// AuthOptions are the resolver inputs
func (cfg *Config) AuthOptions() auth.Options {
	return auth.Options{
		Network:    cfg.Network,
		Host:       cfg.RPCHost,
		Port:       cfg.RPCPort,
		TLS:        cfg.RPCTLS,
		User:       cfg.RPCUser,
		Password:   cfg.RPCPassword,
		DataDir:    cfg.DataDir,
		CookieFile: cfg.RPCCookieFile,
	}
}

// LogOptions are the logger settings; console output is chosen by the binary
func (cfg *Config) LogOptions(console bool) logger.Options {
	return logger.Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: console,
		DBPath:  cfg.LogDB,
	}
}
