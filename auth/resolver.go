package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"

	"btcmonitor/chain"
	"btcmonitor/logger"
)

var log = logger.Logger

// DefaultHost is the RPC host used when none is configured
const DefaultHost = "127.0.0.1"

// Source says where a credential pair came from
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceCookie   Source = "cookie"
)

// Credentials is the basic-auth pair presented to the node
type Credentials struct {
	Username string
	Password string
	Source   Source
	// CookiePath is set when Source is SourceCookie.
	CookiePath string
}

// String never prints the password
func (c Credentials) String() string {
	if c.Source == SourceCookie {
		return fmt.Sprintf("%s:***** (cookie %s)", c.Username, c.CookiePath)
	}
	return fmt.Sprintf("%s:***** (%s)", c.Username, c.Source)
}

// Endpoint is where the node's RPC server listens
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// URL returns the root URL JSON-RPC requests are posted to
func (e Endpoint) URL() string {
	return fmt.Sprintf("%s://%s/", e.Scheme, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

// Options is everything needed to reach a node
type Options struct {
	Network  chain.Network
	Host     string
	Port     int
	TLS      bool
	User     string
	Password string
	// DataDir overrides the platform default data directory root.
	DataDir string
	// CookieFile overrides the cookie location entirely.
	CookieFile string
	Platform   Platform
}

// Resolve produces the credentials and endpoint for one run. Explicit
// credentials win; otherwise the node's cookie file is read.
func Resolve(opts Options) (Credentials, Endpoint, error) {
	params, err := chain.ParamsFor(opts.Network)
	if err != nil {
		return Credentials{}, Endpoint{}, &ResolutionError{Reason: "unknown network", Err: err}
	}

	endpoint := Endpoint{Scheme: "http", Host: opts.Host, Port: opts.Port}
	if opts.TLS {
		endpoint.Scheme = "https"
	}
	if endpoint.Host == "" {
		endpoint.Host = DefaultHost
	}
	if endpoint.Port == 0 {
		endpoint.Port = params.DefaultRPCPort
	}

	if opts.User != "" && opts.Password != "" {
		log.WithFields(logger.Fields{
			"user":     opts.User,
			"endpoint": endpoint.URL(),
		}).Info("Using explicit RPC credentials")
		return Credentials{Username: opts.User, Password: opts.Password, Source: SourceExplicit}, endpoint, nil
	}
	if opts.User != "" || opts.Password != "" {
		log.Warn("Only one of RPC user and password supplied, falling back to cookie authentication")
	}

	path := opts.CookieFile
	if path == "" {
		platform := opts.Platform
		if platform.GOOS == "" {
			platform = CurrentPlatform()
		}
		path, err = CookiePath(platform, opts.DataDir, opts.Network)
		if err != nil {
			return Credentials{}, Endpoint{}, &ResolutionError{Reason: "cannot locate data directory", Err: err}
		}
	}

	creds, err := ReadCookie(path)
	if err != nil {
		return Credentials{}, Endpoint{}, err
	}

	log.WithFields(logger.Fields{
		"cookie":   path,
		"endpoint": endpoint.URL(),
		"network":  opts.Network,
	}).Info("Using cookie RPC credentials")
	return creds, endpoint, nil
}

// ReadCookie loads and parses a cookie file
func ReadCookie(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, &ResolutionError{Path: path, Reason: "cookie file not found", Err: err}
		}
		return Credentials{}, &ResolutionError{Path: path, Reason: "cookie file unreadable", Err: err}
	}

	user, password, err := ParseCookie(string(data))
	if err != nil {
		return Credentials{}, &ResolutionError{Path: path, Reason: "cookie file malformed", Err: err}
	}
	return Credentials{Username: user, Password: password, Source: SourceCookie, CookiePath: path}, nil
}

// ParseCookie splits the single "user:password" line of a cookie file
func ParseCookie(content string) (string, string, error) {
	var line string
	for _, candidate := range strings.Split(content, "\n") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if line != "" {
			return "", "", errors.New("more than one line")
		}
		line = candidate
	}
	if line == "" {
		return "", "", errors.New("empty cookie")
	}

	user, password, found := strings.Cut(line, ":")
	if !found {
		return "", "", errors.New("missing ':' separator")
	}
	if user == "" || password == "" {
		return "", "", errors.New("empty user or password")
	}
	return user, password, nil
}
