package auth

import (
	"os"
	"path/filepath"
	"runtime"

	"btcmonitor/chain"
)

// CookieFileName is the name Bitcoin Core gives its RPC cookie
const CookieFileName = ".cookie"

// Platform describes the host facts that decide where Bitcoin Core keeps
// its data directory
type Platform struct {
	GOOS    string
	Home    string
	AppData string
}

// CurrentPlatform reads the platform of the running process
func CurrentPlatform() Platform {
	home, err := os.UserHomeDir()
	if err != nil {
		log.WithError(err).Warn("Could not determine home directory")
	}
	return Platform{
		GOOS:    runtime.GOOS,
		Home:    home,
		AppData: os.Getenv("APPDATA"),
	}
}

// DefaultDataDir returns Bitcoin Core's default data directory root
func (p Platform) DefaultDataDir() string {
	switch p.GOOS {
	case "darwin":
		return filepath.Join(p.Home, "Library", "Application Support", "Bitcoin")
	case "windows":
		appData := p.AppData
		if appData == "" {
			appData = filepath.Join(p.Home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Bitcoin")
	default:
		return filepath.Join(p.Home, ".bitcoin")
	}
}

// NetworkDataDir returns the directory holding one network's files below
// a data directory root. Mainnet uses the root itself.
func NetworkDataDir(root string, network chain.Network) (string, error) {
	params, err := chain.ParamsFor(network)
	if err != nil {
		return "", err
	}
	if params.DataSubdir == "" {
		return root, nil
	}
	return filepath.Join(root, params.DataSubdir), nil
}

// CookiePath locates the cookie file for a network. An empty root selects
// the platform default data directory.
func CookiePath(p Platform, root string, network chain.Network) (string, error) {
	if root == "" {
		root = p.DefaultDataDir()
	}
	dir, err := NetworkDataDir(root, network)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, CookieFileName), nil
}
