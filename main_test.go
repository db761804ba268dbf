package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btcmonitor/auth"
	"btcmonitor/chain"
	"btcmonitor/snapshot"
	"btcmonitor/ui"
)

// TestFlagsRegistered checks the dashboard exposes the shared and its own flags
func TestFlagsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, f := range newCLI().Flags {
		for _, n := range f.Names() {
			names[n] = true
		}
	}
	for _, want := range []string{"network", "rpc-host", "rpc-cookie-file", "refresh", "no-template", "once", "top", "http-addr"} {
		assert.True(t, names[want], "missing flag %s", want)
	}
}

// TestStartupFailsWithoutCredentials checks a missing cookie stops the
// dashboard before polling
func TestStartupFailsWithoutCredentials(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	cli := newCLI()
	cli.Writer = &out

	err := cli.Run([]string{"btcmonitor",
		"--network", "regtest",
		"--rpc-cookie-file", filepath.Join(dir, ".cookie"),
		"--log-file", filepath.Join(dir, "test.log"),
		"--no-price", "--no-clock", "--once",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrResolution)
	assert.Empty(t, out.String(), "Nothing is drawn when startup fails")
}

// TestInvalidFlags checks validation errors reach the caller
func TestInvalidFlags(t *testing.T) {
	err := newCLI().Run([]string{"btcmonitor", "--refresh", "0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RefreshHz")
}

func TestDraw(t *testing.T) {
	var out bytes.Buffer
	r := ui.NewRenderer(ui.Options{NoBanner: true})
	draw(&out, r, ui.Frame{
		State:   snapshot.State{Status: snapshot.StatusConnecting},
		Network: chain.Mainnet,
		Now:     time.Now(),
	})

	assert.True(t, strings.HasPrefix(out.String(), ui.ClearScreen), "Each frame clears the screen")
	assert.Contains(t, out.String(), "Status: CONNECTING")
}
