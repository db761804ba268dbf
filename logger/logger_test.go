package logger

import (
	"bytes"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog4jFormatter(t *testing.T) {
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Date(2024, 5, 1, 12, 30, 45, 123000000, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "tick failed",
		Data:    logrus.Fields{"step": "getrawmempool", "attempt": 3},
		Caller: &runtime.Frame{
			Function: "btcmonitor/snapshot.(*Monitor).Tick",
			File:     "/src/btcmonitor/snapshot/monitor.go",
			Line:     42,
		},
	}
	entry.Logger.SetReportCaller(true)

	out, err := (&Log4jFormatter{}).Format(entry)
	require.NoError(t, err)

	line := string(out)
	assert.Equal(t,
		"2024-05-01 12:30:45.123 [WARNING] snapshot.Tick(monitor.go:42) - tick failed {attempt=3, step=getrawmempool}\n",
		line)
}

func TestSplitFunction(t *testing.T) {
	pkg, fn := splitFunction("btcmonitor/rpc.(*Client).Call")
	assert.Equal(t, "rpc", pkg)
	assert.Equal(t, "Call", fn)

	pkg, fn = splitFunction("main.main")
	assert.Equal(t, "main", pkg)
	assert.Equal(t, "main", fn)
}

func TestConsoleFilter(t *testing.T) {
	var buf bytes.Buffer
	filter := NewConsoleFilter(&buf)

	lines := []string{
		"2024-05-01 [DEBUG] rpc.Call(client.go:1) - rpc call\n",
		"2024-05-01 [INFO] snapshot.Tick(monitor.go:1) - tick completed\n",
		"2024-05-01 [INFO] api.Start(server.go:1) - Status API listening\n",
		"2024-05-01 [WARNING] snapshot.Tick(monitor.go:1) - tick failed\n",
		"2024-05-01 [ERROR] main.main(main.go:1) - fatal\n",
	}
	for _, line := range lines {
		n, err := filter.Write([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, len(line), n, "Filtered writes still report the full length")
	}

	out := buf.String()
	assert.NotContains(t, out, "[DEBUG]")
	assert.NotContains(t, out, "tick completed")
	assert.Contains(t, out, "listening")
	assert.Contains(t, out, "[WARNING]")
	assert.Contains(t, out, "[ERROR]")
}

func TestConfigureRejectsBadLevel(t *testing.T) {
	err := Configure(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestDatabaseHook(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "logs", "logs.db")

	hook, err := NewDatabaseHook(dbPath)
	require.NoError(t, err, "Should create database hook")

	previous := dbHook
	dbHook = hook
	defer func() {
		dbHook = previous
		hook.Close()
	}()

	log := logrus.New()
	log.SetReportCaller(true)
	log.Out = &bytes.Buffer{}
	log.AddHook(hook)

	log.WithField("method", "getblocktemplate").Warn("template unavailable")
	log.Error("node unreachable")
	log.Info("tick completed")

	entries, err := QueryLogs("warning", nil, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "template unavailable", entries[0].Message)
	assert.True(t, strings.Contains(entries[0].Fields, "method=getblocktemplate"))

	all, err := QueryLogs("", nil, 2)
	require.NoError(t, err)
	assert.Len(t, all, 2, "Limit should be honoured")
	assert.Equal(t, "tick completed", all[0].Message, "Newest entries come first")

	stats, err := GetLogStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats["warning"])
	assert.Equal(t, 1, stats["error"])
	assert.Equal(t, 1, stats["info"])
}

func TestQueryLogsWithoutDatabase(t *testing.T) {
	previous := dbHook
	dbHook = nil
	defer func() { dbHook = previous }()

	_, err := QueryLogs("", nil, 0)
	assert.Error(t, err)
	assert.False(t, DatabaseEnabled())
}
