package logger

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

// DefaultLogFile is where logs go when no file is configured. The dashboard
// owns the terminal, so logs never go to stdout while it runs.
const DefaultLogFile = "logs/btcmonitor.log"

// Options controls where and how much the process logs
type Options struct {
	Level string
	// File is the rotating log file. Empty disables file output.
	File string
	// Console passes warnings, errors and lifecycle messages to stderr.
	Console bool
	// DBPath enables the SQLite sink queried by QueryLogs.
	DBPath string
}

// DatabaseHook writes logs to SQLite database
type DatabaseHook struct {
	db *sql.DB
}

// NewDatabaseHook creates a new database hook
func NewDatabaseHook(dbPath string) (*DatabaseHook, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		function_name TEXT,
		file_name TEXT,
		line_number INTEGER,
		fields TEXT
	)`

	if _, err = db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create logs table: %w", err)
	}

	return &DatabaseHook{db: db}, nil
}

// Fire is called when a logging event is fired
func (hook *DatabaseHook) Fire(entry *logrus.Entry) error {
	var fileName, funcName string
	var lineNum int

	if entry.HasCaller() {
		fileName = path.Base(entry.Caller.File)
		_, funcName = splitFunction(entry.Caller.Function)
		lineNum = entry.Caller.Line
	}

	insertSQL := `
	INSERT INTO logs (timestamp, level, message, function_name, file_name, line_number, fields)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := hook.db.Exec(insertSQL,
		entry.Time,
		entry.Level.String(),
		entry.Message,
		funcName,
		fileName,
		lineNum,
		formatFields(entry.Data),
	)

	return err
}

// Levels returns the available logging levels
func (hook *DatabaseHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Close releases the database handle
func (hook *DatabaseHook) Close() error {
	return hook.db.Close()
}

// ConsoleFilter filters logs for console output (only important messages)
type ConsoleFilter struct {
	writer io.Writer
}

// NewConsoleFilter creates a new console filter
func NewConsoleFilter(writer io.Writer) *ConsoleFilter {
	return &ConsoleFilter{writer: writer}
}

// Write filters messages and only writes important ones to console
func (cf *ConsoleFilter) Write(p []byte) (n int, err error) {
	logLine := string(p)

	if strings.Contains(logLine, "[ERROR]") ||
		strings.Contains(logLine, "[FATAL]") ||
		strings.Contains(logLine, "[PANIC]") ||
		strings.Contains(logLine, "[WARNING]") ||
		(strings.Contains(logLine, "[INFO]") && (strings.Contains(logLine, "started") ||
			strings.Contains(logLine, "stopped") ||
			strings.Contains(logLine, "listening") ||
			strings.Contains(logLine, "credentials") ||
			strings.Contains(logLine, "recovered"))) {
		return cf.writer.Write(p)
	}

	// Return the length as if we wrote it (to avoid errors)
	return len(p), nil
}

// Log4jFormatter Custom log4j-like formatter
type Log4jFormatter struct{}

func (f *Log4jFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	pkgName, funcName := "btcmonitor", ""
	var fileName string
	var lineNum int

	if entry.HasCaller() {
		fileName = path.Base(entry.Caller.File)
		pkgName, funcName = splitFunction(entry.Caller.Function)
		lineNum = entry.Caller.Line
	}

	// Format: YYYY-MM-DD HH:mm:ss.SSS [LEVEL] package.function(File:Line) - message
	logLine := fmt.Sprintf("%s [%s] %s.%s(%s:%d) - %s",
		entry.Time.Format("2006-01-02 15:04:05.000"),
		strings.ToUpper(entry.Level.String()),
		pkgName,
		funcName,
		fileName,
		lineNum,
		entry.Message,
	)

	if len(entry.Data) > 0 {
		logLine += " {" + formatFields(entry.Data) + "}"
	}

	return []byte(logLine + "\n"), nil
}

// splitFunction turns "btcmonitor/rpc.(*Client).Call" into ("rpc", "Call")
func splitFunction(full string) (string, string) {
	pkgName, funcName := "btcmonitor", full
	if idx := strings.LastIndex(full, "/"); idx >= 0 {
		full = full[idx+1:]
	}
	if idx := strings.Index(full, "."); idx >= 0 {
		pkgName = full[:idx]
	}
	if idx := strings.LastIndex(funcName, "."); idx >= 0 {
		funcName = funcName[idx+1:]
	}
	return pkgName, funcName
}

// formatFields renders fields in key order so log lines are stable
func formatFields(data logrus.Fields) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, ", ")
}

// Logger is an alias for the global logger instance
var Logger = logrus.New()

// Global database hook for querying
var dbHook *DatabaseHook

// LogEntry represents a log entry from the database
type LogEntry struct {
	ID           int       `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	FunctionName string    `json:"function_name"`
	FileName     string    `json:"file_name"`
	LineNumber   int       `json:"line_number"`
	Fields       string    `json:"fields"`
}

// DatabaseEnabled reports whether the SQLite sink is active
func DatabaseEnabled() bool {
	return dbHook != nil
}

// QueryLogs retrieves logs from database with optional filters
func QueryLogs(level string, since *time.Time, limit int) ([]LogEntry, error) {
	if dbHook == nil {
		return nil, fmt.Errorf("database logging not initialized")
	}

	query := "SELECT id, timestamp, level, message, function_name, file_name, line_number, fields FROM logs WHERE 1=1"
	args := []interface{}{}

	if level != "" {
		query += " AND level = ?"
		args = append(args, level)
	}

	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}

	query += " ORDER BY id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := dbHook.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var entry LogEntry
		err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Level, &entry.Message,
			&entry.FunctionName, &entry.FileName, &entry.LineNumber, &entry.Fields)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

// GetLogStats returns statistics about logs
func GetLogStats() (map[string]int, error) {
	if dbHook == nil {
		return nil, fmt.Errorf("database logging not initialized")
	}

	rows, err := dbHook.db.Query("SELECT level, COUNT(*) as count FROM logs GROUP BY level")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, err
		}
		stats[level] = count
	}

	return stats, rows.Err()
}

// Configure points the global logger at its outputs. It is called once from
// main before any component starts.
func Configure(opts Options) error {
	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	Logger.SetLevel(level)

	var writers []io.Writer
	if opts.Console {
		writers = append(writers, NewConsoleFilter(os.Stderr))
	}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	if len(writers) == 0 {
		Logger.Out = io.Discard
	} else {
		Logger.Out = io.MultiWriter(writers...)
	}

	if opts.DBPath != "" {
		hook, err := NewDatabaseHook(opts.DBPath)
		if err != nil {
			return err
		}
		dbHook = hook
		Logger.AddHook(hook)
	}

	Logger.WithFields(Fields{
		"level":   level.String(),
		"file":    opts.File,
		"console": opts.Console,
		"db":      opts.DBPath,
	}).Info("Logging configured")
	return nil
}

func init() {
	// Enable caller reporting for file/line info
	Logger.SetReportCaller(true)
	Logger.SetFormatter(&Log4jFormatter{})
	Logger.SetLevel(logrus.InfoLevel)
	Logger.Out = os.Stderr
}
