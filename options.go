package hibiki

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	notifyURL   string
	sqlitePath  string
	logger      *slog.Logger
	version     string
	completer   Completer
	toolInvoker ToolInvoker
	bus         Bus
}

// WithPort overrides the TCP port from config (HIBIKI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the SQLite file path from config (HIBIKI_SQLITE_PATH env var).
// When set, the SQLite store is used instead of Postgres.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCompleter replaces the auto-detected completion client (OpenAI/Ollama).
// Only the last call wins.
func WithCompleter(c Completer) Option {
	return func(o *resolvedOptions) { o.completer = c }
}

// WithToolInvoker replaces the MCP tool client (or the empty static set).
// Only the last call wins.
func WithToolInvoker(t ToolInvoker) Option {
	return func(o *resolvedOptions) { o.toolInvoker = t }
}

// WithBus replaces the fan-out bus connecting server processes.
// Only the last call wins.
func WithBus(b Bus) Option {
	return func(o *resolvedOptions) { o.bus = b }
}
