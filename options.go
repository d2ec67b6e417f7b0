package shindan

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	databaseURL       string
	notifyURL         string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	tools             []Tool
	extraMigrations   []fs.FS
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries; LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported to MCP servers and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider (Ollama/OpenAI/noop).
// The provided implementation must satisfy the EmbeddingProvider interface.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithTool registers an additional diagnostic tool alongside the built-in
// ones. Multiple tools may be registered; names must be unique across the
// whole registry, built-ins and MCP-mounted tools included.
func WithTool(t Tool) Option {
	return func(o *resolvedOptions) { o.tools = append(o.tools, t) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after built-in migrations.
// Multiple filesystems may be registered; they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
