package kensa

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds every extension point after applying defaults.
type resolvedOptions struct {
	port        int
	dataRoot    string
	backendURL  string
	logger      *slog.Logger
	version     string
	observers   []RunObserver
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (KENSA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDataRoot overrides the artifact root (KENSA_DATA_ROOT env var).
// Per-directory overrides from the environment are discarded with it.
func WithDataRoot(root string) Option {
	return func(o *resolvedOptions) { o.dataRoot = root }
}

// WithBackendURL overrides the runner backend address (KENSA_BACKEND_URL env var).
func WithBackendURL(url string) Option {
	return func(o *resolvedOptions) { o.backendURL = url }
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

// WithRunObserver registers an observer for run progress events.
// Multiple observers may be registered; each receives every event.
func WithRunObserver(obs RunObserver) Option {
	return func(o *resolvedOptions) { o.observers = append(o.observers, obs) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Applied in registration order: the first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
