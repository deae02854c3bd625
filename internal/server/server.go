package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kensa/internal/service/control"
)

// Server is the kensa HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// MCPServer and OpenAPISpec are optional.
type ServerConfig struct {
	Service *control.Service
	Logger  *slog.Logger

	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Middlewares wrap the whole handler, the first listed outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Service:             cfg.Service,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()
	const v1 = "/api/v1"

	// Literal "/name" and "/export" segments take precedence over "{id}".
	mux.HandleFunc("POST "+v1+"/datasets", h.HandleCreateDataset)
	mux.HandleFunc("GET "+v1+"/datasets", h.HandleListDatasets)
	mux.HandleFunc("GET "+v1+"/datasets/name", h.HandleDatasetNames)
	mux.HandleFunc("GET "+v1+"/datasets/{id}", h.HandleGetDataset)
	mux.HandleFunc("DELETE "+v1+"/datasets/{id}", h.HandleDeleteDataset)

	mux.HandleFunc("POST "+v1+"/prompt-templates", h.HandleCreatePromptTemplate)
	mux.HandleFunc("GET "+v1+"/prompt-templates", h.HandleListPromptTemplates)
	mux.HandleFunc("GET "+v1+"/prompt-templates/name", h.HandlePromptTemplateNames)
	mux.HandleFunc("GET "+v1+"/prompt-templates/{id}", h.HandleGetPromptTemplate)
	mux.HandleFunc("DELETE "+v1+"/prompt-templates/{id}", h.HandleDeletePromptTemplate)

	mux.HandleFunc("POST "+v1+"/metrics", h.HandleCreateMetric)
	mux.HandleFunc("GET "+v1+"/metrics", h.HandleListMetrics)
	mux.HandleFunc("GET "+v1+"/metrics/name", h.HandleMetricNames)
	mux.HandleFunc("GET "+v1+"/metrics/{id}", h.HandleGetMetric)
	mux.HandleFunc("DELETE "+v1+"/metrics/{id}", h.HandleDeleteMetric)

	mux.HandleFunc("POST "+v1+"/llm-endpoints", h.HandleCreateEndpoint)
	mux.HandleFunc("GET "+v1+"/llm-endpoints", h.HandleListEndpoints)
	mux.HandleFunc("GET "+v1+"/llm-endpoints/name", h.HandleEndpointNames)
	mux.HandleFunc("GET "+v1+"/llm-endpoints/{id}", h.HandleGetEndpoint)
	mux.HandleFunc("PUT "+v1+"/llm-endpoints/{id}", h.HandleUpdateEndpoint)
	mux.HandleFunc("DELETE "+v1+"/llm-endpoints/{id}", h.HandleDeleteEndpoint)

	mux.HandleFunc("POST "+v1+"/recipes", h.HandleCreateRecipe)
	mux.HandleFunc("GET "+v1+"/recipes", h.HandleListRecipes)
	mux.HandleFunc("GET "+v1+"/recipes/name", h.HandleRecipeNames)
	mux.HandleFunc("GET "+v1+"/recipes/{id}", h.HandleGetRecipe)
	mux.HandleFunc("PUT "+v1+"/recipes/{id}", h.HandleUpdateRecipe)
	mux.HandleFunc("DELETE "+v1+"/recipes/{id}", h.HandleDeleteRecipe)

	mux.HandleFunc("POST "+v1+"/cookbooks", h.HandleCreateCookbook)
	mux.HandleFunc("GET "+v1+"/cookbooks", h.HandleListCookbooks)
	mux.HandleFunc("GET "+v1+"/cookbooks/name", h.HandleCookbookNames)
	mux.HandleFunc("GET "+v1+"/cookbooks/{id}", h.HandleGetCookbook)
	mux.HandleFunc("PUT "+v1+"/cookbooks/{id}", h.HandleUpdateCookbook)
	mux.HandleFunc("DELETE "+v1+"/cookbooks/{id}", h.HandleDeleteCookbook)

	mux.HandleFunc("POST "+v1+"/bookmarks", h.HandleCreateBookmark)
	mux.HandleFunc("GET "+v1+"/bookmarks", h.HandleListBookmarks)
	mux.HandleFunc("DELETE "+v1+"/bookmarks", h.HandleDeleteAllBookmarks)
	mux.HandleFunc("GET "+v1+"/bookmarks/name", h.HandleBookmarkNames)
	mux.HandleFunc("GET "+v1+"/bookmarks/export", h.HandleExportBookmarks)
	mux.HandleFunc("GET "+v1+"/bookmarks/{id}", h.HandleGetBookmark)
	mux.HandleFunc("DELETE "+v1+"/bookmarks/{id}", h.HandleDeleteBookmark)

	mux.HandleFunc("GET "+v1+"/runners", h.HandleListRunners)
	mux.HandleFunc("GET "+v1+"/runners/name", h.HandleRunnerNames)
	mux.HandleFunc("GET "+v1+"/runners/{id}", h.HandleGetRunner)
	mux.HandleFunc("GET "+v1+"/runners/{id}/runs", h.HandleListRuns)
	mux.HandleFunc("DELETE "+v1+"/runners/{id}", h.HandleDeleteRunner)

	// Runs.
	mux.HandleFunc("POST "+v1+"/benchmarks", h.HandleRunBenchmark)
	mux.HandleFunc("GET "+v1+"/benchmarks/status", h.HandleStatusAll)
	mux.HandleFunc("GET "+v1+"/benchmarks/status/{runner_id}", h.HandleStatus)
	mux.HandleFunc("POST "+v1+"/benchmarks/cancel/{runner_id}", h.HandleCancel)
	mux.HandleFunc("GET "+v1+"/benchmarks/events", h.HandleEvents)
	mux.HandleFunc("GET "+v1+"/benchmarks/results", h.HandleListResults)
	mux.HandleFunc("GET "+v1+"/benchmarks/results/name", h.HandleResultNames)
	mux.HandleFunc("GET "+v1+"/benchmarks/results/{runner_id}", h.HandleGetResult)
	mux.HandleFunc("DELETE "+v1+"/benchmarks/results/{runner_id}", h.HandleDeleteResult)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
