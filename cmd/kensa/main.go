// Command kensa is the evaluation control plane: an interactive shell and
// one-shot CLI over the artifact store, and the HTTP/MCP server (kensa serve).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kensa"
	"github.com/ashita-ai/kensa/internal/cli"
	"github.com/ashita-ai/kensa/internal/service/control"
)

// version is set at build time via -ldflags.
var version = "dev"

// closeTimeout bounds cancellation of runs still active when the CLI exits.
const closeTimeout = 30 * time.Second

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	args := os.Args[1:]
	logger := newLogger(len(args) > 0 && args[0] == "serve")
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var app *kensa.App
	defer func() {
		if app == nil {
			return
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	deps := cli.Deps{
		Open: func(ctx context.Context) (*control.Service, error) {
			a, err := kensa.New(ctx, kensa.WithLogger(logger), kensa.WithVersion(version))
			if err != nil {
				return nil, err
			}
			app = a
			return a.Service(), nil
		},
		Serve: func(ctx context.Context, port int) error {
			opts := []kensa.Option{kensa.WithLogger(logger), kensa.WithVersion(version)}
			if port != 0 {
				opts = append(opts, kensa.WithPort(port))
			}
			a, err := kensa.New(ctx, opts...)
			if err != nil {
				return err
			}
			// Run closes the App itself.
			return a.Run(ctx)
		},
		Version: version,
		In:      os.Stdin,
		Out:     os.Stdout,
		Err:     os.Stderr,
	}
	return cli.Execute(ctx, deps, args)
}

// newLogger logs JSON to stdout for the server. Other commands share the
// terminal with their own output, so they log text to stderr and stay quiet
// below warnings unless KENSA_LOG_LEVEL asks for more.
func newLogger(serving bool) *slog.Logger {
	level := slog.LevelInfo
	if !serving {
		level = slog.LevelWarn
	}
	switch strings.ToLower(os.Getenv("KENSA_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if serving {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
