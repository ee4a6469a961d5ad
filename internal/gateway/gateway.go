// ABOUTME: Gateway server lifecycle: construction, listening, graceful shutdown
// ABOUTME: Owns the HTTP server and the agent manager behind it

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/palladium/internal/agent"
	"github.com/2389/palladium/internal/config"
	"github.com/2389/palladium/internal/dedupe"
)

// Gateway serves the chat API over HTTP.
type Gateway struct {
	config     *config.Config
	agents     *agent.Manager
	keys       *dedupe.Cache
	httpServer *http.Server
	logger     *slog.Logger
}

// Option configures a Gateway.
type Option func(*options)

type options struct {
	model agent.Model
}

// WithModel replaces the model named in the config.
func WithModel(m agent.Model) Option {
	return func(o *options) { o.model = m }
}

// New creates a new Gateway instance.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	model := o.model
	if model == nil {
		var err error
		model, err = agent.NewModel(cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("creating model: %w", err)
		}
	}

	gw := &Gateway{
		config: cfg,
		agents: agent.NewManager(model, logger),
		keys:   dedupe.New(cfg.Sends.DedupeTTL, cfg.Sends.DedupeSize),
		logger: logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Gateway.HTTPAddr,
		Handler:           gw.withCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the gateway's root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Agents returns the manager holding conversation histories.
func (g *Gateway) Agents() *agent.Manager {
	return g.agents
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat/stream", g.handleStream)
	mux.HandleFunc("POST /chat/stream-with-files", g.handleStreamWithFiles)
	mux.HandleFunc("POST /chat/upload", g.handleUpload)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /{$}", g.handleRoot)
}

// startServer serves on ln in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run serves until the context is canceled, then shuts down gracefully.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Gateway.HTTPAddr,
		"model", g.config.Model.Provider,
	)

	ln, err := net.Listen("tcp", g.config.Gateway.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops accepting requests and waits for open streams.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	err := g.httpServer.Shutdown(ctx)
	g.keys.Close()
	if err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleRoot(w http.ResponseWriter, _ *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
