// Package gateway provides the HTTP admin and ingress API of BotClaw.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/agent"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
	"github.com/jholhewres/botclaw/pkg/botclaw/database"
)

// HTTPChannel is the channel name of events whose replies are returned in
// the HTTP response.
const HTTPChannel = "http"

// Config configures the gateway.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address is the listen address.
	Address string `yaml:"address"`

	// AuthToken, when set, is required as a Bearer token on /api routes.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists origins allowed to call the API from a browser.
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{Address: "127.0.0.1:8085"}
}

// Gateway is the HTTP API.
type Gateway struct {
	agent     *agent.Agent
	channels  *channels.Manager
	db        *database.DB
	config    Config
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway. chans and db may be nil; events for named
// channels are then rejected and /health omits the database.
func New(ag *agent.Agent, chans *channels.Manager, db *database.DB, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	return &Gateway{
		agent:     ag,
		channels:  chans,
		db:        db,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed API with its middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)

	mux.HandleFunc("GET /api/commands", g.handleListCommands)
	mux.HandleFunc("POST /api/commands/{name}/enable", g.handleSetEnabled(true))
	mux.HandleFunc("POST /api/commands/{name}/disable", g.handleSetEnabled(false))

	mux.HandleFunc("GET /api/sources", g.handleListSources)
	mux.HandleFunc("POST /api/sources/{name}/reload", g.handleReloadSource)

	mux.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", g.handleDeleteSession)
	mux.HandleFunc("PUT /api/sessions/{id}/participants/{user}", g.handleJoinSession)
	mux.HandleFunc("DELETE /api/sessions/{id}/participants/{user}", g.handleLeaveSession)

	mux.HandleFunc("POST /api/events", g.handleEvent)

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return g.server.Shutdown(ctx)
}

func isLoopback(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
