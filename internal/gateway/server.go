// Package gateway accepts websocket connections from untrusted clients and
// mediates their access to the privileged executor. Each connection is
// owned by exactly one actor goroutine pair (read and write pumps); shared
// state is limited to the config store, the CSRF token store and the hook
// registry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/goclaw-ai/goclaw/internal/auth"
	"github.com/goclaw-ai/goclaw/internal/config"
	"github.com/goclaw-ai/goclaw/internal/csrf"
	"github.com/goclaw-ai/goclaw/internal/executor"
	"github.com/goclaw-ai/goclaw/internal/hooks"
	"github.com/goclaw-ai/goclaw/internal/provider"
	"github.com/goclaw-ai/goclaw/internal/security"
)

const shutdownGrace = 5 * time.Second

// Deps collects the collaborators a server needs. Config, Hooks, Csrf and
// Auth are required; the rest default to the local implementations.
type Deps struct {
	Config *config.Store
	Hooks  *hooks.Registry
	Csrf   *csrf.Store
	Auth   *auth.Authenticator

	// Provider overrides the provider named in the config snapshot.
	Provider provider.Provider

	// AuthPolicy overrides the failure policy derived from the config
	// snapshot, including the artificial delay schedule.
	AuthPolicy *auth.Policy

	// Sandbox is the policy handed to the executor for every tool call.
	Sandbox executor.SandboxPolicy

	// NewExecutor builds the executor for one connection over that
	// connection's safety layer. Defaults to executor.NewLocal.
	NewExecutor func(*security.Layer) executor.Executor

	// OriginAllowed validates the Origin header on upgrade requests.
	// Requests without an Origin header (non-browser clients) are always
	// accepted.
	OriginAllowed func(string) bool

	Log *logrus.Entry
}

// Server upgrades HTTP requests to websocket sessions and runs one
// connection actor per session.
type Server struct {
	deps     Deps
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}

	baseCtx      context.Context
	cancel       context.CancelFunc
	httpServer   *http.Server
	startupOnce  sync.Once
	shutdownOnce sync.Once
}

// NewServer wires a server from its dependencies.
func NewServer(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Hooks == nil || deps.Csrf == nil || deps.Auth == nil {
		return nil, errors.New("gateway: config, hooks, csrf and auth are required")
	}
	if deps.Log == nil {
		deps.Log = logrus.WithField("component", "gateway")
	}
	if deps.Provider == nil {
		deps.Provider = provider.ByName(deps.Config.Current().Provider)
	}
	if deps.NewExecutor == nil {
		deps.NewExecutor = func(layer *security.Layer) executor.Executor {
			return executor.NewLocal(layer)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:    deps,
		conns:   make(map[*conn]struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if deps.OriginAllowed != nil {
				return deps.OriginAllowed(origin)
			}
			return false
		},
	}
	return s, nil
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe binds the configured listen address and serves until ctx
// is cancelled or Shutdown is called. The listen address and TLS material
// are captured once at startup; changing them requires a restart.
func (s *Server) ListenAndServe(ctx context.Context) error {
	snap := s.deps.Config.Current()

	s.httpServer = &http.Server{
		Addr:    snap.Listen,
		Handler: s.Handler(),
	}

	s.startupOnce.Do(func() {
		s.deps.Hooks.Dispatch(&hooks.Context{
			Event:    hooks.EventStartup,
			Metadata: map[string]any{"listen": snap.Listen},
		})
	})

	errCh := make(chan error, 1)
	go func() {
		if snap.TLS.Enabled() {
			errCh <- s.httpServer.ListenAndServeTLS(snap.TLS.CertFile, snap.TLS.KeyFile)
			return
		}
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: serve %s: %w", snap.Listen, err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting connections, gives in-flight connections a
// bounded grace period and dispatches the shutdown hook exactly once.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if s.httpServer != nil {
			stopCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
			defer cancel()
			err = s.httpServer.Shutdown(stopCtx)
		}

		s.cancel()
		deadline := time.NewTimer(shutdownGrace)
		defer deadline.Stop()
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
	wait:
		for s.connCount() > 0 {
			select {
			case <-deadline.C:
				break wait
			case <-tick.C:
			}
		}
		s.closeAll()

		s.deps.Hooks.Dispatch(&hooks.Context{Event: hooks.EventShutdown})
	})
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.WithError(err).Warn("gateway: websocket upgrade failed")
		return
	}

	c, err := newConn(s, ws, r.RemoteAddr)
	if err != nil {
		s.deps.Log.WithError(err).Error("gateway: connection setup failed")
		ws.Close()
		return
	}

	s.register(c)
	go c.writePump()
	go c.run(s.baseCtx)
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}
