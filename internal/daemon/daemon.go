// Package daemon assembles the gateway and its collaborators from a config
// snapshot and owns their lifecycle.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/goclaw-ai/goclaw/internal/audit"
	"github.com/goclaw-ai/goclaw/internal/auth"
	"github.com/goclaw-ai/goclaw/internal/config"
	"github.com/goclaw-ai/goclaw/internal/csrf"
	"github.com/goclaw-ai/goclaw/internal/executor"
	"github.com/goclaw-ai/goclaw/internal/gateway"
	"github.com/goclaw-ai/goclaw/internal/hooks"
	"github.com/goclaw-ai/goclaw/internal/identity"
	"github.com/goclaw-ai/goclaw/internal/metrics"
)

const csrfSweepInterval = 10 * time.Minute

// Options configure daemon assembly.
type Options struct {
	Store *config.Store
	Paths config.Paths
	Log   *logrus.Entry
}

// Daemon owns the gateway, the identity store and the observability
// listeners for one process.
type Daemon struct {
	log      *logrus.Entry
	store    *config.Store
	paths    config.Paths
	identity *identity.Store
	csrf     *csrf.Store
	audit    *audit.Writer
	registry *hooks.Registry
	gateway  *gateway.Server

	metricsServer *http.Server
}

// New wires a daemon from the store's current snapshot. Auth method,
// hook set and listen addresses are fixed until restart; the safety
// policy and rate limits follow reloads.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("daemon: config store is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.WithField("component", "daemon")
	}
	snap := opts.Store.Current()

	idStore, err := identity.Open(identity.Options{DBPath: opts.Paths.IdentityDB})
	if err != nil {
		return nil, fmt.Errorf("daemon: open identity store: %w", err)
	}

	authenticator, err := auth.New(auth.Config{
		Method:         auth.Method(snap.Auth.Method),
		ChallengeTTL:   time.Duration(snap.Auth.ChallengeTTLSecs) * time.Second,
		WebAuthnRPID:   snap.Auth.WebAuthnRPID,
		WebAuthnOrigin: snap.Auth.WebAuthnOrigin,
	}, idStore)
	if err != nil {
		idStore.Close()
		return nil, err
	}

	d := &Daemon{
		log:      log,
		store:    opts.Store,
		paths:    opts.Paths,
		identity: idStore,
		csrf:     csrf.NewStore(snap.Csrf.TTL()),
	}

	auditPath := snap.Audit.Path
	if auditPath == "" {
		auditPath = filepath.Join(opts.Paths.Logs, "audit.log")
	}
	d.audit = audit.NewWriter(auditPath, snap.Audit.MaxSizeMB)

	d.registry = hooks.NewRegistry()
	if snap.Hooks.Metrics {
		d.registry.Register(hooks.MetricsHook{})
	}
	if snap.Hooks.Audit {
		d.registry.Register(hooks.AuditHook{Writer: d.audit})
	}
	if err := d.loadScriptHooks(snap.Hooks.ScriptDir); err != nil {
		d.Close()
		return nil, err
	}

	gw, err := gateway.NewServer(gateway.Deps{
		Config:  opts.Store,
		Hooks:   d.registry,
		Csrf:    d.csrf,
		Auth:    authenticator,
		Sandbox: defaultSandbox(opts.Paths),
		Log:     log.WithField("component", "gateway"),
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.gateway = gw

	if snap.Metrics.Listen != "" {
		registry := prometheus.NewRegistry()
		metrics.Register(registry)
		d.metricsServer = &http.Server{
			Addr:    snap.Metrics.Listen,
			Handler: metrics.Handler(registry),
		}
	}
	return d, nil
}

func (d *Daemon) loadScriptHooks(dir string) error {
	if dir == "" {
		dir = d.paths.HooksDir
	}
	scripts, err := hooks.LoadScriptDir(dir)
	if err != nil {
		return fmt.Errorf("daemon: load script hooks: %w", err)
	}
	for _, script := range scripts {
		d.registry.Register(script)
		d.log.WithField("hook", script.Name()).Info("daemon: script hook registered")
	}
	return nil
}

// Run serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.csrf.StartSweeper(csrfSweepInterval)

	if d.metricsServer != nil {
		go func() {
			if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.log.WithError(err).Error("daemon: metrics listener failed")
			}
		}()
	}

	return d.gateway.ListenAndServe(ctx)
}

// Reload re-reads the config file and dispatches the reload hook. Invoked
// from the SIGHUP handler; the reload_config control frame takes the same
// path through the store.
func (d *Daemon) Reload() {
	summary, err := d.store.Reload()
	if err != nil {
		metrics.IncConfigReload("error")
		d.log.WithError(err).Error("daemon: reload rejected, keeping current config")
		return
	}

	changed := make([]string, 0, len(summary.Changed))
	for _, fc := range summary.Changed {
		changed = append(changed, fc.Field)
	}
	d.registry.Dispatch(&hooks.Context{
		Event: hooks.EventConfigReload,
		Metadata: map[string]any{
			"result":           "success",
			"changed":          changed,
			"restart_required": summary.RestartRequired,
		},
	})
	d.log.WithFields(logrus.Fields{
		"changed":          changed,
		"restart_required": summary.RestartRequired,
	}).Info("daemon: config reloaded")
}

// Shutdown stops the gateway with its grace period, then the listeners.
func (d *Daemon) Shutdown(ctx context.Context) error {
	err := d.gateway.Shutdown(ctx)
	if d.metricsServer != nil {
		d.metricsServer.Shutdown(ctx)
	}
	d.Close()
	return err
}

// Close releases stores and writers without a graceful drain.
func (d *Daemon) Close() {
	if d.csrf != nil {
		d.csrf.Stop()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if d.identity != nil {
		d.identity.Close()
	}
}

// Identity exposes the credential store for local administrative commands.
func (d *Daemon) Identity() *identity.Store {
	return d.identity
}

// defaultSandbox denies the gateway's own credential material to tools
// along with the usual key and credential locations.
func defaultSandbox(paths config.Paths) executor.SandboxPolicy {
	deny := []string{paths.IdentityDB, paths.Home}
	if home, err := os.UserHomeDir(); err == nil {
		deny = append(deny,
			filepath.Join(home, ".ssh"),
			filepath.Join(home, ".aws", "credentials"),
			filepath.Join(home, ".gnupg"),
		)
	}
	return executor.SandboxPolicy{DenyPaths: deny}
}
