// Package config holds the gateway configuration as an immutable snapshot
// behind an atomically swappable store. A snapshot is either fully valid or
// rejected wholesale; readers never observe a partially applied state.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is one immutable configuration state. Fields are read-only once
// the snapshot has been published through a Store.
type Snapshot struct {
	Listen   string         `yaml:"listen"`
	Provider string         `yaml:"provider"`
	TLS      TLSSettings    `yaml:"tls"`
	Auth     AuthSettings   `yaml:"auth"`
	Safety   SafetySettings `yaml:"safety"`
	Hooks    HookSettings   `yaml:"hooks"`
	Csrf     CsrfSettings   `yaml:"csrf"`
	Audit    AuditSettings  `yaml:"audit"`
	Metrics  MetricsSettings `yaml:"metrics"`
}

// TLSSettings reference the transport security material. The listen socket
// and TLS material are bound at startup and are not hot-swappable.
type TLSSettings struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether TLS material is configured.
func (t TLSSettings) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// AuthSettings configure client authentication.
type AuthSettings struct {
	// Method is one of "", "password", "totp", "webauthn". Empty disables
	// authentication (loopback development use).
	Method           string `yaml:"method"`
	WebAuthnRPID     string `yaml:"webauthn_rp_id"`
	WebAuthnOrigin   string `yaml:"webauthn_origin"`
	ChallengeTTLSecs int    `yaml:"challenge_ttl_secs"`
	MaxFailures      int    `yaml:"max_failures"`
	FreeFailures     int    `yaml:"free_failures"`
	LockoutSecs      int    `yaml:"lockout_secs"`
}

// SafetySettings tune the defense pipeline.
type SafetySettings struct {
	SSRFEnabled     bool     `yaml:"ssrf_enabled"`
	AllowPrivateIPs bool     `yaml:"allow_private_ips"`
	DenyCIDRs       []string `yaml:"deny_cidrs"`
	InjectionAction string   `yaml:"injection_action"`
	Sensitivity     float64  `yaml:"sensitivity"`
	LeakAction      string   `yaml:"leak_action"`
	MaxInputLen     int      `yaml:"max_input_len"`
	DNSTimeoutSecs  int      `yaml:"dns_timeout_secs"`
}

// HookSettings control which observers are registered at startup.
type HookSettings struct {
	Metrics   bool   `yaml:"metrics"`
	Audit     bool   `yaml:"audit"`
	ScriptDir string `yaml:"script_dir"`
}

// CsrfSettings control the control-plane token discipline.
type CsrfSettings struct {
	TTLSecs int `yaml:"ttl_secs"`
}

// TTL returns the configured token lifetime.
func (c CsrfSettings) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

// AuditSettings configure the append-only audit log.
type AuditSettings struct {
	Path      string `yaml:"path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// MetricsSettings configure the metrics endpoint. An empty listen address
// disables the endpoint.
type MetricsSettings struct {
	Listen string `yaml:"listen"`
}

// Default returns the snapshot used when no config file exists yet.
func Default() Snapshot {
	return Snapshot{
		Listen: "127.0.0.1:8991",
		Auth: AuthSettings{
			ChallengeTTLSecs: 120,
			MaxFailures:      10,
			FreeFailures:     3,
			LockoutSecs:      30,
		},
		Safety: SafetySettings{
			SSRFEnabled:     true,
			InjectionAction: "warn",
			Sensitivity:     0.7,
			LeakAction:      "warn",
			MaxInputLen:     100_000,
			DNSTimeoutSecs:  5,
		},
		Hooks: HookSettings{
			Metrics: true,
			Audit:   true,
		},
		Csrf:  CsrfSettings{TTLSecs: 3600},
		Audit: AuditSettings{MaxSizeMB: 50},
	}
}

// ConfigError reports why a candidate snapshot was rejected. The store is
// left untouched when a ConfigError is returned from a reload.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: invalid snapshot: %s", strings.Join(e.Problems, "; "))
}

var validActions = map[string]struct{}{
	"ignore": {}, "warn": {}, "block": {}, "sanitize": {},
}

var validMethods = map[string]struct{}{
	"": {}, "password": {}, "totp": {}, "webauthn": {},
}

// Validate checks every field of a candidate snapshot. It returns a
// *ConfigError describing all problems, never just the first one.
func Validate(s Snapshot) error {
	var problems []string

	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		problems = append(problems, fmt.Sprintf("listen %q is not host:port", s.Listen))
	}
	if s.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(s.Metrics.Listen); err != nil {
			problems = append(problems, fmt.Sprintf("metrics.listen %q is not host:port", s.Metrics.Listen))
		}
	}
	if (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
		problems = append(problems, "tls requires both cert_file and key_file")
	}

	if _, ok := validMethods[s.Auth.Method]; !ok {
		problems = append(problems, fmt.Sprintf("auth.method %q unknown", s.Auth.Method))
	}
	if s.Auth.Method == "webauthn" {
		if s.Auth.WebAuthnRPID == "" {
			problems = append(problems, "auth.webauthn_rp_id required for webauthn")
		}
		if _, err := url.Parse(s.Auth.WebAuthnOrigin); s.Auth.WebAuthnOrigin == "" || err != nil {
			problems = append(problems, fmt.Sprintf("auth.webauthn_origin %q is not a URL", s.Auth.WebAuthnOrigin))
		}
	}
	if s.Auth.FreeFailures >= s.Auth.MaxFailures {
		problems = append(problems, "auth.free_failures must be below auth.max_failures")
	}

	if _, ok := validActions[s.Safety.InjectionAction]; !ok {
		problems = append(problems, fmt.Sprintf("safety.injection_action %q unknown", s.Safety.InjectionAction))
	}
	if _, ok := validActions[s.Safety.LeakAction]; !ok {
		problems = append(problems, fmt.Sprintf("safety.leak_action %q unknown", s.Safety.LeakAction))
	}
	if s.Safety.Sensitivity < 0 || s.Safety.Sensitivity > 1 {
		problems = append(problems, fmt.Sprintf("safety.sensitivity %v outside [0,1]", s.Safety.Sensitivity))
	}
	for _, cidr := range s.Safety.DenyCIDRs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			problems = append(problems, fmt.Sprintf("safety.deny_cidrs entry %q is not CIDR notation", cidr))
		}
	}

	if s.Csrf.TTLSecs < 0 {
		problems = append(problems, "csrf.ttl_secs must not be negative")
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// Parse reads and validates a snapshot from YAML bytes. Decoding starts
// from Default(), so omitted fields keep the documented defaults while
// explicit values, including explicit false and zero, are honored.
func Parse(data []byte) (Snapshot, error) {
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Snapshot{}, &ConfigError{Problems: []string{fmt.Sprintf("yaml: %v", err)}}
	}
	if err := Validate(s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// ParseFile reads and validates a snapshot from the given path. A missing
// file yields the default snapshot so a fresh install starts cleanly.
func ParseFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Snapshot{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}
