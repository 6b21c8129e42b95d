// Package config implements the flat, YAML-backed process configuration
// for the ota-admin-server binary: listener address, cipher policy, key
// store location, session/window tunables, and the admin HTTP surface.
// The shape follows a CheckAndSetDefaults validation idiom rather than
// a layered/merged config tree.
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/cardlink/ota-admin-server/lib/psktls"
)

// CipherSuiteConfig names one PSK cipher suite by its SCP81/IANA name, for
// the YAML representation of a Policy (psktls.CipherSuite isn't itself
// YAML-friendly since it's a bare numeric id).
type CipherSuiteConfig string

const (
	SuiteAES128CBCSHA256 CipherSuiteConfig = "TLS_PSK_WITH_AES_128_CBC_SHA256"
	SuiteAES128CBCSHA    CipherSuiteConfig = "TLS_PSK_WITH_AES_128_CBC_SHA"
	Suite3DESEDECBCSHA   CipherSuiteConfig = "TLS_PSK_WITH_3DES_EDE_CBC_SHA"
	SuiteNULLSHA256      CipherSuiteConfig = "TLS_PSK_WITH_NULL_SHA256"
	SuiteNULLSHA         CipherSuiteConfig = "TLS_PSK_WITH_NULL_SHA"
)

var suiteByName = map[CipherSuiteConfig]psktls.CipherSuite{
	SuiteAES128CBCSHA256: psktls.TLS_PSK_WITH_AES_128_CBC_SHA256,
	SuiteAES128CBCSHA:    psktls.TLS_PSK_WITH_AES_128_CBC_SHA,
	Suite3DESEDECBCSHA:   psktls.TLS_PSK_WITH_3DES_EDE_CBC_SHA,
	SuiteNULLSHA256:      psktls.TLS_PSK_WITH_NULL_SHA256,
	SuiteNULLSHA:         psktls.TLS_PSK_WITH_NULL_SHA,
}

// Config is the top-level process configuration, loaded from a single
// YAML document.
type Config struct {
	// ListenAddr is the host:port the admin TLS listener binds.
	ListenAddr string `yaml:"listen_addr"`
	// KeyFile is the path to the YAML PSK key file backing the Key Store.
	KeyFile string `yaml:"key_file"`
	// ScriptDir is the directory the Script Loader scans at startup.
	ScriptDir string `yaml:"script_dir,omitempty"`
	// CipherSuites is the enabled policy's suite list, server-preference
	// order. Defaults to the mandatory suite plus the two legacy suites.
	CipherSuites []CipherSuiteConfig `yaml:"cipher_suites,omitempty"`
	// EnableNullCiphers opts into the NULL-integrity suites on top of
	// CipherSuites. Requires explicit operator acknowledgement, per
	// spec.md's startup-warning requirement.
	EnableNullCiphers bool `yaml:"enable_null_ciphers,omitempty"`
	// AdminPath is the HTTP path the admin driver accepts POSTs on.
	AdminPath string `yaml:"admin_path,omitempty"`
	// SessionIdleTimeout is how long an Active session may go without an
	// exchange before the sweep force-closes it.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout,omitempty"`
	// SessionSweepInterval is how often the idle sweep runs.
	SessionSweepInterval time.Duration `yaml:"session_sweep_interval,omitempty"`
	// SessionMaxAge bounds how long a closed session record is retained.
	SessionMaxAge time.Duration `yaml:"session_max_age,omitempty"`
	// MismatchWindow and MismatchThreshold configure the per-client-IP
	// repeated-PSK-mismatch detector (C8).
	MismatchWindow    time.Duration `yaml:"mismatch_window,omitempty"`
	MismatchThreshold int           `yaml:"mismatch_threshold,omitempty"`
	// ErrorRateWindow and ErrorRateThreshold configure the per-kind
	// error-rate engine (C8).
	ErrorRateWindow    time.Duration `yaml:"error_rate_window,omitempty"`
	ErrorRateThreshold int           `yaml:"error_rate_threshold,omitempty"`
	// HandshakeTimeout bounds the PSK-TLS handshake (C9).
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`
	// RequestReadTimeout bounds each admin POST read (C10).
	RequestReadTimeout time.Duration `yaml:"request_read_timeout,omitempty"`
	// ShutdownDrainTimeout bounds how long a graceful shutdown waits for
	// in-flight sessions to close on their own before forcing them shut.
	ShutdownDrainTimeout time.Duration `yaml:"shutdown_drain_timeout,omitempty"`
	// LogLevel is a logrus level name ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level,omitempty"`
}

// CheckAndSetDefaults validates required fields and fills optional ones.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		return trace.BadParameter("listen_addr must be provided")
	}
	if c.KeyFile == "" {
		return trace.BadParameter("key_file must be provided")
	}
	if len(c.CipherSuites) == 0 {
		c.CipherSuites = []CipherSuiteConfig{SuiteAES128CBCSHA256, SuiteAES128CBCSHA, Suite3DESEDECBCSHA}
	}
	if c.AdminPath == "" {
		c.AdminPath = "/cardlink/ota"
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = 5 * time.Minute
	}
	if c.SessionSweepInterval == 0 {
		c.SessionSweepInterval = 30 * time.Second
	}
	if c.SessionMaxAge == 0 {
		c.SessionMaxAge = time.Hour
	}
	if c.MismatchWindow == 0 {
		c.MismatchWindow = time.Minute
	}
	if c.MismatchThreshold == 0 {
		c.MismatchThreshold = 5
	}
	if c.ErrorRateWindow == 0 {
		c.ErrorRateWindow = time.Minute
	}
	if c.ErrorRateThreshold == 0 {
		c.ErrorRateThreshold = 10
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.RequestReadTimeout == 0 {
		c.RequestReadTimeout = 60 * time.Second
	}
	if c.ShutdownDrainTimeout == 0 {
		c.ShutdownDrainTimeout = 10 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := c.ResolveCipherSuites(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// ResolveCipherSuites builds a psktls.Policy from the configured suite
// names, applying EnableNullCiphers if set.
func (c *Config) ResolveCipherSuites() (*psktls.Policy, error) {
	suites := make([]psktls.CipherSuite, 0, len(c.CipherSuites))
	for _, name := range c.CipherSuites {
		suite, ok := suiteByName[name]
		if !ok {
			return nil, trace.BadParameter("unknown cipher suite name %q", name)
		}
		suites = append(suites, suite)
	}
	policy, err := psktls.NewPolicy(suites)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if c.EnableNullCiphers {
		policy = policy.EnableNullCiphers()
	}
	return policy, nil
}

// ParseLogLevel resolves LogLevel to a logrus.Level, defaulting to Info on
// an unrecognized value.
func (c *Config) ParseLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Load reads and parses a Config from path, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.BadParameter("invalid config file %q: %v", path, err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}
