// Package server implements the rendezvous side of the tunnel: the control
// listener that runs the handshake against connecting Clients, a
// PortPolicy-gated forwarder per external port, and the admin/metrics
// surface tying it together.
package server

import (
	"fmt"

	"github.com/pg9182/tunneld/pkg/envconfig"
	"github.com/rs/zerolog"
)

// Config contains the configuration for the Server. The env struct tag
// contains the environment variable name and the default value if missing,
// or empty (if not ?=).
type Config struct {
	// The address the control listener accepts Client connections on.
	ListenAddr string `env:"TUNNELD_LISTEN_ADDR=:7000"`

	// The external TCP port a Client may request via the handshake's
	// Config frame. Kept wider than uint16 so an out-of-range value can be
	// rejected with a clear error instead of silently truncating.
	ListenPort uint32 `env:"TUNNELD_LISTEN_PORT=8000"`

	// Port policy: one of single, multiple, ranged, always.
	PortPolicy string `env:"TUNNELD_PORT_POLICY=single"`

	// Comma-separated list of ports (PortPolicy=multiple) or "lo-hi"
	// (PortPolicy=ranged).
	PortPolicyArgs string `env:"TUNNELD_PORT_POLICY_ARGS"`

	// Shared secret used in the RSA handshake. If it begins with @, it is
	// treated as the name of a systemd credential to load.
	Secret string `env:"TUNNELD_SECRET" sdcreds:"load,trimspace"`

	// The address the admin HTTP surface (/metrics, /debug/pprof) listens
	// on. Empty disables it.
	AdminAddr string `env:"TUNNELD_ADMIN_ADDR"`

	// Secret token for accessing /metrics. If it begins with @, it is
	// treated as the name of a systemd credential to load.
	MetricsSecret string `env:"TUNNELD_METRICS_SECRET" sdcreds:"load,trimspace"`

	// Whether to trust Cloudflare headers on the admin surface.
	Cloudflare bool `env:"TUNNELD_CLOUDFLARE"`

	// The path to an IP2Location database for Connect-frame geo metrics.
	// If empty, geo enrichment degrades silently.
	IP2Location string `env:"TUNNELD_IP2LOCATION"`

	// Per-user inbound queue depth.
	UserQueueSize int `env:"TUNNELD_USER_QUEUE_SIZE=25"`

	// Maximum frame payload length accepted on any control link.
	MaxFramePayload uint64 `env:"TUNNELD_MAX_FRAME_PAYLOAD=16777216"`

	// The minimum log level (e.g. trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"TUNNELD_LOG_LEVEL=info"`

	// Whether to log to stdout, and whether to pretty-print it.
	LogStdout       bool `env:"TUNNELD_LOG_STDOUT=true"`
	LogStdoutPretty bool `env:"TUNNELD_LOG_STDOUT_PRETTY=true"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"TUNNELD_LOG_FILE"`

	// For sd-notify.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// envPrefixes lists the environment variable prefixes this Config reads;
// see envconfig.Unmarshal.
var envPrefixes = []string{"TUNNELD_", "NOTIFY_SOCKET="}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment variables
// into c, setting default values as appropriate. If incremental is true,
// default values are not set for missing env vars, only for empty ones
// (used for SIGHUP reloads).
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	return envconfig.Unmarshal(c, es, envPrefixes, incremental)
}

// Validate checks constraints UnmarshalEnv cannot express via struct tags
// alone, notably the uint32-vs-uint16 port range check.
func (c *Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("server: listen port %d out of range 1..65535", c.ListenPort)
	}
	if c.Secret == "" {
		return fmt.Errorf("server: TUNNELD_SECRET must be set")
	}
	if c.UserQueueSize <= 0 {
		return fmt.Errorf("server: user queue size must be positive")
	}
	return nil
}

// buildPortPolicy constructs the PortPolicy named by c.PortPolicy/c.PortPolicyArgs.
func (c *Config) buildPortPolicy() (PortPolicy, error) {
	switch c.PortPolicy {
	case "", "single":
		return SinglePort(uint16(c.ListenPort)), nil
	case "always":
		return AlwaysAllow(), nil
	case "multiple":
		ports, err := parsePortList(c.PortPolicyArgs)
		if err != nil {
			return nil, err
		}
		return MultiplePorts(ports...), nil
	case "ranged":
		lo, hi, err := parsePortRange(c.PortPolicyArgs)
		if err != nil {
			return nil, err
		}
		return RangedPorts(lo, hi), nil
	default:
		return nil, fmt.Errorf("server: unknown port policy %q", c.PortPolicy)
	}
}

func parsePortList(s string) ([]uint16, error) {
	var out []uint16
	for _, f := range splitNonEmpty(s, ',') {
		var p uint16
		if _, err := fmt.Sscanf(f, "%d", &p); err != nil {
			return nil, fmt.Errorf("server: invalid port %q: %w", f, err)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("server: port policy \"multiple\" requires at least one port")
	}
	return out, nil
}

func parsePortRange(s string) (lo, hi uint16, err error) {
	var a, b uint16
	if n, serr := fmt.Sscanf(s, "%d-%d", &a, &b); serr != nil || n != 2 {
		return 0, 0, fmt.Errorf("server: invalid port range %q (want \"lo-hi\")", s)
	}
	if a > b {
		return 0, 0, fmt.Errorf("server: invalid port range %q: lo > hi", s)
	}
	return a, b, nil
}

func splitNonEmpty(s string, sep rune) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == sep {
			if f := s[start:i]; f != "" {
				out = append(out, f)
			}
			start = i + 1
		}
	}
	if f := s[start:]; f != "" {
		out = append(out, f)
	}
	return out
}

