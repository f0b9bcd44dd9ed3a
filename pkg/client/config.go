// Package client implements the dialing side of the tunnel: it holds the
// control link open against a Server, reconnecting with backoff on
// failure, and dispatches each inbound Connect frame to a Handler that
// bridges it to a local service.
package client

import (
	"fmt"

	"github.com/pg9182/tunneld/pkg/envconfig"
	"github.com/rs/zerolog"
)

// Config contains the configuration for the Client.
type Config struct {
	// host:port of the Server's control listener.
	ServerAddr string `env:"TUNNEL_SERVER_ADDR"`

	// The external port to request the Server forward to this Client.
	ExternalPort uint32 `env:"TUNNEL_EXTERNAL_PORT"`

	// The host:port of the local service user connections are bridged to.
	LocalAddr string `env:"TUNNEL_LOCAL_ADDR"`

	// The protocol version to advertise in the Config handshake frame.
	ProtocolVersion uint32 `env:"TUNNEL_PROTOCOL_VERSION=1"`

	// Shared secret used in the RSA handshake. If it begins with @, it is
	// treated as the name of a systemd credential to load.
	Secret string `env:"TUNNEL_SECRET" sdcreds:"load,trimspace"`

	// The address the admin HTTP surface (/metrics, /debug/pprof) listens
	// on. Empty disables it.
	AdminAddr string `env:"TUNNEL_ADMIN_ADDR"`

	// Secret token for accessing /metrics.
	MetricsSecret string `env:"TUNNEL_METRICS_SECRET" sdcreds:"load,trimspace"`

	// Maximum frame payload length accepted on the control link.
	MaxFramePayload uint64 `env:"TUNNEL_MAX_FRAME_PAYLOAD=16777216"`

	// Caps the exponential reconnect backoff; 0 uses the package default
	// (60s).
	MaxBackoff string `env:"TUNNEL_MAX_BACKOFF"`

	LogLevel        zerolog.Level `env:"TUNNEL_LOG_LEVEL=info"`
	LogStdout       bool          `env:"TUNNEL_LOG_STDOUT=true"`
	LogStdoutPretty bool          `env:"TUNNEL_LOG_STDOUT_PRETTY=true"`
	LogFile         string        `env:"TUNNEL_LOG_FILE"`

	NotifySocket string `env:"NOTIFY_SOCKET"`
}

var envPrefixes = []string{"TUNNEL_", "NOTIFY_SOCKET="}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment variables
// into c, setting default values as appropriate.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	return envconfig.Unmarshal(c, es, envPrefixes, incremental)
}

// Validate checks constraints UnmarshalEnv cannot express via struct tags.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("client: TUNNEL_SERVER_ADDR must be set")
	}
	if c.ExternalPort < 1 || c.ExternalPort > 65535 {
		return fmt.Errorf("client: external port %d out of range 1..65535", c.ExternalPort)
	}
	if c.Secret == "" {
		return fmt.Errorf("client: TUNNEL_SECRET must be set")
	}
	return nil
}
