package server

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"

	"github.com/momentics/wspy/api"
	"github.com/momentics/wspy/control"
	"github.com/momentics/wspy/internal/registry"
	"github.com/momentics/wspy/protocol"
)

// Config holds all server-side configuration parameters.
type Config struct {
	ListenAddr string   `yaml:"listen_addr"` // TCP bind address, e.g. ":9000"
	Protocols  []string `yaml:"protocols"`   // supported subprotocols, in preference order
	Extensions []string `yaml:"extensions"`  // supported extension names
	ReuseAddr  bool     `yaml:"reuse_addr"`  // set SO_REUSEADDR on the listener

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // deadline for the opening handshake
	CloseTimeout     time.Duration `yaml:"close_timeout"`     // wait for the peer's CLOSE echo
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`  // graceful shutdown timeout
	ReadTimeout      time.Duration `yaml:"read_timeout"`      // optional per-frame read deadline
	WriteTimeout     time.Duration `yaml:"write_timeout"`     // optional per-frame write deadline

	MaxHandshakeHeaderSize int   `yaml:"max_handshake_header_size"`
	MaxFramePayload        int64 `yaml:"max_frame_payload"`
	MaxMessageSize         int64 `yaml:"max_message_size"`
	MaxConnections         int   `yaml:"max_connections"` // 0 = unlimited
	RegistryShards         int   `yaml:"registry_shards"`

	ParseJSON bool   `yaml:"parse_json"` // deliver JSON text messages as api.MessageJSON
	LogLevel  string `yaml:"log_level"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:             ":9000",
		ReuseAddr:              true,
		HandshakeTimeout:       10 * time.Second,
		CloseTimeout:           protocol.DefaultCloseTimeout,
		ShutdownTimeout:        30 * time.Second,
		MaxHandshakeHeaderSize: protocol.MaxHandshakeHeaderSize,
		MaxFramePayload:        protocol.DefaultMaxFramePayload,
		MaxMessageSize:         protocol.DefaultMaxMessageSize,
		RegistryShards:         16,
		LogLevel:               "info",
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := control.LoadFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for values the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("listen_addr is required")
	case c.MaxConnections < 0:
		return errors.Errorf("max_connections must not be negative, got %d", c.MaxConnections)
	case c.MaxHandshakeHeaderSize < 0:
		return errors.Errorf("max_handshake_header_size must not be negative, got %d", c.MaxHandshakeHeaderSize)
	}
	return nil
}

// Server accepts TCP connections, performs the opening handshake and
// dispatches each connection on its own goroutine.
type Server struct {
	cfg       *Config
	handler   api.Handler
	log       api.Logger
	tlsConfig *tls.Config
	metrics   *control.MetricsRegistry
	probes    *control.DebugProbes
	connOpts  []protocol.ConnOption

	mu       sync.Mutex
	listener net.Listener
	closing  atomic.Bool
	conns    *registry.Registry[*protocol.Conn]
	inflight sync.WaitGroup
}
