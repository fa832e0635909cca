package websocket

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Default tunables for an Engine and the server that hosts it.
const (
	DefaultReadRate           = 16384
	DefaultWriteRate          = 16384
	DefaultMaxHandshakeLength = 8192
	DefaultAcceptTimeout      = time.Second

	// writeDeadline bounds a single transport.Write call inside the
	// run-loop goroutine. A stalled peer times out the write rather than
	// blocking the loop; HandleWrite leaves the unwritten suffix in
	// writeBuf for the next cycle.
	writeDeadline = 200 * time.Millisecond
)

// EngineConfig holds the per-engine tunables: how many bytes a single
// handle_read/handle_write cycle may move, how large an HTTP upgrade
// block may grow before it's rejected, and which RSV bits (reserved
// for unnegotiated extensions) are tolerated rather than treated as a
// protocol violation.
type EngineConfig struct {
	ReadRate           int  `toml:"read_rate"`
	WriteRate          int  `toml:"write_rate"`
	MaxHandshakeLength int  `toml:"max_handshake_length"`
	AllowRSV1          bool `toml:"allow_rsv1"`
	AllowRSV2          bool `toml:"allow_rsv2"`
	AllowRSV3          bool `toml:"allow_rsv3"`
}

// DefaultEngineConfig returns the package defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ReadRate:           DefaultReadRate,
		WriteRate:          DefaultWriteRate,
		MaxHandshakeLength: DefaultMaxHandshakeLength,
	}
}

// applyDefaults fills zero-valued fields with their package defaults.
// A zero ReadRate/WriteRate/MaxHandshakeLength is never a meaningful
// configuration, so treating zero as "unset" is safe.
func (c EngineConfig) applyDefaults() EngineConfig {
	if c.ReadRate == 0 {
		c.ReadRate = DefaultReadRate
	}
	if c.WriteRate == 0 {
		c.WriteRate = DefaultWriteRate
	}
	if c.MaxHandshakeLength == 0 {
		c.MaxHandshakeLength = DefaultMaxHandshakeLength
	}
	return c
}

// ServerConfig holds the listener-level tunables: where to bind, an
// optional TLS certificate pair, how long a handshaken-but-unaccepted
// connection may wait before the server denies it, and the identifier
// string the server reports in its HTTP responses.
type ServerConfig struct {
	BindAddress   string        `toml:"bind_address"`
	Port          int           `toml:"port"`
	TLSCertFile   string        `toml:"tls_cert_file"`
	TLSKeyFile    string        `toml:"tls_key_file"`
	AcceptTimeout time.Duration `toml:"-"`
	ServerID      string        `toml:"server_identifier"`
	Engine        EngineConfig  `toml:"engine"`
}

// DefaultServerConfig returns a ServerConfig with the package's
// built-in constants: an 8192-byte handshake ceiling and a one-second
// accept timeout, binding to 0.0.0.0:80.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddress:   "0.0.0.0",
		Port:          80,
		AcceptTimeout: DefaultAcceptTimeout,
		ServerID:      "wsrelay",
		Engine:        DefaultEngineConfig(),
	}
}

// fileServerConfig mirrors ServerConfig but with a TOML-friendly
// duration field, since encoding/toml has no native time.Duration
// support.
type fileServerConfig struct {
	BindAddress         string       `toml:"bind_address"`
	Port                int          `toml:"port"`
	TLSCertFile         string       `toml:"tls_cert_file"`
	TLSKeyFile          string       `toml:"tls_key_file"`
	AcceptTimeoutMillis int          `toml:"accept_timeout_ms"`
	ServerID            string       `toml:"server_identifier"`
	Engine              EngineConfig `toml:"engine"`
}

// LoadServerConfigTOML reads a ServerConfig from a TOML file, applying
// the package defaults to any field left unset. This lets the demo CLI
// (cmd/wsrelay) take a config file instead of repeating flags.
func LoadServerConfigTOML(path string) (ServerConfig, error) {
	var fc fileServerConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return ServerConfig{}, wrapf("load server config", err)
	}

	cfg := DefaultServerConfig()
	if fc.BindAddress != "" {
		cfg.BindAddress = fc.BindAddress
	}
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	cfg.TLSCertFile = fc.TLSCertFile
	cfg.TLSKeyFile = fc.TLSKeyFile
	if fc.AcceptTimeoutMillis != 0 {
		cfg.AcceptTimeout = time.Duration(fc.AcceptTimeoutMillis) * time.Millisecond
	}
	if fc.ServerID != "" {
		cfg.ServerID = fc.ServerID
	}
	cfg.Engine = fc.Engine.applyDefaults()

	return cfg, nil
}
