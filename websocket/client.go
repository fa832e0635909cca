package websocket

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// ClientConfig holds the dial-side tunables: where to connect, whether
// to wrap the connection in TLS, and the Engine limits to apply once
// connected.
type ClientConfig struct {
	Host            string
	Port            int
	Path            string
	UseTLS          bool
	AllowSelfSigned bool
	DialTimeout     time.Duration
	Engine          EngineConfig
}

// DefaultClientConfig returns a ClientConfig with the package's
// built-in dial timeout and engine defaults, targeting the WebSocket
// default port and root path.
func DefaultClientConfig(host string) ClientConfig {
	return ClientConfig{
		Host:        host,
		Port:        80,
		Path:        "/",
		DialTimeout: 10 * time.Second,
		Engine:      DefaultEngineConfig(),
	}
}

// Dial opens a connection to cfg.Host:cfg.Port, registers a
// client-role Engine with driver, and returns the assigned connection
// index. The upgrade request is queued immediately by the Engine
// constructor; the caller should watch driver.Events() for
// ConnectionAccepted or ConnectionDenied before writing any frames.
func Dial(cfg ClientConfig, protocols []string, driver *Driver, lg *zerolog.Logger) (uint64, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var conn net.Conn
	var err error
	if cfg.UseTLS {
		dialer := &net.Dialer{Timeout: timeout}
		//nolint:gosec // AllowSelfSigned is an explicit opt-in for test/dev environments.
		tlsCfg := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.AllowSelfSigned,
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	} else {
		conn, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return 0, wrapf("dial", err)
	}

	e := NewClientEngine(conn, cfg.Host, cfg.Port, cfg.Path, protocols, EngineOptions{
		Config: cfg.Engine,
		Logger: lg,
	})
	return driver.Register(e), nil
}
