package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/rs/zerolog"
)

// Server accepts TCP (optionally TLS) connections and hands each one
// to a Driver as a freshly constructed server-role Engine in
// Handshaking phase. It does not interpret frames itself — all of that
// lives in the Engine and Driver.
type Server struct {
	cfg       ServerConfig
	protocols []string
	driver    *Driver
	log       zerolog.Logger

	listener net.Listener
}

// NewServer constructs a Server bound to cfg's address, publishing
// every connection's events onto driver. protocols lists the
// subprotocols this server is willing to negotiate. The client's offer
// order alone decides which one is chosen; the order of this list has
// no effect.
func NewServer(cfg ServerConfig, protocols []string, driver *Driver, lg *zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		protocols: protocols,
		driver:    driver,
		log:       logger(lg),
	}
}

// tlsConfigured reports whether both a cert and key file were given.
func (s *Server) tlsConfigured() bool {
	return s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != ""
}

// Listen opens the listening socket (TLS-wrapped when the config names
// a certificate pair) without yet accepting connections.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)

	if s.tlsConfigured() {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return wrapf("load TLS certificate", err)
		}
		tlsCfg := &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		ln, err := tls.Listen("tcp", addr, tlsCfg)
		if err != nil {
			return wrapf("listen", err)
		}
		s.listener = ln
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return wrapf("listen", err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until ctx is canceled or the listener
// errors. Each accepted connection becomes a new server-role Engine,
// registered with the Driver in Handshaking phase — nothing about the
// handshake or frame protocol happens in this loop.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return wrapf("accept", err)
			}
		}

		e := NewServerEngine(conn, conn.RemoteAddr().String(), s.protocols, EngineOptions{
			Config:   s.cfg.Engine,
			ServerID: s.cfg.ServerID,
			Logger:   &s.log,
		})
		idx := s.driver.Register(e)
		s.log.Debug().Uint64("index", idx).Str("remote", e.RemoteAddr()).Msg("accepted connection")
	}
}

// Addr returns the listener's bound address, for tests that bind to
// port 0 and need to discover the chosen port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting new connections. It does not touch connections
// already handed to the Driver.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
