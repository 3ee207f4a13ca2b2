// Package transport performs the actual socket work behind the endpoint
// registry: binding listener sockets, dialing outbound connections, and
// owning the per-connection execution contexts that deferred work runs on.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/relaymesh/relayd/internal/connmgr"
	"github.com/relaymesh/relayd/internal/tlswarn"
)

const defaultDialTimeout = 10 * time.Second

// Conn pairs a network connection with its execution context. It
// implements connmgr.Connection.
type Conn struct {
	nc        net.Conn
	exec      *ExecContext
	closeOnce sync.Once
}

func newConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, exec: NewExecContext()}
}

// Defer posts work to this connection's execution context.
func (c *Conn) Defer(run func(discard bool)) bool {
	return c.exec.Post(NewTask(run))
}

// Close tears the connection down. Pending deferred work runs with
// discard=true.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.exec.Close()
		err = c.nc.Close()
	})
	return err
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// NetConn exposes the underlying connection for the protocol layer.
func (c *Conn) NetConn() net.Conn {
	return c.nc
}

// TCP binds and dials plain or TLS TCP endpoints. It implements
// connmgr.Binder and connmgr.Dialer.
type TCP struct {
	// Handler receives every accepted or established connection. A nil
	// handler closes inbound connections immediately.
	Handler func(*Conn)
	// DialTimeout bounds outbound connection attempts; zero means the
	// default of 10s.
	DialTimeout time.Duration
}

// Binding is a live bound socket. It implements connmgr.Binding.
type Binding struct {
	ln net.Listener
}

// Addr returns the bound address.
func (b *Binding) Addr() string {
	return b.ln.Addr().String()
}

// Close stops accepting; in-flight connections are unaffected.
func (b *Binding) Close() error {
	return b.ln.Close()
}

// Bind listens on cfg.HostPort, wrapping the listener in TLS when the
// config carries certificate material.
func (t *TCP) Bind(_ context.Context, cfg *connmgr.ServerConfig) (connmgr.Binding, error) {
	ln, err := net.Listen("tcp", cfg.HostPort)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.HostPort, err)
	}

	if cfg.SSLCertFile != "" {
		tlsCfg, err := serverTLSConfig(cfg)
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	b := &Binding{ln: ln}
	go t.acceptLoop(b)
	return b, nil
}

func (t *TCP) acceptLoop(b *Binding) {
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("[Transport] Accept on %s failed: %v", b.Addr(), err)
			}
			return
		}
		conn := newConn(nc)
		if t.Handler != nil {
			t.Handler(conn)
		} else {
			conn.Close()
		}
	}
}

// Dial initiates one outbound connection attempt. Retry and backoff are
// the caller's concern.
func (t *TCP) Dial(ctx context.Context, cfg *connmgr.ServerConfig) (connmgr.Connection, error) {
	timeout := t.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	nd := &net.Dialer{Timeout: timeout}

	var nc net.Conn
	var err error
	if useTLS(cfg) {
		tlsCfg, cfgErr := clientTLSConfig(cfg)
		if cfgErr != nil {
			return nil, cfgErr
		}
		td := &tls.Dialer{NetDialer: nd, Config: tlsCfg}
		nc, err = td.DialContext(ctx, "tcp", cfg.HostPort)
	} else {
		nc, err = nd.DialContext(ctx, "tcp", cfg.HostPort)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", cfg.HostPort, err)
	}

	conn := newConn(nc)
	if t.Handler != nil {
		t.Handler(conn)
	}
	return conn, nil
}

func useTLS(cfg *connmgr.ServerConfig) bool {
	return cfg.SSLRequired || cfg.SSLCertFile != "" || cfg.SSLTrustedCertificateDB != ""
}

func serverTLSConfig(cfg *connmgr.ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.SSLCertFile, cfg.SSLPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: load key pair for %s: %w", cfg.HostPort, err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.SSLTrustedCertificateDB != "" {
		pool, err := loadCertPool(cfg.SSLTrustedCertificateDB)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
	}
	if cfg.SSLRequirePeerAuthentication || cfg.RequireAuthentication {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func clientTLSConfig(cfg *connmgr.ServerConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.SSLCertFile != "" && cfg.SSLPrivateKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SSLCertFile, cfg.SSLPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("transport: load key pair for %s: %w", cfg.HostPort, err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.SSLTrustedCertificateDB != "" {
		pool, err := loadCertPool(cfg.SSLTrustedCertificateDB)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	if !cfg.VerifyHostName {
		tlswarn.LogDisabledVerification()
		tlsCfg.InsecureSkipVerify = true
	}
	return tlsCfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transport: read trusted CA db %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("transport: no certificates parsed from %s", path)
	}
	return pool, nil
}
