// Package gateway runs relayd's management listeners: the admin HTTP API
// and a gRPC endpoint carrying the standard health service.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownGrace = 5 * time.Second

// Options configure additional behaviour for the gateway.
type Options struct {
	// HTTPAddr is the admin API bind address (host:port). Port 0 picks a
	// free port.
	HTTPAddr string
	// GRPCAddr is the gRPC bind address. Empty disables the gRPC listener.
	GRPCAddr string
	// RegisterGRPC allows callers to register additional gRPC services on
	// the shared server.
	RegisterGRPC func(*grpc.Server)
}

// Info summarises the listeners exposed by the gateway.
type Info struct {
	HTTPAddr string
	GRPCAddr string
}

// Gateway orchestrates the HTTP and gRPC listeners exposed by the daemon.
type Gateway struct {
	handler http.Handler
	opts    Options

	mu           sync.RWMutex
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server
	errCh        chan error
	wg           sync.WaitGroup
	info         Info
}

// New constructs a Gateway serving the provided handler.
func New(handler http.Handler, opts Options) *Gateway {
	return &Gateway{handler: handler, opts: opts}
}

// Start launches the listeners. It must not be called concurrently with
// Shutdown.
func (g *Gateway) Start(ctx context.Context) (*Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.httpListener != nil {
		return nil, fmt.Errorf("gateway: already started")
	}

	httpListener, err := net.Listen("tcp", g.opts.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("gateway: listen http: %w", err)
	}

	var grpcListener net.Listener
	if g.opts.GRPCAddr != "" {
		grpcListener, err = net.Listen("tcp", g.opts.GRPCAddr)
		if err != nil {
			httpListener.Close()
			return nil, fmt.Errorf("gateway: listen grpc: %w", err)
		}
	}

	g.httpServer = &http.Server{Handler: g.handler}
	g.httpListener = httpListener
	g.errCh = make(chan error, 2)
	g.info = Info{HTTPAddr: httpListener.Addr().String()}

	g.wg.Add(1)
	go g.serveHTTP(ctx, g.httpServer, httpListener)

	if grpcListener != nil {
		grpcServer := grpc.NewServer()
		healthServer := health.NewServer()
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		if g.opts.RegisterGRPC != nil {
			g.opts.RegisterGRPC(grpcServer)
		}

		g.grpcServer = grpcServer
		g.grpcListener = grpcListener
		g.health = healthServer
		g.info.GRPCAddr = grpcListener.Addr().String()

		g.wg.Add(1)
		go g.serveGRPC(ctx, grpcServer, grpcListener)
	}

	errCh := g.errCh
	go func(ch chan error) {
		g.wg.Wait()
		close(ch)
	}(errCh)

	infoCopy := g.info
	return &infoCopy, nil
}

// Err exposes the asynchronous serve failures. The channel is closed when
// all serve goroutines have exited.
func (g *Gateway) Err() <-chan error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.errCh
}

func (g *Gateway) serveHTTP(ctx context.Context, server *http.Server, listener net.Listener) {
	defer g.wg.Done()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			g.pushError(err)
		}
	}()

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		g.pushError(err)
	}
}

func (g *Gateway) serveGRPC(ctx context.Context, grpcServer *grpc.Server, listener net.Listener) {
	defer g.wg.Done()

	go func() {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(shutdownGrace):
			grpcServer.Stop()
		}
	}()

	if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, grpc.ErrServerStopped) {
		g.pushError(err)
	}
}

func (g *Gateway) pushError(err error) {
	if err == nil {
		return
	}
	g.mu.RLock()
	ch := g.errCh
	g.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// Shutdown stops all listeners and waits for goroutines to exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	httpServer := g.httpServer
	grpcServer := g.grpcServer
	healthServer := g.health
	g.httpServer = nil
	g.httpListener = nil
	g.grpcServer = nil
	g.grpcListener = nil
	g.health = nil
	g.errCh = nil
	g.mu.Unlock()

	if httpServer == nil && grpcServer == nil {
		return nil
	}

	if healthServer != nil {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		err := httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	if grpcServer != nil {
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			grpcServer.Stop()
		}
	}

	g.wg.Wait()
	return nil
}
