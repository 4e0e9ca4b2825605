package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const shutdownTimeout = 10 * time.Second

func NewServer(addr string, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Transport runs the HTTP server as a start/stop-able connectivity transport.
type Transport struct {
	addr string
	mux  *http.ServeMux

	mu    sync.Mutex
	srv   *http.Server
	errCh chan error
	bound string
}

func NewTransport(addr string, mux *http.ServeMux) *Transport {
	return &Transport{addr: addr, mux: mux}
}

func (t *Transport) Name() string { return "wifi" }

// Start binds the listener synchronously so a failure surfaces to the caller,
// then serves in the background.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.srv != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", t.addr, err)
	}

	srv := NewServer(t.addr, t.mux)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	t.srv = srv
	t.errCh = errCh
	t.bound = ln.Addr().String()
	return nil
}

// Stop shuts the server down gracefully. It is a no-op when not running.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	srv, errCh := t.srv, t.errCh
	t.srv, t.errCh, t.bound = nil, nil, ""
	t.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address while running.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound
}

func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.srv != nil
}
