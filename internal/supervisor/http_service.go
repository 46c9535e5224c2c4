// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// HTTPService adapts an http.Server to suture's context-aware Serve
// contract: the blocking listener runs in a goroutine and context
// cancellation turns into a graceful Shutdown.
//
// Network is "tcp" or "unix"; a unix socket path left behind by an
// unclean exit is removed before binding.
type HTTPService struct {
	server          *http.Server
	network         string
	addr            string
	shutdownTimeout time.Duration
}

// NewHTTPService wraps the server for supervision. Addr is an address
// for "tcp" or a socket path for "unix".
func NewHTTPService(server *http.Server, network, addr string, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{
		server:          server,
		network:         network,
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
	}
}

// Serve implements suture.Service.
func (h *HTTPService) Serve(ctx context.Context) error {
	if h.network == "unix" {
		_ = os.Remove(h.addr)
	}
	listener, err := net.Listen(h.network, h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", h.network, h.addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String names the service in supervisor logs.
func (h *HTTPService) String() string {
	return "http-server"
}
