package htshare

import (
	"context"
	"net"
	"net/http"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// HTTPServer extends net/http Server with graceful shutdown tied to the
// async-shutdown helper, so the broker's outer surface tears down the same
// way every other long-lived object here does.
type HTTPServer struct {
	*asyncobj.Helper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer.
func NewHTTPServer(log logger.Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.Helper = asyncobj.NewHelper(log.ForkLogf("httpserver"), h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	var err error
	if h.listener != nil {
		err = h.listener.Close()
		if err != nil {
			h.DLogf("Close of listener failed, ignoring: %s", err)
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe runs the HTTP server on the given bind address, invoking
// the provided handler for each request. It returns after the server has
// shut down, either because the context was cancelled or because Close was
// called.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.Handler = handler
			h.listener = listener

			go func() {
				select {
				case <-ctx.Done():
					h.StartShutdown(ctx.Err())
				case <-h.ShutdownStartedChan():
				}
			}()
			go func() {
				h.StartShutdown(h.Serve(listener))
			}()

			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// Close completely shuts down the server, then returns the final completion
// code. Overrides the embedded net/http Close.
func (h *HTTPServer) Close() error {
	return h.Helper.Close()
}

// Addr returns the bound listener address, for tests that bind port 0.
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}
