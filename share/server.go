package htshare

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Server is the public edge of the broker: it creates tunnels on request,
// answers status queries, and routes proxied traffic by Host header to the
// owning client's forwarders.
type Server struct {
	*asyncobj.Helper
	cfg        *BrokerConfig
	manager    *ClientManager
	httpServer *HTTPServer
	relayStats ConnStats
}

// NewServer creates a broker edge server around cfg.
func NewServer(log logger.Logger, cfg *BrokerConfig) *Server {
	s := &Server{
		cfg:        cfg,
		manager:    NewClientManager(log, cfg.MaxTCPSockets, cfg.GracePeriod),
		httpServer: NewHTTPServer(log),
	}
	s.Helper = asyncobj.NewHelper(log.ForkLogf("server"), s)
	s.SetIsActivated()
	return s
}

// Manager returns the server's client registry.
func (s *Server) Manager() *ClientManager {
	return s.manager
}

// Handler returns the public HTTP handler, wrapped with request logging when
// debug logging is enabled.
func (s *Server) Handler() http.Handler {
	h := http.Handler(http.HandlerFunc(s.handleHTTP))
	if s.GetLogLevel() >= logger.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	return h
}

// Run serves the public address until ctx is cancelled or Close is called,
// then shuts the registry (and every live tunnel) down.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.ILogf("Listening on %s...", addr)
	s.httpServer.ListenAndServe(ctx, addr, s.Handler())
	return s.Close()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	err := s.httpServer.Close()
	if mErr := s.manager.Close(); err == nil {
		err = mErr
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if id := s.clientIDFromHost(r.Host); id != "" {
		s.handleProxy(id, w, r)
		return
	}
	s.handleRoot(w, r)
}

// handleProxy routes one external request to the client registered under id.
func (s *Server) handleProxy(id string, w http.ResponseWriter, r *http.Request) {
	client := s.manager.GetClient(id)
	if client == nil {
		http.Error(w, fmt.Sprintf("404 no tunnel \"%s\"", id), http.StatusNotFound)
		return
	}

	s.relayStats.New()
	s.relayStats.Open()
	defer s.relayStats.Close()

	if isUpgradeRequest(r) {
		s.DLogf("%v Upgrade %s %s -> \"%s\"", &s.relayStats, r.Method, r.URL.RequestURI(), id)
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "upgrade not supported", http.StatusInternalServerError)
			return
		}
		conn, bufrw, err := hijacker.Hijack()
		if err != nil {
			s.DLogf("Hijack failed: %s", err)
			return
		}
		client.HandleUpgrade(r, newHijackedConn(conn, bufrw.Reader))
		return
	}

	s.DLogf("%v %s %s -> \"%s\"", &s.relayStats, r.Method, r.URL.RequestURI(), id)
	client.HandleRequest(w, r)
}

// handleRoot serves the admin/status surface on the bare root host.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/health":
		w.Write([]byte("OK\n"))
	case path == "/metrics":
		promhttp.Handler().ServeHTTP(w, r)
	case path == "/api/status":
		writeJSON(w, http.StatusOK, s.manager.Stats())
	case strings.HasPrefix(path, "/api/tunnels/") && strings.HasSuffix(path, "/status"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/tunnels/"), "/status")
		client := s.manager.GetClient(id)
		if client == nil {
			http.Error(w, "404 no such tunnel", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, client.Stats())
	case path == "/":
		if _, wantsNew := r.URL.Query()["new"]; wantsNew {
			s.createTunnel("", w, r)
			return
		}
		w.Write([]byte("httptunnel broker ready\n"))
	default:
		id := strings.TrimPrefix(path, "/")
		if strings.ContainsRune(id, '/') {
			http.Error(w, "404 not found", http.StatusNotFound)
			return
		}
		if !IsValidClientID(id) {
			http.Error(w, "400 invalid tunnel name: must be 4-63 lowercase chars, digits, or hyphens", http.StatusBadRequest)
			return
		}
		s.createTunnel(id, w, r)
	}
}

// createTunnel brokers a new client and answers with its connect info.
func (s *Server) createTunnel(requestedID string, w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.NewClient(requestedID)
	if err != nil {
		s.ILogf("Tunnel creation failed: %s", err)
		http.Error(w, "500 could not create tunnel", http.StatusInternalServerError)
		return
	}

	scheme := "http"
	if s.cfg.Secure {
		scheme = "https"
	}
	hostname := stripPort(r.Host)
	writeJSON(w, http.StatusOK, struct {
		ClientInfo
		URL string `json:"url"`
	}{
		ClientInfo: *info,
		URL:        fmt.Sprintf("%s://%s.%s", scheme, info.ID, hostname),
	})
}

// clientIDFromHost extracts the client id a request is addressed to, or ""
// for the root host. With a configured domain, the id is whatever hangs off
// "<id>.<domain>"; otherwise the first label of a hostname with three or
// more labels.
func (s *Server) clientIDFromHost(host string) string {
	hostname := stripPort(host)
	if s.cfg.Domain != "" {
		if hostname == s.cfg.Domain {
			return ""
		}
		if strings.HasSuffix(hostname, "."+s.cfg.Domain) {
			return strings.TrimSuffix(hostname, "."+s.cfg.Domain)
		}
		return ""
	}
	labels := strings.SplitN(hostname, ".", 3)
	if len(labels) < 3 {
		return ""
	}
	return labels[0]
}

func stripPort(host string) string {
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		return hostname
	}
	return host
}

func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// hijackedConn is the external half of an upgraded exchange: reads drain the
// server's buffered reader first (bytes the caller pipelined behind its
// request), everything else hits the socket directly.
type hijackedConn struct {
	net.Conn
	reader *bufio.Reader
}

func newHijackedConn(conn net.Conn, reader *bufio.Reader) *hijackedConn {
	return &hijackedConn{Conn: conn, reader: reader}
}

func (c *hijackedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// CloseWrite half-closes the underlying socket when it supports it.
func (c *hijackedConn) CloseWrite() error {
	if whc, ok := c.Conn.(WriteHalfCloser); ok {
		return whc.CloseWrite()
	}
	return nil
}
