package htshare

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/sammck-go/logger"
)

func newTestLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelError),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// dialTunnel opens one tunnel socket to an agent port, as the remote user
// would.
func dialTunnel(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("could not dial tunnel port %d: %s", port, err)
	}
	return conn
}

// serveTunnelHTTP emulates the remote user's local web server on one tunnel
// socket: it answers every request read from conn by calling respond, until
// the socket dies.
func serveTunnelHTTP(conn net.Conn, respond func(req *http.Request, w *bufio.Writer)) {
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			conn.Close()
			return
		}
		respond(req, bw)
		bw.Flush()
		req.Body.Close()
	}
}

// respondOK writes a minimal 200 with the given body.
func respondOK(body string) func(req *http.Request, w *bufio.Writer) {
	return func(req *http.Request, w *bufio.Writer) {
		fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitersLen peeks at an agent's pending checkout queue.
func waitersLen(a *TunnelAgent) int {
	a.Lock.Lock()
	defer a.Lock.Unlock()
	return len(a.waiters)
}

// availableLen peeks at an agent's idle pool.
func availableLen(a *TunnelAgent) int {
	a.Lock.Lock()
	defer a.Lock.Unlock()
	return len(a.available)
}
