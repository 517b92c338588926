package htshare

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"syscall"

	"github.com/jpillora/sizestr"
)

// HandleRequest forwards one external HTTP request through a borrowed tunnel
// socket and streams the upstream response back. Method, path (including
// query), and headers pass through untouched; the Host header the caller
// sent is preserved. If the upstream exchange fails before any response
// headers have been written the caller gets 502; after that the response is
// simply aborted.
func (c *Client) HandleRequest(w http.ResponseWriter, r *http.Request) {
	relaysTotal.WithLabelValues("request").Inc()

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.URL.Scheme = "http"
	outReq.URL.Host = r.Host
	outReq.Host = r.Host

	resp, err := c.transport.RoundTrip(outReq)
	if err != nil {
		c.DLogf("Upstream request %s %s failed: %s", r.Method, r.URL.RequestURI(), err)
		http.Error(w, "502 Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		header[name] = values
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		c.DLogf("Upstream response body for %s %s died early: %s", r.Method, r.URL.RequestURI(), err)
		// Headers are out; abort the external response rather than letting
		// net/http frame a truncated body as a clean end.
		panic(http.ErrAbortHandler)
	}
}

// HandleUpgrade forwards an HTTP Upgrade (e.g. websocket) exchange. It
// borrows a tunnel socket, replays the request line and headers onto it, and
// then relays raw bytes in both directions until either side closes.
func (c *Client) HandleUpgrade(r *http.Request, extConn net.Conn) {
	relaysTotal.WithLabelValues("upgrade").Inc()

	tunConn, err := c.agent.CreateConnection(r.Context())
	if err != nil || tunConn == nil {
		c.DLogf("No tunnel socket for upgrade %s: %s", r.URL.RequestURI(), err)
		extConn.Close()
		return
	}
	if r.Context().Err() != nil {
		tunConn.Close()
		extConn.Close()
		return
	}

	if _, err := tunConn.Write(upgradePrologue(r)); err != nil {
		c.DLogf("Failed to replay upgrade request onto tunnel socket: %s", err)
		tunConn.Close()
		extConn.Close()
		return
	}

	sent, received, err := Pipe(extConn, tunConn)
	if err != nil && !isBenignSocketError(err) {
		c.ILogf("Upgrade relay for %s failed after %s sent, %s received: %s",
			r.URL.RequestURI(), sizestr.ToString(sent), sizestr.ToString(received), err)
		return
	}
	c.DLogf("Upgrade relay for %s done, %s sent, %s received",
		r.URL.RequestURI(), sizestr.ToString(sent), sizestr.ToString(received))
}

// upgradePrologue serializes the request line and headers of an upgrade
// request for replay onto the tunnel socket. Header names are emitted in
// canonical MIME form in a stable order; upgrade peers treat names
// case-insensitively so the exchange is unaffected.
func upgradePrologue(r *http.Request) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/%d.%d\r\n", r.Method, r.URL.RequestURI(), r.ProtoMajor, r.ProtoMinor)
	fmt.Fprintf(&b, "Host: %s\r\n", r.Host)
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range r.Header[name] {
			fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// isBenignSocketError reports whether err is the kind of peer-reset noise
// an upgrade relay ends with in normal operation. These are not logged
// above debug level.
func isBenignSocketError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
