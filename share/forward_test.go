package htshare

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestForwardRequestHappyPath(t *testing.T) {
	m := newTestManager(t, time.Minute)
	info, err := m.NewClient("alpha")
	if err != nil {
		t.Fatalf("NewClient failed: %s", err)
	}
	client := m.GetClient(info.ID)

	var gotPath, gotHeader atomic.Value
	conn := dialTunnel(t, info.Port)
	defer conn.Close()
	go serveTunnelHTTP(conn, func(req *http.Request, w *bufio.Writer) {
		gotPath.Store(req.URL.RequestURI())
		gotHeader.Store(req.Header.Get("X-Custom"))
		fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})
	waitFor(t, "tunnel socket pooled", 2*time.Second, func() bool {
		return client.Stats().ConnectedSockets == 1
	})

	req := httptest.NewRequest("GET", "http://alpha.example.com/health?probe=1", nil)
	req.Header.Set("X-Custom", "carried")
	rec := httptest.NewRecorder()
	client.HandleRequest(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body != "ok" {
		t.Errorf("body = %q, want \"ok\"", body)
	}
	if gotPath.Load() != "/health?probe=1" {
		t.Errorf("upstream saw path %v, want /health?probe=1", gotPath.Load())
	}
	if gotHeader.Load() != "carried" {
		t.Errorf("upstream saw X-Custom %v, want \"carried\"", gotHeader.Load())
	}
}

func TestForwardRequestNoTunnelSocket(t *testing.T) {
	m := newTestManager(t, time.Minute)
	info, err := m.NewClient("empty")
	if err != nil {
		t.Fatalf("NewClient failed: %s", err)
	}
	client := m.GetClient(info.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "http://empty.example.com/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	client.HandleRequest(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d with no tunnel sockets, want 502", rec.Code)
	}
}

func TestForwardRequestUpstreamStatusPassthrough(t *testing.T) {
	m := newTestManager(t, time.Minute)
	info, err := m.NewClient("teapot")
	if err != nil {
		t.Fatalf("NewClient failed: %s", err)
	}
	client := m.GetClient(info.ID)

	conn := dialTunnel(t, info.Port)
	defer conn.Close()
	go serveTunnelHTTP(conn, func(req *http.Request, w *bufio.Writer) {
		fmt.Fprintf(w, "HTTP/1.1 418 I'm a teapot\r\nX-Upstream: yes\r\nContent-Length: 0\r\n\r\n")
	})
	waitFor(t, "tunnel socket pooled", 2*time.Second, func() bool {
		return client.Stats().ConnectedSockets == 1
	})

	rec := httptest.NewRecorder()
	client.HandleRequest(rec, httptest.NewRequest("GET", "http://teapot.example.com/", nil))

	if rec.Code != 418 {
		t.Errorf("status = %d, want 418", rec.Code)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream response header not forwarded")
	}
}

func TestForwardBackPressure(t *testing.T) {
	m := NewClientManager(newTestLogger(t), 2, time.Minute)
	t.Cleanup(func() { m.Close() })

	info, err := m.NewClient("narrow")
	if err != nil {
		t.Fatalf("NewClient failed: %s", err)
	}
	client := m.GetClient(info.ID)
	if info.MaxConnCount != 2 {
		t.Fatalf("max_conn_count = %d, want 2", info.MaxConnCount)
	}

	var inFlight, maxInFlight int32
	slowRespond := func(req *http.Request, w *bufio.Writer) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}

	for i := 0; i < 2; i++ {
		conn := dialTunnel(t, info.Port)
		defer conn.Close()
		go serveTunnelHTTP(conn, slowRespond)
	}
	waitFor(t, "both tunnel sockets pooled", 2*time.Second, func() bool {
		return client.Stats().ConnectedSockets == 2
	})

	var wg sync.WaitGroup
	codes := make([]int, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			client.HandleRequest(rec, httptest.NewRequest("GET", "http://narrow.example.com/slow", nil))
			codes[i] = rec.Code
		}()
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i, code)
		}
	}
	if got := atomic.LoadInt32(&maxInFlight); got > 2 {
		t.Errorf("%d exchanges in flight at once, cap is 2", got)
	}
}
