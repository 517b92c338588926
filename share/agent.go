package htshare

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// ErrAgentClosed is returned for operations on a TunnelAgent that has been
// destroyed, including CreateConnection calls that were still waiting when
// the agent shut down.
var ErrAgentClosed = errors.New("tunnel agent is closed")

// ErrAgentAlreadyStarted is returned from a second call to Listen.
var ErrAgentAlreadyStarted = errors.New("tunnel agent already started")

// DefaultMaxTunnelSockets is the per-agent cap on admitted tunnel sockets
// when the broker config does not override it.
const DefaultMaxTunnelSockets = 10

// TunnelAgentEvents is the set of callbacks an owner may bind to a
// TunnelAgent before Listen is called. Any of them may be nil.
//
// OnOnline fires on the 0->1 edge of the admitted socket count, before the
// socket that caused it is pooled or handed to a waiter. OnOffline fires on
// the 1->0 edge, after the closing socket's bookkeeping has completed, and
// never after the agent is closed. OnError fires once if the listener fails;
// OnEnd fires once when the agent has shut down.
type TunnelAgentEvents struct {
	OnOnline  func()
	OnOffline func()
	OnError   func(err error)
	OnEnd     func()
}

// TunnelAgentStats is a point-in-time snapshot of an agent.
type TunnelAgentStats struct {
	ConnectedSockets int `json:"connected_sockets"`
}

// connGrant is the completion value delivered to a pending CreateConnection.
type connGrant struct {
	conn net.Conn
	err  error
}

// TunnelAgent owns one inbound TCP listener for a single remote user, the
// pool of sockets that user has dialed in, and the queue of forwarders
// waiting to borrow one. All pool state is guarded by the helper Lock; the
// accept goroutine is the only admitter, so admissions are serialized.
type TunnelAgent struct {
	*asyncobj.Helper
	id         string
	maxSockets int
	events     TunnelAgentEvents

	listener net.Listener
	port     int

	// guarded by Lock
	started        bool
	closed         bool
	available      []*tunnelConn
	waiters        []chan connGrant
	connectedCount int
}

// NewTunnelAgent creates a TunnelAgent for the client with the given id.
// maxSockets <= 0 selects DefaultMaxTunnelSockets.
func NewTunnelAgent(log logger.Logger, id string, maxSockets int) *TunnelAgent {
	if maxSockets <= 0 {
		maxSockets = DefaultMaxTunnelSockets
	}
	a := &TunnelAgent{
		id:         id,
		maxSockets: maxSockets,
	}
	a.Helper = asyncobj.NewHelper(log.ForkLogf("agent<%s>", id), a)
	a.SetIsActivated()
	return a
}

// BindEvents registers the owner's event callbacks. It must be called before
// Listen; events never fire before the listener is up.
func (a *TunnelAgent) BindEvents(events TunnelAgentEvents) {
	a.Lock.Lock()
	a.events = events
	a.Lock.Unlock()
}

// Listen binds the agent's TCP listener to an OS-chosen port and starts
// accepting tunnel sockets. Returns the chosen port. A second call fails
// with ErrAgentAlreadyStarted.
func (a *TunnelAgent) Listen() (int, error) {
	a.Lock.Lock()
	if a.started {
		a.Lock.Unlock()
		return 0, ErrAgentAlreadyStarted
	}
	if a.closed {
		a.Lock.Unlock()
		return 0, ErrAgentClosed
	}
	a.started = true
	a.Lock.Unlock()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, a.DLogErrorf("Listen failed: %s", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	a.Lock.Lock()
	if a.closed {
		a.Lock.Unlock()
		listener.Close()
		return 0, ErrAgentClosed
	}
	a.listener = listener
	a.port = port
	a.Lock.Unlock()

	a.DLogf("Listening for tunnel sockets on port %d", port)
	go a.acceptLoop(listener)
	return port, nil
}

// Port returns the tunnel port chosen by Listen, or 0 before Listen.
func (a *TunnelAgent) Port() int {
	a.Lock.Lock()
	defer a.Lock.Unlock()
	return a.port
}

// Stats reports the number of currently admitted tunnel sockets.
func (a *TunnelAgent) Stats() TunnelAgentStats {
	a.Lock.Lock()
	defer a.Lock.Unlock()
	return TunnelAgentStats{ConnectedSockets: a.connectedCount}
}

// CreateConnection borrows a tunnel socket for one HTTP exchange. If an idle
// socket is pooled, the head of the pool is returned immediately; otherwise
// the call joins a FIFO wait queue and completes when the remote user dials
// in another socket, the agent is destroyed (ErrAgentClosed), or ctx is
// cancelled. A socket that arrives after the caller has given up is closed
// rather than leaked.
func (a *TunnelAgent) CreateConnection(ctx context.Context) (net.Conn, error) {
	a.Lock.Lock()
	if a.closed {
		a.Lock.Unlock()
		return nil, ErrAgentClosed
	}
	if len(a.available) > 0 {
		conn := a.available[0]
		a.available = a.available[1:]
		a.Lock.Unlock()
		conn.claim()
		return conn, nil
	}
	waiter := make(chan connGrant, 1)
	a.waiters = append(a.waiters, waiter)
	a.Lock.Unlock()

	select {
	case grant := <-waiter:
		return grant.conn, grant.err
	case <-ctx.Done():
		// The waiter stays queued; dispose of whatever it is eventually
		// granted.
		go func() {
			grant := <-waiter
			if grant.conn != nil {
				grant.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Destroy closes the listener, tears down pooled sockets, and completes any
// queued waiters with ErrAgentClosed. Idempotent.
func (a *TunnelAgent) Destroy() error {
	a.Lock.Lock()
	a.closed = true
	a.Lock.Unlock()
	return a.Close()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (a *TunnelAgent) HandleOnceShutdown(completionErr error) error {
	a.Lock.Lock()
	a.closed = true
	listener := a.listener
	a.listener = nil
	pooled := a.available
	a.available = nil
	waiters := a.waiters
	a.waiters = nil
	a.Lock.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, waiter := range waiters {
		waiter <- connGrant{err: ErrAgentClosed}
	}
	for _, conn := range pooled {
		conn.Close()
	}
	if a.events.OnEnd != nil {
		a.events.OnEnd()
	}
	return completionErr
}

// acceptLoop admits tunnel sockets until the listener dies. Temporary accept
// errors are retried with backoff; a permanent error is reported through
// OnError and shuts the agent down.
func (a *TunnelAgent) acceptLoop(listener net.Listener) {
	b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 1 * time.Second}
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || a.isClosed() {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Temporary() {
				d := b.Duration()
				a.DLogf("Temporary accept error (retrying in %s): %s", d, err)
				time.Sleep(d)
				continue
			}
			a.DLogf("Listener failed: %s", err)
			if a.events.OnError != nil {
				a.events.OnError(err)
			}
			a.StartShutdown(err)
			return
		}
		b.Reset()
		a.admit(conn)
	}
}

// admit performs the per-socket accept algorithm: cap check, online edge,
// then hand-off to the oldest waiter or the tail of the idle pool. Waiter
// delivery goes through the waiter's buffered channel so the waiting
// forwarder never runs on the accept goroutine.
func (a *TunnelAgent) admit(netConn net.Conn) {
	a.Lock.Lock()
	if a.closed || a.connectedCount >= a.maxSockets {
		closed := a.closed
		a.Lock.Unlock()
		if closed {
			a.DLogf("Dropping tunnel socket from %s: agent closed", netConn.RemoteAddr())
		} else {
			a.DLogf("Dropping tunnel socket from %s: socket cap %d reached", netConn.RemoteAddr(), a.maxSockets)
		}
		netConn.Close()
		return
	}
	cameOnline := a.connectedCount == 0
	a.connectedCount++
	a.Lock.Unlock()
	tunnelSocketsGauge.Inc()

	if cameOnline && a.events.OnOnline != nil {
		a.events.OnOnline()
	}

	conn := newTunnelConn(a, netConn)

	a.Lock.Lock()
	if a.closed {
		a.Lock.Unlock()
		conn.Close()
		return
	}
	if len(a.waiters) > 0 {
		waiter := a.waiters[0]
		a.waiters = a.waiters[1:]
		a.Lock.Unlock()
		conn.claim()
		waiter <- connGrant{conn: conn}
		return
	}
	a.available = append(a.available, conn)
	a.Lock.Unlock()
	conn.startIdleMonitor()
}

// onSocketClosed does close bookkeeping for an admitted socket. Called
// exactly once per socket, from tunnelConn.Close.
func (a *TunnelAgent) onSocketClosed(conn *tunnelConn) {
	a.Lock.Lock()
	a.connectedCount--
	a.removeAvailable(conn)
	wentOffline := a.connectedCount == 0 && !a.closed
	a.Lock.Unlock()
	tunnelSocketsGauge.Dec()
	a.DLogf("Tunnel socket closed after %s in, %s out",
		sizestr.ToString(conn.NumBytesRead()), sizestr.ToString(conn.NumBytesWritten()))

	if wentOffline && a.events.OnOffline != nil {
		a.events.OnOffline()
	}
}

// dropIdle is called by a socket's idle monitor when the peer closes the
// socket while it sits in the pool. If a checkout raced the close and
// already took the socket, the checkout owns disposal.
func (a *TunnelAgent) dropIdle(conn *tunnelConn) {
	a.Lock.Lock()
	found := a.removeAvailable(conn)
	a.Lock.Unlock()
	if found {
		a.DLogf("Idle tunnel socket from %s closed by peer", conn.RemoteAddr())
		conn.Close()
	}
}

// removeAvailable removes conn from the idle pool if present. Caller holds
// Lock.
func (a *TunnelAgent) removeAvailable(conn *tunnelConn) bool {
	for i, c := range a.available {
		if c == conn {
			a.available = append(a.available[:i], a.available[i+1:]...)
			return true
		}
	}
	return false
}

func (a *TunnelAgent) isClosed() bool {
	a.Lock.Lock()
	defer a.Lock.Unlock()
	return a.closed
}
