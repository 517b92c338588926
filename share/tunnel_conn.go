package htshare

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// tunnelConn wraps one admitted tunnel socket. It funnels Close through a
// Once so agent bookkeeping runs exactly once no matter who closes it (the
// HTTP transport, an upgrade relay, the idle monitor, or agent shutdown),
// and it keeps read/write byte counts for debug logging.
//
// While the socket sits in the agent's idle pool nobody is reading it, so a
// peer close would otherwise go unnoticed until checkout. The idle monitor
// parks a goroutine in a 1-byte read: a read error while unclaimed means the
// peer hung up and the socket silently leaves the pool. claim() interrupts
// the monitor with an immediate read deadline before the socket is handed to
// a borrower, and any byte the monitor caught in the race is replayed to the
// borrower's first Read.
type tunnelConn struct {
	net.Conn
	agent      *TunnelAgent
	closeOnce  sync.Once
	claimed    int32
	monitoring int32
	// monitorDone is closed when no monitor goroutine can touch the socket.
	monitorDone chan struct{}
	// stash holds bytes consumed by the monitor; written before monitorDone
	// closes, read only after it closes.
	stash []byte

	numBytesRead    int64
	numBytesWritten int64
}

func newTunnelConn(agent *TunnelAgent, netConn net.Conn) *tunnelConn {
	done := make(chan struct{})
	close(done)
	return &tunnelConn{
		Conn:        netConn,
		agent:       agent,
		monitorDone: done,
	}
}

// startIdleMonitor begins watching for a peer close. Only called while the
// socket is in the idle pool, before any borrower can hold a reference.
func (c *tunnelConn) startIdleMonitor() {
	atomic.StoreInt32(&c.monitoring, 1)
	c.monitorDone = make(chan struct{})
	go c.monitor()
}

func (c *tunnelConn) monitor() {
	defer close(c.monitorDone)
	buf := make([]byte, 1)
	n, err := c.Conn.Read(buf)
	if n > 0 {
		c.stash = buf[:n]
	}
	if atomic.LoadInt32(&c.claimed) != 0 {
		return
	}
	if err != nil {
		c.agent.dropIdle(c)
	}
}

// claim marks the socket as checked out and stops the idle monitor, blocking
// until the monitor can no longer read. Must not be called with the agent
// Lock held (the monitor may be waiting on it in dropIdle).
func (c *tunnelConn) claim() {
	atomic.StoreInt32(&c.claimed, 1)
	if atomic.LoadInt32(&c.monitoring) != 0 {
		c.Conn.SetReadDeadline(time.Now())
		<-c.monitorDone
		c.Conn.SetReadDeadline(time.Time{})
	}
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	<-c.monitorDone
	if len(c.stash) > 0 {
		n := copy(p, c.stash)
		c.stash = c.stash[n:]
		atomic.AddInt64(&c.numBytesRead, int64(n))
		return n, nil
	}
	n, err := c.Conn.Read(p)
	atomic.AddInt64(&c.numBytesRead, int64(n))
	return n, err
}

func (c *tunnelConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddInt64(&c.numBytesWritten, int64(n))
	return n, err
}

// CloseWrite half-closes the socket if the underlying conn supports it, so
// relays can propagate end-of-stream without tearing down the read side.
func (c *tunnelConn) CloseWrite() error {
	if whc, ok := c.Conn.(WriteHalfCloser); ok {
		return whc.CloseWrite()
	}
	return nil
}

func (c *tunnelConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Conn.Close()
		c.agent.onSocketClosed(c)
	})
	return err
}

// NumBytesRead returns the number of bytes read from the tunnel socket.
func (c *tunnelConn) NumBytesRead() int64 {
	return atomic.LoadInt64(&c.numBytesRead)
}

// NumBytesWritten returns the number of bytes written to the tunnel socket.
func (c *tunnelConn) NumBytesWritten() int64 {
	return atomic.LoadInt64(&c.numBytesWritten)
}
