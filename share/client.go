package htshare

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// DefaultGracePeriod is how long a Client survives with no live tunnel
// sockets before it reaps itself.
const DefaultGracePeriod = 1000 * time.Millisecond

// Client binds one TunnelAgent to HTTP-forwarding semantics for a single
// public identifier. It owns the agent exclusively; closing the Client
// destroys the agent. A grace timer armed at construction and on every
// offline transition closes the Client if the remote user does not establish
// (or re-establish) tunnel sockets in time.
type Client struct {
	*asyncobj.Helper
	id          string
	agent       *TunnelAgent
	gracePeriod time.Duration

	// transport rides the agent as its connection source; keep-alive reuse of
	// borrowed sockets is the transport's business, not the agent's.
	transport *http.Transport

	// guarded by Lock
	graceTimer    *time.Timer
	closeHandlers []func()
	closeFired    bool
}

// NewClient creates a Client wrapping agent. The agent must not be listening
// yet; the Client binds its event callbacks before the owner calls
// agent.Listen. gracePeriod <= 0 selects DefaultGracePeriod.
func NewClient(log logger.Logger, id string, agent *TunnelAgent, gracePeriod time.Duration) *Client {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	c := &Client{
		id:          id,
		agent:       agent,
		gracePeriod: gracePeriod,
	}
	c.Helper = asyncobj.NewHelper(log.ForkLogf("client<%s>", id), c)
	c.transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return agent.CreateConnection(ctx)
		},
		DisableCompression: true,
	}
	agent.BindEvents(TunnelAgentEvents{
		OnOnline:  c.cancelGraceTimer,
		OnOffline: c.armGraceTimer,
		OnError: func(err error) {
			c.StartShutdown(err)
		},
	})
	c.SetIsActivated()
	c.armGraceTimer()
	return c
}

// ID returns the client's public identifier.
func (c *Client) ID() string {
	return c.id
}

// Agent returns the client's tunnel agent.
func (c *Client) Agent() *TunnelAgent {
	return c.agent
}

// Stats reports the agent's connected socket count.
func (c *Client) Stats() TunnelAgentStats {
	return c.agent.Stats()
}

// OnClose registers a handler invoked exactly once when the Client has
// closed. A handler registered after close runs immediately.
func (c *Client) OnClose(handler func()) {
	c.Lock.Lock()
	if !c.closeFired {
		c.closeHandlers = append(c.closeHandlers, handler)
		c.Lock.Unlock()
		return
	}
	c.Lock.Unlock()
	handler()
}

// armGraceTimer starts (or restarts) the countdown to self-reap. Called at
// construction and whenever the agent goes offline.
func (c *Client) armGraceTimer() {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.graceTimer = time.AfterFunc(c.gracePeriod, func() {
		c.DLogf("Grace period of %s expired with no tunnel sockets; closing", c.gracePeriod)
		c.Close()
	})
}

func (c *Client) cancelGraceTimer() {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	c.cancelGraceTimer()
	c.transport.CloseIdleConnections()
	err := c.agent.Destroy()
	c.Lock.Lock()
	handlers := c.closeHandlers
	c.closeHandlers = nil
	c.closeFired = true
	c.Lock.Unlock()
	for _, handler := range handlers {
		handler()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
