package htshare

import (
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// ClientInfo is returned to the remote user when a tunnel is created.
type ClientInfo struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
}

// ClientManagerStats is a snapshot of the registry.
type ClientManagerStats struct {
	Tunnels int `json:"tunnels"`
}

// ClientManager owns the id -> Client registry. It brokers creation,
// guarantees identifier uniqueness among live clients, and drops clients
// from the registry when they close (whether reaped by their grace timer or
// removed explicitly).
type ClientManager struct {
	*asyncobj.Helper
	maxTCPSockets int
	gracePeriod   time.Duration
	log           logger.Logger

	// guarded by Lock
	clients map[string]*Client
	tunnels int
}

// NewClientManager creates an empty registry. maxTCPSockets and gracePeriod
// apply to every client it creates; zero values select the defaults.
func NewClientManager(log logger.Logger, maxTCPSockets int, gracePeriod time.Duration) *ClientManager {
	m := &ClientManager{
		maxTCPSockets: maxTCPSockets,
		gracePeriod:   gracePeriod,
		log:           log,
		clients:       make(map[string]*Client),
	}
	m.Helper = asyncobj.NewHelper(log.ForkLogf("clients"), m)
	m.SetIsActivated()
	return m
}

// NewClient creates a client under requestedID if that id is free, or under
// a freshly generated id otherwise (a single regeneration; a second
// collision is accepted as vanishingly unlikely). An empty requestedID
// always gets a generated id. The returned ClientInfo carries the TCP port
// the remote user must dial.
func (m *ClientManager) NewClient(requestedID string) (*ClientInfo, error) {
	id := requestedID

	m.Lock.Lock()
	if _, taken := m.clients[id]; taken || id == "" {
		id = NewClientID()
	}
	m.Lock.Unlock()

	agent := NewTunnelAgent(m.log, id, m.maxTCPSockets)
	client := NewClient(m.log, id, agent, m.gracePeriod)

	m.Lock.Lock()
	m.clients[id] = client
	m.Lock.Unlock()

	client.OnClose(func() {
		m.RemoveClient(id)
	})

	port, err := agent.Listen()
	if err != nil {
		m.RemoveClient(id)
		return nil, err
	}

	m.Lock.Lock()
	m.tunnels++
	m.Lock.Unlock()
	tunnelsGauge.Inc()

	m.ILogf("New tunnel client \"%s\" on port %d", id, port)
	return &ClientInfo{
		ID:           id,
		Port:         port,
		MaxConnCount: agent.maxSockets,
	}, nil
}

// RemoveClient deletes id from the registry and starts closing the client
// without waiting for the close to finish, so it is safe to call from the
// client's own close handler. Removing an unknown id is a no-op.
func (m *ClientManager) RemoveClient(id string) {
	m.Lock.Lock()
	client, ok := m.clients[id]
	if !ok {
		m.Lock.Unlock()
		return
	}
	delete(m.clients, id)
	if m.tunnels > 0 {
		m.tunnels--
		tunnelsGauge.Dec()
	}
	m.Lock.Unlock()

	m.ILogf("Removed tunnel client \"%s\"", id)
	client.StartShutdown(nil)
}

// HasClient reports whether id names a live client.
func (m *ClientManager) HasClient(id string) bool {
	m.Lock.Lock()
	defer m.Lock.Unlock()
	_, ok := m.clients[id]
	return ok
}

// GetClient returns the client registered under id, or nil.
func (m *ClientManager) GetClient(id string) *Client {
	m.Lock.Lock()
	defer m.Lock.Unlock()
	return m.clients[id]
}

// Stats reports the number of live tunnels.
func (m *ClientManager) Stats() ClientManagerStats {
	m.Lock.Lock()
	defer m.Lock.Unlock()
	return ClientManagerStats{Tunnels: m.tunnels}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (m *ClientManager) HandleOnceShutdown(completionErr error) error {
	m.Lock.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.Lock.Unlock()

	for _, client := range clients {
		client.Close()
	}
	return completionErr
}
