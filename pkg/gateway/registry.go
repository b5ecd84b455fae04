package gateway

import (
	"sort"
	"sync"
	"time"
)

// ClientRegistry manages connected clients and their identity subscriptions
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client.subscriptions == nil {
		client.subscriptions = make(map[string]struct{})
	}
	r.clients[client.ID] = client
}

// Remove removes a client from the registry
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// Subscribe routes notifications for identity to the client. It reports
// false for an unknown client.
func (r *ClientRegistry) Subscribe(clientID, identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, exists := r.clients[clientID]
	if !exists {
		return false
	}
	client.subscriptions[identity] = struct{}{}
	return true
}

// Unsubscribe stops routing notifications for identity to the client.
func (r *ClientRegistry) Unsubscribe(clientID, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		delete(client.subscriptions, identity)
	}
}

// Subscribers returns the clients watching identity
func (r *ClientRegistry) Subscribers(identity string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range r.clients {
		if _, ok := client.subscriptions[identity]; ok {
			clients = append(clients, client)
		}
	}
	return clients
}

// GetConnectedClients returns client information for all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))

	for _, client := range r.clients {
		idle := now.Sub(client.LastActivity) > 5*time.Minute

		subs := make([]string, 0, len(client.subscriptions))
		for identity := range client.subscriptions {
			subs = append(subs, identity)
		}
		sort.Strings(subs)

		infos = append(infos, ClientInfo{
			ID:            client.ID,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          idle,
			Subscriptions: subs,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// UpdateActivity updates the last activity time for a client
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
