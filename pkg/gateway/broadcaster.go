package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster delivers notifications to the clients subscribed to an
// identity
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger

	// mu serializes sequence assignment with delivery so Seq order is
	// delivery order on every connection.
	mu  sync.Mutex
	seq int64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Publish sends msg to every subscriber of msg.Identity and returns the
// number of successful deliveries.
func (b *EventBroadcaster) Publish(msg OutboundMessage) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients.Subscribers(msg.Identity)
	if len(clients) == 0 {
		b.logger.Debug().
			Str("type", string(msg.Type)).
			Str("identity", msg.Identity).
			Msg("No subscribers for notification")
		return 0
	}

	b.stamp(&msg)
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("type", string(msg.Type)).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal notification")
		return 0
	}

	successCount := 0
	failureCount := 0

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("type", string(msg.Type)).
				Int64("seq", msg.Seq).
				Msg("Failed to deliver notification")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("type", string(msg.Type)).
		Str("identity", msg.Identity).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Notification delivered")
	return successCount
}

// SendTo sends msg to a single client.
func (b *EventBroadcaster) SendTo(client *Client, msg OutboundMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stamp(&msg)
	return client.WriteJSON(msg)
}

// stamp assigns the next sequence number. b.mu must be held.
func (b *EventBroadcaster) stamp(msg *OutboundMessage) {
	b.seq++
	msg.Seq = b.seq
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
}
