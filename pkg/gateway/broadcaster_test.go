package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBroadcaster_PublishAddsSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", Conn: serverConn})
	require.True(t, registry.Subscribe("client-1", "alice"))

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	assert.Equal(t, 1, broadcaster.Publish(OutboundMessage{
		Type:     MessageTool,
		Identity: "alice",
		Data:     ToolPayload{Phase: "start", Name: "Read"},
		TraceID:  "trace-1",
	}))
	assert.Equal(t, 1, broadcaster.Publish(OutboundMessage{
		Type:     MessageTool,
		Identity: "alice",
		Data:     ToolPayload{Phase: "end", Name: "Read"},
	}))

	first := readMessage(t, clientConn)
	second := readMessage(t, clientConn)

	assert.Equal(t, MessageTool, first.Type)
	assert.Equal(t, "alice", first.Identity)
	assert.Equal(t, "start", first.Data["phase"])
	assert.Equal(t, "trace-1", first.TraceID)
	assert.NotZero(t, first.Seq)
	assert.NotZero(t, first.Timestamp)

	assert.Equal(t, "end", second.Data["phase"])
	assert.Greater(t, second.Seq, first.Seq)
}

func TestEventBroadcaster_PublishOnlyToSubscribers(t *testing.T) {
	aliceConn, aliceClient, cleanupAlice := websocketConnPair(t)
	defer cleanupAlice()
	bobConn, bobClient, cleanupBob := websocketConnPair(t)
	defer cleanupBob()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "a", Conn: aliceConn})
	registry.Add(&Client{ID: "b", Conn: bobConn})
	registry.Subscribe("a", "alice")
	registry.Subscribe("b", "bob")

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	assert.Equal(t, 1, broadcaster.Publish(OutboundMessage{Type: MessageState, Identity: "bob", Data: StatePayload{Busy: true}}))
	assert.Equal(t, 0, broadcaster.Publish(OutboundMessage{Type: MessageState, Identity: "carol", Data: StatePayload{}}))

	msg := readMessage(t, bobClient)
	assert.Equal(t, "bob", msg.Identity)
	assert.Equal(t, true, msg.Data["busy"])

	require.NoError(t, aliceClient.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := aliceClient.ReadMessage()
	assert.Error(t, err, "alice must not see bob's notifications")
}

func TestEventBroadcaster_SendToSharesSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	client := &Client{ID: "client-1", Conn: serverConn}
	registry.Add(client)
	registry.Subscribe("client-1", "alice")

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	require.NoError(t, broadcaster.SendTo(client, OutboundMessage{Type: MessageHello, Data: HelloPayload{ClientID: "client-1"}}))
	broadcaster.Publish(OutboundMessage{Type: MessageQueued, Identity: "alice", Data: QueuedPayload{Position: 1}})

	hello := readMessage(t, clientConn)
	queued := readMessage(t, clientConn)

	assert.Equal(t, MessageHello, hello.Type)
	assert.Equal(t, MessageQueued, queued.Type)
	assert.Equal(t, hello.Seq+1, queued.Seq)
}

func TestClientRegistry_Subscriptions(t *testing.T) {
	registry := NewClientRegistry()
	registry.Add(&Client{ID: "a", ConnectedAt: time.Now()})

	assert.False(t, registry.Subscribe("missing", "alice"))
	assert.True(t, registry.Subscribe("a", "bob"))
	assert.True(t, registry.Subscribe("a", "alice"))
	assert.Len(t, registry.Subscribers("alice"), 1)

	infos := registry.GetConnectedClients()
	require.Len(t, infos, 1)
	assert.Equal(t, []string{"alice", "bob"}, infos[0].Subscriptions)

	registry.Unsubscribe("a", "alice")
	assert.Empty(t, registry.Subscribers("alice"))

	registry.Remove("a")
	assert.Equal(t, 0, registry.Count())
	assert.Empty(t, registry.Subscribers("bob"))
}

type receivedMessage struct {
	Type      MessageType            `json:"type"`
	Identity  string                 `json:"identity"`
	RequestID string                 `json:"requestId"`
	Seq       int64                  `json:"seq"`
	Timestamp int64                  `json:"timestamp"`
	TraceID   string                 `json:"trace_id"`
	Data      map[string]interface{} `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) receivedMessage {
	t.Helper()

	var msg receivedMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
