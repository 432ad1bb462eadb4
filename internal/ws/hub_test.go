package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func dial(t *testing.T, hub *Hub, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewClient(conn, hub, userID).Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_DeliversToEveryConnectionOfUser(t *testing.T) {
	hub, _ := startHub(t)
	userID := uuid.New()

	first := dial(t, hub, userID)
	second := dial(t, hub, userID)
	require.Eventually(t, func() bool { return hub.Connected(userID) == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.BroadcastToUser(userID, "order.delivered", map[string]string{"order_id": "A-1"}))

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg struct {
			Type string            `json:"type"`
			Data map[string]string `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, "order.delivered", msg.Type)
		assert.Equal(t, "A-1", msg.Data["order_id"])
	}
}

func TestHub_SkipsOtherUsers(t *testing.T) {
	hub, _ := startHub(t)
	alice, bob := uuid.New(), uuid.New()

	conn := dial(t, hub, bob)
	require.Eventually(t, func() bool { return hub.Connected(bob) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.BroadcastToUser(alice, "order.completed", nil))

	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_UnregistersClosedConnection(t *testing.T) {
	hub, _ := startHub(t)
	userID := uuid.New()

	conn := dial(t, hub, userID)
	require.Eventually(t, func() bool { return hub.Connected(userID) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Connected(userID) == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_StoppedRejectsBroadcast(t *testing.T) {
	hub, cancel := startHub(t)
	cancel()

	assert.Eventually(t, func() bool {
		return hub.BroadcastToUser(uuid.New(), "order.completed", nil) == ErrHubStopped
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, ErrHubStopped, hub.Register(&Client{userID: uuid.New(), send: make(chan []byte, 1)}))
}
