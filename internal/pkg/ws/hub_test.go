package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// dialHub 启动一个把连接注册到 hub 的测试服务器，返回客户端连接
func dialHub(t *testing.T, hub *Hub, userID string) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := &Client{UserID: userID, Conn: conn}
		hub.Register(client)
		go func() {
			defer func() {
				hub.Unregister(client)
				conn.Close()
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewHub(t *testing.T) {
	hub := NewHub()

	assert.NotNil(t, hub)
	assert.Equal(t, 0, hub.ConnectionCount())
	assert.False(t, hub.IsOnline("user-1"))
}

func TestHub_SendToUser_UserNotOnline(t *testing.T) {
	hub := NewHub()

	err := hub.SendToUser("user-1", &Message{Type: "test", Data: "x"})
	assert.NoError(t, err)
}

func TestHub_RegisterAndSend(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "user-1")

	require.Eventually(t, func() bool { return hub.IsOnline("user-1") }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hub.ConnectionCount())

	err := hub.SendToUser("user-1", &Message{
		Type: "job_progress",
		Data: map[string]string{"job_id": "job-1"},
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"job_progress"`)
	assert.Contains(t, string(data), `"job_id":"job-1"`)
}

func TestHub_MultipleConnectionsPerUser(t *testing.T) {
	hub := NewHub()
	conn1 := dialHub(t, hub, "user-1")
	conn2 := dialHub(t, hub, "user-1")
	dialHub(t, hub, "user-2")

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 3 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.SendToUser("user-1", &Message{Type: "ping"}))

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(data), `"ping"`)
	}
}

func TestHub_UnregisterOnClose(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "user-1")

	require.Eventually(t, func() bool { return hub.IsOnline("user-1") }, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return !hub.IsOnline("user-1") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestClient_Follows(t *testing.T) {
	c := &Client{UserID: "user-1"}
	assert.True(t, c.Follows("job-1"))

	c.Subscribe("job-1")
	c.Subscribe("job-2")
	assert.True(t, c.Follows("job-1"))
	assert.True(t, c.Follows("job-2"))
	assert.False(t, c.Follows("job-3"))

	c.Unsubscribe("job-1")
	c.Unsubscribe("job-2")
	assert.True(t, c.Follows("job-3"))
}

func TestHub_SendJobEvent_RespectsSubscriptions(t *testing.T) {
	hub := NewHub()
	watcher := &Client{UserID: "user-1"}
	watcher.Subscribe("job-1")
	hub.Register(watcher)
	idle := &Client{UserID: "user-1"}
	hub.Register(idle)

	accept := func(c *Client) bool { return c.Follows("job-2") }
	assert.Equal(t, []*Client{idle}, hub.connections("user-1", accept))

	accept = func(c *Client) bool { return c.Follows("job-1") }
	assert.ElementsMatch(t, []*Client{watcher, idle}, hub.connections("user-1", accept))

	assert.Empty(t, hub.connections("user-2", accept))

	hub.Unregister(watcher)
	hub.Unregister(idle)
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestHub_SendJobEvent_Delivery(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "user-1")
	require.Eventually(t, func() bool { return hub.IsOnline("user-1") }, time.Second, 10*time.Millisecond)

	hub.mu.RLock()
	for c := range hub.owners["user-1"] {
		c.Subscribe("job-1")
	}
	hub.mu.RUnlock()

	require.NoError(t, hub.SendJobEvent("user-1", "job-2", &Message{Type: "job_progress", Data: "job-2"}))
	require.NoError(t, hub.SendJobEvent("user-1", "job-1", &Message{Type: "job_progress", Data: "job-1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"data":"job-1"`)
}
