package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/moldsim/internal/auth"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticValidator struct {
	token string
}

func (v staticValidator) ValidateToken(_ context.Context, token string) ([]auth.Permission, error) {
	if token != v.token {
		return nil, errors.New("invalid token")
	}
	return []auth.Permission{auth.PermViewer}, nil
}

func startHub(t *testing.T, validator TokenValidator) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(zap.NewNop(), validator)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readType(t *testing.T, conn *gws.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.GetClientCount() == n }, 5*time.Second, 5*time.Millisecond)
}

func TestHubBroadcastsToClients(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	require.True(t, hub.Broadcast(NewStageMessage("Injection", 3, 2*time.Second)))

	msg := readType(t, conn)
	assert.Equal(t, "stage", msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "Injection", data["stage"])
	assert.Equal(t, 2.0, data["duration_seconds"])
}

func TestHubFiltersBySubscription(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":   "subscribe",
		"topics": []string{"alert"},
	}))
	ack := readType(t, conn)
	assert.Equal(t, "subscribed", ack["type"])
	assert.Equal(t, []interface{}{"alert"}, ack["topics"])

	hub.Broadcast(NewReadingMessage(time.Now(), map[string]float64{"melt_temp": 200}))
	hub.Broadcast(NewAlertMessage(0.8, 0.5, "Holding"))

	msg := readType(t, conn)
	assert.Equal(t, "alert", msg["type"])
}

func TestHubRejectsUnknownTopic(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":   "subscribe",
		"topics": []string{"vibration"},
	}))
	msg := readType(t, conn)
	assert.Equal(t, "subscribe_failed", msg["type"])
	assert.Contains(t, msg["reason"], "vibration")
}

func TestHubAuthenticatesFirstMessage(t *testing.T) {
	hub, url := startHub(t, staticValidator{token: "good"})

	rejected := dial(t, url)
	require.NoError(t, rejected.WriteJSON(map[string]string{"type": "auth", "token": "bad"}))
	assert.Equal(t, "auth_failed", readType(t, rejected)["type"])
	assert.Equal(t, 0, hub.GetClientCount())

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "good"}))
	assert.Equal(t, "auth_success", readType(t, conn)["type"])
	waitClients(t, hub, 1)

	hub.Broadcast(NewMachineStateMessage("running", "stopped"))
	assert.Equal(t, "machine_state", readType(t, conn)["type"])
}
