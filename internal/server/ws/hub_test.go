package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanBus struct{ ch chan []byte }

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func startHub(t *testing.T) (*chanBus, *httptest.Server) {
	t.Helper()
	bus := &chanBus{ch: make(chan []byte, 16)}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Channels: []string{"events"}, Mode: "full"})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return bus, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var head struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &head))
	return head.Type
}

func TestHubRelaysEvents(t *testing.T) {
	bus, srv := startHub(t)
	conn := dial(t, srv, "")
	require.Equal(t, "hello", readType(t, conn))

	require.NoError(t, bus.Publish(context.Background(), "events", []byte(`{"type":"order_executed","ticket":7}`)))
	assert.Equal(t, "order_executed", readType(t, conn))
}

func TestHubFiltersByType(t *testing.T) {
	bus, srv := startHub(t)
	conn := dial(t, srv, "?types=ledger_*")
	require.Equal(t, "hello", readType(t, conn))

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "events", []byte(`{"type":"order_executed"}`)))
	require.NoError(t, bus.Publish(ctx, "events", []byte(`{"type":"ledger_drift"}`)))
	assert.Equal(t, "ledger_drift", readType(t, conn), "non-matching events are skipped")
}

func TestSubscriptionMessages(t *testing.T) {
	c := &client{subs: map[string]bool{"*": true}}
	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Types: []string{"*"}})
	c.handleSubscription(subscribeMsg{Action: "subscribe", Types: []string{"kill_switch_changed", "order_*"}})

	assert.True(t, c.isSubscribed("kill_switch_changed"))
	assert.True(t, c.isSubscribed("order_rejected"))
	assert.False(t, c.isSubscribed("ledger_drift"))
}

func TestEventType(t *testing.T) {
	assert.Equal(t, "position_closed", eventType([]byte(`{"type":"position_closed","detail":{"partial":true}}`)))
	assert.Equal(t, "", eventType([]byte(`not json`)))
}
