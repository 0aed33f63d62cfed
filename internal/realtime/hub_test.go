package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qshield/internal/events"
)

const wallet = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"

func testHub() *Hub {
	return NewHub(slog.Default(), nil)
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func registerClient(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, 16), sub: sub}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) *events.Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev events.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return &ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
		return nil
	}
}

func TestShouldSend(t *testing.T) {
	submitted := &events.Event{Type: events.TypeTransactionSubmitted, Address: wallet}
	rejected := &events.Event{Type: events.TypeTransactionRejected, Address: "0x1"}

	tests := []struct {
		name string
		sub  Subscription
		ev   *events.Event
		want bool
	}{
		{"empty subscription", Subscription{}, submitted, true},
		{"type match", Subscription{EventTypes: []events.Type{events.TypeTransactionSubmitted}}, submitted, true},
		{"type mismatch", Subscription{EventTypes: []events.Type{events.TypeContractAnalyzed}}, submitted, false},
		{"address match ignores case", Subscription{Addresses: []string{"0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD"}}, submitted, true},
		{"address mismatch", Subscription{Addresses: []string{wallet}}, rejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldSend(&Client{sub: tt.sub}, tt.ev))
		})
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := runHub(t)
	c := registerClient(t, h, Subscription{})

	require.NoError(t, h.Publish(context.Background(), events.New(events.TypeTransactionSubmitted, wallet, map[string]string{"hash": "0x1"})))
	ev := receive(t, c)
	assert.Equal(t, events.TypeTransactionSubmitted, ev.Type)
	assert.Equal(t, wallet, ev.Address)
	assert.Equal(t, "websocket", h.Name())
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := runHub(t)
	c := registerClient(t, h, Subscription{EventTypes: []events.Type{events.TypeTransactionRejected}})

	h.Broadcast(events.New(events.TypeTransactionSubmitted, wallet, nil))
	h.Broadcast(events.New(events.TypeTransactionRejected, wallet, nil))

	ev := receive(t, c)
	assert.Equal(t, events.TypeTransactionRejected, ev.Type, "submitted event filtered out")
}

func TestHub_RegisterUnregisterStats(t *testing.T) {
	h := runHub(t)
	c := registerClient(t, h, Subscription{})

	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"].(int64))

	h.unregister <- c
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"].(int64), "peak is kept")
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?address=" + wallet
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 10*time.Millisecond)

	h.Broadcast(events.New(events.TypeTransactionAnalyzed, "0x0000000000000000000000000000000000000001", nil))
	h.Broadcast(events.New(events.TypeTransactionAnalyzed, wallet, nil))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, wallet, ev.Address, "only the subscribed wallet's events are delivered")
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	h := NewHub(slog.Default(), []string{"https://wallet.example"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://wallet.example"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestClient_Subscribe(t *testing.T) {
	c := &Client{send: make(chan []byte, 4)}

	c.subscribe(Subscription{
		EventTypes: []events.Type{events.TypeTransactionRejected},
		Addresses:  []string{"0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD", "not-an-address"},
	})
	assert.Equal(t, []string{wallet}, c.sub.Addresses)

	var ack subscribedAck
	require.NoError(t, json.Unmarshal(<-c.send, &ack))
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, []string{"not-an-address"}, ack.Ignored)

	// Only malformed addresses: the previous filters stay.
	c.subscribe(Subscription{Addresses: []string{"0x123"}})
	assert.Equal(t, []string{wallet}, c.sub.Addresses)
	require.NoError(t, json.Unmarshal(<-c.send, &ack))
	assert.Equal(t, []string{wallet}, ack.Subscription.Addresses)
}

func TestHub_RejectsInvalidAddressFilter(t *testing.T) {
	h := runHub(t)
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws?address=0xnope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
