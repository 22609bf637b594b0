package http

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHub_StreamsNotifications(t *testing.T) {
	roster := []domain.Participant{{ID: "00000000-0000-0000-0000-00000000000a", DisplayName: "Bob"}}
	hub := NewEventHub(app.SimplePolicy{MaxMisses: 4}, func() []domain.Participant { return roster })
	srv := httptest.NewServer(newTestRouter(t, &fakeVoice{}, hub, nil))
	defer srv.Close()
	defer hub.CloseAll()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	read := func() map[string]any {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}

	hub.OnStatusChange(domain.StatusChange{Status: domain.StatusJoined, Channel: "region-voice", Proximal: true})
	m := read()
	assert.Equal(t, "status", m["type"])
	assert.Equal(t, "region-voice", m["status"].(map[string]any)["channel"])

	hub.OnParticipantsChanged()
	m = read()
	assert.Equal(t, "participants", m["type"])
	require.Len(t, m["participants"], 1)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", read()["type"])

	hub.OnFriendsChanged()
	assert.Equal(t, "friends", read()["type"])
}

func TestEventHub_ClosedStreamIsForgotten(t *testing.T) {
	hub := NewEventHub(nil, nil)
	srv := httptest.NewServer(newTestRouter(t, &fakeVoice{}, hub, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEventHub_BackpressureDropsThenDisconnects(t *testing.T) {
	hub := NewEventHub(app.SimplePolicy{MaxMisses: 2}, nil)
	slow := &wsClient{id: "slow", send: make(chan []byte, 1)}
	hub.add(slow)

	hub.OnFriendsChanged() // fills the buffer
	hub.OnFriendsChanged() // miss 1
	hub.OnFriendsChanged() // miss 2
	assert.Equal(t, 1, hub.Len())
	assert.Equal(t, 2, slow.misses)

	hub.OnFriendsChanged() // miss 3: over the limit
	assert.Zero(t, hub.Len())
	assert.ErrorIs(t, slow.TrySend([]byte("x")), ErrClientClosed)
}

func TestEventHub_DeliveryResetsMisses(t *testing.T) {
	hub := NewEventHub(app.SimplePolicy{MaxMisses: 1}, nil)
	c := &wsClient{id: "c", send: make(chan []byte, 1)}
	hub.add(c)

	hub.OnFriendsChanged()
	hub.OnFriendsChanged()
	require.Equal(t, 1, c.misses)

	<-c.send
	hub.OnFriendsChanged()
	assert.Zero(t, c.misses)
	assert.Equal(t, 1, hub.Len())
}

func TestEventHub_ReconnectReplacesStream(t *testing.T) {
	hub := NewEventHub(nil, nil)
	first := &wsClient{id: "same", send: make(chan []byte, 1)}
	second := &wsClient{id: "same", send: make(chan []byte, 1)}
	hub.add(first)
	hub.add(second)

	assert.Equal(t, 1, hub.Len())
	assert.ErrorIs(t, first.TrySend(nil), ErrClientClosed)
	assert.NoError(t, second.TrySend(nil))
}
