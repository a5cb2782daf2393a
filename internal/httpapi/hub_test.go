package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wisefido-snapshot/internal/coordinator"
	"wisefido-snapshot/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubscription struct {
	mu           sync.Mutex
	unsubscribed bool
	muteRefresh  []bool
}

func (s *fakeSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = true
}

func (s *fakeSubscription) SetMuteRefresh(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muteRefresh = append(s.muteRefresh, active)
}

func (s *fakeSubscription) state() (bool, []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed, append([]bool(nil), s.muteRefresh...)
}

func setupHub(t *testing.T) (*Hub, *websocket.Conn, chan coordinator.Observer, *fakeSubscription) {
	sub := &fakeSubscription{}
	observers := make(chan coordinator.Observer, 1)
	hub := NewHub(func(o coordinator.Observer) Subscription {
		observers <- o
		return sub
	}, zap.NewNop())

	r := NewRouter(zap.NewNop())
	r.RegisterWebsocket(hub)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + apiPrefix + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return hub, conn, observers, sub
}

func TestHub_DeliversEvents(t *testing.T) {
	hub, conn, observers, _ := setupHub(t)
	obs := <-observers

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	obs.OnEvent(models.Event{Kind: models.EventSnapshotUpdated, SnapshotID: "s-1", Forced: true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string       `json:"type"`
		Payload models.Event `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, models.EventSnapshotUpdated, msg.Payload.Kind)
	assert.Equal(t, "s-1", msg.Payload.SnapshotID)
	assert.True(t, msg.Payload.Forced)
}

func TestHub_MuteRefreshControl(t *testing.T) {
	_, conn, observers, sub := setupHub(t)
	<-observers

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"muteRefresh","active":true}`)))
	assert.Eventually(t, func() bool {
		_, refresh := sub.state()
		return len(refresh) == 1 && refresh[0]
	}, time.Second, 10*time.Millisecond)
}

func TestHub_DisconnectUnsubscribes(t *testing.T) {
	hub, conn, observers, sub := setupHub(t)
	obs := <-observers
	live, ok := obs.(coordinator.Liveness)
	require.True(t, ok)
	assert.True(t, live.Alive())

	conn.Close()

	assert.Eventually(t, func() bool {
		unsubscribed, _ := sub.state()
		return unsubscribed && !live.Alive() && hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	obs.OnEvent(models.Event{Kind: models.EventAlertsChanged})
}
