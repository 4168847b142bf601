package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidfetch/internal/domain"
	"vidfetch/internal/downloader"
)

func dialEvents(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestEventsStreamFiltersByBatch(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	conn := dialEvents(t, env, "token="+token+"&batch=b1")
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	env.hub.Notify(downloader.Event{BatchID: "b2", ItemID: "BV9", State: domain.StateStarted})
	env.hub.Notify(downloader.Event{BatchID: "b1", ItemID: "BV1", State: domain.StateFinished, Success: 1})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event downloader.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "b1", event.BatchID)
	assert.Equal(t, "BV1", event.ItemID)
	assert.Equal(t, domain.StateFinished, event.State)
	assert.Equal(t, int64(1), event.Success)
}

func TestEventsRequireToken(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEventsClientDisconnect(t *testing.T) {
	env := newTestEnv(t)
	conn := dialEvents(t, env, "token="+env.token(t))
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRunStopsWithContext(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	hub := NewHub(logger)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	hub.Notify(downloader.Event{BatchID: "b"})
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Zero(t, hub.ClientCount())
}
