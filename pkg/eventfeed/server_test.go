package eventfeed

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

func newTestFeedServer(t *testing.T, secret string) (*Server, *httptest.Server) {
	t.Helper()
	server, err := NewServer(Config{Port: 18080, SharedSecret: secret, Logger: zerolog.Nop()})
	require.NoError(t, err)
	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)
	return server, httpSrv
}

func TestServerWebSocket(t *testing.T) {
	t.Run("should reject subscribers without the shared secret", func(t *testing.T) {
		_, httpSrv := newTestFeedServer(t, "hunter2")

		wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)

		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should deliver published events to an authenticated subscriber", func(t *testing.T) {
		server, httpSrv := newTestFeedServer(t, "hunter2")

		wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
		header := http.Header{"X-Feed-Secret": []string{"hunter2"}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool {
			return server.subs.Count() == 1
		}, 2*time.Second, 10*time.Millisecond)

		server.Feed().Publish(EventMessage{Event: "run.finished", Stream: StreamRun, RunID: "run-1"})

		var event EventMessage
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, "run.finished", event.Event)
		assert.Equal(t, "run-1", event.RunID)
	})

	t.Run("should accept the secret as a query parameter", func(t *testing.T) {
		server, httpSrv := newTestFeedServer(t, "hunter2")

		wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?secret=hunter2"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool {
			return server.subs.Count() == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestServerEndpoints(t *testing.T) {
	t.Run("should report health", func(t *testing.T) {
		_, httpSrv := newTestFeedServer(t, "")

		resp, err := http.Get(httpSrv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("should expose prometheus metrics", func(t *testing.T) {
		_, httpSrv := newTestFeedServer(t, "")

		resp, err := http.Get(httpSrv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
