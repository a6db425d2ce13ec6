package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	delay   time.Duration
	handler func(command string, data json.RawMessage) (any, error)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, command string, data json.RawMessage) (any, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.handler != nil {
		return f.handler(command, data)
	}
	return map[string]string{"command": command}, nil
}

func startTestServer(t *testing.T, hub *Hub) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	RegisterRoutes(engine, hub)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(engine)
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	return fmt.Sprintf("ws://%s/ws", ln.Addr().String())
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHandleConnection_DispatchesAndWritesResponse(t *testing.T) {
	hub := NewHub(&fakeDispatcher{}, 4, nil)
	url := startTestServer(t, hub)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(Request{EchoID: "e1", Command: "ping", Data: json.RawMessage(`{}`)}))

	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, "e1", resp.EchoID)
	require.Equal(t, StatusSuccess, resp.Status)
}

func TestHandleConnection_MalformedEnvelopeReturnsErrorWithoutEchoID(t *testing.T) {
	hub := NewHub(&fakeDispatcher{}, 4, nil)
	url := startTestServer(t, hub)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, StatusError, resp.Status)
	require.Empty(t, resp.EchoID)
}

func TestHandleConnection_DispatchErrorSurfacesAsErrorStatus(t *testing.T) {
	hub := NewHub(&fakeDispatcher{handler: func(string, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("boom")
	}}, 4, nil)
	url := startTestServer(t, hub)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(Request{EchoID: "e1", Command: "x"}))

	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, StatusError, resp.Status)
	require.Equal(t, "boom", resp.Error)
}

func TestHandleConnection_ParallelCommandsAllRespond(t *testing.T) {
	hub := NewHub(&fakeDispatcher{delay: 20 * time.Millisecond}, 8, nil)
	url := startTestServer(t, hub)
	conn := dial(t, url)

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, conn.WriteJSON(Request{EchoID: fmt.Sprintf("e%d", i), Command: "x"}))
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		var resp Response
		require.NoError(t, conn.ReadJSON(&resp))
		seen[resp.EchoID] = true
	}
	require.Len(t, seen, n, "every dispatched command must eventually produce exactly one response")
}

func TestHandleConnection_BSONFrameRoundTrips(t *testing.T) {
	hub := NewHub(&fakeDispatcher{}, 4, nil)
	url := startTestServer(t, hub)
	conn := dial(t, url)

	req := Request{EchoID: "bson-1", Command: "x", Data: json.RawMessage(`{}`)}
	payload, err := BSONCodec.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, payload))

	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)

	var resp Response
	require.NoError(t, BSONCodec.Unmarshal(data, &resp))
	require.Equal(t, "bson-1", resp.EchoID)
	require.Equal(t, StatusSuccess, resp.Status)
}
