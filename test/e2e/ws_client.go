package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSEvent is one received response envelope.
type WSEvent struct {
	EchoID   string
	Status   string
	Result   json.RawMessage
	Error    string
	Raw      json.RawMessage
	Received time.Time
}

// WSClient connects to the server's single /ws endpoint and collects
// response envelopes in a background goroutine, correlating them by
// echo_id for callers that sent a request and are waiting on its reply.
type WSClient struct {
	conn   *websocket.Conn
	events []WSEvent
	mu     sync.Mutex
	doneCh chan struct{}
}

// WSConnect dials the server's WebSocket endpoint and starts the
// background reader.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	c := &WSClient{doneCh: make(chan struct{}), conn: conn}
	go c.readLoop()
	return c, nil
}

// Send writes one request envelope as a JSON text frame.
func (c *WSClient) Send(echoID, command string, data any) error {
	payload, err := json.Marshal(map[string]any{
		"echo_id": echoID,
		"command": command,
		"data":    data,
	})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Events returns a snapshot of all collected response envelopes.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// WaitForEcho polls collected events until one with the given echo_id
// arrives or timeout expires. Preferred over time.Sleep since responses
// to parallel-dispatched commands can arrive out of send order.
func (c *WSClient) WaitForEcho(t interface {
	Helper()
	Fatalf(string, ...interface{})
}, echoID string, timeout time.Duration) WSEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range c.Events() {
			if e.EchoID == echoID {
				return e
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("WaitForEcho: timed out after %s waiting for echo_id %q", timeout, echoID)
	return WSEvent{}
}

// Close closes the connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	_ = c.conn.Close()
	<-c.doneCh
	return nil
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var parsed struct {
			EchoID string          `json:"echo_id"`
			Status string          `json:"status"`
			Result json.RawMessage `json:"result"`
			Error  string          `json:"error"`
		}
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue
		}

		evt := WSEvent{
			EchoID:   parsed.EchoID,
			Status:   parsed.Status,
			Result:   parsed.Result,
			Error:    parsed.Error,
			Raw:      json.RawMessage(data),
			Received: time.Now(),
		}

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}
