package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/nrn-labs/undoable/internal/gateway/ws"
)

// EventStream is a live tail of the daemon's event bus over /ws/events.
type EventStream struct {
	conn   *websocket.Conn
	reqSeq uint64
}

// Events opens the websocket feed. The token travels as a query parameter;
// the hub accepts it there because upgrade requests cannot carry headers
// from every client.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1) + "/ws/events"
	if c.token != "" {
		wsURL += "?token=" + url.QueryEscape(c.token)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return &EventStream{conn: conn}, nil
}

// Read returns the next frame from the feed.
func (s *EventStream) Read(ctx context.Context) (wsprotocol.Frame, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// ResolveApproval answers a pending approval over the socket.
func (s *EventStream) ResolveApproval(ctx context.Context, id string, approved, allowAlways bool) error {
	seq := atomic.AddUint64(&s.reqSeq, 1)
	params, err := json.Marshal(map[string]any{
		"id":          id,
		"approved":    approved,
		"allowAlways": allowAlways,
	})
	if err != nil {
		return err
	}
	frame := wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     fmt.Sprintf("req-%d", seq),
		Method: wsprotocol.MethodResolveApproval,
		Params: params,
	}
	data, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Close shuts the feed down.
func (s *EventStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}
