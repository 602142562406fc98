package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nrn-labs/undoable/internal/chat"
	"github.com/nrn-labs/undoable/internal/config"
)

// ChatRequest mirrors the gateway's POST /chat body.
type ChatRequest struct {
	Message   string            `json:"message"`
	SessionID string            `json:"sessionId,omitempty"`
	AgentID   string            `json:"agentId,omitempty"`
	Config    *config.RunConfig `json:"config,omitempty"`
}

// Chat streams one turn. emit runs on this goroutine for every envelope
// until the stream's [DONE] sentinel; cancelling ctx aborts the turn.
func (c *Client) Chat(ctx context.Context, req ChatRequest, emit func(chat.Envelope)) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(b))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		var env chat.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			continue
		}
		emit(env)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read chat stream: %w", err)
	}
	return fmt.Errorf("chat stream ended before [DONE]")
}
