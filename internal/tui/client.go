// Package tui is the terminal viewer for a running core. It follows the
// subscriber endpoint and can send commands back over it.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ndefender/internal/hub"
	"ndefender/internal/logging"
)

const writeWait = 5 * time.Second

// Client is a websocket subscriber session.
type Client struct {
	conn *websocket.Conn

	mu sync.Mutex
}

// Dial opens a session on url, e.g. ws://host:8080/api/v1/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot reach websocket endpoint %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Run delivers every received envelope until the connection fails or
// ctx is done.
func (c *Client) Run(ctx context.Context, deliver func(hub.Envelope)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscriber read: %w", err)
		}
		var env hub.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.FromContext(ctx).Debug("ignoring undecodable frame", "err", err)
			continue
		}
		deliver(env)
	}
}

// Command is an operator request.
type Command struct {
	Target string
	Name   string
	Args   map[string]any
}

// ParseCommand reads "target CMD [key=value ...]". Values that parse as
// JSON numbers or booleans keep that type.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Command{}, fmt.Errorf("usage: <target> <command> [key=value ...]")
	}
	cmd := Command{Target: strings.ToLower(fields[0]), Name: strings.ToUpper(fields[1]), Args: map[string]any{}}
	for _, kv := range fields[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return Command{}, fmt.Errorf("bad argument %q", kv)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			cmd.Args[k] = decoded
		} else {
			cmd.Args[k] = v
		}
	}
	return cmd, nil
}

// Message renders cmd as a COMMAND envelope object with reqID.
func (c Command) Message(reqID string) map[string]any {
	return map[string]any{
		"type": hub.TypeCommand,
		"data": map[string]any{
			"cmd":    c.Name,
			"target": c.Target,
			"args":   c.Args,
			"req_id": reqID,
		},
	}
}

// Send writes cmd and returns the request id its ack will carry.
func (c *Client) Send(cmd Command) (string, error) {
	reqID := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(cmd.Message(reqID)); err != nil {
		return "", err
	}
	return reqID, nil
}

// Close ends the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
