package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ndefender/internal/event"
	"ndefender/internal/logging"
)

// Command error tokens.
const (
	ErrMissingReqID = "missing_req_id"
	ErrTimeout      = "timeout"
	ErrBadResponse  = "bad_resp"
	ErrOpenFailed   = "open_failed"
	ErrWriteFailed  = "write_failed"
)

// DefaultCommandTimeout applies when Send is given no timeout.
const DefaultCommandTimeout = 1500 * time.Millisecond

// Result is the outcome of one command.
type Result struct {
	OK       bool
	Response map[string]any
	Err      string
}

// Bridge writes commands to the controller and waits for the matching
// cmd_ack, which the Reader hands over through Resolve.
type Bridge struct {
	Device string
	Baud   int
	Opener Opener

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan map[string]any
}

// NewBridge returns a bridge for dev.
func NewBridge(dev string, baud int, opener Opener) *Bridge {
	return &Bridge{
		Device:  dev,
		Baud:    baud,
		Opener:  opener,
		pending: make(map[string]chan map[string]any),
	}
}

// Send writes cmd and waits up to timeout for its acknowledgement. cmd
// must carry a req_id. Timeouts are not retried.
func (b *Bridge) Send(ctx context.Context, cmd map[string]any, timeout time.Duration) Result {
	reqID := event.String(cmd["req_id"])
	if reqID == "" {
		return Result{Err: ErrMissingReqID}
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	log := logging.FromContext(ctx).With("req_id", reqID)

	slot := make(chan map[string]any, 1)
	b.mu.Lock()
	b.pending[reqID] = slot
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.pending[reqID] == slot {
			delete(b.pending, reqID)
		}
		b.mu.Unlock()
	}()

	line, err := json.Marshal(cmd)
	if err != nil {
		return Result{Err: fmt.Sprintf("%s:%v", ErrWriteFailed, err)}
	}
	if res, ok := b.write(append(line, '\n')); !ok {
		log.Warn("controller command not written", "err", res.Err)
		return res
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-slot:
		if resp == nil {
			return Result{Err: ErrBadResponse}
		}
		return Result{OK: truthy(resp["ok"]), Response: resp, Err: event.String(resp["err"])}
	case <-timer.C:
		log.Debug("controller command timed out", "timeout", timeout)
		return Result{Err: ErrTimeout}
	case <-ctx.Done():
		return Result{Err: ErrTimeout}
	}
}

// write opens a dedicated handle for one command.
func (b *Bridge) write(line []byte) (Result, bool) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	port, err := b.Opener.Open(b.Device, b.Baud)
	if err != nil {
		return Result{Err: fmt.Sprintf("%s:%v", ErrOpenFailed, err)}, false
	}
	defer port.Close()
	if _, err := port.Write(line); err != nil {
		return Result{Err: fmt.Sprintf("%s:%v", ErrWriteFailed, err)}, false
	}
	return Result{}, true
}

// Resolve delivers an acknowledgement frame to its waiting command. It
// reports whether anyone was waiting.
func (b *Bridge) Resolve(ack map[string]any) bool {
	reqID := event.String(ack["req_id"])
	if reqID == "" {
		return false
	}
	b.mu.Lock()
	slot, ok := b.pending[reqID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case slot <- ack:
		return true
	default:
		return false
	}
}

// Pending returns the number of commands awaiting an ack.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case map[string]any:
		return len(x) > 0
	case []any:
		return len(x) > 0
	}
	n, ok := event.Number(v)
	return !ok || n != 0
}
