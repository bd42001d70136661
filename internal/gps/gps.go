// Package gps follows a gpsd JSON stream and persists the latest fix.
package gps

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"ndefender/internal/event"
	"ndefender/internal/health"
	"ndefender/internal/logging"
	"ndefender/internal/status"
	"ndefender/internal/stream"
)

// DefaultAddr is the local gpsd socket.
const DefaultAddr = "127.0.0.1:2947"

const watchCmd = `?WATCH={"enable":true,"json":true}` + "\n"

// Reader keeps the current fix and rewrites Path on every change.
type Reader struct {
	Addr        string
	Path        string
	Health      *health.Subsystem
	Timeout     time.Duration
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	mu  sync.Mutex
	fix status.GPSFix
	now func() time.Time
}

// NewReader returns a reader for gpsd at addr persisting to path.
func NewReader(addr, path string) *Reader {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Reader{Addr: addr, Path: path, Timeout: 3 * time.Second, now: time.Now}
}

// Snapshot returns the current fix.
func (r *Reader) Snapshot() status.GPSFix {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fix
}

// Run connects, watches and reconnects until ctx is done.
func (r *Reader) Run(ctx context.Context) error {
	log := logging.FromContext(ctx).With("addr", r.Addr)
	backoff := stream.Backoff{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}
	r.persist(ctx)
	for ctx.Err() == nil {
		err := r.session(ctx, &backoff)
		if ctx.Err() != nil {
			break
		}
		log.Debug("gpsd session ended", "err", err)
		if r.Health != nil {
			r.Health.SetError("gpsd_unavailable")
		}
		r.mu.Lock()
		r.fix.LastTS = r.now().UnixMilli()
		r.mu.Unlock()
		r.persist(ctx)

		timer := time.NewTimer(backoff.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	return nil
}

func (r *Reader) session(ctx context.Context, backoff *stream.Backoff) error {
	dial := r.DialContext
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	dctx, cancel := context.WithTimeout(ctx, r.Timeout)
	conn, err := dial(dctx, "tcp", r.Addr)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := conn.Write([]byte(watchCmd)); err != nil {
		return err
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 256*1024)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(r.Timeout))
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return err
			}
			return net.ErrClosed
		}
		var msg map[string]any
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			continue
		}
		if r.apply(msg) {
			backoff.Reset()
			if r.Health != nil {
				r.Health.MarkResponse(r.now())
			}
			r.persist(ctx)
		}
	}
}

// apply folds one gpsd report into the fix. It reports whether the fix
// changed.
func (r *Reader) apply(msg map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch msg["class"] {
	case "TPV":
		mode := 0
		if n, ok := event.Number(msg["mode"]); ok {
			mode = int(n)
		}
		r.fix.Mode = mode
		r.fix.Lat = num(msg["lat"])
		r.fix.Lon = num(msg["lon"])
		r.fix.AltM = num(msg["alt"])
		r.fix.SpeedMps = num(msg["speed"])
		r.fix.TrackDeg = num(msg["track"])
	case "SKY":
		used := 0
		if sats, ok := msg["satellites"].([]any); ok {
			for _, s := range sats {
				if m, ok := s.(map[string]any); ok && m["used"] == true {
					used++
				}
			}
		}
		r.fix.Sats = &used
		if h := num(msg["hdop"]); h != nil {
			r.fix.HDOP = h
		}
	default:
		return false
	}
	r.fix.LastTS = r.now().UnixMilli()
	return true
}

func (r *Reader) persist(ctx context.Context) {
	if r.Path == "" {
		return
	}
	if err := status.WriteJSONAtomic(r.Path, r.Snapshot()); err != nil {
		logging.FromContext(ctx).Warn("gps state write failed", "path", r.Path, "err", err)
	}
}

func num(v any) *float64 {
	f, ok := event.Number(v)
	if !ok {
		return nil
	}
	return &f
}
