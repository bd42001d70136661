package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ndefender/internal/hub"
	"ndefender/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Envelope sources used when replaying contacts to a new subscriber.
const (
	sourceRemoteID = "remote_id"
	sourceRF       = "rf_sensor"
)

// wsConn serializes writes to one websocket and satisfies hub.Subscriber.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Send(env hub.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.serveSession(w, r, false)
}

// handleLegacyWS keeps the original endpoint: same replay, but inbound
// frames are only acknowledged, never routed.
func (s *Server) handleLegacyWS(w http.ResponseWriter, r *http.Request) {
	s.serveSession(w, r, true)
}

func (s *Server) serveSession(w http.ResponseWriter, r *http.Request, legacy bool) {
	ctx := r.Context()
	log := logging.FromContext(ctx).With("remote", r.RemoteAddr, "path", r.URL.Path)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "err", err)
		return
	}
	c := &wsConn{conn: ws}
	defer ws.Close()

	// Close the socket on shutdown so the read loop below returns.
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	ridSource := sourceRemoteID
	if legacy {
		ridSource = hub.DefaultSource
	}
	if err := s.replayContacts(c, ridSource); err != nil {
		log.Debug("contact replay failed", "err", err)
	}

	id := s.Hub.Subscribe(c)
	defer s.Hub.Unsubscribe(id)
	log.Info("subscriber joined", "id", id, "subscribers", s.Hub.Count())

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if c.ping() != nil {
					return
				}
			}
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Info("subscriber left", "id", id, "err", err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var ack hub.Envelope
		if legacy || s.Router == nil {
			ack = hub.New(hub.TypeCommandAck, hub.DefaultSource, map[string]any{"ok": true})
		} else {
			ack = s.Router.Handle(ctx, decodeObject(data))
		}
		if err := c.Send(ack); err != nil {
			log.Info("subscriber write failed", "id", id, "err", err)
			return
		}
	}
}

// replayContacts sends every live contact as CONTACT_NEW before the
// subscriber joins the hub.
func (s *Server) replayContacts(c *wsConn, ridSource string) error {
	if s.Tracker != nil {
		for _, ct := range s.Tracker.Snapshot() {
			if err := c.Send(hub.New(hub.TypeContactNew, ridSource, map[string]any{"contact": ct})); err != nil {
				return err
			}
		}
	}
	if s.RFStore != nil {
		for _, ct := range s.RFStore.Snapshot() {
			if err := c.Send(hub.New(hub.TypeContactNew, sourceRF, ct)); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeObject(data []byte) map[string]any {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	var obj map[string]any
	if json.Unmarshal(data, &obj) != nil {
		return nil
	}
	return obj
}
