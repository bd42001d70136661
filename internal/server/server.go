// Package server exposes the live subscriber transport, the status
// queries and the metrics endpoint over HTTP.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ndefender/internal/command"
	"ndefender/internal/contact"
	"ndefender/internal/hub"
	"ndefender/internal/logging"
	"ndefender/internal/status"
)

//go:embed templates/index.html
var content embed.FS

// Server serves the HTTP surface of the core.
type Server struct {
	Hub      *hub.Hub
	Tracker  *contact.Tracker
	RFStore  *contact.RFStore
	Router   *command.Router
	Builder  *status.Builder
	Gatherer prometheus.Gatherer

	// StatePath and GPSPath back the legacy /status document.
	StatePath string
	GPSPath   string

	upgrader websocket.Upgrader
	tpl      *template.Template
}

// NewServer wires a server around the live components.
func NewServer(h *hub.Hub, tracker *contact.Tracker, rf *contact.RFStore, router *command.Router, builder *status.Builder) *Server {
	tpl := template.Must(template.New("index.html").ParseFS(content, "templates/index.html"))
	return &Server{
		Hub:      h,
		Tracker:  tracker,
		RFStore:  rf,
		Router:   router,
		Builder:  builder,
		Gatherer: prometheus.DefaultGatherer,
		tpl:      tpl,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/status", s.handleLegacyStatus)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleLegacyWS)
	mux.HandleFunc("/api/v1/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	log := logging.FromContext(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tpl.Execute(w, s.Builder.Build()); err != nil {
		logging.FromContext(r.Context()).Warn("render status page", "err", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Builder.Build())
}

func (s *Server) handleLegacyStatus(w http.ResponseWriter, r *http.Request) {
	var remoteID any = map[string]any{
		"health":  map[string]any{"state": "DISCONNECTED", "source": "replay", "updated_ts": nil},
		"counts":  map[string]any{"targets": 0, "msgs_60s": 0},
		"targets": []any{},
	}
	var doc any
	if s.StatePath != "" && status.ReadJSON(s.StatePath, &doc) == nil {
		remoteID = doc
	}
	var gps any = status.GPSFix{}
	var g any
	if s.GPSPath != "" && status.ReadJSON(s.GPSPath, &g) == nil {
		gps = g
	}
	writeJSON(w, map[string]any{
		"ok":       true,
		"ts":       time.Now().UnixMilli(),
		"remoteid": remoteID,
		"gps":      gps,
		"api":      map[string]string{"v1_status": "/api/v1/status", "v1_ws": "/api/v1/ws"},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
