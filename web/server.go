package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Server is the HTTP front of the monitor: it serves the page, the
// state endpoint, and upgrades WebSocket connections into the hub.
type Server struct {
	engine     EngineMonitor
	port       int
	hub        *MonitorHub
	stop       chan struct{}
	httpServer *http.Server
}

// NewServer creates a monitor server for the given engine.
func NewServer(engine EngineMonitor, port int) *Server {
	return &Server{
		engine: engine,
		port:   port,
		hub:    NewMonitorHub(engine),
		stop:   make(chan struct{}),
	}
}

// Start runs the server until it fails or is shut down.
func (s *Server) Start() error {
	go s.hub.Run(s.stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/state", s.handleAPIState)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Web monitor starting", "port", s.port, "url", fmt.Sprintf("http://localhost:%d", s.port))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the meter sampler and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexPage))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // local monitoring only
	},
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	s.hub.Attach(conn)
}

func (s *Server) handleAPIState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.engine.State())
}

const indexPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>algo-convolve monitor</title>
<style>
body { font-family: monospace; background: #111; color: #ddd; margin: 2em; }
.meter { width: 400px; height: 18px; background: #222; margin: 4px 0 12px; }
.meter div { height: 100%; background: #4c4; width: 0%; }
#state { color: #888; white-space: pre; }
</style>
</head>
<body>
<h2>algo-convolve monitor</h2>
<div>in <span id="indb"></span></div><div class="meter"><div id="in"></div></div>
<div>out <span id="outdb"></span></div><div class="meter"><div id="out"></div></div>
<div id="state"></div>
<script>
const ws = new WebSocket("ws://" + location.host + "/ws");
ws.onmessage = (ev) => {
  const msg = JSON.parse(ev.data);
  if (msg.type === "meters") {
    for (const k of ["in", "out"]) {
      const db = msg.payload[k];
      document.getElementById(k).style.width = (100 * (db + 96) / 102) + "%";
      document.getElementById(k + "db").textContent = db.toFixed(1) + " dB";
    }
  } else if (msg.type === "state") {
    document.getElementById("state").textContent = JSON.stringify(msg.payload, null, 2);
  }
};
</script>
</body>
</html>
`
