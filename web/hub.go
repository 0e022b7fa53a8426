// Package web serves a small browser monitor for a running
// convolution engine: connected clients receive level meters and
// engine state over a WebSocket.
package web

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EngineMonitor is the read-only surface the monitor samples. The
// implementation must be safe to call from the hub's goroutines
// while audio is being processed elsewhere.
type EngineMonitor interface {
	// Meters returns the most recent input and output levels as
	// linear peak amplitudes.
	Meters() (in, out float32)

	// State describes the loaded engine configuration.
	State() EngineState
}

// EngineState is the engine configuration shown to clients.
type EngineState struct {
	IRFile      string  `json:"irFile"`
	IRLength    int     `json:"irLength"`
	SampleRate  float64 `json:"sampleRate"`
	FFTSizes    []int   `json:"fftSizes"`
	ZeroLatency bool    `json:"zeroLatency"`
}

// Message is the envelope for all WebSocket payloads.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// MetersPayload carries meter values in dB.
type MetersPayload struct {
	In  float64 `json:"in"`
	Out float64 `json:"out"`
}

// meterInterval is how often connected clients receive fresh levels.
const meterInterval = 50 * time.Millisecond

// client is one connected monitor with its own outbound queue.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// MonitorHub samples an engine and fans the readings out to every
// connected client. A client joins with the current engine state and
// then receives meter frames until it disconnects or falls behind.
type MonitorHub struct {
	engine EngineMonitor

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewMonitorHub creates a hub sampling the given engine.
func NewMonitorHub(engine EngineMonitor) *MonitorHub {
	return &MonitorHub{
		engine:  engine,
		clients: make(map[*client]struct{}),
	}
}

// Run samples the engine meters until stop closes. The engine is
// left alone while nobody is watching.
func (h *MonitorHub) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(meterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}

			if msg := h.metersMessage(); msg != nil {
				h.fanOut(msg)
			}
		}
	}
}

// Attach adopts an upgraded connection as a monitor client. It sends
// the state snapshot, then blocks serving the connection until the
// peer goes away.
func (h *MonitorHub) Attach(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, 256)}

	if msg := h.stateMessage(); msg != nil {
		c.send <- msg
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	c.readPump(h)
}

// ClientCount returns the number of connected clients.
func (h *MonitorHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// detach removes a client and closes its queue. Safe to call twice;
// only the first call finds the client in the set.
func (h *MonitorHub) detach(c *client) {
	h.mu.Lock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	h.mu.Unlock()
}

// fanOut queues a message for every client. A client whose queue is
// full is dropped rather than allowed to stall the sampler.
func (h *MonitorHub) fanOut(msg []byte) {
	var stalled []*client

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stalled {
		h.detach(c)
	}
}

// stateMessage marshals the engine configuration snapshot.
func (h *MonitorHub) stateMessage() []byte {
	data, err := json.Marshal(Message{Type: "state", Payload: h.engine.State()})
	if err != nil {
		return nil
	}

	return data
}

// metersMessage marshals the current levels.
func (h *MonitorHub) metersMessage() []byte {
	in, out := h.engine.Meters()

	data, err := json.Marshal(Message{Type: "meters", Payload: MetersPayload{
		In:  linToDB(in),
		Out: linToDB(out),
	}})
	if err != nil {
		return nil
	}

	return data
}

// linToDB converts linear amplitude to dB, clamped to a meter range.
func linToDB(l float32) float64 {
	if l <= 1e-9 {
		return -96.0
	}

	db := 20 * math.Log10(float64(l))
	if db < -96.0 {
		return -96.0
	}
	if db > 6.0 {
		return 6.0
	}
	return db
}

// writePump drains the client queue onto the wire.
func (c *client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// readPump consumes the connection until it closes. The monitor is
// one-way; anything the peer sends is discarded.
func (c *client) readPump(h *MonitorHub) {
	defer func() {
		h.detach(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
