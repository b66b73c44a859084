package visualiser

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/cloudbridge/internal/bridge/render"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// ViewerConfig configures the browser viewer.
type ViewerConfig struct {
	TickInterval time.Duration
	// MaxPoints decimates clouds sent to browsers. Zero keeps all points.
	MaxPoints int
	Clock     timeutil.Clock
}

// viewerMessage wraps a bundle for the browser.
type viewerMessage struct {
	Type   string       `json:"type"`
	Bundle *FrameBundle `json:"bundle"`
}

// Viewer is a websocket hub. It owns its own render adapter and sends one
// JSON bundle per changed snapshot to every connected browser.
type Viewer struct {
	cfg      ViewerConfig
	clock    timeutil.Clock
	adapter  *render.Adapter
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex

	last    atomic.Pointer[[]byte]
	frameID uint64
	sent    atomic.Uint64
}

// NewViewer returns a Viewer reading from adapter, which must not be shared.
func NewViewer(cfg ViewerConfig, adapter *render.Adapter) *Viewer {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Viewer{
		cfg:     cfg,
		clock:   clock,
		adapter: adapter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Run ticks until ctx is done, then closes every connection.
func (v *Viewer) Run(ctx context.Context) {
	defer v.closeAll()
	if v.cfg.TickInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := v.clock.NewTicker(v.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			v.Tick()
		}
	}
}

// Tick takes one snapshot and broadcasts it when it changed. It reports
// whether anything was sent.
func (v *Viewer) Tick() bool {
	s, ok := v.adapter.Snapshot()
	if !ok || !s.Changed {
		return false
	}
	v.frameID++
	payload, err := json.Marshal(viewerMessage{Type: "frame", Bundle: BuildBundle(s, v.frameID, v.cfg.MaxPoints)})
	if err != nil {
		diagf("Viewer marshal failed: %v", err)
		return false
	}
	v.last.Store(&payload)

	var stale []*websocket.Conn
	v.mu.Lock()
	for conn, writeMu := range v.clients {
		if err := writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
			stale = append(stale, conn)
		}
	}
	v.mu.Unlock()
	for _, conn := range stale {
		v.removeClient(conn)
	}
	v.sent.Add(1)
	return true
}

// ServeHTTP upgrades the request to a websocket.
func (v *Viewer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		diagf("Viewer upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := &sync.Mutex{}
	v.mu.Lock()
	v.clients[conn] = writeMu
	n := len(v.clients)
	v.mu.Unlock()
	opsf("Viewer connected from %s (total: %d)", r.RemoteAddr, n)

	if last := v.last.Load(); last != nil {
		_ = writeMessage(conn, writeMu, websocket.TextMessage, *last)
	}

	go v.readLoop(conn, writeMu)
}

func (v *Viewer) readLoop(conn *websocket.Conn, writeMu *sync.Mutex) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer close(done)
	defer v.removeClient(conn)
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var request struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &request); err != nil {
			continue
		}
		if request.Type == "snapshot_request" {
			if last := v.last.Load(); last != nil {
				_ = writeMessage(conn, writeMu, websocket.TextMessage, *last)
			}
		}
	}
}

func (v *Viewer) removeClient(conn *websocket.Conn) {
	v.mu.Lock()
	_, ok := v.clients[conn]
	delete(v.clients, conn)
	v.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (v *Viewer) closeAll() {
	v.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(v.clients))
	for conn := range v.clients {
		conns = append(conns, conn)
	}
	v.mu.Unlock()
	for _, conn := range conns {
		v.removeClient(conn)
	}
}

// Clients returns the number of connected browsers.
func (v *Viewer) Clients() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.clients)
}

// Sent returns the number of frames broadcast.
func (v *Viewer) Sent() uint64 { return v.sent.Load() }

func writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
