// Package wsgate is a reference module: a WebSocket transport gateway
// registered with the module host (spec.md §4.5, §6.3). It demonstrates a
// compiled-in module with a real external dependency surface, the way the
// original project's mod-websocket module did (original_source/modules/),
// standing in for a second, ws-fronted transport alongside the core BEEP
// driver rather than implementing RFC 6455 framing end-to-end itself.
package wsgate

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"turbulenced/internal/beep"
	"turbulenced/internal/modhost"
	"turbulenced/logging"
)

// Addr is the listen address for the gateway's upgrade endpoint. Exported
// so a deployment (or a test) can point it at a fixed or ephemeral port
// before the module host calls Init.
var Addr = "127.0.0.1:0"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type gateway struct {
	mu      sync.Mutex
	server  *http.Server
	ln      net.Listener
	clients map[string]*websocket.Conn
}

var gw = &gateway{clients: make(map[string]*websocket.Conn)}

func init() {
	modhost.Register(&modhost.ModuleDef{
		Name:          "wsgate",
		Description:   "WebSocket transport gateway",
		Init:          gw.start,
		Close:         gw.stop,
		PPathSelected: gw.onPPathSelected,
	})
}

func (g *gateway) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleUpgrade)

	ln, err := net.Listen("tcp", Addr)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.ln = ln
	g.server = &http.Server{Handler: mux}
	g.mu.Unlock()

	go g.server.Serve(ln)
	logging.Info("wsgate: listening", "addr", ln.Addr().String())
	return nil
}

// ListenAddr returns the address the gateway actually bound to, useful
// when Addr was ":0".
func (g *gateway) ListenAddr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return ""
	}
	return g.ln.Addr().String()
}

// ListenAddr is the package-level accessor for the running gateway's
// bound address.
func ListenAddr() string { return gw.ListenAddr() }

func (g *gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("wsgate: upgrade failed", "error", err)
		return
	}

	id := r.RemoteAddr
	g.mu.Lock()
	g.clients[id] = conn
	g.mu.Unlock()

	go g.pump(id, conn)
}

// pump reads frames from a connected WebSocket client until it disconnects.
// A production gateway would bridge these frames onto a BEEP channel via
// the driver seam; this reference module only tracks liveness, since
// wire-compliant BEEP framing is out of scope (spec.md's own Non-goals).
func (g *gateway) pump(id string, conn *websocket.Conn) {
	defer func() {
		g.mu.Lock()
		delete(g.clients, id)
		g.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount reports how many WebSocket clients are currently connected.
func ClientCount() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return len(gw.clients)
}

func (g *gateway) onPPathSelected(def *modhost.PPathDefView, conn *beep.Connection) bool {
	logging.Info("wsgate: connection bound", "conn_id", conn.ID, "ppath", def.Name)
	return true
}

func (g *gateway) stop() {
	g.mu.Lock()
	srv := g.server
	clients := g.clients
	g.clients = make(map[string]*websocket.Conn)
	g.server = nil
	g.ln = nil
	g.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	if srv != nil {
		srv.Close()
	}
}
