// Package remoteadmin is a reference module: a gin-based HTTP API in
// front of the small-list store (C9), used as a remote-admin allow-list
// the way spec.md's own description of ListStore calls out ("things like
// remote-admin allow-lists"). It both serves the admin API and, wired as
// a module's PPathSelected hook, gates connections against the same list.
package remoteadmin

import (
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"turbulenced/internal/beep"
	"turbulenced/internal/liststore"
	"turbulenced/internal/modhost"
	"turbulenced/logging"
)

// Addr is the listen address for the admin HTTP API.
var Addr = "127.0.0.1:0"

// ListPath is the backing file for the allow-list store.
var ListPath = "/var/lib/turbulence/admin-allow.list"

type module struct {
	mu     sync.Mutex
	store  *liststore.Store
	server *http.Server
	ln     net.Listener
}

var m = &module{}

func init() {
	modhost.Register(&modhost.ModuleDef{
		Name:               "remoteadmin",
		Description:        "HTTP remote-admin API over the allow-list store",
		Init:               m.start,
		Close:              m.stop,
		PPathSelected:      m.onPPathSelected,
		CloseConnOnFailure: true,
	})
}

func (m *module) start() error {
	store, err := liststore.Open(ListPath)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", Addr)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/allow", m.listAllow)
	r.POST("/allow", m.addAllow)
	r.DELETE("/allow/:value", m.removeAllow)

	m.mu.Lock()
	m.store = store
	m.ln = ln
	m.server = &http.Server{Handler: r}
	m.mu.Unlock()

	go m.server.Serve(ln)
	logging.Info("remoteadmin: listening", "addr", ln.Addr().String())
	return nil
}

// ListenAddr returns the address the admin API actually bound to.
func ListenAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

func (m *module) listAllow(c *gin.Context) {
	var values []string
	m.store.Iterate(func(v string) { values = append(values, v) })
	c.JSON(http.StatusOK, gin.H{"allow": values})
}

type allowRequest struct {
	Value string `json:"value" binding:"required"`
}

func (m *module) addAllow(c *gin.Context) {
	var body allowRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := m.store.Add(body.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (m *module) removeAllow(c *gin.Context) {
	value := c.Param("value")
	if err := m.store.Remove(value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// onPPathSelected denies a connection whose remote host is not on the
// allow-list. A nil store (Init not yet run, e.g. under a unit test that
// exercises the hook directly) admits everything rather than panicking.
func (m *module) onPPathSelected(def *modhost.PPathDefView, conn *beep.Connection) bool {
	if m.store == nil {
		return true
	}
	ok := m.store.Exist(conn.RemoteHost)
	if !ok {
		logging.Info("remoteadmin: rejected connection, not on allow-list", "conn_id", conn.ID, "remote_host", conn.RemoteHost)
	}
	return ok
}

func (m *module) stop() {
	m.mu.Lock()
	srv := m.server
	m.server = nil
	m.ln = nil
	m.mu.Unlock()

	if srv != nil {
		srv.Close()
	}
}
