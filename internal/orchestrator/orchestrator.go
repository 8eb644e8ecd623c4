// Package orchestrator implements the Orchestrator (C8): it owns the
// process-wide Context, wires C1-C7 together, and drives signal-driven
// reload/shutdown per spec.md §4.8.
package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cerrors "turbulenced/errors"
	"turbulenced/internal/beep"
	"turbulenced/internal/config"
	"turbulenced/internal/connmgr"
	"turbulenced/internal/descloop"
	"turbulenced/internal/modhost"
	"turbulenced/internal/ppath"
	"turbulenced/internal/supervisor"
	"turbulenced/logging"
)

// Context holds references to every subsystem plus the orchestrator's own
// process-wide state: the exit mutex, a started flag, and the done channel
// Run waits on for graceful shutdown. Signal handlers are installed by Run,
// the global child limit is read from Config by the Supervisor, and the
// registered-modules list lives in Modules.
//
// Lock order, matching spec.md §5 exactly: exitMu > modules' own mutex >
// supervisor's own mutex > a connection's own data bag mutex > liststore's
// own mutex. The orchestrator never holds two of these at once; it only
// calls into each subsystem in that fixed sequence, which is what keeps
// the order meaningful without a single giant lock.
type Context struct {
	Config     *config.Config
	PPath      *ppath.PPath
	ConnMgr    *connmgr.Manager
	Modules    *modhost.Host
	Supervisor *supervisor.Supervisor
	Loop       *descloop.Loop
	Driver     beep.Driver

	exitMu  sync.Mutex // exit_mutex: serializes reload/shutdown
	started bool
	done    chan struct{}
}

// New builds a Context wiring every subsystem from cfg. The caller supplies
// a beep.Driver (production code passes a real engine binding; tests pass
// beep.TestDriver).
func New(cfg *config.Config, driver beep.Driver) (*Context, error) {
	p, err := ppath.Build(cfg)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrConfigInvalid, "orchestrator.New")
	}

	c := &Context{
		Config:  cfg,
		PPath:   p,
		ConnMgr: connmgr.New(),
		Modules: modhost.NewHost(cfg),
		Loop:    descloop.New(),
		Driver:  driver,
		done:    make(chan struct{}),
	}
	c.Supervisor = supervisor.New(cfg, driver)
	c.Supervisor.OnExit = c.onChildExit
	return c, nil
}

// Start runs module init (spec.md §4.5 phase 1, under clean-start
// semantics) and installs the accept hook on the driver. It does not
// install signal handling itself; call Run (or wire Reload/Shutdown
// manually) for that.
func (c *Context) Start() error {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()

	if c.started {
		return nil
	}
	if err := c.Modules.InitAll(c.Config.CleanStart()); err != nil {
		return err
	}
	if c.Driver != nil {
		c.Driver.RegisterOnConnectionAccepted(c.onConnectionAccepted)
	}
	c.started = true
	return nil
}

// Run installs SIGHUP->reload and SIGTERM/SIGINT->shutdown (spec.md §4.8),
// then blocks until ctx is canceled or a terminating signal arrives. reload
// receives the config path to re-read on every SIGHUP.
//
// This extends the teacher's own signal.NotifyContext(SIGINT, SIGTERM)
// idiom (cmd/root.go's GetContext) with a SIGHUP channel, since
// NotifyContext only ever cancels once and reload must repeat.
func (c *Context) Run(ctx context.Context, confPath string) {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-sigCtx.Done():
			c.Shutdown()
			return
		case <-hup:
			if err := c.Reload(confPath); err != nil {
				logging.Error("orchestrator: reload failed, keeping prior config", "error", err)
			}
		case <-c.done:
			return
		}
	}
}

// Reload re-reads confPath and swaps the live config pointer atomically,
// then calls Reload on every registered module (spec.md §4.5 phase 3,
// §4.8). At most one reload is ever in flight, serialized by exitMu. A
// config error is logged and the prior config kept (spec.md §7's
// ConfigInvalid is "non-fatal on SIGHUP").
func (c *Context) Reload(confPath string) error {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()

	next, err := c.Config.Reload(confPath)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrConfigInvalid, "orchestrator.Reload")
	}
	p, err := ppath.Build(next)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrConfigInvalid, "orchestrator.Reload")
	}

	c.Config = next
	c.PPath = p
	c.Modules.Reload()
	return nil
}

// Shutdown drains the process in spec.md §4.8's exact order: cancel accept,
// clean up config, clean up the connection manager, notify modules close,
// stop the BEEP engine, unload modules, release the context. It is
// idempotent and safe to call more than once.
func (c *Context) Shutdown() {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()

	if !c.started {
		return
	}

	// cancel accept
	c.Loop.Stop()
	c.Supervisor.Shutdown()

	// cleanup config: nothing to release explicitly, the pointer is
	// dropped below when the context itself is released.

	// cleanup connection manager
	for _, conn := range c.ConnMgr.List(-1) {
		c.ConnMgr.Unregister(conn)
		if c.Driver != nil {
			c.Driver.Shutdown(conn)
		}
	}

	// modules close
	c.Modules.Close()

	// stop BEEP engine: nothing beyond per-connection Shutdown above,
	// since this implementation's driver has no separate listen socket
	// of its own to close (spec.md §4.7's driver is reused for both the
	// client-facing and management-plane listeners).

	// unload modules
	c.Modules.Unload()

	// release context
	c.started = false
	close(c.done)
}

// onConnectionAccepted is the BEEP accept hook: it runs profile-path
// selection and either registers the connection for in-process service or
// hands it off to the process supervisor (spec.md §4.5 phase 2, §4.6.1).
// Profile-path selection itself lives in the ppath package; the
// orchestrator only wires the driver callback to it.
func (c *Context) onConnectionAccepted(conn *beep.Connection) bool {
	def, ok := ppath.Select(c.PPath, conn.RemoteHost, conn.LocalAddr)
	if !ok {
		return false
	}
	conn.SetPPathState(&beep.PPathState{DefID: def.ID})

	// def.separate = true: hand the connection to C7 and tell the driver
	// not to accept it here (spec.md §4.6.1). The mask is still installed
	// first so a channel-start racing the handoff decision can still reach
	// ppath.Mask and flag the post-tuning replay of spec.md §4.6.4.
	if c.Driver != nil {
		c.Driver.SetConnectionProfileMask(conn, func(conn *beep.Connection, channelNum int, uri, profileContent, serverName string) (bool, error) {
			return ppath.Mask(def, c.Config, c.Driver, conn, channelNum, uri, profileContent, serverName)
		})
	}

	if def.Separate {
		c.spawnChild(def, conn)
		return false
	}

	c.ConnMgr.Register(conn)
	view := modhost.NewPPathDefView(def.ID, def.Name)
	if !c.Modules.NotifyPPathSelected(view, conn) {
		c.ConnMgr.Unregister(conn)
		if c.Driver != nil {
			c.Driver.Shutdown(conn)
		}
		return false
	}
	return true
}

// spawnChild hands conn to the process supervisor for def, per spec.md
// §4.7.1/§4.7.4. serverName is not yet known at accept time (spec.md
// §4.6.1 attaches PPathState with serverName=None before this point), so
// the initial spawn/reuse lookup uses the empty string, matching the
// supervisor's own reuse-key convention for a not-yet-tuned connection.
func (c *Context) spawnChild(def *ppath.Def, conn *beep.Connection) {
	fd, err := fdForHandoff(conn)
	if err != nil {
		logging.Error("orchestrator: cannot hand off connection, no usable fd", "conn_id", conn.ID, "ppath", def.Name, "error", err)
		if c.Driver != nil {
			c.Driver.Shutdown(conn)
		}
		return
	}

	if _, err := c.Supervisor.Spawn(def, conn, "", fd); err != nil {
		logging.Error("orchestrator: spawn failed", "conn_id", conn.ID, "ppath", def.Name, "error", err)
		if c.Driver != nil {
			c.Driver.Shutdown(conn)
		}
	}
}

// onChildExit is the supervisor.OnExit callback (spec.md §4.7.3: SIGCHLD
// reap, substituted in this implementation by a cmd.Wait() goroutine).
// It exists as a hook point for future bookkeeping; currently the
// supervisor itself already decrements children_running before calling it.
func (c *Context) onChildExit(child *supervisor.Child, err error) {}
