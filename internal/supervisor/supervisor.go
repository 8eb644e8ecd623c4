// Package supervisor implements the process supervisor (spec.md §4.7): it
// spawns one child process per separate-mode PPathDef, hands an accepted
// connection's socket to that child over a Unix-domain control socket using
// SCM_RIGHTS, and reaps children on exit.
//
// Go has no fork() that is safe to use from a multithreaded runtime (the Go
// scheduler itself is multithreaded the moment a program starts), so "fork
// the supervisor" becomes "re-exec the same binary" — the same substitution
// runc-style tools make for their own init process (see the teacher's
// container/create.go, which re-execs itself with `os.Executable()` +
// `exec.Command(self, "init")`). The child here is this same binary invoked
// with a hidden subcommand that dials the control socket and receives the
// init string and connection fd this package sends.
package supervisor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	cerrors "turbulenced/errors"
	"turbulenced/internal/beep"
	"turbulenced/internal/config"
	"turbulenced/internal/ppath"
	"turbulenced/logging"
)

// ChildSubcommand is the argv[1] this binary re-execs itself with to become
// a supervised child. The cmd package's root command dispatches to the
// child entry point when it sees this argument.
const ChildSubcommand = "__turbulenced_child"

// connectTimeout bounds how long the parent waits for a freshly exec'd
// child to dial back the control socket (spec.md §5's "10 s parent↔child
// connect" timeout).
const connectTimeout = 10 * time.Second

// Child is one supervised process (spec.md §3's Child record).
type Child struct {
	PID               int
	Def               *ppath.Def
	ServerName        string
	ControlSocketPath string
	LinkAddr          string

	cmd         *exec.Cmd
	listener    *net.UnixListener
	controlConn *net.UnixConn

	mu       sync.Mutex
	refcount uint32
	conns    map[string]bool
}

// Refcount returns the number of connections currently owned by this child.
func (c *Child) Refcount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refcount
}

func (c *Child) addConn(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.conns[id] {
		c.conns[id] = true
		c.refcount++
	}
}

func (c *Child) removeConn(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[id] {
		delete(c.conns, id)
		c.refcount--
	}
}

// childKey identifies a reusable child by the (def, serverName) pair it
// serves (spec.md §4.7.4).
type childKey struct {
	defID      uint32
	serverName string
}

// OnChildExit is invoked once per child, from the goroutine that reaps it,
// after the child process has exited. err is nil on a clean exit.
type OnChildExit func(child *Child, err error)

// Supervisor owns every running Child and spawns new ones. It corresponds
// to spec.md §5's child_process_mutex-guarded pid map.
type Supervisor struct {
	cfg    *config.Config
	driver beep.Driver

	mu    sync.Mutex
	byKey map[childKey]*Child
	byPID map[int]*Child

	OnExit OnChildExit
}

// New constructs a Supervisor. cfg supplies the runtime directory; driver is
// the BEEP engine the re-exec'd child will reinitialize against (an
// external collaborator per spec.md §1 — this package only carries the
// reference through for the parent-side link listener's address).
func New(cfg *config.Config, driver beep.Driver) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		driver: driver,
		byKey:  make(map[childKey]*Child),
		byPID:  make(map[int]*Child),
	}
}

// effectiveLimit resolves def.ChildLimit against the global fallback
// (spec.md §3's "-1 means inherit global").
func (s *Supervisor) effectiveLimit(def *ppath.Def) int32 {
	if def.ChildLimit >= 0 {
		return def.ChildLimit
	}
	return int32(s.cfg.GlobalChildLimit())
}

// CanSpawn reports whether def is under its effective child limit. A limit
// of 0 means unbounded.
func (s *Supervisor) CanSpawn(def *ppath.Def) bool {
	limit := s.effectiveLimit(def)
	return limit <= 0 || uint32(limit) > def.ChildrenRunning()
}

// Spawn creates (or, for def.Reuse, reuses) a child process for def and
// hands conn to it (spec.md §4.7.1, §4.7.4). serverName is the serverName
// the connection bound to at channel-start, used as the reuse key.
func (s *Supervisor) Spawn(def *ppath.Def, conn *beep.Connection, serverName string, connFD int) (*Child, error) {
	s.mu.Lock()
	if def.Reuse {
		if child, ok := s.byKey[childKey{def.ID, serverName}]; ok {
			s.mu.Unlock()
			if err := s.transfer(child, conn, serverName, connFD); err != nil {
				return nil, err
			}
			return child, nil
		}
	}
	s.mu.Unlock()

	if !s.CanSpawn(def) {
		return nil, cerrors.New(cerrors.ErrChildSpawnFailed, "supervisor.Spawn", "child limit reached")
	}

	child, err := s.spawnNew(def, serverName)
	if err != nil {
		return nil, err
	}

	if err := s.handoff(child, conn, serverName, connFD); err != nil {
		child.listener.Close()
		_ = child.cmd.Process.Kill()
		return nil, err
	}

	def.IncChildren()
	s.mu.Lock()
	s.byKey[childKey{def.ID, serverName}] = child
	s.byPID[child.PID] = child
	s.mu.Unlock()

	go s.reap(def, child)

	return child, nil
}

// spawnNew creates the control socket, parent↔child BEEP link listener, and
// re-execs this binary as the child (spec.md §4.7.1 steps 1-5, minus the
// handoff itself which handoff performs once the child has dialed back).
func (s *Supervisor) spawnNew(def *ppath.Def, serverName string) (*Child, error) {
	sockPath, err := s.newControlSocketPath()
	if err != nil {
		return nil, err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.spawnNew")
	}

	linkLn, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		ln.Close()
		return nil, cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.spawnNew")
	}
	linkAddr := linkLn.Addr().String()
	linkLn.Close() // the child re-establishes this link on its side; the
	// parent only needs the chosen host:port to hand to it.

	self, err := os.Executable()
	if err != nil {
		ln.Close()
		return nil, cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.spawnNew")
	}

	cmd := exec.Command(self, ChildSubcommand, sockPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		ln.Close()
		return nil, cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.spawnNew")
	}

	child := &Child{
		Def:               def,
		ServerName:        serverName,
		ControlSocketPath: sockPath,
		LinkAddr:          linkAddr,
		cmd:               cmd,
		listener:          ln,
		PID:               cmd.Process.Pid,
		conns:             make(map[string]bool),
	}
	return child, nil
}

// handoff accepts the child's control-socket dial-back, sends the init
// string plus the accepted connection's fd as SCM_RIGHTS in one sendmsg
// (spec.md §4.7.1 step 5, §6.4), and records conn against child.
func (s *Supervisor) handoff(child *Child, conn *beep.Connection, serverName string, connFD int) error {
	child.listener.SetDeadline(time.Now().Add(connectTimeout))
	uconn, err := child.listener.AcceptUnix()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.handoff")
	}
	// uconn is kept open as the persistent control-fd to this child
	// (spec.md §3's "control-fd to parent"); further reuse transfers for
	// this child are sent down the same connection instead of dialing a
	// fresh one.
	child.controlConn = uconn

	host, port, _ := net.SplitHostPort(child.LinkAddr)

	status := ConnStatus{
		ConnID:              conn.ID,
		RemoteHost:          conn.RemoteHost,
		LocalAddr:           conn.LocalAddr,
		Role:                int(conn.Role),
		PPathDefID:          child.Def.ID,
		ServerName:          serverName,
		SkipFirstStartReply: replayAtChild(conn),
	}

	fields := InitFields{
		"0",
		"-1", "-1",
		"-1", "-1",
		"-1", "-1",
		"-1", "-1",
		"0",
		strconv.FormatUint(uint64(child.Def.ID), 10),
		status.Encode(),
		host,
		port,
	}

	if err := SendInitStringWithFD(uconn, EncodeInitString(fields), connFD); err != nil {
		return err
	}

	child.addConn(conn.ID)
	logging.Info("supervisor: handed off connection to child", "conn_id", conn.ID, "pid", child.PID, "ppath", child.Def.Name)
	return nil
}

// replayAtChild reports whether conn already has a channel-start reply
// decided against it (spec.md §4.6.4: the mask flagged ReplayAtChild on a
// separate-mode grant). When true, the wire-format's SkipFirstStartReply
// bit tells the child to replay/finalize that reply instead of treating
// the connection's first channel-start as fresh (spec.md §6.4, §4.7.1
// step 6).
func replayAtChild(conn *beep.Connection) bool {
	state, ok := conn.PPathState()
	return ok && state.ReplayAtChild
}

// transfer hands an additional connection to an already-running reuse child
// over its persistent control-fd (spec.md §4.7.4).
func (s *Supervisor) transfer(child *Child, conn *beep.Connection, serverName string, connFD int) error {
	child.mu.Lock()
	uconn := child.controlConn
	child.mu.Unlock()
	if uconn == nil {
		return cerrors.New(cerrors.ErrChildLinkLost, "supervisor.transfer", "no control connection to child")
	}

	status := ConnStatus{
		ConnID:              conn.ID,
		RemoteHost:          conn.RemoteHost,
		LocalAddr:           conn.LocalAddr,
		Role:                int(conn.Role),
		PPathDefID:          child.Def.ID,
		ServerName:          serverName,
		SkipFirstStartReply: replayAtChild(conn),
	}

	if err := SendReuseTransfer(uconn, status, connFD); err != nil {
		return err
	}

	child.addConn(conn.ID)
	logging.Info("supervisor: reused child for connection", "conn_id", conn.ID, "pid", child.PID, "ppath", child.Def.Name)
	return nil
}

// reap blocks until child's process exits, then unregisters it and invokes
// OnExit (spec.md §4.7.3). This goroutine is this project's equivalent of
// the original's SIGCHLD-driven reap loop: cmd.Wait() is Go's idiomatic
// reap primitive, since a raw SIGCHLD handler racing cmd.Wait() would
// double-reap the same pid.
func (s *Supervisor) reap(def *ppath.Def, child *Child) {
	err := child.cmd.Wait()
	child.listener.Close()
	if child.controlConn != nil {
		child.controlConn.Close()
	}
	os.Remove(child.ControlSocketPath)

	s.mu.Lock()
	delete(s.byPID, child.PID)
	delete(s.byKey, childKey{def.ID, child.ServerName})
	s.mu.Unlock()

	def.DecChildren()

	if err != nil {
		logging.Warn("supervisor: child exited with error", "pid", child.PID, "ppath", def.Name, "error", err)
	} else {
		logging.Info("supervisor: child exited", "pid", child.PID, "ppath", def.Name)
	}

	if s.OnExit != nil {
		s.OnExit(child, err)
	}
}

// ByPID returns the child owning pid, if any.
func (s *Supervisor) ByPID(pid int) (*Child, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byPID[pid]
	return c, ok
}

// Children returns a snapshot of every currently running child.
func (s *Supervisor) Children() []*Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Child, 0, len(s.byPID))
	for _, c := range s.byPID {
		out = append(out, c)
	}
	return out
}

// Shutdown sends SIGTERM to every running child and waits for reap to
// observe each exit (spec.md §4.8's orchestrated exit order).
func (s *Supervisor) Shutdown() {
	children := s.Children()
	for _, c := range children {
		c.cmd.Process.Signal(syscall.SIGTERM)
	}
	for _, c := range children {
		for {
			if _, ok := s.ByPID(c.PID); !ok {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// newControlSocketPath computes a fresh runtime/turbulence/<rand>.tbc path
// under cfg.RuntimeDir(), creating the directory if needed (spec.md §4.7.1
// step 2).
func (s *Supervisor) newControlSocketPath() (string, error) {
	dir := filepath.Join(s.cfg.RuntimeDir(), "turbulence")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.newControlSocketPath")
	}

	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.newControlSocketPath")
	}
	name := fmt.Sprintf("%s.tbc", hex.EncodeToString(buf))
	return filepath.Join(dir, name), nil
}
