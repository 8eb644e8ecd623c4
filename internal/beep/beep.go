// Package beep defines the abstract BEEP driver surface the core depends
// on (spec.md §6.2). This package does not implement RFC 3080/3081 wire
// framing, TLS/SASL tuning, or any transport: it is the seam between the
// profile-path engine, process supervisor, and module host on one side and
// whatever BEEP engine is linked in on the other. A Driver implementation
// is free to be a real BEEP stack or, as in this repository's tests, a
// minimal double that exercises the core's logic end-to-end.
package beep

import (
	"net"
	"sync"
	"syscall"

	cerrors "turbulenced/errors"
)

// Role is the connection's role in the BEEP session.
type Role int

const (
	// RoleInitiator is a connection this process opened.
	RoleInitiator Role = iota
	// RoleListener is an accepted, ordinary client connection.
	RoleListener
	// RoleMasterListener is the listening socket itself, not a session.
	RoleMasterListener
)

// ChannelRef identifies one open BEEP channel on a connection.
type ChannelRef struct {
	Num     int
	Profile string
}

// PPathState is the per-connection state the profile-path engine attaches
// once a connection has been bound to a PPathDef (spec.md §3).
type PPathState struct {
	DefID         uint32
	ServerName    string
	ServerNameSet bool
	ReplayAtChild bool
}

// Connection is the core's view of one BEEP session, as provided by the
// driver (spec.md §3's "Connection (external, observed)").
type Connection struct {
	ID         string
	RemoteHost string
	LocalAddr  string
	Role       Role

	mu         sync.RWMutex
	attrs      map[string]any
	channels   map[int]ChannelRef
	chanCounts map[string]uint32

	pstate   *PPathState
	pstateMu sync.Mutex
}

// NewConnection constructs a Connection in the given role.
func NewConnection(id, remoteHost, localAddr string, role Role) *Connection {
	return &Connection{
		ID:         id,
		RemoteHost: remoteHost,
		LocalAddr:  localAddr,
		Role:       role,
		attrs:      make(map[string]any),
		channels:   make(map[int]ChannelRef),
		chanCounts: make(map[string]uint32),
	}
}

// Get returns an attribute from the connection's typed attribute bag.
func (c *Connection) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[key]
	return v, ok
}

// Set stores an attribute on the connection's typed attribute bag.
func (c *Connection) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[key] = value
}

// Has reports whether key is present in the attribute bag, regardless of
// value, matching the "connection carries that attribute key" language used
// throughout spec.md §4.6.2.
func (c *Connection) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// ChannelCount returns how many currently open channels carry uri.
func (c *Connection) ChannelCount(uri string) uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chanCounts[uri]
}

// ChannelRunning reports whether any currently open channel carries uri.
func (c *Connection) ChannelRunning(uri string) bool {
	return c.ChannelCount(uri) > 0
}

// AddChannel records a newly opened channel, for ChannelCount/ChannelRunning
// bookkeeping. Drivers call this after a channel-start succeeds.
func (c *Connection) AddChannel(num int, profile string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[num] = ChannelRef{Num: num, Profile: profile}
	c.chanCounts[profile]++
}

// RemoveChannel records a channel close.
func (c *Connection) RemoveChannel(num int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[num]
	if !ok {
		return
	}
	delete(c.channels, num)
	if c.chanCounts[ch.Profile] > 0 {
		c.chanCounts[ch.Profile]--
	}
}

// ResetChannels clears all channel bookkeeping. Tuning profiles (TLS, SASL)
// drop every channel on a connection when they succeed (RFC 3080 §2.3.1.3);
// the driver calls this once tuning completes.
func (c *Connection) ResetChannels() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = make(map[int]ChannelRef)
	c.chanCounts = make(map[string]uint32)
}

// netConnAttr is the attribute key a Driver stores the connection's real
// net.Conn under (cmd/child.go sets this for handed-off connections on the
// child side). FD and NetConn read it back on the parent side so the
// process supervisor can hand the same socket to a child via SCM_RIGHTS.
const netConnAttr = "net.conn"

// NetConn returns the real net.Conn backing this connection, if the driver
// attached one.
func (c *Connection) NetConn() (net.Conn, bool) {
	v, ok := c.Get(netConnAttr)
	if !ok {
		return nil, false
	}
	nc, ok := v.(net.Conn)
	return nc, ok
}

// FD returns the raw file descriptor backing this connection's transport,
// for handing off to the process supervisor (spec.md §4.7.1 step 5). It
// fails if the driver never attached a net.Conn, or attached one with no
// underlying fd (e.g. an in-memory net.Pipe conn in a unit test).
func (c *Connection) FD() (int, error) {
	nc, ok := c.NetConn()
	if !ok {
		return -1, cerrors.New(cerrors.ErrTransportFault, "beep.Connection.FD", "connection has no net.conn attribute")
	}
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, cerrors.New(cerrors.ErrTransportFault, "beep.Connection.FD", "net.conn attribute has no underlying file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrTransportFault, "beep.Connection.FD")
	}
	var fd int
	if ctrlErr := raw.Control(func(f uintptr) { fd = int(f) }); ctrlErr != nil {
		return -1, cerrors.Wrap(ctrlErr, cerrors.ErrTransportFault, "beep.Connection.FD")
	}
	return fd, nil
}

// PPathState returns the attached profile-path state, if any has been set.
func (c *Connection) PPathState() (*PPathState, bool) {
	c.pstateMu.Lock()
	defer c.pstateMu.Unlock()
	if c.pstate == nil {
		return nil, false
	}
	cp := *c.pstate
	return &cp, true
}

// SetPPathState attaches or replaces the connection's profile-path state.
func (c *Connection) SetPPathState(s *PPathState) {
	c.pstateMu.Lock()
	defer c.pstateMu.Unlock()
	c.pstate = s
}

// MaskFunc is the channel-start/greetings filter the profile-path engine
// installs per connection, matching spec.md §4.6.2's signature. channelNum
// == -1 means greetings/advertisement; a non-nil returned error is only
// meaningful when channelNum > 0.
type MaskFunc func(conn *Connection, channelNum int, uri, profileContent, serverName string) (filter bool, errOut error)

// Driver is the capability set the core requires from a BEEP engine
// (spec.md §6.2). The core never assumes a specific threading model of the
// driver.
type Driver interface {
	// RegisterOnConnectionAccepted installs the callback invoked for every
	// newly accepted connection. Returning false tells the driver the
	// connection was filtered (handed off elsewhere) and must not be
	// served in this process.
	RegisterOnConnectionAccepted(cb func(conn *Connection) bool)

	// SetConnectionProfileMask installs the channel-start/greetings filter
	// for conn.
	SetConnectionProfileMask(conn *Connection, mask MaskFunc)

	// RegisteredProfiles returns every profile URI the driver currently
	// advertises.
	RegisteredProfiles() []string

	// ChannelByURI returns the open channel on conn carrying uri, if any.
	ChannelByURI(conn *Connection, uri string) (ChannelRef, bool)

	// ChannelCount returns how many open channels on conn carry uri.
	ChannelCount(conn *Connection, uri string) uint32

	// ChannelZeroHandleStartReply sends (or schedules) the channel-0 reply
	// for a channel-start request, reporting success or the denial error.
	ChannelZeroHandleStartReply(conn *Connection, num int, profile, content, encoding, serverName string, accept bool, errMsg string) bool

	// BlockUntilRepliesAreSent waits up to timeoutMs for queued replies on
	// channel to flush. The child entry point calls it so a start-reply
	// decided before handoff can reach the peer.
	BlockUntilRepliesAreSent(conn *Connection, channel int, timeoutMs int)

	// Shutdown closes conn.
	Shutdown(conn *Connection)
}
