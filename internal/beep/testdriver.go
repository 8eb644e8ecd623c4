package beep

import "sync"

// TestDriver is a minimal in-memory Driver double. It does not speak RFC
// 3080/3081 on the wire; it exists so the profile-path engine, process
// supervisor, and module host can be exercised end-to-end without a real
// BEEP stack (spec.md explicitly scopes wire-compliant framing out).
type TestDriver struct {
	mu       sync.Mutex
	onAccept func(conn *Connection) bool
	masks    map[string]MaskFunc
	profiles []string
	replies  []StartReply
}

// StartReply records one ChannelZeroHandleStartReply call for assertions in
// tests.
type StartReply struct {
	ConnID     string
	Num        int
	Profile    string
	ServerName string
	Accept     bool
	ErrMsg     string
}

// NewTestDriver constructs a TestDriver advertising the given profiles.
func NewTestDriver(profiles ...string) *TestDriver {
	return &TestDriver{
		masks:    make(map[string]MaskFunc),
		profiles: profiles,
	}
}

func (d *TestDriver) RegisterOnConnectionAccepted(cb func(conn *Connection) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAccept = cb
}

// Accept simulates the driver accepting conn, invoking the registered
// on-accepted callback. Returns the callback's return value: true if the
// connection is served in this process, false if it was filtered (handed to
// the supervisor or rejected). Returns false if no callback is registered.
func (d *TestDriver) Accept(conn *Connection) bool {
	d.mu.Lock()
	cb := d.onAccept
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	return cb(conn)
}

func (d *TestDriver) SetConnectionProfileMask(conn *Connection, mask MaskFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.masks[conn.ID] = mask
}

// Mask returns the mask installed for conn, if any.
func (d *TestDriver) Mask(conn *Connection) (MaskFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.masks[conn.ID]
	return m, ok
}

func (d *TestDriver) RegisteredProfiles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.profiles))
	copy(out, d.profiles)
	return out
}

func (d *TestDriver) ChannelByURI(conn *Connection, uri string) (ChannelRef, bool) {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	for _, ch := range conn.channels {
		if ch.Profile == uri {
			return ch, true
		}
	}
	return ChannelRef{}, false
}

func (d *TestDriver) ChannelCount(conn *Connection, uri string) uint32 {
	return conn.ChannelCount(uri)
}

func (d *TestDriver) ChannelZeroHandleStartReply(conn *Connection, num int, profile, content, encoding, serverName string, accept bool, errMsg string) bool {
	d.mu.Lock()
	d.replies = append(d.replies, StartReply{
		ConnID: conn.ID, Num: num, Profile: profile, ServerName: serverName, Accept: accept, ErrMsg: errMsg,
	})
	d.mu.Unlock()

	if accept {
		conn.AddChannel(num, profile)
	}
	return true
}

// Replies returns every recorded start-reply, in call order.
func (d *TestDriver) Replies() []StartReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]StartReply, len(d.replies))
	copy(out, d.replies)
	return out
}

func (d *TestDriver) BlockUntilRepliesAreSent(conn *Connection, channel int, timeoutMs int) {}

func (d *TestDriver) Shutdown(conn *Connection) {}
