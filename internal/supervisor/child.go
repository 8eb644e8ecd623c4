package supervisor

import (
	"net"
	"os"

	cerrors "turbulenced/errors"
)

// Handoff is everything the child side of a spawn (spec.md §4.7.1 step 6)
// receives from the parent: the transferred connection (as a plain file the
// caller can wrap with net.FileConn), the decoded init fields, and the
// connection status sub-record.
type Handoff struct {
	Fields     InitFields
	Status     ConnStatus
	ConnFile   *os.File
	PPathDefID uint32
}

// ChildConn is the child's persistent control-fd to its parent (spec.md
// §3's "control-fd to parent"), kept open across the initial handoff so
// later reuse transfers (spec.md §4.7.4) arrive on the same connection
// instead of a fresh dial.
type ChildConn struct {
	conn *net.UnixConn
}

// Dial connects back to the parent's control socket (spec.md §4.7.1 step
// 6's "child connects") and performs the initial handoff receive.
func Dial(controlSocketPath string) (*ChildConn, Handoff, error) {
	uconn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: controlSocketPath, Net: "unix"})
	if err != nil {
		return nil, Handoff{}, cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.Dial")
	}

	raw, fd, err := RecvInitStringWithFD(uconn)
	if err != nil {
		uconn.Close()
		return nil, Handoff{}, err
	}

	fields, err := DecodeInitString(raw)
	if err != nil {
		uconn.Close()
		return nil, Handoff{}, err
	}

	status, err := DecodeConnStatus(fields[11])
	if err != nil {
		uconn.Close()
		return nil, Handoff{}, err
	}

	h := Handoff{
		Fields:     fields,
		Status:     status,
		ConnFile:   fileFromFD(fd, "tbc-conn"),
		PPathDefID: status.PPathDefID,
	}
	return &ChildConn{conn: uconn}, h, nil
}

// ReceiveReuse blocks for the next reuse transfer on this child's
// persistent control connection (spec.md §4.7.4). The child entry point
// calls it in a loop until it returns an error (the control link closed).
func (cc *ChildConn) ReceiveReuse() (ConnStatus, *os.File, error) {
	status, fd, err := RecvReuseTransfer(cc.conn)
	if err != nil {
		return ConnStatus{}, nil, err
	}
	return status, fileFromFD(fd, "tbc-conn"), nil
}

// Fd returns the raw file descriptor of the control connection, for
// registration with the descriptor loop.
func (cc *ChildConn) Fd() (int, error) {
	raw, err := cc.conn.File()
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrChildLinkLost, "supervisor.ChildConn.Fd")
	}
	return int(raw.Fd()), nil
}

// Close closes the control connection. The child exits shortly after this
// returns (spec.md §4.7.3: link loss ends the child).
func (cc *ChildConn) Close() error {
	return cc.conn.Close()
}
