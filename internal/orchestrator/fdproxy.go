package orchestrator

import (
	"io"
	"net"
	"os"
	"syscall"

	cerrors "turbulenced/errors"
	"turbulenced/internal/beep"
	"turbulenced/logging"
)

// ProxyAttr marks a connection whose transport must stay in the parent
// (spec.md §4.7.2): TLS handshaken in the parent, or a WebSocket upgraded
// in the parent, that the child cannot reproduce. A module or the driver
// sets this attribute before the connection reaches onConnectionAccepted.
const ProxyAttr = "tbc:proxy:conn"

// fdForHandoff returns the file descriptor the supervisor should hand to
// a separate-mode child for conn: the connection's real socket, unless
// ProxyAttr is set, in which case a fresh Unix socketpair is created, one
// end is pumped bidirectionally against conn's real transport in this
// process, and the other end's fd is returned instead — so the child
// always sees a plain socket on its side (spec.md §4.7.2).
func fdForHandoff(conn *beep.Connection) (int, error) {
	if !conn.Has(ProxyAttr) {
		return conn.FD()
	}
	return startFDProxy(conn)
}

// startFDProxy implements the fd-proxy described above.
func startFDProxy(conn *beep.Connection) (int, error) {
	real, ok := conn.NetConn()
	if !ok {
		return -1, cerrors.New(cerrors.ErrTransportFault, "orchestrator.startFDProxy", "proxied connection has no net.conn attribute")
	}

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrTransportFault, "orchestrator.startFDProxy")
	}

	parentSide, err := net.FileConn(os.NewFile(uintptr(fds[0]), "tbc-proxy-parent"))
	if err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return -1, cerrors.Wrap(err, cerrors.ErrTransportFault, "orchestrator.startFDProxy")
	}

	go pump(conn.ID, parentSide, real)
	go pump(conn.ID, real, parentSide)

	return fds[1], nil
}

// pump copies src into dst until either side closes, then closes dst. Two
// of these, run in opposite directions over the same pair, form the
// bidirectional byte-pump spec.md §4.7.2 describes as "managed by C3": a
// blocking io.Copy in its own goroutine is this project's Go-idiomatic
// substitute for registering the pair with the descriptor loop, the same
// substitution the supervisor's reap goroutine makes for SIGCHLD — there is
// no per-fd dispatch decision here for C3's callback model to add value
// over a direct copy.
func pump(connID string, dst, src net.Conn) {
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		logging.Warn("orchestrator: fd-proxy pump ended", "conn_id", connID, "error", err)
	}
}
