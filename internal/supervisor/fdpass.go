// Fd-passing helpers over a Unix-domain control socket, grounded on the
// SCM_RIGHTS send/receive pattern used by rootlesskit's port/builtin driver
// (vendored into the k3s example in the retrieved pack): Sendmsg with
// unix.UnixRights for the sending side, ReadMsgUnix plus
// unix.ParseSocketControlMessage/ParseUnixRights for the receiving side.
package supervisor

import (
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	cerrors "turbulenced/errors"
)

// SendInitStringWithFD sends raw (the init string) and fd as ancillary
// SCM_RIGHTS data in a single sendmsg, per spec.md §6.4: "the connection's
// socket itself is passed as an ancillary SCM_RIGHTS message on the same
// sendmsg that carries the init-string's final byte."
func SendInitStringWithFD(conn *net.UnixConn, raw string, fd int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.SendInitStringWithFD")
	}

	payload := lengthPrefix(raw)
	oob := unix.UnixRights(fd)

	var sendErr error
	ctrlErr := rawConn.Control(func(sysFd uintptr) {
		sendErr = unix.Sendmsg(int(sysFd), payload, oob, nil, 0)
	})
	if ctrlErr != nil {
		return cerrors.Wrap(ctrlErr, cerrors.ErrChildSpawnFailed, "supervisor.SendInitStringWithFD")
	}
	if sendErr != nil {
		return cerrors.Wrap(sendErr, cerrors.ErrChildSpawnFailed, "supervisor.SendInitStringWithFD")
	}
	return nil
}

// RecvInitStringWithFD reads the init string and its accompanying SCM_RIGHTS
// fd sent by SendInitStringWithFD.
func RecvInitStringWithFD(conn *net.UnixConn) (string, int, error) {
	buf := make([]byte, maxInitStringLen+6)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobN, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return "", -1, cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.RecvInitStringWithFD")
	}

	raw, err := unprefix(buf[:n])
	if err != nil {
		return "", -1, err
	}

	fd, err := parseFD(oob[:oobN])
	if err != nil {
		return "", -1, err
	}
	return raw, fd, nil
}

// SendReuseTransfer hands an additional connection to an already-running
// child over its existing control socket (spec.md §4.7.4): a length-prefixed
// ConnStatus plus the connection fd as SCM_RIGHTS, in one sendmsg.
func SendReuseTransfer(conn *net.UnixConn, status ConnStatus, fd int) error {
	return SendInitStringWithFD(conn, status.Encode(), fd)
}

// RecvReuseTransfer is the child-side counterpart of SendReuseTransfer.
func RecvReuseTransfer(conn *net.UnixConn) (ConnStatus, int, error) {
	raw, fd, err := RecvInitStringWithFD(conn)
	if err != nil {
		return ConnStatus{}, -1, err
	}
	status, err := DecodeConnStatus(raw)
	if err != nil {
		return ConnStatus{}, -1, err
	}
	return status, fd, nil
}

func lengthPrefix(raw string) []byte {
	digits := strconv.Itoa(len(raw))
	out := make([]byte, 0, len(digits)+1+len(raw))
	out = append(out, digits...)
	out = append(out, '\n')
	out = append(out, raw...)
	return out
}

func unprefix(buf []byte) (string, error) {
	nl := -1
	for i, b := range buf {
		if b == '\n' {
			nl = i
			break
		}
	}
	if nl < 0 {
		return "", cerrors.New(cerrors.ErrChildSpawnFailed, "supervisor.unprefix", "missing length-prefix newline")
	}
	return string(buf[nl+1:]), nil
}

func parseFD(oob []byte) (int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.parseFD")
	}
	if len(scms) != 1 {
		return -1, cerrors.New(cerrors.ErrChildSpawnFailed, "supervisor.parseFD", "unexpected control message count")
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return -1, cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.parseFD")
	}
	if len(fds) != 1 {
		return -1, cerrors.New(cerrors.ErrChildSpawnFailed, "supervisor.parseFD", "unexpected fd count")
	}
	return fds[0], nil
}

// fileFromFD wraps a raw fd received via SCM_RIGHTS as an *os.File the
// caller can turn into a net.Conn (net.FileConn) or pass to the BEEP driver.
func fileFromFD(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}
