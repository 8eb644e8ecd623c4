package supervisor

import (
	"bufio"
	"strconv"
	"strings"

	cerrors "turbulenced/errors"
)

// fieldSep joins the 14 positional fields of the parent→child init string
// (spec.md §6.4).
const fieldSep = ";_;"

// statusSep joins the sub-record fields of the serialized connection status
// carried at init-string position 11.
const statusSep = ";-;"

// numFields is the number of positional fields an init string carries.
// Fields beyond this index are reserved and ignored on decode.
const numFields = 14

// maxInitStringLen bounds the decimal length prefix to 4 digits.
const maxInitStringLen = 4095

// InitFields is the 14 positional fields of a parent→child init string, by
// index (spec.md §6.4):
//
//	0  connection socket number (informational; the real fd arrives as an
//	   SCM_RIGHTS ancillary message on the same send as this string)
//	1  general log write fd (child-side fd number)
//	2  general log read fd to close (-1 when not applicable)
//	3  error log write fd
//	4  error log read fd to close
//	5  access log write fd
//	6  access log read fd to close
//	7  driver log write fd
//	8  driver log read fd to close
//	9  global console flags bitmap
//	10 PPathDef.id
//	11 serialized connection status (ConnStatus.Encode())
//	12 parent-side BEEP link host
//	13 parent-side BEEP link port
type InitFields [numFields]string

// EncodeInitString joins fields with the literal ";_;" separator.
func EncodeInitString(fields InitFields) string {
	return strings.Join(fields[:], fieldSep)
}

// DecodeInitString splits raw on ";_;" and returns its first 14 fields.
// Extra trailing fields are reserved and ignored, per spec.md §6.4; fewer
// than 14 fields is a malformed init string.
func DecodeInitString(raw string) (InitFields, error) {
	var fields InitFields
	parts := strings.Split(raw, fieldSep)
	if len(parts) < numFields {
		return fields, cerrors.New(cerrors.ErrChildSpawnFailed, "supervisor.DecodeInitString", "too few fields in init string")
	}
	copy(fields[:], parts[:numFields])
	return fields, nil
}

// WriteInitString writes raw length-prefixed: an ASCII decimal length
// (bounded to 4 digits), a newline, then exactly that many bytes.
func WriteInitString(w *bufio.Writer, raw string) error {
	if len(raw) > maxInitStringLen {
		return cerrors.New(cerrors.ErrChildSpawnFailed, "supervisor.WriteInitString", "init string too long")
	}
	if _, err := w.WriteString(strconv.Itoa(len(raw))); err != nil {
		return cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.WriteInitString")
	}
	if err := w.WriteByte('\n'); err != nil {
		return cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.WriteInitString")
	}
	if _, err := w.WriteString(raw); err != nil {
		return cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.WriteInitString")
	}
	return w.Flush()
}

// ReadInitString reads the length-prefixed init string written by
// WriteInitString.
func ReadInitString(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.ReadInitString")
	}
	line = strings.TrimSuffix(line, "\n")
	if len(line) > 4 {
		return "", cerrors.New(cerrors.ErrChildSpawnFailed, "supervisor.ReadInitString", "length prefix too long")
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 0 || n > maxInitStringLen {
		return "", cerrors.New(cerrors.ErrChildSpawnFailed, "supervisor.ReadInitString", "invalid length prefix")
	}

	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return "", cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "supervisor.ReadInitString")
	}
	return string(buf), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ConnStatus is the serialized connection status carried at init-string
// position 11, a ";-;"-separated sub-record (spec.md §6.4).
type ConnStatus struct {
	ConnID              string
	RemoteHost          string
	LocalAddr           string
	Role                int
	PPathDefID          uint32
	ServerName          string
	SkipFirstStartReply bool
}

// Encode serializes the status. ServerName is field index 5; the last
// character of the encoded string is '1' iff SkipFirstStartReply, both per
// spec.md §6.4.
func (s ConnStatus) Encode() string {
	skip := "0"
	if s.SkipFirstStartReply {
		skip = "1"
	}
	fields := []string{
		s.ConnID,
		s.RemoteHost,
		s.LocalAddr,
		strconv.Itoa(s.Role),
		strconv.FormatUint(uint64(s.PPathDefID), 10),
		s.ServerName,
		skip,
	}
	return strings.Join(fields, statusSep)
}

// DecodeConnStatus parses the sub-record produced by Encode.
func DecodeConnStatus(raw string) (ConnStatus, error) {
	var s ConnStatus
	parts := strings.Split(raw, statusSep)
	if len(parts) < 7 {
		return s, cerrors.New(cerrors.ErrChildSpawnFailed, "supervisor.DecodeConnStatus", "too few fields in connection status")
	}

	s.ConnID = parts[0]
	s.RemoteHost = parts[1]
	s.LocalAddr = parts[2]
	if role, err := strconv.Atoi(parts[3]); err == nil {
		s.Role = role
	}
	if id, err := strconv.ParseUint(parts[4], 10, 32); err == nil {
		s.PPathDefID = uint32(id)
	}
	s.ServerName = parts[5]
	s.SkipFirstStartReply = strings.HasSuffix(parts[6], "1")
	return s, nil
}
