// Package peer implements the datagram UNIX socket peer transport: binding
// the request socket, receiving a payload with up to two attached
// descriptors and the sender's credentials, and sending a payload with
// attached descriptors. Credential delivery is platform specific
// (peer_linux.go / peer_other.go).
package peer

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// MaxFDs is the maximum number of descriptors a single datagram may
// carry. The engine drops any request other than CANCEL whose count is
// outside {1, 2}.
const MaxFDs = 2

// ErrTruncated is returned when either the payload or the ancillary data
// of a received datagram was truncated — always treated as a fatal
// protocol error, since a truncated SCM_RIGHTS message may have silently
// leaked descriptors into this process.
var ErrTruncated = errors.New("peer: truncated payload or ancillary data")

// UnknownPID is the sentinel reported when the platform cannot supply the
// sender's process ID.
const UnknownPID = -1

// Cred is the credential of the sender of a received datagram.
type Cred struct {
	UID uint32
	GID uint32
	PID int32 // UnknownPID if unavailable
}

// Conn wraps a SOCK_DGRAM AF_UNIX socket used either to serve (bound) or
// to dial (connected) requests.
type Conn struct {
	fd int
}

// FD returns the underlying file descriptor, so a Conn can be registered
// directly with a syspoll.Poller as the request-socket resource.
func (c *Conn) FD() int { return c.fd }

// Listen binds a non-blocking datagram UNIX socket at path, owned by
// uid/gid with mode 0700. An existing file at path makes the bind fail
// (EADDRINUSE).
func Listen(path string, uid, gid int) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := os.Chmod(path, 0700); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := os.Chown(path, uid, gid); err != nil {
		unix.Close(fd)
		return nil, err
	}

	c := &Conn{fd: fd}
	if err := enablePeerCreds(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return c, nil
}

// Dial opens a datagram UNIX socket connected to the server at path, for
// use by clients.
func Dial(path string) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Conn{fd: fd}, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return unix.Close(c.fd) }

// Send transmits payload, plus up to MaxFDs attached descriptors, to the
// connected peer (client use).
func (c *Conn) Send(payload []byte, fds []int) error {
	var rights []byte
	if len(fds) > 0 {
		rights = unix.UnixRights(fds...)
	}
	return unix.Sendmsg(c.fd, payload, rights, nil, 0)
}

// Recv reads one datagram, returning its payload, up to MaxFDs attached
// descriptors, and the sender's credentials. maxPayload bounds the
// payload buffer; a datagram larger than that, or one whose ancillary
// data didn't fit the control buffer, is reported as ErrTruncated.
func (c *Conn) Recv(maxPayload int) ([]byte, []int, Cred, error) {
	payload := make([]byte, maxPayload)
	oob := make([]byte, unix.CmsgSpace(MaxFDs*4)+credCmsgSpace())

	n, oobn, flags, _, err := unix.Recvmsg(c.fd, payload, oob, 0)
	if err != nil {
		return nil, nil, Cred{}, err
	}
	if flags&unix.MSG_TRUNC != 0 || flags&unix.MSG_CTRUNC != 0 {
		return nil, nil, Cred{}, ErrTruncated
	}

	fds, cred, err := parseAncillary(oob[:oobn])
	if err != nil {
		return nil, nil, Cred{}, err
	}

	return payload[:n], fds, cred, nil
}

func parseAncillary(oob []byte) ([]int, Cred, error) {
	cred := Cred{PID: UnknownPID}

	if len(oob) == 0 {
		return nil, cred, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, cred, err
	}

	var fds []int
	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_RIGHTS:
			got, err := unix.ParseUnixRights(&m)
			if err != nil {
				return nil, cred, err
			}
			fds = append(fds, got...)
		default:
			if c, ok := parsePlatformCred(m); ok {
				cred = c
			}
		}
	}

	return fds, cred, nil
}
