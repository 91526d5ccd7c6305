//go:build linux

package peer

import "golang.org/x/sys/unix"

// enablePeerCreds turns on SO_PASSCRED so the kernel stamps every
// received datagram with SCM_CREDENTIALS ancillary data carrying the
// sender's uid/gid/pid, even though this is an unconnected SOCK_DGRAM
// socket receiving from many different clients.
func enablePeerCreds(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
}

func credCmsgSpace() int {
	return unix.CmsgSpace(unix.SizeofUcred)
}

func parsePlatformCred(m unix.SocketControlMessage) (Cred, bool) {
	if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_CREDENTIALS {
		return Cred{}, false
	}
	ucred, err := unix.ParseUnixCredentials(&m)
	if err != nil {
		return Cred{}, false
	}
	return Cred{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, true
}
