//go:build !linux

package peer

import "golang.org/x/sys/unix"

// enablePeerCreds is a no-op outside Linux: unconnected AF_UNIX
// SOCK_DGRAM sockets on BSD-derived kernels (including Darwin) have no
// equivalent of SO_PASSCRED/SCM_CREDENTIALS, so every received datagram
// reports Cred{PID: UnknownPID} and the caller is expected to tolerate
// that (treat it as "cannot verify, allow").
func enablePeerCreds(fd int) error {
	return nil
}

func credCmsgSpace() int {
	return 0
}

func parsePlatformCred(m unix.SocketControlMessage) (Cred, bool) {
	return Cred{}, false
}
