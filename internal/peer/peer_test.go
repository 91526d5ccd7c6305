//go:build linux || darwin

package peer_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sendfiled/sendfiled/internal/peer"
	"golang.org/x/sys/unix"

	. "github.com/jacobsa/ogletest"
)

func TestPeer(t *testing.T) { RunTests(t) }

type PeerTest struct {
	dir  string
	sock string
}

func init() { RegisterTestSuite(&PeerTest{}) }

func (t *PeerTest) SetUp(ti *TestInfo) {
	var err error
	t.dir, err = os.MkdirTemp("", "peer_test")
	AssertEq(nil, err)
	t.sock = filepath.Join(t.dir, "req.socket")
}

func (t *PeerTest) TearDown() {
	os.RemoveAll(t.dir)
}

func (t *PeerTest) ListenBindsModeAndOwnership() {
	srv, err := peer.Listen(t.sock, os.Getuid(), os.Getgid())
	AssertEq(nil, err)
	defer srv.Close()

	fi, err := os.Stat(t.sock)
	AssertEq(nil, err)
	ExpectEq(os.FileMode(0700), fi.Mode().Perm())
}

func (t *PeerTest) SendRecvPlainPayload() {
	srv, err := peer.Listen(t.sock, os.Getuid(), os.Getgid())
	AssertEq(nil, err)
	defer srv.Close()

	cli, err := peer.Dial(t.sock)
	AssertEq(nil, err)
	defer cli.Close()

	AssertEq(nil, cli.Send([]byte("hello"), nil))

	payload, fds, _, err := srv.Recv(4096)
	AssertEq(nil, err)
	ExpectEq("hello", string(payload))
	ExpectEq(0, len(fds))
}

func (t *PeerTest) SendRecvWithAttachedDescriptor() {
	srv, err := peer.Listen(t.sock, os.Getuid(), os.Getgid())
	AssertEq(nil, err)
	defer srv.Close()

	cli, err := peer.Dial(t.sock)
	AssertEq(nil, err)
	defer cli.Close()

	var pipeFDs [2]int
	AssertEq(nil, unix.Pipe(pipeFDs[:]))
	defer unix.Close(pipeFDs[0])
	defer unix.Close(pipeFDs[1])

	AssertEq(nil, cli.Send([]byte("open"), []int{pipeFDs[0]}))

	payload, fds, _, err := srv.Recv(4096)
	AssertEq(nil, err)
	ExpectEq("open", string(payload))
	AssertEq(1, len(fds))
	defer unix.Close(fds[0])

	const msg = "ok"
	_, err = unix.Write(fds[0], []byte(msg))
	AssertEq(nil, err)

	buf := make([]byte, len(msg))
	n, err := unix.Read(pipeFDs[1], buf)
	AssertEq(nil, err)
	ExpectEq(msg, string(buf[:n]))
}

func (t *PeerTest) RecvReportsCredentialsWhenAvailable() {
	srv, err := peer.Listen(t.sock, os.Getuid(), os.Getgid())
	AssertEq(nil, err)
	defer srv.Close()

	cli, err := peer.Dial(t.sock)
	AssertEq(nil, err)
	defer cli.Close()

	AssertEq(nil, cli.Send([]byte("x"), nil))

	_, _, cred, err := srv.Recv(4096)
	AssertEq(nil, err)
	// On platforms without peer-credential ancillary data for unconnected
	// datagram sockets, Recv reports the unknown-PID sentinel rather than
	// failing; on Linux the real uid/gid/pid of this same test process is
	// expected back.
	if cred.PID != peer.UnknownPID {
		ExpectEq(uint32(os.Getuid()), cred.UID)
		ExpectEq(uint32(os.Getgid()), cred.GID)
	}
}
