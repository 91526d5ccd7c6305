//go:build linux || darwin

package client_test

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/sendfiled/sendfiled/client"
	"github.com/sendfiled/sendfiled/internal/engine"
	"github.com/sendfiled/sendfiled/internal/wire"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	. "github.com/jacobsa/ogletest"
)

// These exercise the literal end-to-end scenarios against a live
// engine.Server: every request goes over a real dialed socket, and every
// response is read off a real pipe.
func TestClient(t *testing.T) { RunTests(t) }

type ClientTest struct {
	dir  string
	srv  *engine.Server
	done chan struct{}
	cli  *client.Client
}

func init() { RegisterTestSuite(&ClientTest{}) }

func (t *ClientTest) SetUp(ti *TestInfo) {
	var err error
	t.dir, err = os.MkdirTemp("", "client_test")
	AssertEq(nil, err)

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := engine.Config{
		SocketPath:      filepath.Join(t.dir, "sock"),
		UID:             os.Getuid(),
		GID:             os.Getgid(),
		MaxFiles:        16,
		OpenFDTimeoutMS: 100,
		PipeCapacity:    1 << 20,
		MaxEvents:       16,
	}

	srv, err := engine.New(cfg, log)
	AssertEq(nil, err)
	t.srv = srv

	t.done = make(chan struct{})
	go func() {
		srv.Run()
		close(t.done)
	}()

	cli, err := client.Dial(cfg.SocketPath)
	AssertEq(nil, err)
	t.cli = cli
}

func (t *ClientTest) TearDown() {
	t.cli.Close()
	syscall.Kill(os.Getpid(), syscall.SIGTERM)

	select {
	case <-t.done:
	case <-time.After(2 * time.Second):
	}

	os.RemoveAll(t.dir)
}

func (t *ClientTest) writeFile(name string, contents []byte) string {
	p := filepath.Join(t.dir, name)
	AssertEq(nil, os.WriteFile(p, contents, 0600))
	return p
}

func mustPipe() (r, w int) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		panic(err)
	}
	return fds[0], fds[1]
}

func readFull(fd int, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := unix.Read(fd, buf[read:])
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		read += n
	}
	return nil
}

func (t *ClientTest) ReadDeliversFullFileThenEOF() {
	const contents = "1234567890"
	p := t.writeFile("read.txt", []byte(contents))
	r, w := mustPipe()
	defer unix.Close(r)

	AssertEq(nil, t.cli.Read(p, 0, 0, w))
	unix.Close(w)

	info, err := client.ReadFileInfo(r)
	AssertEq(nil, err)
	ExpectEq(uint64(len(contents)), info.Size)

	buf := make([]byte, len(contents))
	AssertEq(nil, readFull(r, buf))
	ExpectEq(contents, string(buf))

	n, _ := unix.Read(r, make([]byte, 1))
	ExpectEq(0, n)
}

func (t *ClientTest) SendDeliversFileInfoThenXferStatThenData() {
	const contents = "1234567890"
	p := t.writeFile("send.txt", []byte(contents))
	statusR, statusW := mustPipe()
	destR, destW := mustPipe()
	defer unix.Close(statusR)
	defer unix.Close(destR)

	AssertEq(nil, t.cli.Send(p, 0, 0, statusW, destW))
	unix.Close(statusW)
	unix.Close(destW)

	info, err := client.ReadFileInfo(statusR)
	AssertEq(nil, err)
	ExpectEq(uint64(len(contents)), info.Size)

	size, err := client.ReadXferStat(statusR)
	AssertEq(nil, err)
	ExpectEq(wire.XferComplete, size)

	buf := make([]byte, len(contents))
	AssertEq(nil, readFull(destR, buf))
	ExpectEq(contents, string(buf))
}

func (t *ClientTest) FileOpenThenSendOpenDeliversTerminalAndData() {
	const contents = "1234567890"
	p := t.writeFile("open.txt", []byte(contents))
	statusR, statusW := mustPipe()
	destR, destW := mustPipe()
	defer unix.Close(statusR)
	defer unix.Close(destR)

	AssertEq(nil, t.cli.FileOpen(p, 0, 0, statusW))
	unix.Close(statusW)

	info, err := client.ReadFileInfo(statusR)
	AssertEq(nil, err)
	AssertTrue(info.TxnID > 0)
	ExpectEq(uint64(len(contents)), info.Size)

	AssertEq(nil, t.cli.SendOpen(info.TxnID, destW))
	unix.Close(destW)

	size, err := client.ReadXferStat(statusR)
	AssertEq(nil, err)
	ExpectEq(wire.XferComplete, size)

	buf := make([]byte, len(contents))
	AssertEq(nil, readFull(destR, buf))
	ExpectEq(contents, string(buf))
}

func (t *ClientTest) FileOpenTimesOutWithoutSendOpen() {
	p := t.writeFile("timeout.txt", []byte("1234567890"))
	r, w := mustPipe()
	defer unix.Close(r)

	AssertEq(nil, t.cli.FileOpen(p, 0, 0, w))
	unix.Close(w)

	info, err := client.ReadFileInfo(r)
	AssertEq(nil, err)
	AssertTrue(info.TxnID > 0)

	size, err := client.ReadXferStat(r)
	ExpectEq(uint64(0), size)
	ExpectEq(unix.ETIMEDOUT, err)

	n, _ := unix.Read(r, make([]byte, 1))
	ExpectEq(0, n)
}

func (t *ClientTest) SendFatalMoveErrorDeliversErrorThenEOF() {
	const contents = "fatal move error test contents"
	p := t.writeFile("fatal.txt", []byte(contents))
	statusR, statusW := mustPipe()
	defer unix.Close(statusR)

	roPath := t.writeFile("readonly-dest", nil)
	destFD, err := unix.Open(roPath, unix.O_RDONLY, 0)
	AssertEq(nil, err)

	AssertEq(nil, t.cli.Send(p, 0, 0, statusW, destFD))
	unix.Close(statusW)
	unix.Close(destFD)

	info, err := client.ReadFileInfo(statusR)
	AssertEq(nil, err)
	ExpectEq(uint64(len(contents)), info.Size)

	_, err = client.ReadXferStat(statusR)
	ExpectNe(nil, err)

	n, _ := unix.Read(statusR, make([]byte, 1))
	ExpectEq(0, n)
}

func (t *ClientTest) CancelOfInFlightReadYieldsPartialDelivery() {
	const size = 2 * 1024 * 1024
	contents := make([]byte, size)
	for i := range contents {
		contents[i] = byte(i)
	}
	p := t.writeFile("big.bin", contents)

	r, w := mustPipe()
	defer unix.Close(r)

	AssertEq(nil, t.cli.Read(p, 0, 0, w))
	unix.Close(w)

	info, err := client.ReadFileInfo(r)
	AssertEq(nil, err)
	ExpectEq(uint64(size), info.Size)

	AssertEq(nil, t.cli.Cancel(info.TxnID))

	total := 0
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(r, buf)
		if n > 0 {
			total += n
		}
		if n == 0 || err != nil {
			break
		}
	}

	ExpectTrue(total < size)
}
