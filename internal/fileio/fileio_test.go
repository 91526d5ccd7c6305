//go:build linux || darwin

package fileio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sendfiled/sendfiled/internal/fileio"
	"golang.org/x/sys/unix"

	. "github.com/jacobsa/ogletest"
)

func TestFileio(t *testing.T) { RunTests(t) }

type FileioTest struct {
	dir string
}

func init() { RegisterTestSuite(&FileioTest{}) }

func (t *FileioTest) SetUp(ti *TestInfo) {
	var err error
	t.dir, err = os.MkdirTemp("", "fileio_test")
	AssertEq(nil, err)
}

func (t *FileioTest) TearDown() {
	os.RemoveAll(t.dir)
}

func (t *FileioTest) writeFile(name, contents string) string {
	p := filepath.Join(t.dir, name)
	AssertEq(nil, os.WriteFile(p, []byte(contents), 0600))
	return p
}

func (t *FileioTest) OpenForReadReportsSizeAndSeeksToOffset() {
	p := t.writeFile("a.txt", "0123456789")

	fd, info, err := fileio.OpenForRead(p, 3, 0)
	AssertEq(nil, err)
	defer unix.Close(fd)

	ExpectEq(uint64(10), info.Size)

	pos, err := fileio.CurrentOffset(fd)
	AssertEq(nil, err)
	ExpectEq(int64(3), pos)
}

func (t *FileioTest) OpenForReadRejectsDirectory() {
	_, _, err := fileio.OpenForRead(t.dir, 0, 0)
	ExpectNe(nil, err)
}

func (t *FileioTest) OpenForReadRejectsMissingFile() {
	_, _, err := fileio.OpenForRead(filepath.Join(t.dir, "nope"), 0, 0)
	ExpectNe(nil, err)
}

func (t *FileioTest) MoveCopiesBytesThroughAPipe() {
	const contents = "hello, world"
	p := t.writeFile("b.txt", contents)

	fd, _, err := fileio.OpenForRead(p, 0, 0)
	AssertEq(nil, err)
	defer unix.Close(fd)

	var pipeFDs [2]int
	AssertEq(nil, unix.Pipe(pipeFDs[:]))
	defer unix.Close(pipeFDs[0])
	defer unix.Close(pipeFDs[1])

	mover, err := fileio.NewMover(4096)
	AssertEq(nil, err)
	defer mover.Close()

	total := 0
	for total < len(contents) {
		n, err := mover.Move(pipeFDs[1], fd, len(contents)-total)
		AssertEq(nil, err)
		if n == 0 {
			break
		}
		total += n
	}
	ExpectEq(len(contents), total)

	buf := make([]byte, len(contents))
	n, err := unix.Read(pipeFDs[0], buf)
	AssertEq(nil, err)
	ExpectEq(contents, string(buf[:n]))
}

func (t *FileioTest) IsTransientRecognizesKnownErrnos() {
	ExpectTrue(fileio.IsTransient(unix.EWOULDBLOCK))
	ExpectTrue(fileio.IsTransient(unix.ENOSPC))
	ExpectFalse(fileio.IsTransient(unix.EINVAL))
}
