//go:build linux || darwin

package syspoll_test

import (
	"testing"
	"time"

	"github.com/sendfiled/sendfiled/internal/syspoll"
	"golang.org/x/sys/unix"

	. "github.com/jacobsa/ogletest"
)

func TestSyspoll(t *testing.T) { RunTests(t) }

type fdResource struct {
	kind syspoll.Kind
	fd   int
}

func (r *fdResource) Kind() syspoll.Kind { return r.kind }
func (r *fdResource) FD() int            { return r.fd }

type SyspollTest struct {
}

func init() { RegisterTestSuite(&SyspollTest{}) }

func (t *SyspollTest) WriteReadinessIsReported() {
	var fds [2]int
	AssertEq(nil, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p, err := syspoll.New(8)
	AssertEq(nil, err)
	defer p.Close()

	res := &fdResource{kind: syspoll.KindTransfer, fd: fds[1]}
	AssertEq(nil, p.Register(res, syspoll.Write))

	events, err := p.Poll()
	AssertEq(nil, err)
	AssertEq(1, len(events))
	ExpectTrue(events[0].Events.Has(syspoll.Write))
	ExpectEq(res, events[0].Resource)

	AssertEq(nil, p.Deregister(res))
}

func (t *SyspollTest) TimerFiresOnceAfterDelay() {
	p, err := syspoll.New(8)
	AssertEq(nil, err)
	defer p.Close()

	res := &fdResource{kind: syspoll.KindTimer, fd: -1}
	AssertEq(nil, p.Timer(res, 20))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := p.Wait()
		AssertEq(nil, err)
		if len(events) == 0 {
			continue
		}
		AssertEq(1, len(events))
		ExpectEq(res, events[0].Resource)
		return
	}
	AssertTrue(false, "timer never fired")
}

func (t *SyspollTest) CancelTimerPreventsFiring() {
	p, err := syspoll.New(8)
	AssertEq(nil, err)
	defer p.Close()

	res := &fdResource{kind: syspoll.KindTimer, fd: -1}
	AssertEq(nil, p.Timer(res, 5000))
	AssertEq(nil, p.CancelTimer(res))

	events, err := p.Poll()
	AssertEq(nil, err)
	ExpectEq(0, len(events))
}
