//go:build darwin

package syspoll

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the Darwin/BSD backend. Per-transfer timers use
// EVFILT_TIMER directly (no backing fd needed); termination goes through
// a self-pipe fed by os/signal, registered exactly once per poller
// instance, so a terminating signal can never be double-counted.
type kqueuePoller struct {
	kq int

	termR, termW int
	sigCh        chan os.Signal

	resources  map[int]Resource
	timerIdent map[Resource]uintptr
	timerRes   map[uintptr]Resource
	nextIdent  uint64

	scratch []unix.Kevent_t
}

func New(maxEvents int) (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(kq)
		return nil, err
	}

	p := &kqueuePoller{
		kq:         kq,
		termR:      fds[0],
		termW:      fds[1],
		resources:  make(map[int]Resource),
		timerIdent: make(map[Resource]uintptr),
		timerRes:   make(map[uintptr]Resource),
		scratch:    make([]unix.Kevent_t, maxEvents),
	}

	change := unix.Kevent_t{
		Ident:  uint64(p.termR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		p.Close()
		return nil, err
	}

	p.sigCh = make(chan os.Signal, 1)
	signal.Notify(p.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		if _, ok := <-p.sigCh; ok {
			unix.Write(p.termW, []byte{0})
		}
	}()

	return p, nil
}

func (p *kqueuePoller) Register(res Resource, events Events) error {
	fd := res.FD()
	var changes []unix.Kevent_t
	if events.Has(Read) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_CLEAR})
	}
	if events.Has(Write) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_CLEAR})
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return err
	}
	p.resources[fd] = res
	return nil
}

func (p *kqueuePoller) Deregister(res Resource) error {
	fd := res.FD()
	delete(p.resources, fd)
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	// Ignore ENOENT: the resource may only have been registered for one
	// of the two filters.
	unix.Kevent(p.kq, changes, nil, nil)
	return nil
}

func (p *kqueuePoller) Timer(res Resource, millis int) error {
	ident := atomic.AddUint64(&p.nextIdent, 1)
	change := unix.Kevent_t{
		Ident:  ident,
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD | unix.EV_ONESHOT,
		Data:   int64(millis),
	}
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		return err
	}
	p.timerIdent[res] = uintptr(ident)
	p.timerRes[uintptr(ident)] = res
	return nil
}

func (p *kqueuePoller) CancelTimer(res Resource) error {
	ident, ok := p.timerIdent[res]
	if !ok {
		return nil
	}
	delete(p.timerIdent, res)
	delete(p.timerRes, ident)
	change := unix.Kevent_t{Ident: uint64(ident), Filter: unix.EVFILT_TIMER, Flags: unix.EV_DELETE}
	unix.Kevent(p.kq, []unix.Kevent_t{change}, nil, nil)
	return nil
}

func (p *kqueuePoller) wait(timeout *unix.Timespec) ([]Event, error) {
	n, err := unix.Kevent(p.kq, nil, p.scratch, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := p.scratch[i]

		if raw.Filter == unix.EVFILT_READ && int(raw.Ident) == p.termR {
			var buf [64]byte
			unix.Read(p.termR, buf[:])
			events = append(events, Event{Events: Term})
			continue
		}

		if raw.Filter == unix.EVFILT_TIMER {
			res, ok := p.timerRes[uintptr(raw.Ident)]
			if !ok {
				continue
			}
			delete(p.timerIdent, res)
			delete(p.timerRes, uintptr(raw.Ident))
			events = append(events, Event{Events: Read, Resource: res})
			continue
		}

		res, ok := p.resources[int(raw.Ident)]
		if !ok {
			continue
		}

		var flags Events
		switch raw.Filter {
		case unix.EVFILT_READ:
			flags |= Read
		case unix.EVFILT_WRITE:
			flags |= Write
		}
		if raw.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
			flags |= Error
		}
		events = append(events, Event{Events: flags, Resource: res})
	}

	return events, nil
}

func (p *kqueuePoller) Wait() ([]Event, error) { return p.wait(nil) }
func (p *kqueuePoller) Poll() ([]Event, error) { return p.wait(&unix.Timespec{}) }

func (p *kqueuePoller) Close() error {
	signal.Stop(p.sigCh)
	close(p.sigCh)
	unix.Close(p.termR)
	unix.Close(p.termW)
	return unix.Close(p.kq)
}
