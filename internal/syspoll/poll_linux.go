//go:build linux

package syspoll

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux backend: epoll for readiness, timerfd for
// per-transfer one-shot timers, and a self-pipe fed by os/signal for
// termination — see original_source/src/impl/syspoll_linux.c for the
// epoll-based shape this generalizes.
type epollPoller struct {
	epfd int

	termR, termW int
	sigCh        chan os.Signal

	resources map[int]Resource // fd -> registered Read/Write resource
	timerFD   map[Resource]int // timer resource -> its timerfd
	timerRes  map[int]Resource // timerfd -> timer resource

	scratch []unix.EpollEvent
}

// New constructs the Linux poller backend. maxEvents bounds how many
// ready events a single Wait/Poll call can return.
func New(maxEvents int) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &epollPoller{
		epfd:      epfd,
		termR:     fds[0],
		termW:     fds[1],
		resources: make(map[int]Resource),
		timerFD:   make(map[Resource]int),
		timerRes:  make(map[int]Resource),
		scratch:   make([]unix.EpollEvent, maxEvents),
	}

	if err := p.epollAdd(p.termR, unix.EPOLLIN); err != nil {
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

func (p *epollPoller) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func toEpollEvents(e Events) uint32 {
	var raw uint32 = unix.EPOLLET
	if e.Has(Read) {
		raw |= unix.EPOLLIN
	}
	if e.Has(Write) {
		raw |= unix.EPOLLOUT
	}
	return raw
}

func (p *epollPoller) Register(res Resource, events Events) error {
	fd := res.FD()
	if err := p.epollAdd(fd, toEpollEvents(events)); err != nil {
		return err
	}
	p.resources[fd] = res
	return nil
}

func (p *epollPoller) Deregister(res Resource) error {
	fd := res.FD()
	delete(p.resources, fd)
	// EPOLL_CTL_DEL on an already-closed fd returns EBADF/ENOENT; the
	// caller is expected to deregister before closing.
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Timer(res Resource, millis int) error {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return err
	}

	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(int64(millis) * int64(1e6)),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return err
	}

	if err := p.epollAdd(fd, unix.EPOLLIN); err != nil {
		unix.Close(fd)
		return err
	}

	p.timerFD[res] = fd
	p.timerRes[fd] = res
	return nil
}

func (p *epollPoller) CancelTimer(res Resource) error {
	fd, ok := p.timerFD[res]
	if !ok {
		return nil
	}
	delete(p.timerFD, res)
	delete(p.timerRes, fd)
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return unix.Close(fd)
}

func (p *epollPoller) wait(timeoutMS int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.scratch, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := p.scratch[i]
		fd := int(raw.Fd)

		if fd == p.termR {
			var buf [64]byte
			unix.Read(p.termR, buf[:])
			events = append(events, Event{Events: Term})
			continue
		}

		if res, ok := p.timerRes[fd]; ok {
			var buf [8]byte
			unix.Read(fd, buf[:])
			p.CancelTimer(res)
			events = append(events, Event{Events: Read, Resource: res})
			continue
		}

		res, ok := p.resources[fd]
		if !ok {
			continue
		}

		var flags Events
		if raw.Events&unix.EPOLLIN != 0 {
			flags |= Read
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			flags |= Write
		}
		if raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			flags |= Error
		}
		events = append(events, Event{Events: flags, Resource: res})
	}

	return events, nil
}

func (p *epollPoller) Wait() ([]Event, error) { return p.wait(-1) }
func (p *epollPoller) Poll() ([]Event, error) { return p.wait(0) }

func (p *epollPoller) Close() error {
	signal.Stop(p.sigCh)
	close(p.sigCh)
	unix.Close(p.termR)
	unix.Close(p.termW)
	for fd := range p.timerRes {
		unix.Close(fd)
	}
	return unix.Close(p.epfd)
}
