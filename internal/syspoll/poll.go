// Package syspoll is the uniform poll/timer/termination-signal surface
// the transfer engine depends on. It never assumes level-triggering and
// never assumes a specific OS primitive; concrete backends live in
// poll_linux.go (epoll+timerfd+self-pipe) and poll_darwin.go (kqueue).
package syspoll

import "fmt"

// Events is a bitmask of readiness conditions, used both for registration
// (Read/Write/Oneshot) and for the flags reported on a returned Event
// (Read/Write/Error/Term).
type Events uint8

const (
	Read Events = 1 << iota
	Write
	Oneshot
	Error
	Term
)

func (e Events) Has(f Events) bool { return e&f == f }

func (e Events) String() string {
	var s string
	for _, p := range []struct {
		f Events
		n string
	}{{Read, "READ"}, {Write, "WRITE"}, {Oneshot, "ONESHOT"}, {Error, "ERROR"}, {Term, "TERM"}} {
		if e.Has(p.f) {
			if s != "" {
				s += "|"
			}
			s += p.n
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// Kind tags the three resource kinds that can surface through the
// poller: the event carries a type-tagged resource. The engine itself
// dispatches on the resource's Go type rather than on this tag.
type Kind uint8

const (
	KindTransfer Kind = iota
	KindTimer
	KindPendingResponse
)

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindTimer:
		return "timer"
	case KindPendingResponse:
		return "pending-response"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Resource is anything the engine can register with the poller: it
// carries its own tag and the fd it's interested in.
type Resource interface {
	Kind() Kind
	FD() int
}

// Event is a single readiness notification returned from Wait/Poll.
type Event struct {
	Events   Events
	Resource Resource // nil for the synthesized TERM-only event
}

// Poller is the interface the transfer engine depends on. It never
// assumes level-triggering (all fd registrations are edge-triggered) and
// never assumes a specific OS readiness primitive.
type Poller interface {
	// Register arranges for future Wait/Poll calls to report readiness of
	// res's fd for the given events (Read and/or Write), edge-triggered.
	Register(res Resource, events Events) error

	// Deregister removes res's fd from the readiness set. Must be called
	// before closing a destination fd that may still be open in a
	// client's file table, to avoid the poller silently tracking a
	// closed (or worse, reused) descriptor.
	Deregister(res Resource) error

	// Timer installs a one-shot timer that, after millis elapse, delivers
	// a single Read-readiness event attributed to res.
	Timer(res Resource, millis int) error

	// CancelTimer removes a still-pending timer installed by Timer.
	CancelTimer(res Resource) error

	// Wait blocks until at least one event (possibly TERM) is available.
	Wait() ([]Event, error)

	// Poll is like Wait but returns immediately with zero events if none
	// are ready.
	Poll() ([]Event, error)

	// Close releases the poller's own resources (epoll/kqueue fd, the
	// signal-delivery fd). It does not touch registered resources.
	Close() error
}
