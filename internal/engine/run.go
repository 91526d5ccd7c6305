package engine

import (
	"github.com/sendfiled/sendfiled/internal/syspoll"
	"golang.org/x/sys/unix"
)

// Run drives the event loop until a TERM event arrives or the poller
// fails unrecoverably. It is not safe to call concurrently, and must be
// called exactly once.
func (s *Server) Run() error {
	err := s.loop()

	s.teardown()

	s.mu.Lock()
	s.doneStatus = err
	s.liveAtExit = s.transfers.Len()
	s.mu.Unlock()
	close(s.done)

	return err
}

func (s *Server) loop() error {
	for {
		var events []syspoll.Event
		var err error
		if len(s.deferred) == 0 {
			events, err = s.poller.Wait()
		} else {
			events, err = s.poller.Poll()
		}
		if err != nil {
			return err
		}

		if stop := s.primaryPass(events); stop {
			return nil
		}

		s.secondaryPass()
	}
}

// primaryPass processes one batch of readiness events. It returns true if
// a TERM event ends the loop.
func (s *Server) primaryPass(events []syspoll.Event) (stop bool) {
	for _, ev := range events {
		if ev.Events.Has(syspoll.Term) {
			return true
		}

		switch res := ev.Resource.(type) {
		case reqSocketResource:
			s.drainRequests()

		case *openTimer:
			s.handleTimerFired(res)

		case *pendingResponse:
			s.retryPendingResponse(res, ev.Events)

		case *Transfer:
			s.handleTransferEvent(res, ev.Events)
		}
	}
	return false
}

// secondaryPass iterates the deferred list: CANCEL entries are torn down,
// READY entries get another transferFile turn, and any entry that
// resolved back to NONE drops off the list.
func (s *Server) secondaryPass() {
	kept := s.deferred[:0]

	for _, t := range s.deferred {
		switch t.DeferState {
		case DeferCancel:
			s.teardownTransfer(t, nil)

		case DeferReady:
			if alive := s.transferFile(t); !alive {
				s.teardownTransfer(t, nil)
				continue
			}
			if t.DeferState != DeferNone {
				kept = append(kept, t)
			}

		case DeferNone:
			s.log.Error("emergency: transfer on deferred list with DeferNone")
		}
	}

	s.deferred = kept
}

// deferTransfer appends t to the deferred list if it isn't already on it.
func (s *Server) deferTransfer(t *Transfer, state DeferState) {
	wasDeferred := t.DeferState != DeferNone
	t.DeferState = state
	if !wasDeferred {
		s.deferred = append(s.deferred, t)
	}
}

// teardown runs at loop exit: close the request socket, tear down every
// live transfer (closing its descriptors), cancel all timers, and unlink
// the socket file.
func (s *Server) teardown() {
	s.poller.Deregister(reqSocketResource{s.reqConn})
	s.reqConn.Close()

	s.transfers.Destroy(func(t *Transfer) {
		if t.DestFD != -1 {
			s.poller.Deregister(t)
		}
		s.closeTransfer(t)
		if t.traceReport != nil {
			t.traceReport(nil)
		}
	})

	s.timers.Destroy(func(ot *openTimer) {
		s.poller.CancelTimer(ot)
	})

	for _, pr := range s.pendingResponses {
		s.poller.Deregister(pr)
		unix.Close(pr.fd)
	}
	s.pendingResponses = nil

	s.deferred = nil

	s.unlinkSocket()
	s.poller.Close()
}
