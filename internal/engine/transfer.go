package engine

import (
	"github.com/sendfiled/sendfiled/internal/fileio"
	"github.com/sendfiled/sendfiled/internal/syspoll"
	"github.com/sendfiled/sendfiled/internal/wire"

	"golang.org/x/sys/unix"
)

// handleTransferEvent is the primary-pass dispatch for a ready Transfer
// resource.
func (s *Server) handleTransferEvent(t *Transfer, events syspoll.Events) {
	switch t.DeferState {
	case DeferCancel, DeferReady:
		// The secondary pass already owns this transfer this iteration.
		return
	}

	if events.Has(syspoll.Error) {
		s.teardownTransfer(t, nil)
		return
	}

	if alive := s.transferFile(t); !alive {
		s.teardownTransfer(t, nil)
	}
}

// transferFile is the inner move loop. It returns true if the transfer is
// still alive when it returns (either awaiting the next writability event
// or deferred READY), false if the caller must tear it down (the terminal
// response, if any, has already been sent).
func (s *Server) transferFile(t *Transfer) (alive bool) {
	totalWritten := 0

	for {
		budget := s.cfg.PipeCapacity - totalWritten
		writeSize := min3(t.BlockSize, int(t.BytesRemaining), budget)
		if writeSize <= 0 {
			s.deferTransfer(t, DeferReady)
			return true
		}

		n, err := t.Mover.Move(t.DestFD, t.FileFD, writeSize)

		if err != nil {
			if fileio.IsTransient(err) {
				if t.hasDistinctStatusChannel() {
					// Best effort: a failed progress notification is not
					// itself retried, only escalated if it's fatal.
					s.writeFrame(t.StatusFD, wire.EncodeXferStat(uint64(totalWritten)))
				}
				t.DeferState = DeferNone
				return true
			}

			if t.hasDistinctStatusChannel() {
				s.deliverTerminal(t, wire.EncodeErrorOnly(wire.RspXferStat, statusByte(err)))
			}
			return false
		}

		if n == 0 {
			t.DeferState = DeferNone
			return true
		}

		t.BytesRemaining -= uint64(n)
		totalWritten += n

		if t.BytesRemaining == 0 {
			if t.hasDistinctStatusChannel() {
				s.deliverTerminal(t, wire.EncodeXferStat(wire.XferComplete))
			}
			return false
		}

		if totalWritten >= s.cfg.PipeCapacity {
			s.deferTransfer(t, DeferReady)
			return true
		}
	}
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// writeFrame attempts a single non-retried write of frame to fd, ignoring
// the outcome entirely except to log a fatal-errno case — used for
// best-effort progress notifications.
func (s *Server) writeFrame(fd int, frame []byte) {
	if _, err := unix.Write(fd, frame); err != nil && !fileio.IsTransient(err) {
		s.log.WithError(err).Debug("progress notification failed")
	}
}

// deliverTerminal implements the reliable terminal-response mechanism
// (SPEC_FULL 4.6.5): try the write once inline; on transient failure, dup
// the status fd and register a pending-response record for retry.
func (s *Server) deliverTerminal(t *Transfer, frame []byte) {
	n, err := unix.Write(t.StatusFD, frame)
	if err == nil && n == len(frame) {
		return
	}
	if err != nil && !fileio.IsTransient(err) {
		// Fatal errno writing the terminal frame itself: nothing more to
		// do, the client will see EOF.
		return
	}

	// A transient failure reports n == -1 (nothing written), but a stream
	// socket can also split the write and return n < len(frame) with
	// err == nil; either way only the unwritten remainder is queued for
	// retry, or the client would see the written prefix twice.
	if n < 0 {
		n = 0
	}
	remaining := frame[n:]

	dupFD, dupErr := unix.Dup(t.StatusFD)
	if dupErr != nil {
		s.log.WithError(dupErr).Error("emergency: failed to dup status fd for terminal-response retry")
		return
	}

	pr := &pendingResponse{fd: dupFD, pdu: remaining}
	if err := s.poller.Register(pr, syspoll.Write); err != nil {
		s.log.WithError(err).Error("emergency: failed to register pending response")
		unix.Close(dupFD)
		return
	}
	s.pendingResponses = append(s.pendingResponses, pr)
}

// retryPendingResponse re-attempts a previously-failed terminal write.
func (s *Server) retryPendingResponse(pr *pendingResponse, events syspoll.Events) {
	n, err := unix.Write(pr.fd, pr.pdu)
	if err != nil && fileio.IsTransient(err) {
		return // stays registered
	}
	if err == nil && n < len(pr.pdu) {
		pr.pdu = pr.pdu[n:]
		return // stays registered, retry the unwritten remainder
	}

	s.poller.Deregister(pr)
	unix.Close(pr.fd)
	s.removePendingResponse(pr)
}

func (s *Server) removePendingResponse(pr *pendingResponse) {
	for i, p := range s.pendingResponses {
		if p == pr {
			s.pendingResponses = append(s.pendingResponses[:i], s.pendingResponses[i+1:]...)
			return
		}
	}
}

// handleTimerFired processes a fired open-file timer: if the backing
// transfer is still the one this timer was created for (no txnid
// aliasing across wraparound) and it has made no progress, the transfer
// is timed out; otherwise it's left alone. Either way the timer record is
// removed.
func (s *Server) handleTimerFired(ot *openTimer) {
	s.timers.Erase(ot.txnid)

	t := s.transfers.Find(ot.txnid)
	if t == nil || t != ot.xfer {
		return // stale: the transfer was already torn down, or txnid reused
	}

	if t.BytesRemaining == t.FileSizeOnDisk {
		s.deliverTerminal(t, wire.EncodeErrorOnly(wire.RspXferStat, statusByte(errTimedOut)))
		s.teardownTransfer(t, nil)
	}
	// Otherwise the transfer has begun moving data under its own
	// writability events; the timer's only job was to bound idle OPENED
	// transfers, so it simply expires.
}

// teardownTransfer fully removes t: deregisters its destination from the
// poller, closes its owned descriptors, releases its Mover, and erases it
// from the transfer table. traceErr, if non-nil, closes out the
// transfer's trace span as a failure.
func (s *Server) teardownTransfer(t *Transfer, traceErr error) {
	if t.DestFD != -1 {
		s.poller.Deregister(t)
	}
	if ot := s.timers.Find(t.Txnid); ot != nil && ot.xfer == t {
		s.poller.CancelTimer(ot)
		s.timers.Erase(t.Txnid)
	}
	s.closeTransfer(t)
	s.transfers.Erase(t.Txnid)

	if t.traceReport != nil {
		t.traceReport(traceErr)
	}
}

// closeTransfer releases t's owned resources without touching the
// transfer table — used both by teardownTransfer and by the final
// Destroy sweep at loop exit (which erases the whole table at once).
func (s *Server) closeTransfer(t *Transfer) {
	if t.Mover != nil {
		t.Mover.Close()
	}
	if t.DestFD != -1 && t.DestFD != t.StatusFD {
		unix.Close(t.DestFD)
	}
	if t.StatusFD != -1 {
		unix.Close(t.StatusFD)
	}
	if t.FileFD != -1 {
		unix.Close(t.FileFD)
	}
}
