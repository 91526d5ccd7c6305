package engine

import (
	"context"
	"fmt"

	"github.com/sendfiled/sendfiled/internal/fileio"
	"github.com/sendfiled/sendfiled/internal/peer"
	"github.com/sendfiled/sendfiled/internal/syspoll"
	"github.com/sendfiled/sendfiled/internal/wire"

	"github.com/jacobsa/reqtrace"
	"golang.org/x/sys/unix"
)

// maxDatagram bounds the payload buffer Recv allocates per datagram: the
// header plus the largest possible OpenRequest body.
const maxDatagram = wire.HeaderSize + 8 + 8 + wire.MaxFilenameLen + 1

// drainRequests reads datagrams off the request socket until it would
// block, dispatching each in turn.
func (s *Server) drainRequests() {
	for {
		payload, fds, cred, err := s.reqConn.Recv(maxDatagram)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.log.WithError(err).Warn("request socket recv failed")
			return
		}

		s.handleDatagram(payload, fds, cred)
	}
}

func (s *Server) handleDatagram(payload []byte, fds []int, cred peer.Cred) {
	h, err := wire.DecodeHeader(payload)
	if err != nil {
		s.dropMalformed(fds)
		return
	}
	if err := wire.ValidateRequestCommand(h); err != nil {
		s.dropMalformed(fds)
		return
	}

	if h.Command != wire.CmdCancel && (len(fds) < 1 || len(fds) > 2) {
		s.log.WithField("cmd", h.Command).Warn("request carried an unexpected number of descriptors")
		closeAll(fds)
		return
	}

	if int(cred.UID) != s.cfg.UID {
		if len(fds) > 0 {
			s.replyErrorOnFD(fds[0], wire.RspFileInfo, statusByte(errAccessDenied))
		}
		closeAll(fds)
		return
	}

	body := payload[wire.HeaderSize:]

	switch h.Command {
	case wire.CmdFileOpen:
		s.handleFileOpen(body, fds, cred.PID)
	case wire.CmdRead:
		s.handleReadOrSend(wire.CmdRead, body, fds, cred.PID)
	case wire.CmdSend:
		s.handleReadOrSend(wire.CmdSend, body, fds, cred.PID)
	case wire.CmdSendOpen:
		s.handleSendOpen(body, fds, cred.PID)
	case wire.CmdCancel:
		s.handleCancel(body, cred.PID)
	}
}

func (s *Server) dropMalformed(fds []int) {
	if len(fds) > 0 {
		s.replyErrorOnFD(fds[0], wire.RspFileInfo, statusByte(errInvalid))
	}
	closeAll(fds)
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func (s *Server) replyErrorOnFD(fd int, cmd byte, status byte) {
	s.writeFrame(fd, wire.EncodeErrorOnly(cmd, status))
}

// allocTxnid returns the next monotonic transaction id, skipping the
// reserved value 0 on wraparound.
func (s *Server) allocTxnid() uint64 {
	id := s.nextTxnid
	s.nextTxnid++
	if s.nextTxnid == 0 {
		s.nextTxnid = 1
	}
	return id
}

// computeXferLen validates the requested [offset, offset+length) range
// against the file's actual size and returns the number of bytes the
// transfer will move: length if nonzero, else size-offset.
func computeXferLen(size uint64, offset int64, length uint64) (uint64, error) {
	if size == 0 {
		return 0, errInvalid
	}
	if offset < 0 || uint64(offset) > size {
		return 0, errOutOfRange
	}
	if length != 0 {
		if length > size-uint64(offset) {
			return 0, errOutOfRange
		}
		return length, nil
	}
	return size - uint64(offset), nil
}

func blockSizeOrDefault(n int) int {
	if n <= 0 {
		return 64 * 1024
	}
	return n
}

func (s *Server) handleFileOpen(body []byte, fds []int, pid int32) {
	if len(fds) != 1 {
		s.log.Warn("FILE_OPEN carried an unexpected number of descriptors")
		closeAll(fds)
		return
	}
	statusFD := fds[0]

	req, err := wire.DecodeOpenRequest(body)
	if err != nil {
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(errInvalid))
		unix.Close(statusFD)
		return
	}

	fileFD, info, err := fileio.OpenForRead(req.Filename, req.Offset, req.Len)
	if err != nil {
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(err))
		unix.Close(statusFD)
		return
	}

	xferLen, err := computeXferLen(info.Size, req.Offset, req.Len)
	if err != nil {
		unix.Close(fileFD)
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(err))
		unix.Close(statusFD)
		return
	}

	txnid := s.allocTxnid()

	t := &Transfer{
		Txnid:          txnid,
		Command:        CmdOpened,
		FileFD:         fileFD,
		FileSizeOnDisk: xferLen,
		BlockSize:      blockSizeOrDefault(info.BlockSize),
		BytesRemaining: xferLen,
		StatusFD:       statusFD,
		DestFD:         -1,
		ClientPID:      pid,
		CreatedAt:      s.clock.Now(),
	}
	_, t.traceReport = reqtrace.StartSpan(context.Background(), fmt.Sprintf("pid %d: FILE_OPEN txn %d", pid, txnid))

	if !s.transfers.Insert(t) {
		unix.Close(fileFD)
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(errTooManyOpenFiles))
		unix.Close(statusFD)
		if t.traceReport != nil {
			t.traceReport(errTooManyOpenFiles)
		}
		return
	}

	ot := &openTimer{txnid: txnid, xfer: t}
	if !s.timers.Insert(ot) {
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(errTooManyOpenFiles))
		s.teardownTransfer(t, errTooManyOpenFiles)
		return
	}

	if err := s.poller.Timer(ot, s.cfg.OpenFDTimeoutMS); err != nil {
		s.timers.Erase(txnid)
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(err))
		s.teardownTransfer(t, err)
		return
	}

	s.writeFrame(statusFD, wire.EncodeFileInfo(wire.StatusOK, wire.FileInfo{
		Size:  xferLen,
		Atime: info.Atime,
		Mtime: info.Mtime,
		Ctime: info.Ctime,
		TxnID: txnid,
	}))
}

func (s *Server) handleReadOrSend(cmd byte, body []byte, fds []int, pid int32) {
	var statusFD, destFD int
	switch cmd {
	case wire.CmdRead:
		if len(fds) != 1 {
			closeAll(fds)
			return
		}
		statusFD, destFD = fds[0], fds[0]
	case wire.CmdSend:
		if len(fds) != 2 {
			closeAll(fds)
			return
		}
		statusFD, destFD = fds[0], fds[1]
	}

	req, err := wire.DecodeOpenRequest(body)
	if err != nil {
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(errInvalid))
		closeAll(fds)
		return
	}

	fileFD, info, err := fileio.OpenForRead(req.Filename, req.Offset, req.Len)
	if err != nil {
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(err))
		closeAll(fds)
		return
	}

	xferLen, err := computeXferLen(info.Size, req.Offset, req.Len)
	if err != nil {
		unix.Close(fileFD)
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(err))
		closeAll(fds)
		return
	}

	mover, err := fileio.NewMover(s.cfg.PipeCapacity)
	if err != nil {
		unix.Close(fileFD)
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(err))
		closeAll(fds)
		return
	}

	txnid := s.allocTxnid()

	command := CmdRead
	if cmd == wire.CmdSend {
		command = CmdSend
	}

	t := &Transfer{
		Txnid:          txnid,
		Command:        command,
		FileFD:         fileFD,
		FileSizeOnDisk: xferLen,
		BlockSize:      blockSizeOrDefault(info.BlockSize),
		BytesRemaining: xferLen,
		StatusFD:       statusFD,
		DestFD:         destFD,
		ClientPID:      pid,
		Mover:          mover,
		CreatedAt:      s.clock.Now(),
	}
	_, t.traceReport = reqtrace.StartSpan(context.Background(), fmt.Sprintf("pid %d: %s txn %d", pid, command, txnid))

	if !s.transfers.Insert(t) {
		mover.Close()
		unix.Close(fileFD)
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(errTooManyOpenFiles))
		closeAll(fds)
		if t.traceReport != nil {
			t.traceReport(errTooManyOpenFiles)
		}
		return
	}

	if err := s.poller.Register(t, syspoll.Write); err != nil {
		s.replyErrorOnFD(statusFD, wire.RspFileInfo, statusByte(err))
		s.teardownTransfer(t, err)
		return
	}

	s.writeFrame(statusFD, wire.EncodeFileInfo(wire.StatusOK, wire.FileInfo{
		Size:  xferLen,
		Atime: info.Atime,
		Mtime: info.Mtime,
		Ctime: info.Ctime,
		TxnID: txnid,
	}))
}

func (s *Server) handleSendOpen(body []byte, fds []int, pid int32) {
	if len(fds) != 1 {
		closeAll(fds)
		return
	}
	destFD := fds[0]

	req, err := wire.DecodeTxnRequest(body)
	if err != nil {
		unix.Close(destFD)
		return
	}

	t := s.transfers.Find(req.TxnID)
	if t == nil {
		unix.Close(destFD) // open-file timer already expired this txnid
		return
	}

	if !samePID(t.ClientPID, pid) {
		s.log.WithFields(map[string]interface{}{
			"txnid": req.TxnID, "owner_pid": t.ClientPID, "request_pid": pid,
		}).Error("SEND_OPEN from a pid that does not own this transfer")
		unix.Close(destFD)
		return
	}

	if t.DeferState == DeferCancel {
		unix.Close(destFD)
		return
	}

	mover, err := fileio.NewMover(s.cfg.PipeCapacity)
	if err != nil {
		s.log.WithError(err).Error("failed to construct mover for promoted transfer")
		unix.Close(destFD)
		return
	}

	t.Command = CmdSend
	t.DestFD = destFD
	t.Mover = mover

	if err := s.poller.Register(t, syspoll.Write); err != nil {
		s.log.WithError(err).Error("failed to register promoted transfer destination")
		mover.Close()
		t.Mover = nil
		t.DestFD = -1
		t.Command = CmdOpened
		unix.Close(destFD)
		return
	}

	if ot := s.timers.Find(t.Txnid); ot != nil && ot.xfer == t {
		s.poller.CancelTimer(ot)
		s.timers.Erase(t.Txnid)
	}
}

func (s *Server) handleCancel(body []byte, pid int32) {
	req, err := wire.DecodeTxnRequest(body)
	if err != nil {
		return
	}

	t := s.transfers.Find(req.TxnID)
	if t == nil {
		return
	}

	if !samePID(t.ClientPID, pid) {
		s.log.WithFields(map[string]interface{}{
			"txnid": req.TxnID, "owner_pid": t.ClientPID, "request_pid": pid,
		}).Error("CANCEL from a pid that does not own this transfer")
		return
	}

	s.deferTransfer(t, DeferCancel)
}

// samePID reports whether the owning and requesting pids match closely
// enough to authorize an operation: an unknown pid on either side (a
// platform without peer-pid delivery) cannot be verified, and the design
// accepts the request rather than rejecting it.
func samePID(owner, requester int32) bool {
	if owner == peer.UnknownPID || requester == peer.UnknownPID {
		return true
	}
	return owner == requester
}
