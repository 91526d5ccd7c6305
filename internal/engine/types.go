// Package engine is the transfer engine and event loop: the state
// machine driving each in-flight transfer through many short I/O bursts,
// the primary/secondary pass split, per-open-file timers, and reliable
// terminal-response delivery.
package engine

import (
	"time"

	"github.com/sendfiled/sendfiled/internal/fileio"
	"github.com/sendfiled/sendfiled/internal/syspoll"
)

// Command is the kind of operation a Transfer represents.
type Command int

const (
	CmdRead Command = iota
	CmdSend
	CmdOpened
)

func (c Command) String() string {
	switch c {
	case CmdRead:
		return "READ"
	case CmdSend:
		return "SEND"
	case CmdOpened:
		return "OPENED"
	default:
		return "?"
	}
}

// DeferState is whether, and why, a transfer is on the deferred list.
type DeferState int

const (
	DeferNone DeferState = iota
	DeferCancel
	DeferReady
)

func (s DeferState) String() string {
	switch s {
	case DeferNone:
		return "NONE"
	case DeferCancel:
		return "CANCEL"
	case DeferReady:
		return "READY"
	default:
		return "?"
	}
}

// Transfer is a live streaming operation. It implements both
// xfertable.Elem (keyed by TxnID) and syspoll.Resource (registered for
// writability on DestFD).
type Transfer struct {
	Txnid          uint64
	Command        Command
	FileFD         int
	FileSizeOnDisk uint64
	BlockSize      int
	BytesRemaining uint64
	StatusFD       int
	DestFD         int // -1 until SEND_OPEN promotes an OPENED transfer
	ClientPID      int32
	DeferState     DeferState
	Mover          fileio.Mover // nil for OPENED transfers with no dest yet
	CreatedAt      time.Time
	traceReport    func(error)
}

func (t *Transfer) TxnID() uint64      { return t.Txnid }
func (t *Transfer) Kind() syspoll.Kind { return syspoll.KindTransfer }
func (t *Transfer) FD() int            { return t.DestFD }

// hasDistinctStatusChannel reports whether StatusFD and DestFD differ,
// i.e. this is a SEND/SEND_OPEN transfer rather than a READ.
func (t *Transfer) hasDistinctStatusChannel() bool {
	return t.StatusFD != t.DestFD
}

// openTimer is the "pending open file" record: a one-shot timer plus a
// back-pointer to the OPENED transfer it belongs to, used to detect
// txnid aliasing across wraparound (a stale timer firing after its
// txnid was reused by a new transfer).
type openTimer struct {
	txnid uint64
	xfer  *Transfer
}

func (o *openTimer) TxnID() uint64      { return o.txnid }
func (o *openTimer) Kind() syspoll.Kind { return syspoll.KindTimer }
func (o *openTimer) FD() int            { return -1 }

// pendingResponse is a terminal status frame whose first write attempt
// failed with a transient error: a duplicate of the status fd, kept
// alive independent of the (already torn-down) transfer, retried on
// every subsequent writability event until it succeeds or fails fatally.
type pendingResponse struct {
	fd  int
	pdu []byte
}

func (p *pendingResponse) Kind() syspoll.Kind { return syspoll.KindPendingResponse }
func (p *pendingResponse) FD() int            { return p.fd }
