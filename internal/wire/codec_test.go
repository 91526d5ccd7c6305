package wire_test

import (
	"strings"
	"testing"

	"github.com/sendfiled/sendfiled/internal/wire"

	. "github.com/jacobsa/ogletest"
)

func TestWire(t *testing.T) { RunTests(t) }

type WireTest struct {
}

func init() { RegisterTestSuite(&WireTest{}) }

func (t *WireTest) OpenRequestRoundTrip() {
	for _, n := range []int{1, 2, 255, 511, 512} {
		name := strings.Repeat("a", n)
		req := wire.OpenRequest{Offset: -17, Len: 4096, Filename: name}

		body, err := wire.EncodeOpenRequest(req)
		AssertEq(nil, err)

		got, err := wire.DecodeOpenRequest(body)
		AssertEq(nil, err)
		ExpectEq(req.Offset, got.Offset)
		ExpectEq(req.Len, got.Len)
		ExpectEq(req.Filename, got.Filename)
	}
}

func (t *WireTest) OpenRequestFilenameTooLong() {
	req := wire.OpenRequest{Filename: strings.Repeat("a", 513)}

	_, err := wire.EncodeOpenRequest(req)
	ExpectEq(wire.ErrNameTooLong, err)

	// A peer that ignores EncodeOpenRequest's check and builds the body by
	// hand must still be rejected on decode.
	body := make([]byte, 16+514)
	copy(body[16:], strings.Repeat("a", 513))
	_, err = wire.DecodeOpenRequest(body)
	ExpectEq(wire.ErrNameTooLong, err)
}

func (t *WireTest) OpenRequestFilenameExactly512Succeeds() {
	body := make([]byte, 16+513)
	copy(body[16:], strings.Repeat("a", 512))

	got, err := wire.DecodeOpenRequest(body)
	AssertEq(nil, err)
	ExpectEq(512, len(got.Filename))
}

func (t *WireTest) OpenRequestNotNULTerminated() {
	body := make([]byte, 16+4)
	copy(body[16:], "abcd")

	_, err := wire.DecodeOpenRequest(body)
	ExpectEq(wire.ErrNameNotNUL, err)
}

func (t *WireTest) OpenRequestTooShort() {
	_, err := wire.DecodeOpenRequest(make([]byte, 4))
	ExpectEq(wire.ErrFrameTooShort, err)
}

func (t *WireTest) TxnRequestRoundTrip() {
	req := wire.TxnRequest{TxnID: 0xdeadbeef}
	got, err := wire.DecodeTxnRequest(wire.EncodeTxnRequest(req))
	AssertEq(nil, err)
	ExpectEq(req.TxnID, got.TxnID)
}

func (t *WireTest) FileInfoRoundTrip() {
	info := wire.FileInfo{Size: 10, Atime: 1, Mtime: 2, Ctime: 3, TxnID: 42}
	frame := wire.EncodeFileInfo(wire.StatusOK, info)

	h, err := wire.DecodeHeader(frame)
	AssertEq(nil, err)
	ExpectEq(wire.RspFileInfo, h.Command)
	ExpectEq(wire.StatusOK, h.Status)

	got, err := wire.DecodeFileInfo(frame[wire.HeaderSize:])
	AssertEq(nil, err)
	ExpectEq(info, got)
}

func (t *WireTest) XferStatCompleteSentinel() {
	frame := wire.EncodeXferStat(wire.XferComplete)
	size, err := wire.DecodeXferStat(frame[wire.HeaderSize:])
	AssertEq(nil, err)
	ExpectEq(wire.XferComplete, size)
}

func (t *WireTest) ErrorOnlyFrameHasNoBody() {
	frame := wire.EncodeErrorOnly(wire.RspXferStat, 5)
	ExpectEq(wire.HeaderSize, len(frame))

	h, err := wire.DecodeHeader(frame)
	AssertEq(nil, err)
	ExpectEq(byte(5), h.Status)
	ExpectEq(uint64(0), h.BodyLength)
}

func (t *WireTest) ValidateRequestCommandRejectsNonOKStatus() {
	err := wire.ValidateRequestCommand(wire.Header{Command: wire.CmdRead, Status: 1})
	ExpectEq(wire.ErrBadStatus, err)
}

func (t *WireTest) ValidateRequestCommandRejectsResponseCodes() {
	err := wire.ValidateRequestCommand(wire.Header{Command: wire.RspFileInfo, Status: 0})
	ExpectEq(wire.ErrUnknownCommand, err)
}

func (t *WireTest) ValidateRequestCommandRejectsUnknownCommand() {
	err := wire.ValidateRequestCommand(wire.Header{Command: 0x7f, Status: 0})
	ExpectEq(wire.ErrUnknownCommand, err)
}

func (t *WireTest) ValidateRequestCommandAcceptsAllFiveRequests() {
	for _, cmd := range []byte{wire.CmdRead, wire.CmdSend, wire.CmdFileOpen, wire.CmdSendOpen, wire.CmdCancel} {
		ExpectEq(nil, wire.ValidateRequestCommand(wire.Header{Command: cmd, Status: 0}))
	}
}

func (t *WireTest) HeaderTooShort() {
	_, err := wire.DecodeHeader(make([]byte, 3))
	ExpectEq(wire.ErrFrameTooShort, err)
}
