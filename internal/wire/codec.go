// Package wire implements the request/response frame codec used on the
// daemon's request socket and status channel.
//
// Layout shared by every frame:
//
//	byte 0    command code (bit 7 clear = request, set = response)
//	byte 1    status code (0 = OK, else an errno mapped into 0..255)
//	byte 2..9 body length, little-endian uint64
//	byte 10.. body
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size in bytes of the frame header shared by every
// request and response.
const HeaderSize = 10

// MaxFilenameLen is the maximum filename length, excluding the trailing
// NUL, accepted in a READ/SEND/FILE_OPEN body.
const MaxFilenameLen = 512

// Request command codes. Bit 7 is clear.
const (
	CmdRead     byte = 0x01
	CmdSend     byte = 0x02
	CmdFileOpen byte = 0x03
	CmdSendOpen byte = 0x04
	CmdCancel   byte = 0x05
)

// Response command codes. Bit 7 is set.
const (
	RspFileInfo byte = 0x81
	RspXferStat byte = 0x82
)

// StatusOK is the status byte value meaning "no error".
const StatusOK byte = 0

// Sentinel errors returned by the decoders. Callers map all of these onto
// a single "request malformed" status in their error reply.
var (
	ErrFrameTooShort  = errors.New("wire: frame shorter than header+min body")
	ErrNameTooLong    = errors.New("wire: filename exceeds maximum length")
	ErrNameNotNUL     = errors.New("wire: filename field is not NUL-terminated")
	ErrBadStatus      = errors.New("wire: request frame carries non-OK status")
	ErrUnknownCommand = errors.New("wire: command code is not a known request")
)

// Header is the 10-byte prefix shared by every frame.
type Header struct {
	Command    byte
	Status     byte
	BodyLength uint64
}

// IsResponse reports whether cmd has the response bit (bit 7) set.
func IsResponse(cmd byte) bool { return cmd&0x80 != 0 }

// DecodeHeader parses the leading HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrFrameTooShort
	}
	return Header{
		Command:    buf[0],
		Status:     buf[1],
		BodyLength: binary.LittleEndian.Uint64(buf[2:10]),
	}, nil
}

// PutHeader writes h into the first HeaderSize bytes of buf, which must be
// at least that long.
func PutHeader(buf []byte, h Header) {
	buf[0] = h.Command
	buf[1] = h.Status
	binary.LittleEndian.PutUint64(buf[2:10], h.BodyLength)
}

// OpenRequest is the shared body of READ, SEND, and FILE_OPEN: a signed
// byte offset, an unsigned length (0 means "to end of file"), and a
// filename.
type OpenRequest struct {
	Offset   int64
	Len      uint64
	Filename string
}

// minOpenBody is offset(8) + len(8) + at least one byte (the NUL).
const minOpenBody = 8 + 8 + 1

// DecodeOpenRequest decodes the body (everything after the header) of a
// READ/SEND/FILE_OPEN request.
func DecodeOpenRequest(body []byte) (OpenRequest, error) {
	if len(body) < minOpenBody {
		return OpenRequest{}, ErrFrameTooShort
	}

	offset := int64(binary.LittleEndian.Uint64(body[0:8]))
	length := binary.LittleEndian.Uint64(body[8:16])
	rest := body[16:]

	nul := indexNUL(rest)
	if nul < 0 {
		return OpenRequest{}, ErrNameNotNUL
	}
	if nul > MaxFilenameLen {
		return OpenRequest{}, ErrNameTooLong
	}

	return OpenRequest{
		Offset:   offset,
		Len:      length,
		Filename: string(rest[:nul]),
	}, nil
}

// EncodeOpenRequest serializes an OpenRequest body (without the frame
// header).
func EncodeOpenRequest(r OpenRequest) ([]byte, error) {
	if len(r.Filename) > MaxFilenameLen {
		return nil, ErrNameTooLong
	}

	body := make([]byte, 16+len(r.Filename)+1)
	binary.LittleEndian.PutUint64(body[0:8], uint64(r.Offset))
	binary.LittleEndian.PutUint64(body[8:16], r.Len)
	copy(body[16:], r.Filename)
	// Trailing byte is already the zero value, i.e. NUL.

	return body, nil
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// TxnRequest is the body shared by SEND_OPEN and CANCEL: a bare txnid.
type TxnRequest struct {
	TxnID uint64
}

// DecodeTxnRequest decodes an 8-byte txnid body.
func DecodeTxnRequest(body []byte) (TxnRequest, error) {
	if len(body) < 8 {
		return TxnRequest{}, ErrFrameTooShort
	}
	return TxnRequest{TxnID: binary.LittleEndian.Uint64(body[0:8])}, nil
}

// EncodeTxnRequest serializes a TxnRequest body.
func EncodeTxnRequest(r TxnRequest) []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, r.TxnID)
	return body
}

// FileInfo is the FILE_INFO response body: file metadata plus the
// server-assigned transaction ID.
type FileInfo struct {
	Size  uint64
	Atime int64
	Mtime int64
	Ctime int64
	TxnID uint64
}

const fileInfoBodyLen = 8 * 5

// EncodeFileInfo serializes a FILE_INFO frame (header + body).
func EncodeFileInfo(status byte, info FileInfo) []byte {
	frame := make([]byte, HeaderSize+fileInfoBodyLen)
	PutHeader(frame, Header{Command: RspFileInfo, Status: status, BodyLength: fileInfoBodyLen})
	body := frame[HeaderSize:]
	binary.LittleEndian.PutUint64(body[0:8], info.Size)
	binary.LittleEndian.PutUint64(body[8:16], uint64(info.Atime))
	binary.LittleEndian.PutUint64(body[16:24], uint64(info.Mtime))
	binary.LittleEndian.PutUint64(body[24:32], uint64(info.Ctime))
	binary.LittleEndian.PutUint64(body[32:40], info.TxnID)
	return frame
}

// DecodeFileInfo decodes a FILE_INFO frame body (client-side use).
func DecodeFileInfo(body []byte) (FileInfo, error) {
	if len(body) < fileInfoBodyLen {
		return FileInfo{}, ErrFrameTooShort
	}
	return FileInfo{
		Size:  binary.LittleEndian.Uint64(body[0:8]),
		Atime: int64(binary.LittleEndian.Uint64(body[8:16])),
		Mtime: int64(binary.LittleEndian.Uint64(body[16:24])),
		Ctime: int64(binary.LittleEndian.Uint64(body[24:32])),
		TxnID: binary.LittleEndian.Uint64(body[32:40]),
	}, nil
}

// XferComplete is the sentinel XFER_STAT.Size value meaning "transfer
// complete".
const XferComplete = ^uint64(0)

// EncodeXferStat serializes an XFER_STAT frame. Pass XferComplete for a
// terminal "done" notification, any other value for a progress delta, or
// call EncodeErrorOnly for an error-only terminal frame.
func EncodeXferStat(size uint64) []byte {
	frame := make([]byte, HeaderSize+8)
	PutHeader(frame, Header{Command: RspXferStat, Status: StatusOK, BodyLength: 8})
	binary.LittleEndian.PutUint64(frame[HeaderSize:], size)
	return frame
}

// DecodeXferStat decodes an XFER_STAT frame body.
func DecodeXferStat(body []byte) (uint64, error) {
	if len(body) < 8 {
		return 0, ErrFrameTooShort
	}
	return binary.LittleEndian.Uint64(body[0:8]), nil
}

// EncodeErrorOnly builds a bare header-only frame (no body) carrying cmd
// and an errno-derived status. Used for FILE_INFO/XFER_STAT replies that
// carry only an error, and for the malformed-request path where only a
// header is required.
func EncodeErrorOnly(cmd byte, status byte) []byte {
	frame := make([]byte, HeaderSize)
	PutHeader(frame, Header{Command: cmd, Status: status, BodyLength: 0})
	return frame
}

// ValidateRequestCommand rejects status != OK in a request frame and
// command codes outside the enumerated request set.
func ValidateRequestCommand(h Header) error {
	if h.Status != StatusOK {
		return ErrBadStatus
	}
	if IsResponse(h.Command) {
		return ErrUnknownCommand
	}
	switch h.Command {
	case CmdRead, CmdSend, CmdFileOpen, CmdSendOpen, CmdCancel:
		return nil
	default:
		return ErrUnknownCommand
	}
}

// String renders a header for logging.
func (h Header) String() string {
	return fmt.Sprintf("cmd=0x%02x status=%d bodyLen=%d", h.Command, h.Status, h.BodyLength)
}
