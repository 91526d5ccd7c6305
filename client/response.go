package client

import (
	"golang.org/x/sys/unix"

	"github.com/sendfiled/sendfiled/internal/wire"
)

// ReadFileInfo reads exactly one FILE_INFO frame off fd. If the frame
// carries an error status (no body), the returned error wraps that errno
// and info is the zero value.
func ReadFileInfo(fd int) (wire.FileInfo, error) {
	header, body, err := readFrame(fd)
	if err != nil {
		return wire.FileInfo{}, err
	}
	if header.Status != wire.StatusOK {
		return wire.FileInfo{}, unix.Errno(header.Status)
	}
	return wire.DecodeFileInfo(body)
}

// ReadXferStat reads exactly one XFER_STAT frame off fd, returning the
// carried size (wire.XferComplete for "done") or, if the frame is an
// error-only terminal notification, an error wrapping that errno.
func ReadXferStat(fd int) (uint64, error) {
	header, body, err := readFrame(fd)
	if err != nil {
		return 0, err
	}
	if header.Status != wire.StatusOK {
		return 0, unix.Errno(header.Status)
	}
	return wire.DecodeXferStat(body)
}

// readFrame reads exactly one header, then its declared body, off fd.
func readFrame(fd int) (wire.Header, []byte, error) {
	hdr := make([]byte, wire.HeaderSize)
	if err := readFull(fd, hdr); err != nil {
		return wire.Header{}, nil, err
	}

	h, err := wire.DecodeHeader(hdr)
	if err != nil {
		return wire.Header{}, nil, err
	}

	if h.BodyLength == 0 {
		return h, nil, nil
	}

	body := make([]byte, h.BodyLength)
	if err := readFull(fd, body); err != nil {
		return wire.Header{}, nil, err
	}
	return h, body, nil
}

func readFull(fd int, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := unix.Read(fd, buf[read:])
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.ECONNRESET
		}
		read += n
	}
	return nil
}
