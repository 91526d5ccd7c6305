package engine

import (
	"errors"

	"github.com/sendfiled/sendfiled/internal/fileio"
	"golang.org/x/sys/unix"
)

// Synthetic request-level errors that don't originate from a syscall but
// still need a status byte in a reply frame.
var (
	errInvalid          = errors.New("engine: invalid request")
	errAccessDenied     = errors.New("engine: access denied")
	errTooManyOpenFiles = errors.New("engine: transfer table full")
	errOutOfRange       = errors.New("engine: offset+len exceeds file size")
	errTimedOut         = errors.New("engine: open-file timer expired")
)

// statusByte maps err onto the single-byte status code carried in a
// reply frame: the OS errno when there is one, else the errno that best
// approximates a synthetic error.
func statusByte(err error) byte {
	var errno unix.Errno
	if errors.As(err, &errno) {
		if uint64(errno) <= 255 {
			return byte(errno)
		}
		return byte(unix.EIO)
	}

	switch {
	case errors.Is(err, errInvalid), errors.Is(err, fileio.ErrNotRegular):
		return byte(unix.EINVAL)
	case errors.Is(err, errAccessDenied):
		return byte(unix.EACCES)
	case errors.Is(err, errTooManyOpenFiles):
		return byte(unix.EMFILE)
	case errors.Is(err, errOutOfRange):
		return byte(unix.ERANGE)
	case errors.Is(err, errTimedOut):
		return byte(unix.ETIMEDOUT)
	default:
		return byte(unix.EIO)
	}
}
