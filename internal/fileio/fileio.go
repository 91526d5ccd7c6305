// Package fileio opens a file for a read-oriented transfer and moves its
// bytes into a destination descriptor, preferring a zero-copy kernel
// primitive where the platform offers one.
package fileio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Stat is the subset of file metadata a FILE_INFO response reports, plus
// the filesystem's optimal I/O block size.
type Stat struct {
	Size      uint64
	Atime     int64
	Mtime     int64
	Ctime     int64
	BlockSize int
}

// ErrNotRegular is returned when the named path is neither a regular file
// nor a symlink to one.
var ErrNotRegular = errors.New("fileio: not a regular file")

// OpenForRead opens name read-only, verifies it is a regular file (or a
// symlink resolving to one), read-locks the byte range [offset, offset+len)
// (len == 0 meaning "to current end of file"), and seeks to offset. On any
// failure the descriptor is closed before returning, preserving the
// triggering error.
func OpenForRead(name string, offset int64, length uint64) (fd int, info Stat, err error) {
	fd, err = unix.Open(name, unix.O_RDONLY, 0)
	if err != nil {
		return -1, Stat{}, err
	}

	info, err = statRegular(fd)
	if err != nil {
		unix.Close(fd)
		return -1, Stat{}, err
	}

	if err := lockRead(fd, offset, int64(length)); err != nil {
		unix.Close(fd)
		return -1, Stat{}, err
	}

	if offset > 0 {
		if _, err := unix.Seek(fd, offset, unix.SEEK_SET); err != nil {
			unix.Close(fd)
			return -1, Stat{}, err
		}
	}

	return fd, info, nil
}

func statRegular(fd int) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Stat{}, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG && st.Mode&unix.S_IFMT != unix.S_IFLNK {
		return Stat{}, ErrNotRegular
	}
	return Stat{
		Size:      uint64(st.Size),
		Atime:     int64(st.Atim.Sec),
		Mtime:     int64(st.Mtim.Sec),
		Ctime:     int64(st.Ctim.Sec),
		BlockSize: int(st.Blksize),
	}, nil
}

func lockRead(fd int, offset, length int64) error {
	lock := unix.Flock_t{
		Type:   unix.F_RDLCK,
		Whence: int16(unix.SEEK_SET),
		Start:  offset,
		Len:    length,
	}
	return unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &lock)
}

// CurrentOffset reports fd's current file position (starting at the
// offset OpenForRead seeked to and advancing as bytes are read from fd).
func CurrentOffset(fd int) (int64, error) {
	return unix.Seek(fd, 0, unix.SEEK_CUR)
}

// transientErrno is the set of errno values the engine retries rather than
// treating as fatal: temporary resource exhaustion that a later poll
// iteration may resolve on its own.
var transientErrno = map[unix.Errno]bool{
	unix.EWOULDBLOCK: true,
	unix.ENFILE:      true,
	unix.EMFILE:      true,
	unix.ENOBUFS:     true,
	unix.ENOLCK:      true,
	unix.ENOSPC:      true,
}

// IsTransient reports whether err represents transient resource pressure
// rather than a fatal transfer error.
func IsTransient(err error) bool {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return transientErrno[errno]
	}
	return false
}

// Mover moves up to nbytes from src to dst, using the best primitive the
// platform/destination combination allows. It returns the number of bytes
// written to dst (which may be less than nbytes, or zero at end of file),
// or an error; a destination that would block is reported as an EAGAIN
// error, which IsTransient classifies as transient.
type Mover interface {
	Move(dst, src int, nbytes int) (int, error)
	Close() error
}

// destinationKind distinguishes the zero-copy primitives available for a
// given destination descriptor: splice(2) needs one end to be a pipe,
// sendfile(2) works into a socket or a plain file.
type destinationKind int

const (
	destPipe destinationKind = iota
	destOther
)

func kindOf(fd int) destinationKind {
	var st unix.Stat_t
	if unix.Fstat(fd, &st) != nil {
		return destOther
	}
	if st.Mode&unix.S_IFMT == unix.S_IFIFO {
		return destPipe
	}
	return destOther
}
