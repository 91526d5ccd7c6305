//go:build !linux

package fileio

import (
	"os"

	fallocate "github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"
)

// ringMover is the userspace fallback for platforms without splice(2):
// read src into a ring buffer, then write whatever's buffered to dst. The
// buffer is backed by an anonymous, unlinked, fallocate-preallocated file
// mmap'd into this process, rather than a plain Go byte slice, so a large
// Config.PipeCapacity doesn't pressure the garbage collector
// with a long-lived multi-megabyte allocation.
type ringMover struct {
	file *os.File
	mem  []byte
	rp   int
	wp   int
}

// NewMover constructs the userspace ring-buffer Mover with the given
// capacity in bytes.
func NewMover(capacityHint int) (Mover, error) {
	f, err := os.CreateTemp("", "sendfiled-ring-*")
	if err != nil {
		return nil, err
	}
	os.Remove(f.Name())

	if err := fallocate.Fallocate(f, 0, int64(capacityHint)); err != nil {
		f.Close()
		return nil, err
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, capacityHint, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &ringMover{file: f, mem: mem}, nil
}

func (r *ringMover) Move(dst, src int, nbytes int) (int, error) {
	if unwritten := len(r.mem) - r.wp; unwritten > 0 {
		n := nbytes
		if n > unwritten {
			n = unwritten
		}
		nread, err := unix.Read(src, r.mem[r.wp:r.wp+n])
		if err != nil || nread == 0 {
			return nread, err
		}
		r.wp += nread
	}

	if r.rp < r.wp {
		nwritten, err := unix.Write(dst, r.mem[r.rp:r.wp])
		if nwritten > 0 {
			r.rp += nwritten
			if r.rp == r.wp {
				r.rp, r.wp = 0, 0
			}
		}
		return nwritten, err
	}

	return 0, nil
}

func (r *ringMover) Close() error {
	unix.Munmap(r.mem)
	return r.file.Close()
}
