// Package daemonctx is the narrow seam between the transfer engine's
// startup sequence and the surrounding process environment: syncing with a
// spawning parent over a pipe, resolving a configured user/group, dropping
// privileges, and chrooting. Actually forking into the background,
// switching uid/gid, and calling chroot(2) are outside this daemon's
// scope (the core consumes these interfaces; a supervisor or a future
// platform-specific build is expected to supply a real implementation).
package daemonctx

import (
	"encoding/binary"
	"errors"
	"os"
)

// ErrNotImplemented is returned by the default Identity/Jail/Daemonizer
// implementations for any operation that would actually change process
// privileges or environment.
var ErrNotImplemented = errors.New("daemonctx: not implemented in this build")

// syncFD is the fixed descriptor slot a spawning parent dup2s its end of
// the startup-sync pipe onto before exec, mirroring original_source's
// PROC_SYNCFD convention.
const syncFD = 3

// ParentSync is the startup-contract pipe protocol (SPEC_FULL §6): a
// single 4-byte status word, written once the request socket has bound (or
// once startup has irrecoverably failed), then the descriptor is closed.
type ParentSync interface {
	// NotifyReady writes a zero status word, telling the parent the
	// daemon started successfully.
	NotifyReady() error

	// NotifyFailure writes errno as the status word, telling the parent
	// why startup failed (e.g. EADDRINUSE if an instance of the same name
	// is already running).
	NotifyFailure(errno int) error
}

type pipeSync struct{}

// NewParentSync returns the real pipe-backed ParentSync, which writes to
// the fixed syncFD descriptor slot. The caller (main) is responsible for
// only invoking it when -p was given; otherwise no fd is open at that slot
// and a write will simply fail, which callers should ignore.
func NewParentSync() ParentSync { return pipeSync{} }

func (pipeSync) NotifyReady() error { return writeStatus(0) }

func (pipeSync) NotifyFailure(errno int) error { return writeStatus(errno) }

func writeStatus(status int) error {
	f := os.NewFile(uintptr(syncFD), "daemonctx-sync")
	if f == nil {
		return errors.New("daemonctx: sync fd not open")
	}
	defer f.Close()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(status))
	_, err := f.Write(buf[:])
	return err
}

// Identity resolves a configured user/group name to numeric ids and drops
// the process to them. Actually calling setuid/setgid is outside this
// package's scope; DropPrivileges on the default implementation always
// fails with ErrNotImplemented so that a caller which truly needs privilege
// separation notices rather than silently continuing as its starting
// identity.
type Identity interface {
	Lookup(user, group string) (uid, gid int, err error)
	DropPrivileges(uid, gid int) error
}

type noopIdentity struct{}

// NewIdentity returns the seam's default Identity: Lookup resolves names
// via the standard library (a pure, side-effect-free operation this
// package is happy to own), but DropPrivileges is not implemented.
func NewIdentity() Identity { return noopIdentity{} }

func (noopIdentity) Lookup(user, group string) (int, int, error) {
	return lookupUser(user, group)
}

func (noopIdentity) DropPrivileges(uid, gid int) error { return ErrNotImplemented }

// Jail confines the daemon's filesystem view to a root directory before it
// starts serving requests. Not implemented by the default seam.
type Jail interface {
	Chroot(rootDir string) error
}

type noopJail struct{}

// NewJail returns the seam's default Jail, whose Chroot always fails with
// ErrNotImplemented.
func NewJail() Jail { return noopJail{} }

func (noopJail) Chroot(rootDir string) error { return ErrNotImplemented }

// Daemonizer detaches the process from its controlling terminal and
// continues running in the background. Not implemented by the default
// seam; callers that pass -d are expected to log and continue in the
// foreground rather than fail outright, since background/foreground
// execution changes nothing about the engine's own correctness.
type Daemonizer interface {
	Daemonize() error
}

type noopDaemonizer struct{}

// NewDaemonizer returns the seam's default Daemonizer, whose Daemonize
// always fails with ErrNotImplemented.
func NewDaemonizer() Daemonizer { return noopDaemonizer{} }

func (noopDaemonizer) Daemonize() error { return ErrNotImplemented }
