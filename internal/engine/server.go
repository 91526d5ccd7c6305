package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/sendfiled/sendfiled/internal/peer"
	"github.com/sendfiled/sendfiled/internal/syspoll"
	"github.com/sendfiled/sendfiled/internal/xfertable"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"
)

// Server is the transfer engine: everything in SPEC_FULL's C6 component,
// owned by a single goroutine running Run.
type Server struct {
	cfg   Config
	log   *logrus.Logger
	clock timeutil.Clock

	poller  syspoll.Poller
	reqConn *peer.Conn

	transfers *xfertable.Table[Transfer]
	timers    *xfertable.Table[openTimer]
	deferred  []*Transfer

	pendingResponses []*pendingResponse

	nextTxnid uint64

	// Result of Run, not valid until done is closed. Guarded so that a
	// concurrent Stats() call from outside the loop goroutine never races
	// with loop-owned state; the invariant check run on each lock/unlock
	// only verifies that liveAtExit is not negative.
	mu         syncutil.InvariantMutex
	done       chan struct{}
	doneStatus error // GUARDED_BY(mu)
	liveAtExit int   // GUARDED_BY(mu)
}

// New constructs a Server. The caller must call Run to actually serve
// requests.
func New(cfg Config, log *logrus.Logger) (*Server, error) {
	poller, err := syspoll.New(cfg.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("engine: poller init: %w", err)
	}

	reqConn, err := peer.Listen(cfg.SocketPath, cfg.UID, cfg.GID)
	if err != nil {
		poller.Close()
		return nil, fmt.Errorf("engine: bind request socket: %w", err)
	}

	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		clock:     timeutil.RealClock(),
		poller:    poller,
		reqConn:   reqConn,
		transfers: xfertable.New[Transfer](cfg.MaxFiles),
		timers:    xfertable.New[openTimer](cfg.MaxFiles),
		deferred:  make([]*Transfer, 0, cfg.MaxFiles),
		nextTxnid: 1,
		done:      make(chan struct{}),
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)

	if err := poller.Register(reqSocketResource{reqConn}, syspoll.Read); err != nil {
		reqConn.Close()
		poller.Close()
		return nil, fmt.Errorf("engine: register request socket: %w", err)
	}

	return s, nil
}

// reqSocketResource tags the bound request socket as a poller resource
// distinct from transfers/timers/pending-responses; it is never looked up
// by kind, only used to recognize "the request socket fired".
type reqSocketResource struct{ conn *peer.Conn }

func (r reqSocketResource) Kind() syspoll.Kind { return syspoll.KindTransfer }
func (r reqSocketResource) FD() int            { return r.conn.FD() }

// checkInvariants is wired into mu via syncutil.NewInvariantMutex.
//
// GUARDED_BY(mu): doneStatus, liveAtExit.
func (s *Server) checkInvariants() {
	if s.liveAtExit < 0 {
		panic("engine: negative live-transfer count recorded at exit")
	}
}

// Stats is a point-in-time snapshot safe to call from a goroutine other
// than the one running Run, once Run has returned.
type Stats struct {
	LiveTransfersAtExit int
	ExitErr             error
}

// Wait blocks until Run returns, or ctx is done first.
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.doneStatus
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports the final snapshot recorded when Run returned. Calling it
// before Run has returned blocks until it does.
func (s *Server) Stats() Stats {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{LiveTransfersAtExit: s.liveAtExit, ExitErr: s.doneStatus}
}

// unlinkSocket removes the bound request-socket file. Errors are logged,
// not propagated: teardown must proceed even if the file was already
// removed out from under the daemon.
func (s *Server) unlinkSocket() {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).Warn("failed to unlink request socket")
	}
}
