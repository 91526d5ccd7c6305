// Command sendfiled is the file I/O delegation daemon: it binds a request
// socket and serves READ/SEND/FILE_OPEN/SEND_OPEN/CANCEL requests from local
// clients until it receives a termination signal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sendfiled/sendfiled/internal/daemonctx"
	"github.com/sendfiled/sendfiled/internal/engine"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	fInstance  = flag.String("s", "", "Instance name (required).")
	fRootDir   = flag.String("r", "", "Root directory to chroot into (required).")
	fMaxFiles  = flag.Int("n", 0, "Maximum number of concurrent transfers (required).")
	fTimeoutMS = flag.Int("t", 0, "Milliseconds an OPENED transfer may sit without SEND_OPEN/CANCEL (required).")

	fSockDir  = flag.String("S", "/var/run/sendfiled", "Directory the request socket is bound under.")
	fUser     = flag.String("u", "", "Unprivileged user to drop to after binding.")
	fGroup    = flag.String("g", "", "Unprivileged group to drop to after binding.")
	fDaemon   = flag.Bool("d", false, "Daemonize (detach from the controlling terminal).")
	fParent   = flag.Bool("p", false, "Synchronize startup with a spawning parent over the sync pipe.")
	fMaxEvent = flag.Int("max_events", 64, "Readiness events fetched per poller wait call.")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(log); err != nil {
		log.WithError(err).Error("sendfiled exiting")
		os.Exit(1)
	}
}

func run(log *logrus.Logger) error {
	if *fInstance == "" || *fRootDir == "" || *fMaxFiles <= 0 || *fTimeoutMS <= 0 {
		flag.Usage()
		return fmt.Errorf("missing one of required flags -s -r -n -t")
	}

	sync := daemonctx.NewParentSync()

	if *fDaemon {
		if err := daemonctx.NewDaemonizer().Daemonize(); err != nil {
			log.WithError(err).Warn("daemonize not available in this build, continuing in the foreground")
		}
	}

	uid, gid := os.Getuid(), os.Getgid()
	if *fUser != "" || *fGroup != "" {
		var err error
		uid, gid, err = daemonctx.NewIdentity().Lookup(*fUser, *fGroup)
		if err != nil {
			if *fParent {
				notifyFailure(sync, int(unix.EINVAL))
			}
			return fmt.Errorf("resolving -u/-g: %w", err)
		}
		if uid == -1 {
			uid = os.Getuid()
		}
		if gid == -1 {
			gid = os.Getgid()
		}
	}

	if *fRootDir != "/" {
		if err := daemonctx.NewJail().Chroot(*fRootDir); err != nil {
			log.WithError(err).Warn("chroot not available in this build, serving files relative to the real root")
		}
	}

	if *fUser != "" || *fGroup != "" {
		if err := daemonctx.NewIdentity().DropPrivileges(uid, gid); err != nil {
			log.WithError(err).Warn("privilege drop not available in this build, continuing as the starting identity")
		}
	}

	sockPath := filepath.Join(*fSockDir, fmt.Sprintf("sendfiled.%s.socket", *fInstance))

	cfg := engine.Config{
		SocketPath:      sockPath,
		UID:             uid,
		GID:             gid,
		MaxFiles:        *fMaxFiles,
		OpenFDTimeoutMS: *fTimeoutMS,
		PipeCapacity:    1 << 16,
		MaxEvents:       *fMaxEvent,
	}

	srv, err := engine.New(cfg, log)
	if err != nil {
		if *fParent {
			notifyFailure(sync, errnoOf(err))
		}
		return fmt.Errorf("starting engine: %w", err)
	}

	if *fParent {
		if err := sync.NotifyReady(); err != nil {
			log.WithError(err).Warn("failed to notify parent of successful startup")
		}
	}

	log.WithFields(logrus.Fields{
		"instance": *fInstance,
		"socket":   sockPath,
	}).Info("sendfiled listening")

	go srv.Run()

	if err := srv.Wait(context.Background()); err != nil {
		return fmt.Errorf("engine run loop: %w", err)
	}

	return srv.Stats().ExitErr
}

func notifyFailure(sync daemonctx.ParentSync, errno int) {
	if err := sync.NotifyFailure(errno); err != nil {
		// No parent listening (or -p not given); nothing to do.
		_ = err
	}
}

func errnoOf(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(unix.EIO)
}
