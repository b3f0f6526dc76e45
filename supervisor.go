package devsession

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// exitInfo carries a helper process's exit outcome to whoever is watching
// (spec §7 UnexpectedExit).
type exitInfo struct {
	err error
}

// supervisor is the Child Supervisor (C1): it owns spawning, killing and
// respawning the helper, and is the only thing that touches the child's
// stdio handles directly. Everything else reaches stdin/stdout through the
// accessors below. One errgroup per spawned child groups its
// stderr-drainer and exit-waiter goroutines, following the retrieval
// pack's pairing of os/exec with a coordinated goroutine group (spec §11
// domain stack).
type supervisor struct {
	cfg    *Config
	logger *logrus.Entry

	mu        sync.Mutex
	child     *childProcess
	deviceID  string
	connected bool
	group     *errgroup.Group
	cancel    context.CancelFunc
	exitCh    chan exitInfo
}

func newSupervisor(cfg *Config, logger *logrus.Entry) *supervisor {
	return &supervisor{cfg: cfg, logger: logger}
}

// spawn starts the helper with args and wires up stderr draining and exit
// detection. Fails with ErrAlreadyConnected if a child is already live.
func (s *supervisor) spawn(ctx context.Context, deviceID string, args []string) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	child, err := spawnHelperWithArgs(ctx, s.cfg, args)
	if err != nil {
		return err
	}

	gctx, cancel := context.WithCancel(ctx)
	grp, _ := errgroup.WithContext(gctx)
	exitCh := make(chan exitInfo, 1)

	s.mu.Lock()
	s.child = child
	s.deviceID = deviceID
	s.connected = true
	s.cancel = cancel
	s.group = grp
	s.exitCh = exitCh
	s.mu.Unlock()

	if s.logger != nil {
		pid := 0
		if child.cmd.Process != nil {
			pid = child.cmd.Process.Pid
		}
		s.logger.WithFields(logrus.Fields{"device": deviceID, "pid": pid}).Info("helper spawned")
	}

	grp.Go(func() error {
		s.drainStderr(child.stderr)
		return nil
	})
	grp.Go(func() error {
		waitErr := child.cmd.Wait()
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.WithError(waitErr).Info("helper exited")
		}
		select {
		case exitCh <- exitInfo{err: waitErr}:
		default:
		}
		return nil
	})

	return nil
}

func (s *supervisor) spawnSession(ctx context.Context, deviceID string, listen bool) error {
	return s.spawn(ctx, deviceID, sessionArgs(deviceID, s.cfg.BaudRate, listen))
}

func (s *supervisor) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && s.logger != nil {
			s.logger.WithField("stream", "stderr").Debug(strings.TrimRight(string(buf[:n]), "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

// Stdin returns the active child's stdin writer, or nil if disconnected.
func (s *supervisor) Stdin() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return nil
	}
	return s.child.stdin
}

// Stdout returns the active child's stdout reader, or nil if disconnected.
func (s *supervisor) Stdout() io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return nil
	}
	return s.child.stdout
}

// ExitNotifications returns the channel that receives exactly one value
// when the current child exits.
func (s *supervisor) ExitNotifications() <-chan exitInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCh
}

func (s *supervisor) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *supervisor) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Kill forcibly terminates the active child, if any, and marks the
// supervisor disconnected.
func (s *supervisor) Kill() {
	s.mu.Lock()
	child := s.child
	cancel := s.cancel
	s.connected = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if child != nil && child.cmd.Process != nil {
		_ = child.cmd.Process.Kill()
	}
}

// Wait blocks until the current child's supervising goroutines have
// returned (stderr drained, exit observed).
func (s *supervisor) Wait() {
	s.mu.Lock()
	grp := s.group
	s.mu.Unlock()
	if grp != nil {
		_ = grp.Wait()
	}
}
