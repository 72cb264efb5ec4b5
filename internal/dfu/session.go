package dfu

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Transport Transport
	Router    Router
	Target    TargetID
	Bundle    Bundle
	Options   Options
	Listener  Listener // receives the session's own state and progress
	Logger    *logrus.Logger
}

// Session wraps one transport call for one target: it routes the target's
// events, tracks state and progress, and classifies the failure if any.
//
// A Session is single-use.
type Session struct {
	cfg    SessionConfig
	logger *logrus.Logger

	emitMu sync.Mutex // serializes state changes with their delivery

	mu         sync.Mutex
	started    bool
	calling    bool // transport.Start in flight
	abortAsked bool
	abortSent  bool // forwarded again after the transport showed it was running
	state      State
	progress   Progress
	phaseFloor int
	err        *Error
	terminal   chan struct{}
}

// NewSession creates an idle session.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		cfg:      cfg,
		logger:   logger,
		terminal: make(chan struct{}),
	}
}

// Target returns the session target.
func (s *Session) Target() TargetID { return s.cfg.Target }

// Bundle returns the bundle being flashed.
func (s *Session) Bundle() Bundle { return s.cfg.Bundle }

// State returns the current state, "" before Start.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns the last progress snapshot.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Err returns the classified failure, nil if none. An aborted session with
// no error was cancelled.
func (s *Session) Err() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.terminal
}

// Start runs the update and returns once a terminal state was reached.
//
// The event route is registered before anything else and removed on every
// return path. On a transport failure the session is moved to aborted and
// the classified *Error is returned. A cancelled update returns nil with
// State() == StateAborted.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("dfu session for %s already started", s.cfg.Target)
	}
	s.started = true
	s.mu.Unlock()

	route := Listener{OnState: s.handleState}
	if s.cfg.Options.ReportProgress {
		route.OnProgress = s.handleProgress
	}
	unregister := s.cfg.Router.Register(s.cfg.Target, route)
	defer unregister()

	path, err := s.validate()
	if err != nil {
		return s.fail(err)
	}

	s.logger.WithFields(logrus.Fields{
		"target": s.cfg.Target.String(),
		"bundle": s.cfg.Bundle.String(),
	}).Info("Starting DFU")

	s.handleState(StateEvent{Target: s.cfg.Target, State: StateInitializing})

	s.mu.Lock()
	if s.abortAsked {
		s.mu.Unlock()
		s.handleState(StateEvent{Target: s.cfg.Target, State: StateAborted})
		return nil
	}
	s.calling = true
	s.mu.Unlock()

	err = s.cfg.Transport.Start(ctx, s.cfg.Target, path, s.cfg.Options)

	s.mu.Lock()
	s.calling = false
	s.mu.Unlock()

	if err != nil {
		return s.fail(err)
	}

	// The call returning is not enough: wait for the terminal event
	select {
	case <-s.terminal:
	case <-ctx.Done():
		return s.fail(&Error{
			Kind:    KindGeneric,
			Message: "no terminal state before context ended",
			Err:     ctx.Err(),
		})
	}

	s.logger.WithFields(logrus.Fields{
		"target": s.cfg.Target.String(),
		"state":  s.State(),
	}).Info("DFU finished")
	return nil
}

// Abort asks the transport to stop. The session is aborted only once the
// transport reports it. Asked before the transport was called, Start skips
// the transport and ends aborted. Asked while the transport is still
// setting up, the request stays latched and is forwarded again with the
// first event the transport reports. No-op once terminal.
func (s *Session) Abort(ctx context.Context) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	s.abortAsked = true
	calling := s.calling
	s.mu.Unlock()

	if !calling {
		return nil
	}
	s.logger.WithField("target", s.cfg.Target.String()).Info("Aborting DFU")
	return s.cfg.Transport.Abort(ctx)
}

// Pause suspends the running update when the transport supports it.
func (s *Session) Pause(ctx context.Context) error {
	p, ok := s.cfg.Transport.(Pauser)
	if !ok {
		return ErrUnsupported
	}
	if !s.running() {
		return nil
	}
	return p.Pause(ctx)
}

// Resume continues a paused update when the transport supports it.
func (s *Session) Resume(ctx context.Context) error {
	p, ok := s.cfg.Transport.(Pauser)
	if !ok {
		return ErrUnsupported
	}
	if !s.running() {
		return nil
	}
	return p.Resume(ctx)
}

func (s *Session) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.state.IsTerminal()
}

// validate checks parameters and returns the firmware path to hand over.
func (s *Session) validate() (string, error) {
	invalid := func(format string, args ...interface{}) error {
		return &Error{Kind: KindInvalidArgument, Target: s.cfg.Target, Message: fmt.Sprintf(format, args...)}
	}

	if s.cfg.Target.IsZero() {
		return "", invalid("missing target")
	}
	if s.cfg.Transport == nil {
		return "", invalid("missing transport")
	}

	path := s.cfg.Bundle.Path
	switch {
	case path == "":
		return "", invalid("missing firmware path")
	case strings.HasPrefix(path, "file://"):
		path = strings.TrimPrefix(path, "file://")
	case strings.Contains(path, ":/"):
		return "", invalid("paths with URI scheme are not supported: %s", path)
	}
	return path, nil
}

// fail classifies err, records it and forces the session to aborted before
// the error is handed back.
func (s *Session) fail(err error) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	classified := NewError(s.cfg.Target, err)

	s.mu.Lock()
	s.err = classified
	changed := s.state != StateAborted
	s.state = StateAborted
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"target": s.cfg.Target.String(),
		"kind":   classified.Kind.String(),
	}).WithError(err).Warn("DFU failed")

	if changed {
		s.notifyState(StateAborted)
	}
	s.closeTerminal()

	return classified
}

func (s *Session) handleState(ev StateEvent) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if !ev.State.IsValid() {
		s.logger.WithField("state", ev.State).Warn("Ignoring unknown DFU state")
		return
	}

	s.mu.Lock()
	resend := s.takeLatchedAbort()
	if s.state.IsTerminal() || s.state == ev.State {
		s.mu.Unlock()
		s.resendAbort(resend)
		return
	}
	prev := s.state
	s.state = ev.State
	if ev.State == StateEnablingDfuMode || (ev.State == StateUploading && prev != StateUploading) {
		s.phaseFloor = 0
	}
	s.mu.Unlock()
	s.resendAbort(resend)

	s.logger.WithFields(logrus.Fields{
		"target": s.cfg.Target.String(),
		"state":  ev.State,
	}).Debug("DFU state changed")

	s.notifyState(ev.State)
	if ev.State.IsTerminal() {
		s.closeTerminal()
	}
}

func (s *Session) handleProgress(ev ProgressEvent) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	resend := s.takeLatchedAbort()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		s.resendAbort(resend)
		return
	}
	p := ev.Progress
	if p.Percent < 0 {
		p.Percent = 0
	}
	if p.Percent > 100 {
		p.Percent = 100
	}
	if p.Part != s.progress.Part {
		s.phaseFloor = 0
	}
	if p.Percent < s.phaseFloor {
		p.Percent = s.phaseFloor
	}
	s.phaseFloor = p.Percent
	s.progress = p
	s.mu.Unlock()
	s.resendAbort(resend)

	s.notifyProgress(p)
}

// takeLatchedAbort reports whether an abort asked during the transport call
// still has to be forwarded again. An event from the transport proves it is
// running, so one more forward reaches it. s.mu must be held.
func (s *Session) takeLatchedAbort() bool {
	if !s.abortAsked || !s.calling || s.abortSent || s.state.IsTerminal() {
		return false
	}
	s.abortSent = true
	return true
}

// resendAbort forwards the latched abort off the event path, since the
// transport may emit synchronously from Abort.
func (s *Session) resendAbort(resend bool) {
	if !resend {
		return
	}
	s.logger.WithField("target", s.cfg.Target.String()).Debug("Forwarding latched abort")
	go func() {
		if s.State().IsTerminal() {
			return
		}
		if err := s.cfg.Transport.Abort(context.Background()); err != nil {
			s.logger.WithField("target", s.cfg.Target.String()).WithError(err).Warn("Latched abort failed")
		}
	}()
}

func (s *Session) closeTerminal() {
	select {
	case <-s.terminal:
	default:
		close(s.terminal)
	}
}

func (s *Session) notifyState(state State) {
	if s.cfg.Listener.OnState == nil {
		return
	}
	s.guard("state", func() {
		s.cfg.Listener.OnState(StateEvent{Target: s.cfg.Target, State: state})
	})
}

func (s *Session) notifyProgress(p Progress) {
	if s.cfg.Listener.OnProgress == nil {
		return
	}
	s.guard("progress", func() {
		s.cfg.Listener.OnProgress(ProgressEvent{Target: s.cfg.Target, Progress: p})
	})
}

// guard keeps a panicking listener from taking the session down.
func (s *Session) guard(channel string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"target":  s.cfg.Target.String(),
				"channel": channel,
				"panic":   r,
			}).Error("DFU listener panicked")
		}
	}()
	fn()
}
