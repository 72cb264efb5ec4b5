package dfu

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Settle delays between the steps of a multi-image package.
var (
	BootloaderSkipDelay   = 200 * time.Millisecond
	ApplicationRetryDelay = 500 * time.Millisecond
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Transport Transport
	Router    Router
	Target    TargetID
	Package   Package
	Options   Options
	Listener  Listener // receives the entry-level states and combined progress
	Logger    *logrus.Logger
}

// Runner flashes a Package onto one target as consecutive sessions,
// bootloader first. Only the final terminal state reaches the listener.
type Runner struct {
	cfg    RunnerConfig
	logger *logrus.Logger

	abortOnce sync.Once
	abortCh   chan struct{}

	mu      sync.Mutex
	current *Session
	state   State
	err     *Error
}

// NewRunner creates an idle runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{
		cfg:     cfg,
		logger:  logger,
		abortCh: make(chan struct{}),
	}
}

// Target returns the target the package is flashed onto.
func (r *Runner) Target() TargetID { return r.cfg.Target }

// State returns the entry-level state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the classified failure of the run, nil if none.
func (r *Runner) Err() *Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Run flashes every image of the package and returns once the last session
// finished. Like Session.Start, a cancelled run returns nil.
func (r *Runner) Run(ctx context.Context) error {
	bundles := r.cfg.Package.Bundles()
	if len(bundles) == 0 {
		return r.finish(&Error{Kind: KindInvalidArgument, Target: r.cfg.Target, Message: "empty firmware package"})
	}

	hasBootloader := r.cfg.Package.Bootloader != nil
	steps := len(bundles)
	done := 0
	skipped := false

	for i, b := range bundles {
		isApp := hasBootloader && i > 0
		last := i == len(bundles)-1
		stepSkipped := false

		target := r.cfg.Target
		if isApp && !r.cfg.Options.BootloaderAddressKnown {
			target = target.Bootloader()
		}

		for attempt := 1; ; attempt++ {
			if r.aborted() {
				return r.finish(nil)
			}

			s, err := r.runStep(ctx, target, b, done, steps)
			if err == nil {
				if s.State() == StateAborted {
					return r.finish(nil)
				}
				break
			}

			if !errors.Is(err, ErrFirmwareVersionRejected) {
				return r.finish(err)
			}
			if !isApp && !last {
				r.logger.WithField("target", target.String()).Info("Bootloader is up to date, skipping")
				skipped = true
				stepSkipped = true
				steps--
				if !r.sleep(ctx, BootloaderSkipDelay) {
					return r.finish(r.interrupted(ctx))
				}
				break
			}
			if isApp && skipped && attempt < 2 {
				r.logger.WithField("target", target.String()).Info("Application rejected after bootloader skip, retrying")
				if !r.sleep(ctx, ApplicationRetryDelay) {
					return r.finish(r.interrupted(ctx))
				}
				continue
			}
			return r.finish(err)
		}

		if !stepSkipped {
			done++
		}
	}

	r.setState(StateCompleted)
	return nil
}

// Abort stops the current session and prevents any further step.
func (r *Runner) Abort(ctx context.Context) error {
	r.abortOnce.Do(func() { close(r.abortCh) })

	r.mu.Lock()
	s := r.current
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Abort(ctx)
}

// Pause suspends the current session.
func (r *Runner) Pause(ctx context.Context) error {
	if s := r.session(); s != nil {
		return s.Pause(ctx)
	}
	if _, ok := r.cfg.Transport.(Pauser); !ok {
		return ErrUnsupported
	}
	return nil
}

// Resume continues the current session.
func (r *Runner) Resume(ctx context.Context) error {
	if s := r.session(); s != nil {
		return s.Resume(ctx)
	}
	if _, ok := r.cfg.Transport.(Pauser); !ok {
		return ErrUnsupported
	}
	return nil
}

func (r *Runner) session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Runner) aborted() bool {
	select {
	case <-r.abortCh:
		return true
	default:
		return false
	}
}

func (r *Runner) runStep(ctx context.Context, target TargetID, b Bundle, done, steps int) (*Session, error) {
	s := NewSession(SessionConfig{
		Transport: r.cfg.Transport,
		Router:    r.cfg.Router,
		Target:    target,
		Bundle:    b,
		Options:   r.cfg.Options,
		Logger:    r.logger,
		Listener: Listener{
			OnState: func(ev StateEvent) {
				// terminal states are decided once the step returns
				if !ev.State.IsTerminal() {
					r.setState(ev.State)
				}
			},
			OnProgress: func(ev ProgressEvent) {
				p := ev.Progress
				if steps > 1 {
					p.Percent = (done*100 + p.Percent) / steps
				}
				r.notifyProgress(p)
			},
		},
	})

	r.mu.Lock()
	r.current = s
	r.mu.Unlock()

	// An abort that raced the assignment above must still reach the session
	if r.aborted() {
		_ = s.Abort(ctx)
	}

	err := s.Start(ctx)

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	return s, err
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.abortCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// interrupted returns the error for a wait cut short, nil on abort.
func (r *Runner) interrupted(ctx context.Context) error {
	if r.aborted() {
		return nil
	}
	return &Error{Kind: KindGeneric, Target: r.cfg.Target, Message: "interrupted between images", Err: ctx.Err()}
}

// finish ends the run aborted, recording err when it is a failure.
func (r *Runner) finish(err error) error {
	var classified *Error
	if err != nil {
		c := *NewError(r.cfg.Target, err)
		c.Target = r.cfg.Target
		classified = &c
		r.mu.Lock()
		r.err = classified
		r.mu.Unlock()
	}
	r.setState(StateAborted)
	if classified == nil {
		return nil
	}
	return classified
}

func (r *Runner) setState(state State) {
	r.mu.Lock()
	if r.state == state || r.state.IsTerminal() {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.mu.Unlock()

	if r.cfg.Listener.OnState != nil {
		r.cfg.Listener.OnState(StateEvent{Target: r.cfg.Target, State: state})
	}
}

func (r *Runner) notifyProgress(p Progress) {
	if r.cfg.Listener.OnProgress != nil {
		r.cfg.Listener.OnProgress(ProgressEvent{Target: r.cfg.Target, Progress: p})
	}
}
