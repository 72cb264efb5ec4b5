// Package sim provides an in-process DFU transport that plays a scripted
// update. It backs the tests and the CLI's dry runs.
package sim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/dfuq/internal/dfu"
)

// Config shapes the scripted run.
type Config struct {
	// StepDelay is waited after every emitted event.
	StepDelay time.Duration `yaml:"step_delay" default:"1ms"`
	// ProgressTicks is the number of progress events per part while uploading.
	ProgressTicks int `yaml:"progress_ticks" default:"4"`
	// Parts is the number of images reported in progress events.
	Parts int `yaml:"parts" default:"1"`
	// Buttonless makes the run restart in bootloader mode: enablingDfuMode
	// is followed by events against the bootloader identity.
	Buttonless bool `yaml:"buttonless"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	cfg := Config{}
	defaults.SetDefaults(&cfg)
	return cfg
}

// Call records one Start invocation.
type Call struct {
	Target  dfu.TargetID
	Path    string
	Options dfu.Options
}

type failure struct {
	target dfu.TargetID
	at     dfu.State // "" rejects before any event
	err    error
	times  int // 0 means every run
}

// Transport plays a deterministic update for every Start call. One update
// runs at a time; a concurrent Start is rejected as busy.
type Transport struct {
	cfg    Config
	logger *logrus.Logger

	nextID     atomic.Uint64
	listenerMu sync.Mutex
	stateLs    *orderedmap.OrderedMap[uint64, dfu.StateListener]
	progressLs *orderedmap.OrderedMap[uint64, dfu.ProgressListener]

	mu       sync.Mutex
	running  bool
	abortCh  chan struct{}
	paused   bool
	resumeCh chan struct{}
	holdAt   dfu.State
	failures []*failure
	calls    []Call
}

// New creates a Transport. A nil logger gets a default one.
func New(cfg Config, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		cfg:        cfg,
		logger:     logger,
		stateLs:    orderedmap.New[uint64, dfu.StateListener](),
		progressLs: orderedmap.New[uint64, dfu.ProgressListener](),
	}
}

// OnState subscribes to state events of every run.
func (t *Transport) OnState(l dfu.StateListener) func() {
	id := t.nextID.Add(1)
	t.listenerMu.Lock()
	t.stateLs.Set(id, l)
	t.listenerMu.Unlock()
	return func() {
		t.listenerMu.Lock()
		t.stateLs.Delete(id)
		t.listenerMu.Unlock()
	}
}

// OnProgress subscribes to progress events of every run.
func (t *Transport) OnProgress(l dfu.ProgressListener) func() {
	id := t.nextID.Add(1)
	t.listenerMu.Lock()
	t.progressLs.Set(id, l)
	t.listenerMu.Unlock()
	return func() {
		t.listenerMu.Lock()
		t.progressLs.Delete(id)
		t.listenerMu.Unlock()
	}
}

// Listeners returns the number of live subscriptions.
func (t *Transport) Listeners() int {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	return t.stateLs.Len() + t.progressLs.Len()
}

// Fail makes runs for target return err once the run reaches state at.
// An empty at rejects the call before any event. times limits how many runs
// fail, 0 means all of them.
func (t *Transport) Fail(target dfu.TargetID, at dfu.State, err error, times int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, &failure{target: target, at: at, err: err, times: times})
}

// HoldAt pauses every run right after it emitted state, until Resume or
// Abort. An empty state clears the hold.
func (t *Transport) HoldAt(state dfu.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holdAt = state
}

// Calls returns the recorded Start invocations.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// Running reports whether an update is in flight.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start plays the scripted update against target.
func (t *Transport) Start(ctx context.Context, target dfu.TargetID, firmwarePath string, opts dfu.Options) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return &dfu.NativeError{Code: "E_DFU_BUSY", Message: "DFU already in progress"}
	}
	t.running = true
	t.abortCh = make(chan struct{})
	t.paused = false
	t.calls = append(t.calls, Call{Target: target, Path: firmwarePath, Options: opts})
	fail := t.takeFailure(target)
	abortCh := t.abortCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.paused = false
		t.mu.Unlock()
	}()

	t.logger.WithFields(logrus.Fields{
		"target": target.String(),
		"path":   firmwarePath,
	}).Debug("Simulated DFU started")

	if fail != nil && fail.at == "" {
		return fail.err
	}

	r := &run{t: t, ctx: ctx, abortCh: abortCh, target: target, fail: fail}
	return r.play()
}

// Abort stops the running update. The run emits aborted and Start returns
// nil. No-op when idle.
func (t *Transport) Abort(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	select {
	case <-t.abortCh:
	default:
		close(t.abortCh)
	}
	return nil
}

// Pause suspends the running update before its next event.
func (t *Transport) Pause(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.pauseLocked()
	return nil
}

// Resume continues a paused update.
func (t *Transport) Resume(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		t.paused = false
		close(t.resumeCh)
	}
	return nil
}

func (t *Transport) pauseLocked() {
	if !t.paused {
		t.paused = true
		t.resumeCh = make(chan struct{})
	}
}

func (t *Transport) takeFailure(target dfu.TargetID) *failure {
	for i, f := range t.failures {
		if !dfu.IsSameTarget(f.target, target) {
			continue
		}
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				t.failures = append(t.failures[:i], t.failures[i+1:]...)
			}
		}
		return f
	}
	return nil
}

func (t *Transport) emitState(ev dfu.StateEvent) {
	t.listenerMu.Lock()
	ls := make([]dfu.StateListener, 0, t.stateLs.Len())
	for p := t.stateLs.Oldest(); p != nil; p = p.Next() {
		ls = append(ls, p.Value)
	}
	t.listenerMu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}

func (t *Transport) emitProgress(ev dfu.ProgressEvent) {
	t.listenerMu.Lock()
	ls := make([]dfu.ProgressListener, 0, t.progressLs.Len())
	for p := t.progressLs.Oldest(); p != nil; p = p.Next() {
		ls = append(ls, p.Value)
	}
	t.listenerMu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}

// errAborted ends a run early after an abort.
var errAborted = errors.New("simulated dfu aborted")

type run struct {
	t       *Transport
	ctx     context.Context
	abortCh chan struct{}
	target  dfu.TargetID
	fail    *failure
}

func (r *run) play() error {
	err := r.script()
	if errors.Is(err, errAborted) {
		r.t.emitState(dfu.StateEvent{Target: r.target, State: dfu.StateAborted})
		r.t.logger.WithField("target", r.target.String()).Debug("Simulated DFU aborted")
		return nil
	}
	return err
}

func (r *run) script() error {
	for _, s := range []dfu.State{dfu.StateConnecting, dfu.StateConnected, dfu.StateStarting} {
		if err := r.state(s); err != nil {
			return err
		}
	}

	if r.t.cfg.Buttonless {
		if err := r.state(dfu.StateEnablingDfuMode); err != nil {
			return err
		}
		// the device comes back advertising its bootloader identity
		r.target = r.target.Bootloader()
		if err := r.state(dfu.StateInitializing); err != nil {
			return err
		}
	}

	if err := r.state(dfu.StateUploading); err != nil {
		return err
	}
	if err := r.upload(); err != nil {
		return err
	}

	for _, s := range []dfu.State{dfu.StateValidatingFirmware, dfu.StateDisconnecting, dfu.StateDisconnected} {
		if err := r.state(s); err != nil {
			return err
		}
	}

	if err := r.checkpoint(); err != nil {
		return err
	}
	r.t.emitState(dfu.StateEvent{Target: r.target, State: dfu.StateCompleted})
	return nil
}

func (r *run) upload() error {
	parts := r.t.cfg.Parts
	if parts < 1 {
		parts = 1
	}
	ticks := r.t.cfg.ProgressTicks
	for part := 1; part <= parts; part++ {
		for i := 0; i <= ticks; i++ {
			if err := r.checkpoint(); err != nil {
				return err
			}
			pct := 100
			if ticks > 0 {
				pct = i * 100 / ticks
			}
			r.t.emitProgress(dfu.ProgressEvent{
				Target: r.target,
				Progress: dfu.Progress{
					Percent:      pct,
					Part:         part,
					PartsTotal:   parts,
					Speed:        12500,
					AverageSpeed: 11000,
				},
			})
			r.delay()
		}
	}
	return nil
}

// state emits s, applies hold and failure injection, then waits StepDelay.
func (r *run) state(s dfu.State) error {
	if err := r.checkpoint(); err != nil {
		return err
	}
	r.t.emitState(dfu.StateEvent{Target: r.target, State: s})

	if r.fail != nil && r.fail.at == s {
		return r.fail.err
	}

	r.t.mu.Lock()
	if r.t.holdAt != "" && r.t.holdAt == s {
		r.t.pauseLocked()
	}
	r.t.mu.Unlock()

	r.delay()
	return nil
}

// checkpoint blocks while paused and reports abort or context end.
func (r *run) checkpoint() error {
	for {
		r.t.mu.Lock()
		paused, resumeCh := r.t.paused, r.t.resumeCh
		r.t.mu.Unlock()

		select {
		case <-r.abortCh:
			return errAborted
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		if !paused {
			return nil
		}
		select {
		case <-resumeCh:
		case <-r.abortCh:
			return errAborted
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
	}
}

func (r *run) delay() {
	if r.t.cfg.StepDelay <= 0 {
		return
	}
	timer := time.NewTimer(r.t.cfg.StepDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.abortCh:
	case <-r.ctx.Done():
	}
}
