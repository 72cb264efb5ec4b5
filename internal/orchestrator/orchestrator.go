// Package orchestrator runs firmware updates for a queue of targets, one at
// a time.
//
// A single actor goroutine owns the queue and the active entry. Public
// methods and session callbacks only send it commands, so no two mutations
// ever interleave. Sessions wait for their transport on their own goroutine
// and report back through the same inbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/dfuq/internal/dfu"
	"github.com/srg/dfuq/internal/groutine"
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrNotQueued is returned when cancelling a target that is neither
	// queued nor active.
	ErrNotQueued = errors.New("target not queued")
)

// EntryStatus describes the active queue entry.
type EntryStatus struct {
	Target   dfu.TargetID `json:"target"`
	Package  dfu.Package  `json:"package"`
	State    dfu.State    `json:"state"`
	Progress dfu.Progress `json:"progress"`
}

// Status is a read-only snapshot of the orchestrator.
type Status struct {
	Active *EntryStatus   `json:"active,omitempty"`
	Queued []dfu.TargetID `json:"queued"`
}

// Idle reports whether nothing is running or waiting.
func (s Status) Idle() bool {
	return s.Active == nil && len(s.Queued) == 0
}

// Result is the outcome of one queue entry. State is the final state, empty
// when the entry was removed before it started. Results are kept for the
// lifetime of the orchestrator, independent of any subscription.
type Result struct {
	Target dfu.TargetID `json:"target"`
	State  dfu.State    `json:"state,omitempty"`
	Err    *dfu.Error   `json:"-"`
}

// Completed reports whether the update went through.
func (r Result) Completed() bool { return r.State == dfu.StateCompleted }

// Failed reports whether the update ended with a classified error.
func (r Result) Failed() bool { return r.Err != nil }

type entry struct {
	target    dfu.TargetID
	pkg       dfu.Package
	runner    *dfu.Runner
	state     dfu.State
	progress  dfu.Progress
	cancelled bool
}

// Orchestrator serializes DFU sessions over one transport.
type Orchestrator struct {
	transport dfu.Transport
	demux     *dfu.Demux
	cfg       config
	logger    *logrus.Logger
	hub       *hub

	ctx    context.Context // cancelled on Close, parent of every session
	cancel context.CancelFunc

	inbox     chan command
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	group     groutine.Group

	// owned by the actor
	queue   *orderedmap.OrderedMap[dfu.TargetID, *entry]
	active  *entry
	waiters []chan struct{}
	results []Result
}

// New creates an Orchestrator driving transport and starts its actor.
func New(transport dfu.Transport, opts ...Option) *Orchestrator {
	cfg := newConfig(opts...)
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		transport: transport,
		demux:     dfu.NewDemux(transport, cfg.logger),
		cfg:       cfg,
		logger:    cfg.logger,
		hub:       newHub(),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan command, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		queue:     orderedmap.New[dfu.TargetID, *entry](),
	}

	groutine.Go(ctx, "dfu-orchestrator", o.loop)
	return o
}

// Enqueue appends one entry per target, all flashing pkg, and returns the
// targets actually added. Targets already queued or active are skipped. The
// head entry starts right away when nothing is running.
func (o *Orchestrator) Enqueue(ctx context.Context, pkg dfu.Package, targets ...dfu.TargetID) ([]dfu.TargetID, error) {
	if pkg.IsEmpty() {
		return nil, &dfu.Error{Kind: dfu.KindInvalidArgument, Message: "empty firmware package"}
	}
	for _, t := range targets {
		if t.IsZero() {
			return nil, &dfu.Error{Kind: dfu.KindInvalidArgument, Message: "empty target identifier"}
		}
	}

	reply := make(chan []dfu.TargetID, 1)
	if err := o.request(ctx, enqueueCmd{pkg: pkg, targets: targets, reply: reply}); err != nil {
		return nil, err
	}
	return awaitReply(ctx, o.done, reply)
}

// Cancel removes a queued target, or aborts it when active. An active entry
// leaves the queue once its session reports aborted.
func (o *Orchestrator) Cancel(ctx context.Context, target dfu.TargetID) error {
	reply := make(chan error, 1)
	if err := o.request(ctx, cancelCmd{target: target, reply: reply}); err != nil {
		return err
	}
	err, rerr := awaitReply(ctx, o.done, reply)
	if rerr != nil {
		return rerr
	}
	return err
}

// CancelAll empties the queue and aborts the active entry.
func (o *Orchestrator) CancelAll(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := o.request(ctx, cancelCmd{all: true, reply: reply}); err != nil {
		return err
	}
	_, err := awaitReply(ctx, o.done, reply)
	return err
}

// Status returns a snapshot of the active entry and the queued targets.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := o.request(ctx, statusCmd{reply: reply}); err != nil {
		return Status{}, err
	}
	return awaitReply(ctx, o.done, reply)
}

// Results returns the outcome of every entry that left the queue so far, in
// the order they left it.
func (o *Orchestrator) Results(ctx context.Context) ([]Result, error) {
	reply := make(chan []Result, 1)
	if err := o.request(ctx, resultsCmd{reply: reply}); err != nil {
		return nil, err
	}
	return awaitReply(ctx, o.done, reply)
}

// Subscribe returns a stream of updates. capacity <= 0 selects the
// configured default.
func (o *Orchestrator) Subscribe(capacity int) *Subscription {
	if capacity <= 0 {
		capacity = o.cfg.updateBuffer
	}
	return o.hub.subscribe(capacity)
}

// Wait blocks until the queue is empty and nothing is running.
func (o *Orchestrator) Wait(ctx context.Context) error {
	reply := make(chan chan struct{}, 1)
	if err := o.request(ctx, waitCmd{reply: reply}); err != nil {
		return err
	}
	idle, err := awaitReply(ctx, o.done, reply)
	if err != nil {
		return err
	}
	_, err = awaitReply(ctx, o.done, idle)
	return err
}

// Pause suspends the active session. It is a no-op when idle.
func (o *Orchestrator) Pause(ctx context.Context) error {
	r, err := o.activeRunner(ctx)
	if err != nil || r == nil {
		return err
	}
	return r.Pause(ctx)
}

// Resume continues the active session. It is a no-op when idle.
func (o *Orchestrator) Resume(ctx context.Context) error {
	r, err := o.activeRunner(ctx)
	if err != nil || r == nil {
		return err
	}
	return r.Resume(ctx)
}

// Close stops the actor, aborts the active session and waits for it. Pending
// and later calls fail with ErrClosed.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		close(o.quit)
	})
	<-o.done
	o.group.Wait()
	o.demux.Close()
	return nil
}

func (o *Orchestrator) activeRunner(ctx context.Context) (*dfu.Runner, error) {
	reply := make(chan *dfu.Runner, 1)
	if err := o.request(ctx, activeCmd{reply: reply}); err != nil {
		return nil, err
	}
	return awaitReply(ctx, o.done, reply)
}

// request hands cmd to the actor.
func (o *Orchestrator) request(ctx context.Context, cmd command) error {
	select {
	case o.inbox <- cmd:
		return nil
	case <-o.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands a session notification to the actor; dropped after Close.
func (o *Orchestrator) post(cmd command) {
	select {
	case o.inbox <- cmd:
	case <-o.quit:
	}
}

func awaitReply[T any](ctx context.Context, done <-chan struct{}, reply chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		// the actor may have answered right before exiting
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (o *Orchestrator) loop(context.Context) {
	defer close(o.done)
	for {
		select {
		case cmd := <-o.inbox:
			o.handle(cmd)
		case <-o.quit:
			o.shutdown()
			return
		}
	}
}

func (o *Orchestrator) handle(cmd command) {
	switch c := cmd.(type) {
	case enqueueCmd:
		c.reply <- o.enqueue(c.pkg, c.targets)
	case cancelCmd:
		if c.all {
			o.cancelAll()
			c.reply <- nil
		} else {
			c.reply <- o.cancelOne(c.target)
		}
	case statusCmd:
		c.reply <- o.status()
	case resultsCmd:
		c.reply <- append([]Result(nil), o.results...)
	case waitCmd:
		idle := make(chan struct{})
		if o.idle() {
			close(idle)
		} else {
			o.waiters = append(o.waiters, idle)
		}
		c.reply <- idle
	case activeCmd:
		if o.active != nil {
			c.reply <- o.active.runner
		} else {
			c.reply <- nil
		}
	case stateCmd:
		o.onState(c.entry, c.state)
	case progressCmd:
		o.onProgress(c.entry, c.progress)
	case doneCmd:
		o.onDone(c.entry, c.err)
	default:
		o.logger.WithField("command", fmt.Sprintf("%T", cmd)).Error("Unknown orchestrator command")
	}
}

func (o *Orchestrator) enqueue(pkg dfu.Package, targets []dfu.TargetID) []dfu.TargetID {
	var added []dfu.TargetID
	for _, t := range targets {
		if o.find(t) != nil {
			o.logger.WithField("target", t.String()).Debug("Target already queued, skipping")
			continue
		}
		o.queue.Set(t, &entry{target: t, pkg: pkg})
		added = append(added, t)
		o.hub.publish(Update{Kind: UpdateQueued, Target: t})
	}

	if len(added) > 0 {
		o.logger.WithFields(logrus.Fields{
			"added":  len(added),
			"queued": o.queue.Len(),
			"bundle": pkg.String(),
		}).Info("Targets queued")
	}

	o.advance()
	return added
}

// find returns the active or queued entry for target, nil if none.
func (o *Orchestrator) find(target dfu.TargetID) *entry {
	if o.active != nil && dfu.IsSameTarget(o.active.target, target) {
		return o.active
	}
	for p := o.queue.Oldest(); p != nil; p = p.Next() {
		if dfu.IsSameTarget(p.Key, target) {
			return p.Value
		}
	}
	return nil
}

func (o *Orchestrator) cancelOne(target dfu.TargetID) error {
	e := o.find(target)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotQueued, target)
	}
	if e == o.active {
		o.abortActive()
		return nil
	}
	o.dequeue(e)
	o.notifyIdle()
	return nil
}

func (o *Orchestrator) cancelAll() {
	for p := o.queue.Oldest(); p != nil; {
		next := p.Next()
		o.dequeue(p.Value)
		p = next
	}
	if o.active != nil {
		o.abortActive()
	}
	o.notifyIdle()
}

// dequeue drops a not yet started entry. It never had a session, so no
// state is reported for it.
func (o *Orchestrator) dequeue(e *entry) {
	o.queue.Delete(e.target)
	o.results = append(o.results, Result{Target: e.target})
	o.logger.WithField("target", e.target.String()).Info("Removed target from queue")
	o.hub.publish(Update{Kind: UpdateDequeued, Target: e.target})
}

// abortActive asks the active runner to stop without blocking the actor.
// The entry stays active until its runner returns.
func (o *Orchestrator) abortActive() {
	e := o.active
	if e.cancelled {
		return
	}
	e.cancelled = true
	o.logger.WithField("target", e.target.String()).Info("Cancelling active DFU")

	o.group.Go(o.ctx, "dfu-abort", func(ctx context.Context) {
		if err := e.runner.Abort(ctx); err != nil {
			o.logger.WithField("target", e.target.String()).WithError(err).Warn("Abort request failed")
		}
	})
}

func (o *Orchestrator) status() Status {
	st := Status{Queued: make([]dfu.TargetID, 0, o.queue.Len())}
	if e := o.active; e != nil {
		st.Active = &EntryStatus{Target: e.target, Package: e.pkg, State: e.state, Progress: e.progress}
	}
	for p := o.queue.Oldest(); p != nil; p = p.Next() {
		st.Queued = append(st.Queued, p.Key)
	}
	return st
}

func (o *Orchestrator) idle() bool {
	return o.active == nil && o.queue.Len() == 0
}

func (o *Orchestrator) notifyIdle() {
	if !o.idle() {
		return
	}
	for _, w := range o.waiters {
		close(w)
	}
	o.waiters = nil
}

// advance starts the head entry when nothing is active. It is the only
// place a runner is started.
func (o *Orchestrator) advance() {
	if o.active != nil {
		return
	}
	head := o.queue.Oldest()
	if head == nil {
		o.notifyIdle()
		return
	}

	e := head.Value
	o.queue.Delete(e.target)
	o.active = e

	e.runner = dfu.NewRunner(dfu.RunnerConfig{
		Transport: o.transport,
		Router:    o.demux,
		Target:    e.target,
		Package:   e.pkg,
		Options:   o.cfg.options,
		Logger:    o.logger,
		Listener: dfu.Listener{
			OnState: func(ev dfu.StateEvent) {
				o.post(stateCmd{entry: e, state: ev.State})
			},
			OnProgress: func(ev dfu.ProgressEvent) {
				o.post(progressCmd{entry: e, progress: ev.Progress})
			},
		},
	})

	o.logger.WithFields(logrus.Fields{
		"target": e.target.String(),
		"queued": o.queue.Len(),
	}).Info("Starting queued DFU")

	o.group.Go(o.ctx, "dfu-session-"+e.target.String(), func(ctx context.Context) {
		err := e.runner.Run(ctx)
		o.post(doneCmd{entry: e, err: err})
	})
}

func (o *Orchestrator) onState(e *entry, state dfu.State) {
	if e != o.active {
		return
	}
	e.state = state
	o.hub.publish(Update{Kind: UpdateState, Target: e.target, State: state})
}

func (o *Orchestrator) onProgress(e *entry, p dfu.Progress) {
	if e != o.active {
		return
	}
	e.progress = p
	o.hub.publish(Update{Kind: UpdateProgress, Target: e.target, State: e.state, Progress: &p})
}

func (o *Orchestrator) onDone(e *entry, err error) {
	if e != o.active {
		return
	}
	o.active = nil

	u := Update{Kind: UpdateFinished, Target: e.target, State: e.runner.State(), Err: e.runner.Err()}
	if u.State == "" {
		u.State = dfu.StateAborted
	}

	fields := logrus.Fields{"target": e.target.String(), "state": u.State}
	switch {
	case err != nil:
		o.logger.WithFields(fields).WithError(err).Warn("DFU failed")
	case e.cancelled && u.State == dfu.StateAborted:
		o.logger.WithFields(fields).Info("DFU cancelled")
	case e.cancelled:
		o.logger.WithFields(fields).Warn("DFU finished before the cancel took effect")
	default:
		o.logger.WithFields(fields).Info("DFU finished")
	}

	o.results = append(o.results, Result{Target: u.Target, State: u.State, Err: u.Err})
	o.hub.publish(u)
	o.advance()
}

// shutdown runs on the actor when Close was called.
func (o *Orchestrator) shutdown() {
	o.logger.WithField("queued", o.queue.Len()).Debug("Orchestrator shutting down")
	if o.active != nil {
		if err := o.active.runner.Abort(context.Background()); err != nil {
			o.logger.WithError(err).Warn("Abort on close failed")
		}
	}
	o.cancel()
	o.hub.close()
}
