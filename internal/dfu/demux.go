package dfu

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// Listener is the pair of callbacks a session registers for its target.
// A nil OnProgress means progress is not routed.
type Listener struct {
	OnState    StateListener
	OnProgress ProgressListener
}

// Router routes transport events to the listener registered for a target.
type Router interface {
	Register(target TargetID, l Listener) (unregister func())
}

type registration struct {
	target   TargetID
	listener Listener
}

// Demux subscribes once per channel to a transport's event source and fans
// events out to the registrations whose target IsSameTarget as the event's.
//
// The source subscriptions live as long as the Demux; registrations are
// session-scoped.
type Demux struct {
	regs   *hashmap.Map[uint64, *registration]
	nextID atomic.Uint64
	logger *logrus.Logger

	removeState    func()
	removeProgress func()
	closeOnce      sync.Once
}

// NewDemux subscribes to src and returns a ready Demux.
func NewDemux(src EventSource, logger *logrus.Logger) *Demux {
	if logger == nil {
		logger = logrus.New()
	}

	d := &Demux{
		regs:   hashmap.New[uint64, *registration](),
		logger: logger,
	}
	d.removeState = src.OnState(d.dispatchState)
	d.removeProgress = src.OnProgress(d.dispatchProgress)
	return d
}

// Register adds a fan-out registration for target. The returned function
// removes it and is safe to call more than once.
func (d *Demux) Register(target TargetID, l Listener) func() {
	id := d.nextID.Add(1)
	d.regs.Set(id, &registration{target: target, listener: l})

	d.logger.WithFields(logrus.Fields{
		"target":   target.String(),
		"progress": l.OnProgress != nil,
	}).Debug("Registered DFU event route")

	var once sync.Once
	return func() {
		once.Do(func() {
			d.regs.Del(id)
			d.logger.WithField("target", target.String()).Debug("Removed DFU event route")
		})
	}
}

// Len returns the number of live registrations.
func (d *Demux) Len() int {
	return d.regs.Len()
}

// Close detaches the Demux from its event source.
func (d *Demux) Close() {
	d.closeOnce.Do(func() {
		if d.removeState != nil {
			d.removeState()
		}
		if d.removeProgress != nil {
			d.removeProgress()
		}
	})
}

// route returns every registration matching target. Normally zero or one,
// duplicates are all delivered.
func (d *Demux) route(target TargetID) []*registration {
	var matches []*registration
	d.regs.Range(func(_ uint64, r *registration) bool {
		if IsSameTarget(target, r.target) {
			matches = append(matches, r)
		}
		return true
	})
	return matches
}

func (d *Demux) dispatchState(ev StateEvent) {
	regs := d.route(ev.Target)
	if len(regs) == 0 {
		d.logger.WithFields(logrus.Fields{
			"target": ev.Target.String(),
			"state":  ev.State,
		}).Debug("Dropping DFU state event with no route")
		return
	}
	for _, r := range regs {
		if r.listener.OnState != nil {
			r.listener.OnState(StateEvent{Target: r.target, State: ev.State})
		}
	}
}

func (d *Demux) dispatchProgress(ev ProgressEvent) {
	for _, r := range d.route(ev.Target) {
		if r.listener.OnProgress != nil {
			r.listener.OnProgress(ProgressEvent{Target: r.target, Progress: ev.Progress})
		}
	}
}
