package orchestrator

import (
	"sync"
	"sync/atomic"

	"github.com/srg/dfuq/internal/dfu"
	"github.com/srg/dfuq/internal/ringchan"
)

// UpdateKind tells what an Update reports.
type UpdateKind string

const (
	// UpdateQueued reports a target added to the queue.
	UpdateQueued UpdateKind = "queued"
	// UpdateDequeued reports a queued target cancelled before it started.
	UpdateDequeued UpdateKind = "dequeued"
	// UpdateState reports a state transition of the active target.
	UpdateState UpdateKind = "state"
	// UpdateProgress reports upload progress of the active target.
	UpdateProgress UpdateKind = "progress"
	// UpdateFinished reports the active target left the queue. Err is set
	// when the update failed; a nil Err with State aborted means cancelled.
	UpdateFinished UpdateKind = "finished"
)

// Update is one element of the orchestrator's status stream.
type Update struct {
	Kind     UpdateKind    `json:"kind"`
	Target   dfu.TargetID  `json:"target"`
	State    dfu.State     `json:"state,omitempty"`
	Progress *dfu.Progress `json:"progress,omitempty"`
	Err      *dfu.Error    `json:"-"`
}

// Subscription is a bounded stream of updates. When the consumer falls
// behind, the oldest updates are dropped.
type Subscription struct {
	rc     *ringchan.RingChannel[Update]
	remove func()
	once   sync.Once
}

// C returns the update channel. It is closed by Close or when the
// orchestrator shuts down.
func (s *Subscription) C() <-chan Update {
	return s.rc.C()
}

// Dropped returns how many updates were overwritten so far.
func (s *Subscription) Dropped() int64 {
	return s.rc.Metrics().Overwritten
}

// Close stops delivery. Buffered updates stay readable.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.remove()
		s.rc.Close()
	})
}

// hub fans updates out to subscriptions. Publishing never blocks.
type hub struct {
	mu     sync.Mutex
	nextID atomic.Uint64
	subs   map[uint64]*Subscription
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]*Subscription)}
}

func (h *hub) subscribe(capacity int) *Subscription {
	id := h.nextID.Add(1)
	sub := &Subscription{rc: ringchan.New[Update](capacity)}
	sub.remove = func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.rc.Close()
		return sub
	}
	h.subs[id] = sub
	return sub
}

func (h *hub) publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		sub.rc.Send(u)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[uint64]*Subscription{}
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.rc.Close()
	}
}
