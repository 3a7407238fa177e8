// Package hysteresis turns instantaneous class decisions into stable ones and
// works out which processes actually need new parameters.
//
// The tracker is owned by the governor loop. Readers get copies through
// States and State.
package hysteresis

import (
	"sort"
	"time"

	"prio-governor/internal/config"
	"prio-governor/internal/qos"
)

// Observation is one group's instantaneous verdict for one iteration.
type Observation struct {
	GroupID string
	Class   qos.Class
	// Forced marks a pressure demotion.
	Forced bool
}

// Result is the tracker's answer for one observation.
type Result struct {
	GroupID string
	Stable  qos.Class
	// Changed is true when Stable was committed in this iteration.
	Changed bool
	Pending *qos.Class
	Reason  string
}

// State is a copy of one group's hysteresis state.
type State struct {
	GroupID      string     `json:"group"`
	Stable       qos.Class  `json:"stable"`
	Pending      *qos.Class `json:"pending,omitempty"`
	PendingCount int        `json:"pending_count,omitempty"`
	PendingSince time.Time  `json:"pending_since,omitempty"`
	StableSince  time.Time  `json:"stable_since"`
	FirstSeen    uint64     `json:"first_seen_iteration"`
	LastSeen     uint64     `json:"last_seen_iteration"`
	Applied      *qos.Class `json:"applied,omitempty"`
}

type slot struct {
	live bool
	id   string

	stable      qos.Class
	stableSince time.Time

	hasPending   bool
	pending      qos.Class
	pendingCount int
	pendingSince time.Time

	firstSeen uint64
	lastSeen  uint64

	hasInteractive       bool
	lastInteractiveClass qos.Class
	lastInteractiveAt    time.Time

	hasApplied   bool
	appliedClass qos.Class
}

type appliedEntry struct {
	groupID string
	params  qos.Params
	seen    uint64
}

// Tracker keeps per-group state in a slot arena keyed by group id. Slots of
// groups missing for more than evictAfter iterations are recycled.
type Tracker struct {
	minDwellIterations int
	minDwell           time.Duration
	evictAfter         uint64

	iteration uint64
	slots     []slot
	index     map[string]int
	free      []int

	applied map[int]appliedEntry
}

func New(cfg config.HysteresisConfig, evictAfter int) *Tracker {
	t := &Tracker{
		index:   make(map[string]int),
		applied: make(map[int]appliedEntry),
	}
	t.Configure(cfg, evictAfter)
	return t
}

// Configure installs new dwell and eviction settings. Existing state is kept.
func (t *Tracker) Configure(cfg config.HysteresisConfig, evictAfter int) {
	t.minDwellIterations = cfg.MinDwellIterations
	if t.minDwellIterations < 1 {
		t.minDwellIterations = 1
	}
	t.minDwell = cfg.MinDwell()
	if evictAfter < 1 {
		evictAfter = 1
	}
	t.evictAfter = uint64(evictAfter)
}

// Iteration is the number of Resolve calls so far.
func (t *Tracker) Iteration() uint64 { return t.iteration }

// Len is the number of tracked groups.
func (t *Tracker) Len() int { return len(t.index) }

func (t *Tracker) alloc(id string) int {
	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot{})
		i = len(t.slots) - 1
	}
	t.slots[i] = slot{live: true, id: id, firstSeen: t.iteration}
	t.index[id] = i
	return i
}

// Resolve advances the tracker by one iteration. A group seen for the first
// time commits its class at once. A forced demotion below the stable class
// commits at once. Any other change must stay pending for the dwell period;
// observing a different class restarts the pending window, observing the
// stable class clears it.
func (t *Tracker) Resolve(now time.Time, obs []Observation) []Result {
	t.iteration++
	out := make([]Result, len(obs))
	for k, o := range obs {
		i, ok := t.index[o.GroupID]
		if !ok {
			i = t.alloc(o.GroupID)
			s := &t.slots[i]
			s.stable, s.stableSince = o.Class, now
			s.lastSeen = t.iteration
			t.noteInteractive(s, now)
			out[k] = Result{GroupID: o.GroupID, Stable: s.stable, Changed: true, Reason: "first observation"}
			continue
		}
		s := &t.slots[i]
		s.lastSeen = t.iteration
		out[k] = t.step(s, o, now)
		t.noteInteractive(s, now)
	}
	t.evict()
	return out
}

func (t *Tracker) step(s *slot, o Observation, now time.Time) Result {
	r := Result{GroupID: s.id}
	switch {
	case o.Forced && o.Class == qos.Background && s.stable != qos.Background:
		s.stable, s.stableSince = o.Class, now
		s.hasPending = false
		r.Changed = true
		r.Reason = "pressure demotion bypasses dwell"
	case o.Class == s.stable:
		s.hasPending = false
	default:
		if !s.hasPending || s.pending != o.Class {
			s.hasPending = true
			s.pending = o.Class
			s.pendingCount = 0
			s.pendingSince = now
		}
		s.pendingCount++
		if t.dwelled(s, now) {
			r.Reason = "dwell elapsed"
			if t.minDwell > 0 {
				r.Reason += " (" + now.Sub(s.pendingSince).Round(time.Millisecond).String() + ")"
			}
			s.stable, s.stableSince = o.Class, now
			s.hasPending = false
			r.Changed = true
		}
	}
	r.Stable = s.stable
	if s.hasPending {
		p := s.pending
		r.Pending = &p
	}
	return r
}

// dwelled reports whether the pending class has been held long enough. A
// configured duration takes the place of the iteration count.
func (t *Tracker) dwelled(s *slot, now time.Time) bool {
	if t.minDwell > 0 {
		return now.Sub(s.pendingSince) >= t.minDwell
	}
	return s.pendingCount >= t.minDwellIterations
}

func (t *Tracker) noteInteractive(s *slot, now time.Time) {
	if s.stable.AtLeast(qos.Interactive) {
		s.hasInteractive = true
		s.lastInteractiveClass = s.stable
		s.lastInteractiveAt = now
	}
}

func (t *Tracker) evict() {
	for i := range t.slots {
		s := &t.slots[i]
		if s.live && t.iteration-s.lastSeen > t.evictAfter {
			delete(t.index, s.id)
			*s = slot{}
			t.free = append(t.free, i)
		}
	}
	for pid, a := range t.applied {
		if t.iteration-a.seen > t.evictAfter {
			delete(t.applied, pid)
		}
	}
}

// LastInteractive reports when the group's stable class was last INTERACTIVE
// or above.
func (t *Tracker) LastInteractive(groupID string) (qos.Class, time.Time, bool) {
	i, ok := t.index[groupID]
	if !ok || !t.slots[i].hasInteractive {
		return 0, time.Time{}, false
	}
	s := &t.slots[i]
	return s.lastInteractiveClass, s.lastInteractiveAt, true
}

// State returns a copy of one group's state.
func (t *Tracker) State(groupID string) (State, bool) {
	i, ok := t.index[groupID]
	if !ok {
		return State{}, false
	}
	return t.slots[i].export(), true
}

// States returns copies of every tracked group, ordered by group id.
func (t *Tracker) States() []State {
	out := make([]State, 0, len(t.index))
	for _, i := range t.index {
		out = append(out, t.slots[i].export())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].GroupID < out[b].GroupID })
	return out
}

func (s *slot) export() State {
	st := State{
		GroupID:     s.id,
		Stable:      s.stable,
		StableSince: s.stableSince,
		FirstSeen:   s.firstSeen,
		LastSeen:    s.lastSeen,
	}
	if s.hasPending {
		p := s.pending
		st.Pending = &p
		st.PendingCount = s.pendingCount
		st.PendingSince = s.pendingSince
	}
	if s.hasApplied {
		a := s.appliedClass
		st.Applied = &a
	}
	return st
}
