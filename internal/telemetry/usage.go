package telemetry

import "time"

// historyWindow is the longest share window the tracker has to answer.
const historyWindow = 10 * time.Second

type cpuSample struct {
	at  time.Time
	cpu float64
}

type procHistory struct {
	created int64
	samples []cpuSample
	ioTotal uint64
	ioDelta uint64
	gen     uint64
}

// usageTracker turns cumulative per-process CPU seconds and IO bytes into
// windowed shares. It is owned by one collector and not safe for concurrent
// use.
type usageTracker struct {
	numCPU int
	procs  map[int]*procHistory
	gen    uint64
}

func newUsageTracker(numCPU int) *usageTracker {
	if numCPU < 1 {
		numCPU = 1
	}
	return &usageTracker{numCPU: numCPU, procs: make(map[int]*procHistory)}
}

func (u *usageTracker) begin() {
	u.gen++
}

// observe records one sample. created distinguishes a recycled pid from the
// process that used it before.
func (u *usageTracker) observe(pid int, created int64, at time.Time, cpuSeconds float64, ioBytes uint64) {
	h, ok := u.procs[pid]
	if !ok || h.created != created {
		h = &procHistory{created: created, ioTotal: ioBytes}
		u.procs[pid] = h
	}
	h.gen = u.gen
	if ioBytes >= h.ioTotal {
		h.ioDelta = ioBytes - h.ioTotal
	} else {
		h.ioDelta = 0
	}
	h.ioTotal = ioBytes
	h.samples = append(h.samples, cpuSample{at: at, cpu: cpuSeconds})
	// keep exactly one sample older than the window as the baseline
	cutoff := at.Add(-historyWindow)
	drop := 0
	for drop+1 < len(h.samples) && !h.samples[drop+1].at.After(cutoff) {
		drop++
	}
	if drop > 0 {
		h.samples = append(h.samples[:0], h.samples[drop:]...)
	}
}

// cpuShare is the fraction of total machine capacity pid used over the last
// window. The baseline is the sample whose age is closest to window among
// those at least window-window/10 old, so a tick that lands slightly early
// does not double the window. A process seen only once has no share yet.
func (u *usageTracker) cpuShare(pid int, window time.Duration) float64 {
	h := u.procs[pid]
	if h == nil || len(h.samples) < 2 {
		return 0
	}
	last := h.samples[len(h.samples)-1]
	base := h.samples[0]
	minAge := window - window/10
	best := time.Duration(-1)
	for _, s := range h.samples[:len(h.samples)-1] {
		age := last.at.Sub(s.at)
		if age < minAge {
			break
		}
		off := age - window
		if off < 0 {
			off = -off
		}
		if best < 0 || off < best {
			best, base = off, s
		}
	}
	elapsed := last.at.Sub(base.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	share := (last.cpu - base.cpu) / elapsed / float64(u.numCPU)
	switch {
	case share < 0:
		return 0
	case share > 1:
		return 1
	}
	return share
}

// ioShares returns each observed process's share of all IO bytes moved since
// the previous round.
func (u *usageTracker) ioShares() map[int]float64 {
	var total uint64
	for _, h := range u.procs {
		if h.gen == u.gen {
			total += h.ioDelta
		}
	}
	out := make(map[int]float64)
	if total == 0 {
		return out
	}
	for pid, h := range u.procs {
		if h.gen == u.gen && h.ioDelta > 0 {
			out[pid] = float64(h.ioDelta) / float64(total)
		}
	}
	return out
}

// sweep forgets processes not observed in the current round.
func (u *usageTracker) sweep() {
	for pid, h := range u.procs {
		if h.gen != u.gen {
			delete(u.procs, pid)
		}
	}
}
