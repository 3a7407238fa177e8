package telemetry

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"prio-governor/internal/logging"
)

// Hints is the session state a desktop agent publishes for the governor.
type Hints struct {
	FocusedPID  int     `json:"focused_pid"`
	GUIPIDs     []int   `json:"gui_pids"`
	AudioPIDs   []int   `json:"audio_pids"`
	UserIdleSec float64 `json:"user_idle_sec"`
}

func (h Hints) UserIdle() time.Duration {
	return time.Duration(h.UserIdleSec * float64(time.Second))
}

// Apply sets the GUI, focus and audio flags on procs.
func (h Hints) Apply(procs []ProcessEntity) {
	gui := make(map[int]bool, len(h.GUIPIDs))
	for _, pid := range h.GUIPIDs {
		gui[pid] = true
	}
	audio := make(map[int]bool, len(h.AudioPIDs))
	for _, pid := range h.AudioPIDs {
		audio[pid] = true
	}
	for i := range procs {
		p := &procs[i]
		p.Focused = h.FocusedPID != 0 && p.PID == h.FocusedPID
		p.HasGUI = gui[p.PID] || p.Focused
		p.AudioActive = audio[p.PID]
	}
}

// HintsFile reads Hints from a JSON file, re-parsing only when the file
// changes. A missing file means "no session information".
type HintsFile struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	cached  Hints
}

func NewHintsFile(path string) *HintsFile {
	return &HintsFile{path: path}
}

func (f *HintsFile) Read() Hints {
	if f == nil || f.path == "" {
		return Hints{}
	}
	logger := logging.GetLogger()

	f.mu.Lock()
	defer f.mu.Unlock()

	fi, err := os.Stat(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WithField("path", f.path).WithError(err).Warn("Failed to stat hints file")
		}
		f.cached = Hints{}
		f.modTime = time.Time{}
		return f.cached
	}
	if fi.ModTime().Equal(f.modTime) && fi.Size() == f.size {
		return f.cached
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		logger.WithField("path", f.path).WithError(err).Warn("Failed to read hints file")
		return f.cached
	}
	var h Hints
	if err := json.Unmarshal(data, &h); err != nil {
		logger.WithFields(logrus.Fields{"path": f.path}).WithError(err).Warn("Ignoring malformed hints file")
		return f.cached
	}
	f.cached = h
	f.modTime = fi.ModTime()
	f.size = fi.Size()
	return h
}
