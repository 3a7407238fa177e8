package rules

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"prio-governor/internal/logging"
)

// Watcher turns filesystem changes below the rule directories (and the
// config file) into coalesced reload requests. It never reloads anything
// itself; the consumer decides when to act on a request.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	requests chan struct{}
}

// NewWatcher watches every existing path in paths. Files are watched through
// their parent directory so editors that replace files atomically are seen.
func NewWatcher(paths []string, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	logger := logging.GetLogger()
	seen := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		dir := p
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			dir = filepath.Dir(p)
		} else if err != nil {
			logger.WithField("path", p).Debug("Not watching missing path")
			continue
		}
		if seen[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
		seen[dir] = true
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{fs: fw, debounce: debounce, requests: make(chan struct{}, 1)}, nil
}

// Requests delivers at most one pending reload request at a time.
func (w *Watcher) Requests() <-chan struct{} {
	return w.requests
}

// Run forwards debounced change events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	logger := logging.GetLogger()
	defer w.fs.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.WithFields(logrus.Fields{"path": ev.Name, "op": ev.Op.String()}).Debug("Rule change detected")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("Rule watcher error")
		case <-fire:
			fire = nil
			select {
			case w.requests <- struct{}{}:
			default:
			}
		}
	}
}
