package database

import (
	"context"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"prio-governor/internal/governor"
	"prio-governor/internal/logging"
)

const writeTimeout = 5 * time.Second

// Sink buffers iteration points and writes them to InfluxDB from its own
// goroutine. The buffer is bounded; when it overflows the oldest points are
// dropped. Whatever is still buffered at Close is spooled to disk. Without a
// writer the sink only keeps the most recent points for the spool.
type Sink struct {
	writer   PointWriter
	hostname string
	spoolDir string
	max      int

	mu       sync.Mutex
	pending  []*write.Point
	dropped  uint64
	checksum string

	notify    chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *logrus.Logger
}

// NewSink starts a sink. writer may be nil.
func NewSink(writer PointWriter, hostname, spoolDir string, bufferSize int) *Sink {
	if bufferSize < 1 {
		bufferSize = 1
	}
	s := &Sink{
		writer:   writer,
		hostname: hostname,
		spoolDir: spoolDir,
		max:      bufferSize,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		logger:   logging.GetLogger(),
	}
	if writer != nil {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

// Record queues the points of one iteration. It never blocks on I/O.
func (s *Sink) Record(_ context.Context, r *governor.Report, st governor.Stats) error {
	points := IterationPoints(s.hostname, r, st)
	s.mu.Lock()
	s.checksum = st.ConfigChecksum
	s.enqueue(points)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// enqueue appends points and trims the buffer. s.mu must be held.
func (s *Sink) enqueue(points []*write.Point) {
	s.pending = append(s.pending, points...)
	if over := len(s.pending) - s.max; over > 0 {
		s.dropped += uint64(over)
		s.pending = append([]*write.Point(nil), s.pending[over:]...)
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.notify:
			s.flush()
		}
	}
}

// flush writes everything buffered. On failure the batch goes back in front
// of anything queued meanwhile.
func (s *Sink) flush() bool {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.writer.WritePoint(ctx, batch...); err != nil {
		s.logger.WithField("points", len(batch)).WithError(err).Warn("Failed to write to InfluxDB, keeping points buffered")
		s.mu.Lock()
		rest := s.pending
		s.pending = batch
		s.enqueue(rest)
		s.mu.Unlock()
		return false
	}
	return true
}

// Buffered is the number of points waiting to be written.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops the writer, makes one last attempt to write, and spools the
// remainder. It returns the spool path, if one was written. Later calls do
// nothing.
func (s *Sink) Close() (path string, err error) {
	s.closeOnce.Do(func() {
		path, err = s.shutdown()
	})
	return path, err
}

func (s *Sink) shutdown() (string, error) {
	close(s.stop)
	s.wg.Wait()
	if s.writer != nil {
		s.flush()
	}

	s.mu.Lock()
	artifact := &SpoolArtifact{
		Version:        1,
		CreatedAt:      time.Now(),
		Hostname:       s.hostname,
		ConfigChecksum: s.checksum,
		Dropped:        s.dropped,
	}
	for _, p := range s.pending {
		artifact.Lines = append(artifact.Lines, write.PointToLineProtocol(p, time.Nanosecond))
	}
	s.pending = nil
	s.mu.Unlock()

	if len(artifact.Lines) == 0 {
		return "", nil
	}
	path, err := WriteSpoolArtifact(s.spoolDir, artifact)
	if err != nil {
		s.logger.WithError(err).Error("Failed to spool unsent points")
		return "", err
	}
	s.logger.WithFields(logrus.Fields{
		"path":    path,
		"points":  len(artifact.Lines),
		"dropped": artifact.Dropped,
	}).Info("Spooled unsent points")
	return path, nil
}
