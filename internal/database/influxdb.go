package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"prio-governor/internal/config"
	"prio-governor/internal/governor"
	"prio-governor/internal/logging"
)

const (
	MeasurementIteration = "governor_iteration"
	MeasurementDecision  = "governor_decision"
)

// PointWriter is the subset of the blocking write API the sink uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

func NewInfluxDBClient(cfg config.InfluxConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": msg,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is %s: %s", cfg.Host, health.Status, msg)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

func (idb *InfluxDBClient) WritePoint(ctx context.Context, points ...*write.Point) error {
	if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write data points: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}

// IterationPoints converts one iteration into points: one governor_iteration
// point with the iteration figures and running counters, and one
// governor_decision point per planned change.
func IterationPoints(hostname string, r *governor.Report, s governor.Stats) []*write.Point {
	points := make([]*write.Point, 0, 1+len(r.Changes))
	points = append(points, influxdb2.NewPoint(MeasurementIteration,
		map[string]string{
			"host":            hostname,
			"policy_mode":     s.Mode,
			"config_checksum": s.ConfigChecksum,
		},
		map[string]interface{}{
			"iteration":             int64(r.Iteration),
			"processes":             r.Processes,
			"groups":                r.Groups,
			"candidates":            r.Candidates,
			"changes":               len(r.Changes),
			"applied":               r.Applied,
			"failed":                r.Failed,
			"deferred":              len(r.Deferred),
			"duration_ms":           float64(r.Duration) / float64(time.Millisecond),
			"ranker_fallback":       r.RankerFallback,
			"psi_cpu_some_avg10":    r.Pressure.CPU.Some.Avg10,
			"psi_io_some_avg10":     r.Pressure.IO.Some.Avg10,
			"psi_memory_some_avg10": r.Pressure.Memory.Some.Avg10,
			"iterations_total":      int64(s.Iterations),
			"iterations_failed":     int64(s.Failed),
			"adjustments_applied":   int64(s.AdjustmentsApplied),
			"adjustments_failed":    int64(s.AdjustmentsFailed),
			"ranker_fallbacks":      int64(s.RankerFallbacks),
		},
		r.Timestamp))

	byGroup := make(map[string]*governor.Record, len(r.Records))
	for i := range r.Records {
		byGroup[r.Records[i].GroupID] = &r.Records[i]
	}
	for _, c := range r.Changes {
		tags := map[string]string{
			"host":  hostname,
			"group": c.GroupID,
			"class": c.Class.String(),
		}
		fields := map[string]interface{}{
			"iteration":    int64(r.Iteration),
			"pid":          c.PID,
			"nice":         c.Params.Nice,
			"latency_nice": c.Params.LatencyNice,
			"ionice_class": c.Params.IOClass.String(),
			"ionice_level": c.Params.IOLevel,
			"cpu_weight":   c.Params.CPUWeight,
			"applied":      true,
		}
		if msg, failed := r.ApplyErrors[c.PID]; failed {
			fields["applied"] = false
			fields["error"] = msg
		}
		if rec, ok := byGroup[c.GroupID]; ok {
			tags["name"] = rec.Name
			if rec.BehaviorType != "" {
				tags["behavior_type"] = rec.BehaviorType
			}
			fields["forced"] = rec.Forced
			fields["rank"] = rec.Rank
			fields["score"] = rec.Score
			if n := len(rec.Reasons); n > 0 {
				fields["reason"] = rec.Reasons[n-1]
			}
		}
		if c.Previous != nil {
			fields["previous_nice"] = c.Previous.Nice
		}
		tags["pid"] = strconv.Itoa(c.PID)
		points = append(points, influxdb2.NewPoint(MeasurementDecision, tags, fields, r.Timestamp))
	}
	return points
}
