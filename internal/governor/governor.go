// Package governor runs the decision loop: one telemetry snapshot in, one
// set of parameter changes out, once per polling interval.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"prio-governor/internal/actuator"
	"prio-governor/internal/config"
	"prio-governor/internal/hysteresis"
	"prio-governor/internal/logging"
	"prio-governor/internal/policy"
	"prio-governor/internal/qos"
	"prio-governor/internal/ranker"
	"prio-governor/internal/rules"
	"prio-governor/internal/scoring"
	"prio-governor/internal/telemetry"
)

// ErrTelemetryUnavailable marks an iteration skipped for lack of a complete
// snapshot.
var ErrTelemetryUnavailable = errors.New("telemetry unavailable")

// Loader produces a fresh configuration and rule set for a reload.
type Loader interface {
	Load() (*config.Config, *rules.RuleSet, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func() (*config.Config, *rules.RuleSet, error)

func (f LoaderFunc) Load() (*config.Config, *rules.RuleSet, error) { return f() }

// Sink receives every completed iteration. Record must not block the loop
// for long.
type Sink interface {
	Record(ctx context.Context, r *Report, s Stats) error
}

// Options wires a Governor. Ranker may be nil, in which case it follows the
// configuration and is rebuilt on reload.
type Options struct {
	Config   *config.Config
	Rules    *rules.RuleSet
	Source   telemetry.Source
	Actuator actuator.Actuator
	Ranker   ranker.Ranker
	Loader   Loader
	Sink     Sink
	Now      func() time.Time
}

// snapshot is one immutable configuration generation.
type snapshot struct {
	cfg      *config.Config
	rules    *rules.RuleSet
	engine   *policy.Engine
	scorer   *scoring.Scorer
	ranker   ranker.Ranker
	checksum string
}

// Record is the published decision of one group.
type Record struct {
	policy.Decision
	Stable     qos.Class  `json:"stable_class"`
	Pending    *qos.Class `json:"pending_class,omitempty"`
	Params     qos.Params `json:"params"`
	Transition string     `json:"transition,omitempty"`
	Deferred   bool       `json:"deferred,omitempty"`
}

// Report summarizes one completed iteration.
type Report struct {
	Iteration      uint64              `json:"iteration"`
	Timestamp      time.Time           `json:"timestamp"`
	Duration       time.Duration       `json:"duration_ns"`
	Processes      int                 `json:"processes"`
	Groups         int                 `json:"groups"`
	Candidates     int                 `json:"candidates"`
	Pressure       telemetry.Pressure  `json:"pressure"`
	RankerFallback bool                `json:"ranker_fallback"`
	Changes        []hysteresis.Change `json:"changes"`
	Applied        int                 `json:"applied"`
	Failed         int                 `json:"failed"`
	ApplyErrors    map[int]string      `json:"apply_errors,omitempty"`
	Deferred       []string            `json:"deferred,omitempty"`
	Records        []Record            `json:"-"`
}

// Governor owns the hysteresis state. Step and Run must be called from one
// goroutine; everything else is safe for concurrent use.
type Governor struct {
	snap    atomic.Pointer[snapshot]
	last    atomic.Pointer[Report]
	tracker *hysteresis.Tracker

	source      telemetry.Source
	actuator    actuator.Actuator
	fixedRanker ranker.Ranker
	loader      Loader
	sink        Sink
	now         func() time.Time

	reload chan string

	counters counters
	status   status

	logger       *logrus.Logger
	policyLogger *logrus.Logger
}

func New(opts Options) (*Governor, error) {
	if opts.Config == nil || opts.Source == nil || opts.Actuator == nil {
		return nil, errors.New("governor needs a config, a telemetry source and an actuator")
	}
	if opts.Rules == nil {
		rs, err := rules.NewRuleSet(nil, nil, opts.Config.Rules.Order())
		if err != nil {
			return nil, err
		}
		opts.Rules = rs
	}
	g := &Governor{
		tracker:      hysteresis.New(opts.Config.Hysteresis, opts.Config.Governor.EvictAfterIterations),
		source:       opts.Source,
		actuator:     opts.Actuator,
		fixedRanker:  opts.Ranker,
		loader:       opts.Loader,
		sink:         opts.Sink,
		now:          opts.Now,
		reload:       make(chan string, 1),
		logger:       logging.GetLogger(),
		policyLogger: logging.GetPolicyLogger(),
	}
	if g.now == nil {
		g.now = time.Now
	}
	g.install(opts.Config, opts.Rules)
	return g, nil
}

func (g *Governor) install(cfg *config.Config, rs *rules.RuleSet) {
	s := &snapshot{
		cfg:    cfg,
		rules:  rs,
		engine: policy.NewEngine(cfg),
		scorer: &scoring.Scorer{Weights: cfg.Scoring, Types: rs},
		ranker: g.fixedRanker,
	}
	if s.ranker == nil {
		s.ranker = ranker.New(cfg.Hybrid.Ranker)
	}
	sum, err := config.Checksum(cfg)
	if err != nil {
		g.logger.WithError(err).Warn("Failed to checksum configuration")
	}
	s.checksum = sum
	g.tracker.Configure(cfg.Hysteresis, cfg.Governor.EvictAfterIterations)
	g.snap.Store(s)
}

// Config returns the configuration in effect.
func (g *Governor) Config() *config.Config { return g.snap.Load().cfg }

// Rules returns the rule set in effect.
func (g *Governor) Rules() *rules.RuleSet { return g.snap.Load().rules }

// RequestReload queues a reload for the next iteration boundary. It reports
// false when a reload is already queued.
func (g *Governor) RequestReload(reason string) bool {
	select {
	case g.reload <- reason:
		return true
	default:
		return false
	}
}

func (g *Governor) honorReload() {
	select {
	case reason := <-g.reload:
		_ = g.Reload(reason)
	default:
	}
}

// Reload loads and installs a new configuration and rule set. On failure
// the current ones stay in effect. It must be called from the loop's
// goroutine; other goroutines use RequestReload.
func (g *Governor) Reload(reason string) error {
	if g.loader == nil {
		return errors.New("reload not supported: no loader configured")
	}
	fields := logrus.Fields{"reason": reason}
	cfg, rs, err := g.loader.Load()
	if err == nil && (cfg == nil || rs == nil) {
		err = errors.New("loader returned no configuration")
	}
	if err != nil {
		g.counters.reloadsFailed.Add(1)
		var le *rules.LoadError
		var ve *config.ValidationError
		switch {
		case errors.As(err, &le):
			fields["path"] = le.Path
			fields["rule"] = le.Rule
		case errors.As(err, &ve):
			fields["path"] = ve.Path
		}
		g.status.mu.Lock()
		g.status.lastReloadError = err.Error()
		g.status.mu.Unlock()
		g.logger.WithFields(fields).WithError(err).Error("Reload rejected, keeping previous configuration")
		return err
	}
	g.install(cfg, rs)
	g.counters.reloadsOK.Add(1)
	g.status.mu.Lock()
	g.status.lastReloadError = ""
	g.status.mu.Unlock()
	fields["rules"] = rs.Len()
	fields["checksum"] = g.snap.Load().checksum
	g.logger.WithFields(fields).Info("Configuration reloaded")
	return nil
}

// Run steps once per polling interval until ctx ends.
func (g *Governor) Run(ctx context.Context) error {
	interval := g.Config().Governor.PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.logger.WithFields(logrus.Fields{
		"interval": interval,
		"actuator": g.actuator.Name(),
	}).Info("Governor running")

	for {
		if _, err := g.Step(ctx); err != nil && ctx.Err() != nil {
			return nil
		}
		if next := g.Config().Governor.PollInterval; next != interval {
			interval = next
			ticker.Reset(interval)
		}
		select {
		case <-ctx.Done():
			g.logger.Info("Governor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Step runs one iteration. A queued reload is honoured first. When no
// complete snapshot is available the iteration is skipped: no state
// advances and nothing is actuated.
func (g *Governor) Step(ctx context.Context) (*Report, error) {
	g.honorReload()
	s := g.snap.Load()
	cfg := s.cfg
	start := g.now()
	iteration := g.counters.iterations.Add(1)

	snap, err := g.collect(ctx, cfg)
	if err != nil {
		g.counters.failed.Add(1)
		g.status.mu.Lock()
		g.status.lastError = err.Error()
		g.status.mu.Unlock()
		g.logger.WithField("iteration", iteration).WithError(err).Warn("Skipping iteration")
		return nil, err
	}
	now := snap.Timestamp
	if now.IsZero() {
		now = start
	}

	procs := snap.Processes
	s.rules.ClassifyAll(procs)
	groups := telemetry.BuildGroups(procs)
	s.rules.ResolveGroups(groups, procs)

	kept, excluded := scoring.CoarseFilter(groups, cfg.Governor.MaxCandidates)
	suppress := s.engine.SuppressFocus(snap.UserIdle)
	candidates := make([]policy.Candidate, len(kept))
	for j, i := range kept {
		candidates[j] = policy.Candidate{Index: i, Breakdown: s.scorer.Score(&groups[i], snap.Pressure, suppress)}
	}

	in := policy.Input{
		Now:        now,
		Groups:     groups,
		Candidates: candidates,
		Excluded:   excluded,
		Pressure:   snap.Pressure,
		UserIdle:   snap.UserIdle,
		History:    g.tracker,
	}
	report := &Report{
		Iteration:  iteration,
		Timestamp:  now,
		Processes:  len(procs),
		Groups:     len(groups),
		Candidates: len(candidates),
		Pressure:   snap.Pressure,
	}
	if s.engine.Mode == config.ModeHybrid && len(candidates) > 0 {
		in.Rankings, in.RankerErr = g.rank(ctx, s, groups, kept)
		if in.RankerErr != nil {
			report.RankerFallback = true
			g.counters.rankerFallbacks.Add(1)
			g.logger.WithFields(logrus.Fields{"iteration": iteration, "ranker": s.ranker.Name()}).
				WithError(in.RankerErr).Warn("Ranker unavailable, using rules only")
		}
		stampRankings(procs, groups, in.Rankings)
	}

	decisions := s.engine.Decide(in)
	obs := make([]hysteresis.Observation, len(decisions))
	for i, d := range decisions {
		obs[i] = hysteresis.Observation{GroupID: d.GroupID, Class: d.Class, Forced: d.Forced}
	}
	resolved := g.tracker.Resolve(now, obs)

	byPID := make(map[int]*telemetry.ProcessEntity, len(procs))
	for i := range procs {
		byPID[procs[i].PID] = &procs[i]
	}
	targets := make([]hysteresis.GroupTarget, len(decisions))
	records := make([]Record, len(decisions))
	for i := range decisions {
		grp := &groups[i]
		res := resolved[i]
		targets[i] = hysteresis.GroupTarget{
			GroupID: grp.ID,
			RootPID: grp.RootPID,
			Class:   res.Stable,
			Procs:   processTargets(s.rules, grp, res.Stable, byPID),
		}
		records[i] = Record{
			Decision:   decisions[i],
			Stable:     res.Stable,
			Pending:    res.Pending,
			Params:     policy.ParamsFor(res.Stable, s.rules.Type(grp.BehaviorType), grp.Overrides),
			Transition: res.Reason,
		}
		if res.Changed {
			g.policyLogger.WithFields(logrus.Fields{
				"entity":    grp.ID,
				"name":      grp.Name,
				"class":     res.Stable.String(),
				"iteration": iteration,
				"reason":    res.Reason,
			}).Info("Stable class committed")
		}
		g.policyLogger.WithFields(logrus.Fields{
			"entity":    grp.ID,
			"iteration": iteration,
			"class":     decisions[i].Class.String(),
			"stable":    res.Stable.String(),
		}).Debug(fmt.Sprint(decisions[i].Reasons))
	}

	changes, deferred := g.tracker.Plan(targets, cfg.Governor.ChangeBudget())
	report.Changes = changes
	report.Deferred = deferred
	if len(deferred) > 0 {
		g.counters.deferred.Add(uint64(len(deferred)))
		deferredSet := make(map[string]bool, len(deferred))
		for _, id := range deferred {
			deferredSet[id] = true
		}
		for i := range records {
			records[i].Deferred = deferredSet[records[i].GroupID]
		}
	}

	if len(changes) > 0 {
		for _, r := range g.actuator.Apply(ctx, changes) {
			if r.Err != nil {
				report.Failed++
				if report.ApplyErrors == nil {
					report.ApplyErrors = make(map[int]string)
				}
				report.ApplyErrors[r.Change.PID] = r.Err.Error()
				g.logger.WithFields(logrus.Fields{
					"entity":    r.Change.GroupID,
					"pid":       r.Change.PID,
					"class":     r.Change.Class.String(),
					"iteration": iteration,
				}).WithError(r.Err).Warn("Failed to apply parameters")
				continue
			}
			g.tracker.MarkApplied(r.Change)
			report.Applied++
		}
		g.counters.applied.Add(uint64(report.Applied))
		g.counters.applyFailed.Add(uint64(report.Failed))
	}

	report.Records = records
	report.Duration = g.now().Sub(start)
	g.counters.succeeded.Add(1)
	g.status.mu.Lock()
	g.status.tracked = g.tracker.Len()
	g.status.lastIteration = now
	g.status.lastDuration = report.Duration
	g.status.lastError = ""
	g.status.mu.Unlock()
	g.last.Store(report)

	g.logger.WithFields(logrus.Fields{
		"iteration":  iteration,
		"groups":     report.Groups,
		"candidates": report.Candidates,
		"changes":    len(changes),
		"applied":    report.Applied,
		"failed":     report.Failed,
		"deferred":   len(deferred),
		"duration":   report.Duration,
	}).Debug("Iteration complete")

	if g.sink != nil {
		if err := g.sink.Record(ctx, report, g.Stats()); err != nil {
			g.logger.WithError(err).Warn("Sink rejected iteration")
		}
	}
	return report, nil
}

func (g *Governor) collect(ctx context.Context, cfg *config.Config) (*telemetry.Snapshot, error) {
	if t := cfg.Telemetry.CollectTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	snap, err := g.source.Collect(ctx)
	switch {
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTelemetryUnavailable, err)
	case snap == nil:
		return nil, fmt.Errorf("%w: empty snapshot", ErrTelemetryUnavailable)
	case !snap.Complete:
		return nil, fmt.Errorf("%w: incomplete snapshot, missing %s", ErrTelemetryUnavailable, snap.Missing)
	}
	return snap, nil
}

// stampRankings copies each group's ranking onto its member processes.
func stampRankings(procs []telemetry.ProcessEntity, groups []telemetry.AppGroupEntity, rankings map[string]ranker.Ranking) {
	if len(rankings) == 0 {
		return
	}
	byPID := make(map[int]*telemetry.ProcessEntity, len(procs))
	for i := range procs {
		byPID[procs[i].PID] = &procs[i]
	}
	for _, grp := range groups {
		rk, ok := rankings[grp.ID]
		if !ok {
			continue
		}
		for _, pid := range grp.Members {
			if p := byPID[pid]; p != nil {
				score := rk.Score
				p.ModelScore = &score
				p.ModelClass = rk.Class
			}
		}
	}
}

func (g *Governor) rank(ctx context.Context, s *snapshot, groups []telemetry.AppGroupEntity, kept []int) (map[string]ranker.Ranking, error) {
	if t := s.cfg.Hybrid.Ranker.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	candidates := make([]telemetry.AppGroupEntity, len(kept))
	for j, i := range kept {
		candidates[j] = groups[i]
	}
	return s.ranker.Rank(ctx, candidates)
}

// processTargets derives every member's parameters from the group's stable
// class. A member matched by its own rule uses its own type and overrides.
func processTargets(rs *rules.RuleSet, grp *telemetry.AppGroupEntity, class qos.Class, byPID map[int]*telemetry.ProcessEntity) []hysteresis.ProcessTarget {
	out := make([]hysteresis.ProcessTarget, 0, len(grp.Members))
	for _, pid := range grp.Members {
		p, ok := byPID[pid]
		if !ok {
			continue
		}
		typ, ov := grp.BehaviorType, grp.Overrides
		if p.MatchedRule != "" {
			typ, ov = p.BehaviorType, p.Overrides
		}
		out = append(out, hysteresis.ProcessTarget{
			PID:    pid,
			Params: policy.ParamsFor(class, rs.Type(typ), ov),
			Cgroup: p.CgroupPath,
		})
	}
	return out
}

// Last returns the report of the last completed iteration, or nil. Reports
// are never modified after publication.
func (g *Governor) Last() *Report { return g.last.Load() }

// Decisions returns a copy of the last iteration's records.
func (g *Governor) Decisions() []Record {
	r := g.last.Load()
	if r == nil {
		return nil
	}
	return append([]Record(nil), r.Records...)
}

// Decision returns the last record of one group.
func (g *Governor) Decision(groupID string) (Record, bool) {
	r := g.last.Load()
	if r == nil {
		return Record{}, false
	}
	for _, rec := range r.Records {
		if rec.GroupID == groupID {
			return rec, true
		}
	}
	return Record{}, false
}
