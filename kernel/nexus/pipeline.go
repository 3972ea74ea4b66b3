package nexus

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
	"github.com/HelixOS-Org/helix/kernel/hal"
	"github.com/HelixOS-Org/helix/kernel/telemetry"
)

// TaskSource fills buf with the scheduler's current eligible task ids
// and returns how many it wrote. It must not allocate or block.
type TaskSource func(buf []uint64) int

// StageHook observes stage completion. Used by tests to inject stalls;
// nil in production.
type StageHook func(stage string)

// Options parameterizes the pipeline at calibration time.
type Options struct {
	Level          Level
	MaxTreeDepth   int
	PredictWindow  int
	PredictFeature FeatureID
	AuditRingSize  int
	// ReflectAlpha is the accuracy EMA smoothing factor.
	ReflectAlpha float64
	// DeprecateBelow and DeprecateMinSamples bound rule deprecation.
	DeprecateBelow      float64
	DeprecateMinSamples uint64
}

func (o *Options) defaults() {
	if o.MaxTreeDepth <= 0 {
		o.MaxTreeDepth = 16
	}
	if o.PredictWindow <= 0 {
		o.PredictWindow = 32
	}
	if o.AuditRingSize <= 0 {
		o.AuditRingSize = 64 * 1024
	}
	if o.ReflectAlpha <= 0 {
		o.ReflectAlpha = 0.1
	}
	if o.DeprecateBelow <= 0 {
		o.DeprecateBelow = 0.2
	}
	if o.DeprecateMinSamples == 0 {
		o.DeprecateMinSamples = 20
	}
}

// lastTick captures what Verify needs from the previous Query.
type lastTick struct {
	fired      bool
	ruleID     string
	action     ActionID
	confidence float64
	inputsHash uint64
	ts         uint64
}

// Pipeline is the NEXUS advisory pipeline. Query runs the hot path:
// Sense -> Classify -> Predict -> Decide, budget-checked between stages
// against the monotonic clock. Everything it touches is pre-sized at
// calibration; the hot path does not allocate.
type Pipeline struct {
	clock    hal.Clock
	registry *telemetry.Registry
	metrics  *metrics.Metrics
	logger   *logging.Logger
	opts     Options

	level atomic.Int32
	tree  atomic.Pointer[DecisionTree]
	table *PolicyTable

	predictor *Predictor
	snap      *telemetry.Snapshot
	advisory  Advisory
	boostBuf  []uint64
	throttle  []uint64
	hashBuf   []byte

	taskSource TaskSource
	hook       StageHook

	audit *AuditRing

	mu       sync.Mutex
	last     lastTick
	allRules []*Rule

	deadlineMisses atomic.Uint64
	ticks          atomic.Uint64
	emitted        atomic.Uint64
	mutations      atomic.Uint64
}

// NewPipeline creates a calibrated pipeline over a frozen telemetry
// registry.
func NewPipeline(clock hal.Clock, reg *telemetry.Registry, m *metrics.Metrics, logger *logging.Logger, opts Options) *Pipeline {
	opts.defaults()
	p := &Pipeline{
		clock:     clock,
		registry:  reg,
		metrics:   m,
		logger:    logger.Named("nexus"),
		opts:      opts,
		table:     NewPolicyTable(),
		predictor: NewPredictor(opts.PredictFeature, opts.PredictWindow),
		snap:      reg.NewSnapshotBuffer(),
		boostBuf:  make([]uint64, 16),
		throttle:  make([]uint64, 16),
		hashBuf:   make([]byte, len(reg.CounterNames())*8),
		audit:     NewAuditRing(opts.AuditRingSize),
	}
	p.level.Store(int32(opts.Level))
	empty, _ := CompileTree(nil, opts.MaxTreeDepth)
	p.tree.Store(empty)
	if m != nil {
		m.NexusLevel.Set(float64(opts.Level))
	}
	return p
}

// SetTaskSource wires the scheduler's task id source. Must be called
// before the tick loop starts.
func (p *Pipeline) SetTaskSource(src TaskSource) { p.taskSource = src }

// SetStageHook installs a hook called after each stage.
func (p *Pipeline) SetStageHook(hook StageHook) { p.hook = hook }

// Audit exposes the audit ring.
func (p *Pipeline) Audit() *AuditRing { return p.audit }

// Level returns the active intelligence level.
func (p *Pipeline) Level() Level { return Level(p.level.Load()) }

// SetLevel changes the intelligence level. Elevation requires the
// nexus.level capability; lowering is always permitted.
func (p *Pipeline) SetLevel(l Level, authorized bool) error {
	if l < LevelOff || l > LevelMeta {
		return helixerrors.Newf(helixerrors.ErrCodeInvalidConfig, "level %d out of range", l)
	}
	if l > p.Level() && !authorized {
		return helixerrors.New(helixerrors.ErrCodeLevelDenied, "level elevation requires capability")
	}
	p.level.Store(int32(l))
	if p.metrics != nil {
		p.metrics.NexusLevel.Set(float64(l))
	}
	p.logger.WithFields(map[string]interface{}{"level": l.String()}).Info("NEXUS level changed")
	return nil
}

// SetRules installs a rule set: compiles the decision tree and swaps it
// atomically. Readers see either the old or the new tree, never a mix.
func (p *Pipeline) SetRules(rules []*Rule) error {
	tree, err := CompileTree(rules, p.opts.MaxTreeDepth)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.allRules = rules
	p.mu.Unlock()
	p.tree.Store(tree)
	return nil
}

// Rules returns the installed rule set.
func (p *Pipeline) Rules() []*Rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allRules
}

// DeadlineMisses returns the advisory-deadline-exceeded count.
func (p *Pipeline) DeadlineMisses() uint64 { return p.deadlineMisses.Load() }

// Stats summarizes pipeline activity.
type Stats struct {
	Level          string  `json:"level"`
	Ticks          uint64  `json:"ticks"`
	Emitted        uint64  `json:"emitted"`
	DeadlineMisses uint64  `json:"deadline_misses"`
	Rules          int     `json:"rules"`
	AuditRecords   int     `json:"audit_records"`
	PredictEMA     float64 `json:"predict_ema"`
}

// Stats returns a point-in-time summary.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	rules := len(p.allRules)
	p.mu.Unlock()
	return Stats{
		Level:          p.Level().String(),
		Ticks:          p.ticks.Load(),
		Emitted:        p.emitted.Load(),
		DeadlineMisses: p.deadlineMisses.Load(),
		Rules:          rules,
		AuditRecords:   p.audit.Count(),
		PredictEMA:     p.predictor.EMA(),
	}
}

// Query runs one tick of the pipeline. deadline is an absolute reading
// of the monotonic clock; when any stage finds it exceeded, the tick
// aborts and returns nil (NoAdvisory). The returned advisory aliases
// pipeline-owned buffers and is valid until the next Query.
func (p *Pipeline) Query(deadline uint64) *Advisory {
	p.ticks.Add(1)
	level := p.Level()
	if level == LevelOff {
		return nil
	}
	start := p.clock.Now()

	// Sense: read the counter set into the pre-sized snapshot.
	p.registry.Fill(p.snap)
	p.stageDone("sense")
	if p.expired(deadline, "sense", start) {
		return nil
	}
	if level == LevelMonitoring {
		p.observe("monitoring", start)
		return nil
	}

	// Classify: walk the active tree to a leaf.
	tree := p.tree.Load()
	fired, action := tree.Walk(p.snap)
	p.stageDone("classify")
	if p.expired(deadline, "classify", start) {
		return nil
	}

	// Predict: trend over the bounded window. Detection level skips it.
	class := TrendSteady
	if level >= LevelPrediction {
		class = p.predictor.Observe(p.snap)
		p.stageDone("predict")
		if p.expired(deadline, "predict", start) {
			return nil
		}
	}

	if fired == nil {
		// Default leaf: nothing to suggest.
		p.recordLast(lastTick{})
		p.observe("no_rule", start)
		return nil
	}

	// Decide: hash (action, trend) into the policy table and fill the
	// advisory template with current task ids.
	tmpl := p.table.Lookup(action, class)
	if tmpl == nil {
		p.observe("no_template", start)
		return nil
	}

	adv := &p.advisory
	adv.RuleID = fired.ID
	adv.Action = action
	adv.Class = class
	adv.Confidence = fired.Confidence * tmpl.ConfidenceScale
	adv.Rebalance = tmpl.Rebalance
	adv.BoostTasks = adv.BoostTasks[:0]
	adv.ThrottleTasks = adv.ThrottleTasks[:0]
	if level >= LevelCorrection && p.taskSource != nil {
		if tmpl.BoostCount > 0 {
			n := p.taskSource(p.boostBuf[:min(tmpl.BoostCount, len(p.boostBuf))])
			adv.BoostTasks = p.boostBuf[:n]
		}
		if tmpl.ThrottleCount > 0 {
			n := p.taskSource(p.throttle[:min(tmpl.ThrottleCount, len(p.throttle))])
			adv.ThrottleTasks = p.throttle[:n]
		}
	}
	adv.EmittedAt = p.clock.Now()
	p.stageDone("decide")
	if p.expired(deadline, "decide", start) {
		return nil
	}

	p.recordLast(lastTick{
		fired:      true,
		ruleID:     fired.ID,
		action:     action,
		confidence: adv.Confidence,
		inputsHash: p.hashInputs(p.snap.Counters),
		ts:         p.snap.Timestamp,
	})
	p.emitted.Add(1)
	p.observe("advisory", start)
	return adv
}

func (p *Pipeline) stageDone(stage string) {
	if p.hook != nil {
		p.hook(stage)
	}
}

// expired checks the budget between stages.
func (p *Pipeline) expired(deadline uint64, stage string, start uint64) bool {
	if p.clock.Now() <= deadline {
		return false
	}
	p.deadlineMisses.Add(1)
	if p.metrics != nil {
		p.metrics.AdvisoryDeadlineMisses.Inc()
		p.metrics.ObserveAdvisory("deadline_miss", time.Duration(p.clock.Now()-start))
	}
	return true
}

func (p *Pipeline) observe(outcome string, start uint64) {
	if p.metrics != nil {
		p.metrics.ObserveAdvisory(outcome, time.Duration(p.clock.Now()-start))
	}
}

// hashInputs digests the counter vector into the pre-sized scratch
// buffer, keeping the tick path allocation-free.
func (p *Pipeline) hashInputs(counters []uint64) uint64 {
	buf := p.hashBuf[:len(counters)*8]
	for i, c := range counters {
		binary.LittleEndian.PutUint64(buf[i*8:], c)
	}
	return xxhash.Sum64(buf)
}

func (p *Pipeline) recordLast(lt lastTick) {
	p.mu.Lock()
	p.last = lt
	p.mu.Unlock()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
