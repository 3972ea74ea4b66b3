package nexus

import (
	"encoding/binary"
	"math"
	"os"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
)

// Rule is one policy entry: a thresholded condition over a feature with
// hysteresis, mapping to an action from the closed set. Trigger must
// exceed Release so a signal hovering near the boundary cannot
// oscillate the rule.
type Rule struct {
	ID         string
	Feature    FeatureID
	Trigger    uint64
	Release    uint64
	Action     ActionID
	Priority   int
	Confidence float64

	// latched is the hysteresis state. Only the classify stage touches
	// it; the pipeline is single-threaded.
	latched bool

	// accuracy is an EMA of verified outcomes, updated by the reflect
	// stage off the hot path.
	accuracy   atomic.Uint64 // Float64bits
	samples    atomic.Uint64
	deprecated atomic.Bool
}

// match applies the hysteresis thresholds and updates the latch.
func (r *Rule) match(value uint64) bool {
	if r.latched {
		if value >= r.Release {
			return true
		}
		r.latched = false
		return false
	}
	if value >= r.Trigger {
		r.latched = true
		return true
	}
	return false
}

// Latched reports the hysteresis state.
func (r *Rule) Latched() bool { return r.latched }

// Accuracy returns the current accuracy EMA.
func (r *Rule) Accuracy() float64 {
	return math.Float64frombits(r.accuracy.Load())
}

// Samples returns the number of verified outcomes.
func (r *Rule) Samples() uint64 { return r.samples.Load() }

// Deprecated reports whether reflection removed the rule from service.
func (r *Rule) Deprecated() bool { return r.deprecated.Load() }

// Deprecate marks the rule out of service; the next recompile drops it.
func (r *Rule) Deprecate() { r.deprecated.Store(true) }

// observe folds one verified outcome into the accuracy EMA.
func (r *Rule) observe(good bool, alpha float64) {
	v := 0.0
	if good {
		v = 1.0
	}
	old := r.Accuracy()
	if r.samples.Add(1) == 1 {
		r.accuracy.Store(math.Float64bits(v))
		return
	}
	r.accuracy.Store(math.Float64bits(old + alpha*(v-old)))
}

// Template parameterizes the advisory produced for one (action, trend)
// pair.
type Template struct {
	Action          ActionID
	Rebalance       bool
	BoostCount      int
	ThrottleCount   int
	ConfidenceScale float64
}

// policyKey hashes (action, trend) into the template table.
func policyKey(action ActionID, class TrendClass) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(action))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(class))
	return xxhash.Sum64(buf[:])
}

// PolicyTable maps hashed (action, trend) pairs to advisory templates.
// Built at calibration; lookups are O(1) and allocation-free.
type PolicyTable struct {
	templates map[uint64]*Template
}

// NewPolicyTable builds the default template set: every action crossed
// with every trend, with trend scaling confidence.
func NewPolicyTable() *PolicyTable {
	t := &PolicyTable{templates: make(map[uint64]*Template, int(numActions)*int(numTrends))}
	for a := ActionNone; a < numActions; a++ {
		for c := TrendSteady; c < numTrends; c++ {
			tmpl := &Template{Action: a, ConfidenceScale: 1.0}
			switch a {
			case ActionBoostInteractive, ActionBoostIO:
				tmpl.BoostCount = 4
			case ActionThrottleBatch, ActionThrottleBackground:
				tmpl.ThrottleCount = 4
			case ActionRebalance:
				tmpl.Rebalance = true
			}
			// A rising trend confirms pressure-driven actions; a falling
			// one discounts them.
			switch c {
			case TrendRising:
				tmpl.ConfidenceScale = 1.0
			case TrendSteady:
				tmpl.ConfidenceScale = 0.8
			case TrendFalling:
				tmpl.ConfidenceScale = 0.5
			}
			t.templates[policyKey(a, c)] = tmpl
		}
	}
	return t
}

// Lookup returns the template for (action, trend), or nil.
func (t *PolicyTable) Lookup(action ActionID, class TrendClass) *Template {
	return t.templates[policyKey(action, class)]
}

// =============================================================================
// Policy file loading
// =============================================================================

// LoadRulesFile reads and parses a JSON policy file.
func LoadRulesFile(path string, features map[string]FeatureID) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, helixerrors.Wrap(helixerrors.ErrCodeInvalidConfig, "read policy file", err)
	}
	return ParseRules(data, features)
}

// ParseRules parses the JSON rule set. Rules are returned in descending
// priority order, ready for tree compilation.
//
// Format:
//
//	{"rules": [{"id": "...", "feature": "<counter name>", "trigger": N,
//	            "release": M, "action": "<action>", "priority": P,
//	            "confidence": C}, ...]}
func ParseRules(data []byte, features map[string]FeatureID) ([]*Rule, error) {
	if !gjson.ValidBytes(data) {
		return nil, helixerrors.New(helixerrors.ErrCodeInvalidConfig, "policy file is not valid JSON")
	}
	var rules []*Rule
	var parseErr error
	gjson.GetBytes(data, "rules").ForEach(func(_, item gjson.Result) bool {
		id := item.Get("id").String()
		if id == "" {
			parseErr = helixerrors.New(helixerrors.ErrCodeInvalidConfig, "rule missing id")
			return false
		}
		featureName := item.Get("feature").String()
		feature, ok := features[featureName]
		if !ok {
			parseErr = helixerrors.Newf(helixerrors.ErrCodeInvalidConfig,
				"rule %q references unknown feature %q", id, featureName)
			return false
		}
		actionName := item.Get("action").String()
		action, ok := ParseAction(actionName)
		if !ok {
			parseErr = helixerrors.Newf(helixerrors.ErrCodeUnknownAction,
				"rule %q names unknown action %q", id, actionName)
			return false
		}
		trigger := item.Get("trigger").Uint()
		release := item.Get("release").Uint()
		if trigger <= release {
			parseErr = helixerrors.Newf(helixerrors.ErrCodeInvalidConfig,
				"rule %q: trigger %d must exceed release %d", id, trigger, release)
			return false
		}
		confidence := item.Get("confidence").Float()
		if confidence == 0 {
			confidence = 0.5
		}
		rules = append(rules, &Rule{
			ID:         id,
			Feature:    feature,
			Trigger:    trigger,
			Release:    release,
			Action:     action,
			Priority:   int(item.Get("priority").Int()),
			Confidence: confidence,
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	return rules, nil
}
