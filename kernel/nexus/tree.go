package nexus

import (
	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/kernel/telemetry"
)

// FeatureID indexes the snapshot's counter vector; values at or beyond
// the counter count index the gauge vector.
type FeatureID int

// featureValue reads a feature out of a snapshot.
func featureValue(snap *telemetry.Snapshot, f FeatureID) uint64 {
	if int(f) < len(snap.Counters) {
		return snap.Counters[f]
	}
	g := int(f) - len(snap.Counters)
	if g < len(snap.Gauges) {
		return snap.Gauges[g]
	}
	return 0
}

// node is one comparator of the compiled tree. A node with rule >= 0 is
// a decision node testing its rule's feature; child indices address the
// flat node array. A node with rule < 0 is a leaf carrying action.
type node struct {
	rule   int32 // index into the rule table, -1 for leaf
	left   int32 // next node when the comparison fails
	right  int32 // next node when the comparison holds
	action ActionID
}

// DecisionTree is the compiled rule chain: a flat array of comparator
// nodes walked without dynamic dispatch. Rules are evaluated in priority
// order; the first whose threshold holds wins. Hysteresis state lives in
// the rule table and selects between trigger and release thresholds.
type DecisionTree struct {
	nodes []node
	rules []*Rule // priority order, aliases the policy table
	depth int
}

// CompileTree builds a DecisionTree from active rules in priority order.
// Depth (= number of decision nodes on the longest path) must not
// exceed maxDepth.
func CompileTree(rules []*Rule, maxDepth int) (*DecisionTree, error) {
	active := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if !r.Deprecated() {
			active = append(active, r)
		}
	}
	if len(active) > maxDepth {
		return nil, helixerrors.Newf(helixerrors.ErrCodeDepthExceeded,
			"%d rules exceed decision depth %d", len(active), maxDepth)
	}

	t := &DecisionTree{rules: active, depth: len(active)}
	// Chain layout: node i tests rule i; the match edge leads to a leaf,
	// the miss edge to node i+1. The final miss edge leads to the
	// default leaf (ActionNone).
	for i := range active {
		leaf := int32(len(active) + 1 + i)
		next := int32(i + 1)
		t.nodes = append(t.nodes, node{rule: int32(i), left: next, right: leaf})
	}
	// Default leaf at index len(active).
	t.nodes = append(t.nodes, node{rule: -1, action: ActionNone})
	for _, r := range active {
		t.nodes = append(t.nodes, node{rule: -1, action: r.Action})
	}
	return t, nil
}

// Depth returns the longest decision path.
func (t *DecisionTree) Depth() int { return t.depth }

// Rules returns the active rule table in evaluation order.
func (t *DecisionTree) Rules() []*Rule { return t.rules }

// Walk classifies a snapshot to a leaf, returning the fired rule (nil
// for the default leaf) and its action. O(depth), no allocation.
// Matching updates each visited rule's hysteresis latch.
func (t *DecisionTree) Walk(snap *telemetry.Snapshot) (*Rule, ActionID) {
	if len(t.nodes) == 0 {
		return nil, ActionNone
	}
	var fired *Rule
	i := int32(0)
	for {
		n := &t.nodes[i]
		if n.rule < 0 {
			return fired, n.action
		}
		r := t.rules[n.rule]
		value := featureValue(snap, r.Feature)
		if r.match(value) {
			fired = r
			i = n.right
		} else {
			i = n.left
		}
	}
}
