package nexus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/kernel/telemetry"
)

func snapshotWith(counters ...uint64) *telemetry.Snapshot {
	return &telemetry.Snapshot{Counters: counters}
}

func TestCompileTree_DepthBound(t *testing.T) {
	var rules []*Rule
	for i := 0; i < 4; i++ {
		rules = append(rules, &Rule{ID: "r", Feature: 0, Trigger: 10, Release: 5, Action: ActionRebalance})
	}
	_, err := CompileTree(rules, 3)
	assert.True(t, helixerrors.IsCode(err, helixerrors.ErrCodeDepthExceeded))

	tree, err := CompileTree(rules, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, tree.Depth())
}

func TestCompileTree_SkipsDeprecated(t *testing.T) {
	r1 := &Rule{ID: "live", Feature: 0, Trigger: 10, Release: 5, Action: ActionRebalance}
	r2 := &Rule{ID: "dead", Feature: 0, Trigger: 10, Release: 5, Action: ActionBoostIO}
	r2.Deprecate()
	tree, err := CompileTree([]*Rule{r1, r2}, 16)
	require.NoError(t, err)
	assert.Equal(t, 1, tree.Depth())
}

func TestWalk_FirstMatchWins(t *testing.T) {
	high := &Rule{ID: "high", Feature: 0, Trigger: 100, Release: 50, Action: ActionThrottleBatch}
	low := &Rule{ID: "low", Feature: 0, Trigger: 10, Release: 5, Action: ActionBoostInteractive}
	tree, err := CompileTree([]*Rule{high, low}, 16)
	require.NoError(t, err)

	fired, action := tree.Walk(snapshotWith(150))
	require.NotNil(t, fired)
	assert.Equal(t, "high", fired.ID)
	assert.Equal(t, ActionThrottleBatch, action)

	// Below both triggers (and both latches release): default leaf.
	fired, action = tree.Walk(snapshotWith(1))
	assert.Nil(t, fired)
	assert.Equal(t, ActionNone, action)

	// Between thresholds: only the low rule fires.
	fired, action = tree.Walk(snapshotWith(20))
	require.NotNil(t, fired)
	assert.Equal(t, "low", fired.ID)
	assert.Equal(t, ActionBoostInteractive, action)
}

func TestWalk_Hysteresis(t *testing.T) {
	r := &Rule{ID: "pressure", Feature: 0, Trigger: 100, Release: 60, Action: ActionThrottleBatch}
	tree, err := CompileTree([]*Rule{r}, 16)
	require.NoError(t, err)

	// Below trigger: no fire.
	fired, _ := tree.Walk(snapshotWith(80))
	assert.Nil(t, fired)

	// Crosses trigger: fires and latches.
	fired, _ = tree.Walk(snapshotWith(120))
	require.NotNil(t, fired)
	assert.True(t, r.Latched())

	// Hovers between release and trigger: stays latched.
	fired, _ = tree.Walk(snapshotWith(80))
	require.NotNil(t, fired, "latched rule keeps matching above release")

	// Drops below release: unlatches.
	fired, _ = tree.Walk(snapshotWith(40))
	assert.Nil(t, fired)
	assert.False(t, r.Latched())

	// Back between thresholds: does not re-fire until trigger crossed.
	fired, _ = tree.Walk(snapshotWith(80))
	assert.Nil(t, fired)
}

func TestWalk_EmptyTree(t *testing.T) {
	tree, err := CompileTree(nil, 16)
	require.NoError(t, err)
	fired, action := tree.Walk(snapshotWith(999))
	assert.Nil(t, fired)
	assert.Equal(t, ActionNone, action)
}

func TestFeatureValue_GaugeOverflow(t *testing.T) {
	snap := &telemetry.Snapshot{Counters: []uint64{1, 2}, Gauges: []uint64{30}}
	assert.Equal(t, uint64(2), featureValue(snap, 1))
	assert.Equal(t, uint64(30), featureValue(snap, 2), "indices past counters address gauges")
	assert.Equal(t, uint64(0), featureValue(snap, 9))
}
