package nexus

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyWatcher_ReloadsOnWrite(t *testing.T) {
	f := newFixture(t, LevelCorrection)

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	write := func(trigger int) {
		data := []byte(`{"rules": [{"id": "hot", "feature": "sched.runqueue.depth",
			"trigger": ` + strconv.Itoa(trigger) + `, "release": 1, "action": "rebalance", "priority": 1}]}`)
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
	write(100)

	w, err := WatchPolicyFile(f.pipeline, f.pipeline.logger, path, testFeatures)
	require.NoError(t, err)
	defer w.Close()

	write(7)

	assert.Eventually(t, func() bool {
		rules := f.pipeline.Rules()
		return len(rules) == 1 && rules[0].Trigger == 7
	}, 2*time.Second, 10*time.Millisecond, "watcher should install the rewritten rule set")
}

func TestPolicyWatcher_RejectsBadFileKeepingOldRules(t *testing.T) {
	f := newFixture(t, LevelCorrection)
	f.installPressureRule(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rules": []}`), 0o644))

	w, err := WatchPolicyFile(f.pipeline, f.pipeline.logger, path, testFeatures)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))

	// The old rule set must survive the bad write.
	time.Sleep(100 * time.Millisecond)
	rules := f.pipeline.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "queue-pressure", rules[0].ID)
}
