package nexus

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/HelixOS-Org/helix/infrastructure/logging"
)

// PolicyWatcher reloads the policy file on change and swaps the
// pipeline's decision tree atomically. This is the file-driven path into
// the same recalibration the reflect stage uses.
type PolicyWatcher struct {
	pipeline *Pipeline
	logger   *logging.Logger
	path     string
	features map[string]FeatureID
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// WatchPolicyFile starts watching path. The features map resolves rule
// feature names to snapshot indices.
func WatchPolicyFile(p *Pipeline, logger *logging.Logger, path string, features map[string]FeatureID) (*PolicyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which drops the watch
	// on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}

	pw := &PolicyWatcher{
		pipeline: p,
		logger:   logger.Named("policy-watch"),
		path:     path,
		features: features,
		watcher:  w,
		done:     make(chan struct{}),
	}
	go pw.loop()
	return pw, nil
}

func (pw *PolicyWatcher) loop() {
	for {
		select {
		case <-pw.done:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(pw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pw.reload()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.WithError(err).Warn("Policy watcher error")
		}
	}
}

func (pw *PolicyWatcher) reload() {
	rules, err := LoadRulesFile(pw.path, pw.features)
	if err != nil {
		pw.logger.WithError(err).Warn("Policy reload rejected")
		return
	}
	if err := pw.pipeline.SetRules(rules); err != nil {
		pw.logger.WithError(err).Warn("Policy recompile rejected")
		return
	}
	pw.logger.WithFields(map[string]interface{}{"rules": len(rules)}).Info("Policy reloaded")
}

// Close stops the watcher.
func (pw *PolicyWatcher) Close() error {
	close(pw.done)
	return pw.watcher.Close()
}
