package nexus

// Post-tick stages. None of this runs on the tick hot path: Verify is
// invoked by the scheduler shim after task selection, Reflect by the
// janitor on its cron cadence.

// Verify compares last tick's advisory against the observed outcome,
// folds the result into the rule's accuracy EMA, and appends one audit
// record for the fired rule. Active at LevelConsciousness and above.
func (p *Pipeline) Verify(outcome Outcome) {
	if p.Level() < LevelConsciousness {
		return
	}
	p.mu.Lock()
	last := p.last
	p.last = lastTick{}
	rules := p.allRules
	p.mu.Unlock()

	if !last.fired {
		return
	}

	good := outcome == OutcomeApplied || outcome == OutcomeBeneficial
	for _, r := range rules {
		if r.ID == last.ruleID {
			r.observe(good, p.opts.ReflectAlpha)
			if p.metrics != nil {
				p.metrics.RuleAccuracy.WithLabelValues(r.ID).Set(r.Accuracy())
			}
			break
		}
	}

	p.audit.Append(AuditRecord{
		TS:         last.ts,
		RuleID:     last.ruleID,
		InputsHash: last.inputsHash,
		Confidence: last.confidence,
		Action:     last.action,
		Outcome:    outcome,
	})
}

// Reflect prunes rules whose accuracy EMA fell below the deprecation
// threshold after enough samples, then recompiles and atomically swaps
// the decision tree. At LevelMeta it may additionally mutate at most one
// rule threshold per pass; every mutation is audited.
func (p *Pipeline) Reflect() {
	if p.Level() < LevelConsciousness {
		return
	}
	p.mu.Lock()
	rules := p.allRules
	p.mu.Unlock()

	changed := false
	for _, r := range rules {
		if r.Deprecated() {
			continue
		}
		if r.Samples() >= p.opts.DeprecateMinSamples && r.Accuracy() < p.opts.DeprecateBelow {
			r.Deprecate()
			changed = true
			p.logger.WithFields(map[string]interface{}{
				"rule_id":  r.ID,
				"accuracy": r.Accuracy(),
				"samples":  r.Samples(),
			}).Warn("Rule deprecated")
		}
	}

	if p.Level() >= LevelMeta {
		changed = p.metaMutate(rules) || changed
	}

	if changed {
		if tree, err := CompileTree(rules, p.opts.MaxTreeDepth); err == nil {
			p.tree.Store(tree)
		}
	}
}

// metaMutate raises the trigger of the single worst-performing live rule
// by 5%, making it fire less often. Mutation rate is capped at one rule
// per pass.
func (p *Pipeline) metaMutate(rules []*Rule) bool {
	var worst *Rule
	for _, r := range rules {
		if r.Deprecated() || r.Samples() < p.opts.DeprecateMinSamples {
			continue
		}
		if r.Accuracy() >= 0.5 {
			continue
		}
		if worst == nil || r.Accuracy() < worst.Accuracy() {
			worst = r
		}
	}
	if worst == nil {
		return false
	}

	old := worst.Trigger
	bumped := old + old/20
	if bumped == old {
		bumped = old + 1
	}
	worst.Trigger = bumped
	p.mutations.Add(1)

	p.logger.WithFields(map[string]interface{}{
		"rule_id":     worst.ID,
		"old_trigger": old,
		"new_trigger": bumped,
		"accuracy":    worst.Accuracy(),
	}).Warn("Meta-reflection raised rule trigger")

	p.audit.Append(AuditRecord{
		TS:         p.clock.Now(),
		RuleID:     worst.ID,
		InputsHash: worst.Trigger,
		Confidence: worst.Accuracy(),
		Action:     worst.Action,
		Outcome:    OutcomeHarmful,
	})
	return true
}

// Mutations reports how many meta-reflection mutations have occurred.
func (p *Pipeline) Mutations() uint64 { return p.mutations.Load() }

// FlushAudit writes the most recent audit records to the structured log.
// Invoked by the janitor.
func (p *Pipeline) FlushAudit(n int) {
	for _, rec := range p.audit.Last(n) {
		p.logger.WithFields(map[string]interface{}{
			"ts":          rec.TS,
			"rule_id":     rec.RuleID,
			"inputs_hash": rec.InputsHash,
			"confidence":  rec.Confidence,
			"action":      rec.Action.String(),
			"outcome":     rec.Outcome.String(),
		}).Info("Audit record")
	}
}
