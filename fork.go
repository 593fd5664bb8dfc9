package klee

import (
	"errors"
	"time"
)

// fork splits execution on a boolean condition, returning the states that
// continue down the true and false edges. Either may be nil when that edge
// is infeasible or suppressed. A solver timeout terminates the state early
// after rewinding its program counter; any other solver failure is fatal
// to the process and surfaces as an error.
func (e *Executor) fork(current *ExecutionState, condition Expr, isInternal bool) (*ExecutionState, *ExecutionState, error) {
	seeds, isSeeding := e.seedMap[current]

	// A statically too-busy fork point is collapsed by concretizing the
	// condition instead of splitting.
	if !isSeeding && !IsConstantExpr(condition) && e.config.MaxStaticForkPct < 1.0 &&
		time.Since(e.startTime) > time.Minute {
		if float64(e.forksAtInstr[current.prevPC.Instr()]) > float64(e.stats.Forks)*e.config.MaxStaticForkPct {
			value, err := e.solver.GetValue(current, condition)
			if err != nil {
				return nil, nil, err
			}
			if err := e.addConstraint(current, NewBinaryExpr(EQ, value, condition)); err != nil {
				return nil, nil, err
			}
			condition = value
		}
	}

	timeout := e.config.CoreSolverTimeout
	if isSeeding {
		timeout *= time.Duration(len(seeds))
	}
	e.solver.SetTimeout(timeout)
	res, err := e.solver.Evaluate(current, condition)
	e.solver.SetTimeout(0)
	if errors.Is(err, ErrSolverTimeout) {
		current.pc = current.prevPC
		e.terminateStateEarly(current, "Query timed out (fork).")
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, err
	}

	if !isSeeding {
		if e.replayPath != nil && !isInternal {
			// Replay mode: the recorded path decides unknown branches, and
			// a known result must agree with the recording.
			assert(e.replayPosition < len(e.replayPath), "ran out of branches in replay path mode")
			branch := e.replayPath[e.replayPosition]
			e.replayPosition++

			switch res {
			case True:
				assert(branch, "hit invalid branch in replay path mode")
			case False:
				assert(!branch, "hit invalid branch in replay path mode")
			default:
				if branch {
					res = True
					if err := e.addConstraint(current, condition); err != nil {
						return nil, nil, err
					}
				} else {
					res = False
					if err := e.addConstraint(current, NewIsZeroExpr(condition)); err != nil {
						return nil, nil, err
					}
				}
			}
		} else if res == Unknown {
			// Forking may be inhibited; then one side is chosen at random.
			inhibit := (e.config.MaxMemoryInhibit && e.atMemoryLimit) ||
				current.forkDisabled ||
				e.inhibitForking ||
				(e.config.MaxForks >= 0 && e.stats.Forks >= uint64(e.config.MaxForks))
			if inhibit {
				if e.config.MaxMemoryInhibit && e.atMemoryLimit {
					logf("[fork] skipping fork (memory cap exceeded)")
				} else if current.forkDisabled {
					logf("[fork] skipping fork (fork disabled on current path)")
				} else if e.inhibitForking {
					logf("[fork] skipping fork (fork disabled globally)")
				} else {
					logf("[fork] skipping fork (max-forks reached)")
				}

				if e.rng.Intn(2) == 0 {
					if err := e.addConstraint(current, condition); err != nil {
						return nil, nil, err
					}
					res = True
				} else {
					if err := e.addConstraint(current, NewIsZeroExpr(condition)); err != nil {
						return nil, nil, err
					}
					res = False
				}
			}
		}
	}

	// In only-replay-seed mode the branch is fixed by whichever side the
	// seeds fall on when they all agree.
	if isSeeding && (current.forkDisabled || e.config.OnlyReplaySeeds) && res == Unknown {
		trueSeed, falseSeed := false, false
		for _, si := range seeds {
			cond := si.Assignment.MustEvaluate(condition)
			if cond.IsTrue() {
				trueSeed = true
			} else {
				falseSeed = true
			}
			if trueSeed && falseSeed {
				break
			}
		}
		if !(trueSeed && falseSeed) {
			assert(trueSeed || falseSeed, "seed set must decide at least one branch")
			if trueSeed {
				res = True
				if err := e.addConstraint(current, condition); err != nil {
					return nil, nil, err
				}
			} else {
				res = False
				if err := e.addConstraint(current, NewIsZeroExpr(condition)); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	switch res {
	case True:
		if !isInternal {
			current.pathBits = append(current.pathBits, true)
		}
		return current, nil, nil

	case False:
		if !isInternal {
			current.pathBits = append(current.pathBits, false)
		}
		return nil, current, nil
	}

	// Both sides feasible: split.
	e.stats.Forks++
	e.forksAtInstr[current.prevPC.Instr()]++

	trueState := current
	falseState := trueState.Branch()
	falseState.id = e.nextStateID()
	e.addedStates = append(e.addedStates, falseState)

	// Redistribute seeds by which side each satisfies.
	if isSeeding {
		delete(e.seedMap, current)
		var trueSeeds, falseSeeds []*SeedInfo
		for _, si := range seeds {
			cond := si.Assignment.MustEvaluate(condition)
			if cond.IsTrue() {
				trueSeeds = append(trueSeeds, si)
			} else {
				falseSeeds = append(falseSeeds, si.Clone())
			}
		}
		if len(trueSeeds) > 0 {
			e.seedMap[trueState] = trueSeeds
		}
		if len(falseSeeds) > 0 {
			e.seedMap[falseState] = falseSeeds
		}

		// A side left without seeds loses its covered-new attribution.
		if len(trueSeeds) == 0 || len(falseSeeds) == 0 {
			if (len(trueSeeds) == 0) != (len(falseSeeds) == 0) {
				trueState.coveredNew, falseState.coveredNew = falseState.coveredNew, trueState.coveredNew
			}
		}
	}

	e.ptree.Attach(current.ptreeNode, falseState, trueState)

	if !isInternal {
		trueState.pathBits = append(trueState.pathBits, true)
		falseState.pathBits = append(falseState.pathBits, false)
	}

	if err := e.addConstraint(trueState, condition); err != nil {
		return nil, nil, err
	}
	if err := e.addConstraint(falseState, NewIsZeroExpr(condition)); err != nil {
		return nil, nil, err
	}

	if e.config.OnlyReplaySeeds && isSeeding {
		if _, ok := e.seedMap[trueState]; !ok {
			e.terminateState(trueState)
			trueState = nil
		}
		if _, ok := e.seedMap[falseState]; !ok {
			e.terminateState(falseState)
			falseState = nil
		}
	}

	if e.config.MaxDepth > 0 && trueState != nil && trueState.depth >= e.config.MaxDepth {
		e.terminateStateEarly(trueState, "max-depth exceeded.")
		if falseState != nil {
			e.terminateStateEarly(falseState, "max-depth exceeded.")
		}
		return nil, nil, nil
	}

	return trueState, falseState, nil
}

// branch splits the state N ways, one output state per condition, in
// order. States are branched from random earlier results to keep the
// process tree balanced. Output entries are nil when the fork budget
// collapsed the split.
func (e *Executor) branch(state *ExecutionState, conditions []Expr) ([]*ExecutionState, error) {
	n := len(conditions)
	assert(n > 0, "branch requires at least one condition")

	result := make([]*ExecutionState, 0, n)

	if e.config.MaxForks >= 0 && e.stats.Forks >= uint64(e.config.MaxForks) {
		next := e.rng.Intn(n)
		for i := 0; i < n; i++ {
			if i == next {
				result = append(result, state)
			} else {
				result = append(result, nil)
			}
		}
	} else {
		e.stats.Forks += uint64(n - 1)

		result = append(result, state)
		for i := 1; i < n; i++ {
			es := result[e.rng.Intn(i)]
			ns := es.Branch()
			ns.id = e.nextStateID()
			e.addedStates = append(e.addedStates, ns)
			result = append(result, ns)
			e.ptree.Attach(es.ptreeNode, ns, es)
		}
	}

	// Redistribute seeds; each seed satisfies at most one condition when
	// the conditions are mutually exclusive.
	if seeds, ok := e.seedMap[state]; ok {
		delete(e.seedMap, state)
		for _, si := range seeds {
			i := 0
			for ; i < n; i++ {
				if si.Assignment.MustEvaluate(conditions[i]).IsTrue() {
					break
				}
			}
			// No satisfying condition: pick one at random, the seed will
			// be patched.
			if i == n {
				i = e.rng.Intn(n)
			}
			if result[i] != nil {
				e.seedMap[result[i]] = append(e.seedMap[result[i]], si)
			}
		}

		if e.config.OnlyReplaySeeds {
			for i, s := range result {
				if s == nil {
					continue
				}
				if _, ok := e.seedMap[s]; !ok {
					e.terminateState(s)
					result[i] = nil
				}
			}
		}
	}

	for i, s := range result {
		if s != nil {
			if err := e.addConstraint(s, conditions[i]); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// addConstraint checks seed consistency and appends the condition to the
// state. Seeds contradicted by the new constraint are patched through the
// solver.
func (e *Executor) addConstraint(state *ExecutionState, condition Expr) error {
	if condition, ok := condition.(*ConstantExpr); ok {
		assert(condition.IsTrue(), "attempt to add invalid constraint")
		return nil
	}

	state.AddConstraint(condition)

	if seeds, ok := e.seedMap[state]; ok {
		warn := false
		for _, si := range seeds {
			res, err := si.Assignment.Evaluate(condition)
			if err == nil && res.IsFalse() {
				if err := si.Patch(state, e.solver); err != nil {
					return err
				}
				warn = true
			}
		}
		if warn {
			logf("[seed] seeds patched for violating constraint")
		}
	}
	return nil
}
