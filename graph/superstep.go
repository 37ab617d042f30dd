package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/dshills/stepgraph/graph/emit"
	"github.com/dshills/stepgraph/graph/store"
)

// run is one Invoke, Stream or Resume call on a thread.
type run struct {
	r        *Runnable
	threadID string
	yield    func(StreamEvent) bool
	mode     StreamMode

	// Position of the thread: its tip and the decoded view of it.
	cp         store.Checkpoint
	exists     bool
	state      State
	tasks      []task
	interrupts []store.Interrupt

	steps int
}

// task is one scheduled node execution within a superstep.
type task struct {
	node   string
	input  State // nil for tasks that read the shared state
	status store.TaskStatus

	// Recorded once the task completed in a superstep that is still waiting
	// on suspended siblings.
	update State
	route  Next

	interruptID string
}

// outcome is what dispatch learned from running one task.
type outcome struct {
	res     NodeResult
	err     error
	latency time.Duration
}

// routeRecord is the persisted form of an explicit Next.
type routeRecord struct {
	Terminal bool           `json:"terminal,omitempty"`
	Targets  []targetRecord `json:"targets,omitempty"`
}

type targetRecord struct {
	Node  string          `json:"node"`
	Input json.RawMessage `json:"input,omitempty"`
}

// load positions the run on cp.
func (rn *run) load(cp store.Checkpoint) error {
	st, err := rn.r.schema.Decode(cp.State)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.ID, err)
	}
	tasks, err := rn.r.decodeTasks(cp.Tasks)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.ID, err)
	}
	rn.advance(cp, st, tasks)
	return nil
}

func (rn *run) advance(cp store.Checkpoint, st State, tasks []task) {
	rn.cp = cp
	rn.exists = true
	rn.state = st
	rn.tasks = tasks
	rn.interrupts = cp.Interrupts
}

// start writes the input checkpoint: input merged over the latest state, with
// Start's successors as pending tasks.
func (rn *run) start(ctx context.Context, input State) error {
	r := rn.r
	base := rn.state
	if !rn.exists {
		base = r.schema.Defaults()
	}
	merged, err := r.schema.Merge(base, input)
	if err != nil {
		return err
	}

	targets, err := r.route(ctx, Start, Next{}, merged)
	if err != nil {
		return &StepExecutionError{Node: Start, ThreadID: rn.threadID, CheckpointID: rn.cp.ID, Cause: err}
	}

	step := -1
	if rn.exists {
		step = rn.cp.Step + 1
	}
	tasks := schedule(targets)
	cp, err := r.checkpoint(rn, step, store.SourceInput, merged, tasks, nil)
	if err != nil {
		return err
	}
	saved, err := r.save(ctx, cp)
	if err != nil {
		return err
	}
	rn.advance(saved, merged, tasks)
	return nil
}

// loop runs supersteps until the thread completes, suspends or fails.
// decisions, when set, answer interrupts of the first superstep.
func (rn *run) loop(ctx context.Context, decisions map[string]any) (Result, error) {
	r := rn.r
	for len(rn.tasks) > 0 {
		if len(rn.interrupts) > 0 && decisions == nil {
			return rn.finish(StatusSuspended)
		}
		if rn.steps >= r.cfg.maxSteps {
			return Result{}, fmt.Errorf("thread %s: %w (%d)", rn.threadID, ErrMaxStepsExceeded, r.cfg.maxSteps)
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		source := store.SourceLoop
		if decisions != nil {
			source = store.SourceResume
		}
		suspended, err := rn.superstep(ctx, decisions, source)
		decisions = nil
		rn.steps++
		if err != nil {
			return Result{}, err
		}
		if suspended {
			return rn.finish(StatusSuspended)
		}
	}
	return rn.finish(StatusCompleted)
}

func (rn *run) finish(status Status) (Result, error) {
	res := Result{
		ThreadID:     rn.threadID,
		CheckpointID: rn.cp.ID,
		Status:       status,
		Values:       rn.state.Clone(),
		Interrupts:   interruptsFrom(rn.cp),
		Steps:        rn.steps,
	}
	if status == StatusSuspended {
		if err := rn.send(StreamEvent{
			Kind:         EventInterrupt,
			Step:         rn.cp.Step,
			CheckpointID: rn.cp.ID,
			Interrupts:   res.Interrupts,
		}); err != nil {
			return res, err
		}
	}
	rn.r.emit(emit.Event{
		ThreadID: rn.threadID,
		Step:     rn.cp.Step,
		Msg:      emit.MsgRunComplete,
		Meta:     map[string]any{"status": string(status), "steps": rn.steps, "checkpoint_id": rn.cp.ID},
	})
	return res, nil
}

func (rn *run) send(ev StreamEvent) error {
	if rn.yield == nil {
		return nil
	}
	if !rn.yield(ev) {
		return errStopped
	}
	return nil
}

// superstep runs every runnable task over the same snapshot, then either
// merges and routes (all tasks done) or records progress and suspends.
func (rn *run) superstep(ctx context.Context, decisions map[string]any, source store.Source) (bool, error) {
	r := rn.r
	step := rn.cp.Step + 1

	var runIdx []int
	for i, t := range rn.tasks {
		switch t.status {
		case store.TaskPending:
			runIdx = append(runIdx, i)
		case store.TaskSuspended:
			if _, ok := decisions[t.interruptID]; ok {
				runIdx = append(runIdx, i)
			}
		}
	}

	r.cfg.logger.Debugw("dispatching superstep", "thread", rn.threadID, "step", step, "tasks", len(runIdx))
	outcomes, err := r.dispatch(ctx, rn, step, runIdx, decisions)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	for k, i := range runIdx {
		if err := rn.check(rn.tasks[i], outcomes[k]); err != nil {
			r.emit(emit.Event{
				ThreadID: rn.threadID,
				Step:     step,
				NodeID:   rn.tasks[i].node,
				Msg:      emit.MsgNodeError,
				Meta:     map[string]any{"error": err.Error(), "checkpoint_id": rn.cp.ID},
			})
			return false, &StepExecutionError{Node: rn.tasks[i].node, ThreadID: rn.threadID, CheckpointID: rn.cp.ID, Cause: err}
		}
	}

	tasks := append([]task(nil), rn.tasks...)
	var interrupts, raised []store.Interrupt
	for _, in := range rn.interrupts {
		if _, answered := decisions[in.ID]; !answered {
			interrupts = append(interrupts, in)
		}
	}
	for k, i := range runIdx {
		t := &tasks[i]
		res := outcomes[k].res
		if res.suspend != nil {
			payload, err := json.Marshal(res.suspend.payload)
			if err != nil {
				return false, &StepExecutionError{Node: t.node, ThreadID: rn.threadID, CheckpointID: rn.cp.ID,
					Cause: fmt.Errorf("encode interrupt payload: %w", err)}
			}
			t.status = store.TaskSuspended
			t.interruptID = interruptID(rn.threadID, rn.cp.ID, t.node, i)
			raised = append(raised, store.Interrupt{ID: t.interruptID, Node: t.node, TaskIndex: i, Payload: payload})
			continue
		}
		t.status = store.TaskDone
		t.update = res.Delta
		t.route = res.Route
		t.interruptID = ""
	}
	interrupts = append(interrupts, raised...)
	sort.SliceStable(interrupts, func(a, b int) bool { return interrupts[a].TaskIndex < interrupts[b].TaskIndex })

	// Merge in task order; on suspension the result only validates the deltas.
	merged := rn.state
	for _, t := range tasks {
		if t.status != store.TaskDone {
			continue
		}
		next, err := r.schema.Merge(merged, t.update)
		if err != nil {
			return false, &StepExecutionError{Node: t.node, ThreadID: rn.threadID, CheckpointID: rn.cp.ID, Cause: err}
		}
		merged = next
	}

	if len(interrupts) > 0 {
		cp, err := r.checkpoint(rn, rn.cp.Step, source, rn.state, tasks, interrupts)
		if err != nil {
			return false, err
		}
		saved, err := r.save(ctx, cp)
		if err != nil {
			return false, err
		}
		for _, in := range raised {
			r.cfg.metrics.InterruptRaised(in.Node)
			r.emit(emit.Event{
				ThreadID: rn.threadID,
				Step:     step,
				NodeID:   in.Node,
				Msg:      emit.MsgInterrupt,
				Meta:     map[string]any{"interrupt_id": in.ID, "checkpoint_id": saved.ID},
			})
		}
		rn.advance(saved, rn.state, tasks)
		return true, nil
	}

	var targets []Target
	for _, t := range tasks {
		next, err := r.route(ctx, t.node, t.route, merged)
		if err != nil {
			return false, &StepExecutionError{Node: t.node, ThreadID: rn.threadID, CheckpointID: rn.cp.ID, Cause: err}
		}
		targets = append(targets, next...)
	}
	pending := schedule(targets)

	cp, err := r.checkpoint(rn, step, source, merged, pending, nil)
	if err != nil {
		return false, err
	}
	saved, err := r.save(ctx, cp)
	if err != nil {
		return false, err
	}
	rn.advance(saved, merged, pending)

	if rn.mode == StreamUpdates {
		for _, t := range tasks {
			if err := rn.send(StreamEvent{
				Kind:         EventUpdates,
				Step:         step,
				CheckpointID: saved.ID,
				Node:         t.node,
				Update:       t.update.Clone(),
			}); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	return false, rn.send(StreamEvent{Kind: EventValues, Step: step, CheckpointID: saved.ID, Values: merged.Clone()})
}

// check turns a task outcome into the error that fails the superstep, if any.
func (rn *run) check(t task, out outcome) error {
	if out.err != nil {
		return out.err
	}
	if out.res.suspend != nil || out.res.Route.IsZero() {
		return nil
	}
	for _, target := range out.res.Route.Targets() {
		if err := rn.r.checkExplicit(t.node, target); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs the tasks at runIdx on a bounded worker pool and returns
// their outcomes in the same order.
func (r *Runnable) dispatch(ctx context.Context, rn *run, step int, runIdx []int, decisions map[string]any) ([]outcome, error) {
	outcomes := make([]outcome, len(runIdx))
	if len(runIdx) == 0 {
		return outcomes, nil
	}

	pool, err := ants.NewPool(min(r.cfg.maxConcurrency, len(runIdx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create task pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for k, i := range runIdx {
		t := rn.tasks[i]
		spec, ok := r.nodes[t.node]
		if !ok {
			outcomes[k].err = &UnknownNodeError{Node: t.node}
			continue
		}
		input, err := r.taskInput(rn.state, t)
		if err != nil {
			outcomes[k].err = err
			continue
		}
		resume, hasResume := decisions[t.interruptID]
		hasResume = hasResume && t.status == store.TaskSuspended

		wg.Add(1)
		err = pool.Submit(func() {
			defer wg.Done()
			outcomes[k] = r.execute(ctx, rn.threadID, step, spec, input, resume, hasResume)
		})
		if err != nil {
			wg.Done()
			outcomes[k].err = fmt.Errorf("failed to submit task: %w", err)
		}
	}
	wg.Wait()
	return outcomes, nil
}

// taskInput is the state a task runs over: the shared snapshot, or for Send
// tasks the schema defaults merged with the task's own input.
func (r *Runnable) taskInput(shared State, t task) (State, error) {
	if t.input == nil {
		return shared.Clone(), nil
	}
	return r.schema.Merge(r.schema.Defaults(), t.input)
}

func (r *Runnable) execute(ctx context.Context, threadID string, step int, spec *nodeSpec, input State, resume any, hasResume bool) (out outcome) {
	r.cfg.metrics.TaskStarted()
	defer r.cfg.metrics.TaskFinished()
	r.emit(emit.Event{ThreadID: threadID, Step: step, NodeID: spec.name, Msg: emit.MsgNodeStart})

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			out = outcome{err: &PanicError{Value: p, Stack: debug.Stack()}}
		}
		out.latency = time.Since(start)

		status := "success"
		var engErr *EngineError
		switch {
		case errors.As(out.err, &engErr) && engErr.Code == "NODE_TIMEOUT":
			status = "timeout"
		case out.err != nil:
			status = "error"
		case out.res.suspend != nil:
			status = "suspended"
		}
		r.cfg.metrics.RecordStepLatency(spec.name, out.latency, status)
		if out.err == nil {
			r.emit(emit.Event{
				ThreadID: threadID,
				Step:     step,
				NodeID:   spec.name,
				Msg:      emit.MsgNodeEnd,
				Meta:     map[string]any{"latency_ms": out.latency.Milliseconds(), "status": status},
			})
		}
	}()

	if hasResume {
		ctx = withResumeValue(ctx, resume)
	}
	out.res = runWithTimeout(ctx, spec, input, r.cfg.nodeTimeout)
	out.err = out.res.Err
	return out
}

// route computes where a completed node goes next. An explicit route wins;
// otherwise static edges come first, then each conditional router in
// registration order.
func (r *Runnable) route(ctx context.Context, from string, explicit Next, st State) (targets []Target, err error) {
	if !explicit.IsZero() {
		targets = explicit.Targets()
		for _, t := range targets {
			if err := r.checkExplicit(from, t); err != nil {
				return nil, err
			}
		}
		return targets, nil
	}

	for _, to := range r.edges[from] {
		targets = append(targets, Target{Node: to})
	}
	for _, c := range r.conds[from] {
		chosen, err := callRouter(ctx, c.router, st)
		if err != nil {
			return nil, err
		}
		for _, t := range chosen {
			if !c.destinations[t.Node] {
				return nil, &UnknownNodeError{Node: t.Node, From: from}
			}
			if err := r.checkInput(t); err != nil {
				return nil, err
			}
			targets = append(targets, t)
		}
	}
	return targets, nil
}

func callRouter(ctx context.Context, router Router, st State) (targets []Target, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return router(ctx, st), nil
}

// checkExplicit validates a target returned in NodeResult.Route: End is always
// allowed, otherwise the node's declared Ends or, without any, every
// registered node.
func (r *Runnable) checkExplicit(from string, t Target) error {
	if t.Node == End {
		return nil
	}
	if spec, ok := r.nodes[from]; ok && len(spec.ends) > 0 {
		declared := false
		for _, e := range spec.ends {
			if e == t.Node {
				declared = true
				break
			}
		}
		if !declared {
			return &UnknownNodeError{Node: t.Node, From: from}
		}
	}
	if _, ok := r.nodes[t.Node]; !ok {
		return &UnknownNodeError{Node: t.Node, From: from}
	}
	return r.checkInput(t)
}

// checkInput rejects Send inputs the schema cannot merge.
func (r *Runnable) checkInput(t Target) error {
	if t.Input == nil || t.Node == End {
		return nil
	}
	_, err := r.schema.Merge(r.schema.Defaults(), t.Input)
	return err
}

// schedule turns routed targets into the next superstep's tasks. End is
// dropped and plain targets run once; Send targets are kept one task each.
func schedule(targets []Target) []task {
	var tasks []task
	seen := make(map[string]bool)
	for _, t := range targets {
		if t.Node == End {
			continue
		}
		if t.Input == nil {
			if seen[t.Node] {
				continue
			}
			seen[t.Node] = true
		}
		tasks = append(tasks, task{node: t.Node, input: cloneInput(t.Input), status: store.TaskPending})
	}
	return tasks
}

func cloneInput(s State) State {
	if s == nil {
		return nil
	}
	return s.Clone()
}

// checkpoint builds the next checkpoint of rn's thread.
func (r *Runnable) checkpoint(rn *run, step int, source store.Source, st State, tasks []task, interrupts []store.Interrupt) (store.Checkpoint, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("failed to generate checkpoint ID: %w", err)
	}
	data, err := r.schema.Encode(st)
	if err != nil {
		return store.Checkpoint{}, err
	}
	encoded, err := r.encodeTasks(tasks)
	if err != nil {
		return store.Checkpoint{}, err
	}
	cp := store.Checkpoint{
		ThreadID:   rn.threadID,
		ID:         id.String(),
		Step:       step,
		Source:     source,
		State:      data,
		Tasks:      encoded,
		Interrupts: interrupts,
		CreatedAt:  time.Now().UTC(),
	}
	if rn.exists {
		cp.ParentID = rn.cp.ID
	}
	if r.cfg.name != "" {
		cp.Metadata = map[string]string{"graph": r.cfg.name}
	}
	return cp, nil
}

// save appends cp to its thread and reports it.
func (r *Runnable) save(ctx context.Context, cp store.Checkpoint) (store.Checkpoint, error) {
	saved, err := r.cfg.store.Put(ctx, cp)
	if errors.Is(err, store.ErrStaleCheckpoint) {
		r.cfg.metrics.StaleConflict()
		r.cfg.logger.Warnw("thread advanced by another writer", "thread", cp.ThreadID, "parent", cp.ParentID)
		return store.Checkpoint{}, fmt.Errorf("thread %s: %w", cp.ThreadID, err)
	}
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	r.recordSaved(saved)
	return saved, nil
}

func (r *Runnable) recordSaved(cp store.Checkpoint) {
	r.cfg.metrics.CheckpointSaved(string(cp.Source))
	r.cfg.logger.Debugw("checkpoint written", "thread", cp.ThreadID, "checkpoint", cp.ID, "step", cp.Step,
		"source", cp.Source, "tasks", len(cp.Tasks))
	r.emit(emit.Event{
		ThreadID: cp.ThreadID,
		Step:     cp.Step,
		Msg:      emit.MsgCheckpointSaved,
		Meta:     map[string]any{"checkpoint_id": cp.ID, "source": string(cp.Source), "tasks": len(cp.Tasks)},
	})
}

func (r *Runnable) encodeTasks(tasks []task) ([]store.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	out := make([]store.Task, len(tasks))
	for i, t := range tasks {
		st := store.Task{Node: t.node, Status: t.status, InterruptID: t.interruptID}
		var err error
		if t.input != nil {
			if st.Input, err = r.schema.Encode(t.input); err != nil {
				return nil, err
			}
		}
		if t.status == store.TaskDone {
			if st.Update, err = r.schema.Encode(t.update); err != nil {
				return nil, err
			}
			if !t.route.IsZero() {
				if st.Route, err = r.encodeRoute(t.route); err != nil {
					return nil, err
				}
			}
		}
		out[i] = st
	}
	return out, nil
}

func (r *Runnable) decodeTasks(stored []store.Task) ([]task, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	out := make([]task, len(stored))
	for i, st := range stored {
		t := task{node: st.Node, status: st.Status, interruptID: st.InterruptID}
		var err error
		if st.Input != nil {
			if t.input, err = r.schema.Decode(st.Input); err != nil {
				return nil, fmt.Errorf("task %d input: %w", i, err)
			}
		}
		if st.Update != nil {
			if t.update, err = r.schema.Decode(st.Update); err != nil {
				return nil, fmt.Errorf("task %d update: %w", i, err)
			}
		}
		if st.Route != nil {
			if t.route, err = r.decodeRoute(st.Route); err != nil {
				return nil, fmt.Errorf("task %d route: %w", i, err)
			}
		}
		out[i] = t
	}
	return out, nil
}

func (r *Runnable) encodeRoute(n Next) (json.RawMessage, error) {
	rec := routeRecord{Terminal: n.Terminal}
	for _, t := range n.Targets() {
		tr := targetRecord{Node: t.Node}
		if t.Input != nil {
			data, err := r.schema.Encode(t.Input)
			if err != nil {
				return nil, err
			}
			tr.Input = data
		}
		rec.Targets = append(rec.Targets, tr)
	}
	return json.Marshal(rec)
}

func (r *Runnable) decodeRoute(data json.RawMessage) (Next, error) {
	var rec routeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Next{}, err
	}
	n := Next{Terminal: rec.Terminal}
	for _, tr := range rec.Targets {
		t := Target{Node: tr.Node}
		if tr.Input != nil {
			in, err := r.schema.Decode(tr.Input)
			if err != nil {
				return Next{}, err
			}
			t.Input = in
		}
		n.Sends = append(n.Sends, t)
	}
	return n, nil
}
