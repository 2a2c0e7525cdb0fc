package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/core"
)

// Topic conventions (spec §6). The orchestrator publishes only the
// reverse-DNS forms; legacy forms are accepted on subscription elsewhere
// (core.AgentRegistry already does this for agent.join/leave).
const (
	orchestrationRequestTopic  = "io.amcp.orchestration.request"
	legacyOrchestrationRequest = "orchestration.request"

	planCreatedTopic = "io.amcp.orchestration.plan.created"
	completeTopic    = "io.amcp.orchestration.complete"
	taskRequestTopic = "io.amcp.orchestration.task.request"
	taskTimeoutTopic = "io.amcp.orchestration.task.timeout"
	errorTopic       = "io.amcp.error"

	taskResponseWildcard = "io.amcp.orchestration.task.response.*"
	legacyResponseSuffix = "*.response"

	ceSource = "urn:amcp:orchestrator"
)

// session is the orchestrator's private mutable bookkeeping for one
// request; Session is the immutable-ish public snapshot derived from it.
type session struct {
	mu       sync.Mutex
	public   Session
	cancel   context.CancelFunc
	finished bool
}

// Orchestrator owns the session lifecycle described in spec §4.9: plan,
// dispatch by level, collect with timeout, synthesize, complete.
type Orchestrator struct {
	broker   *core.Broker
	tracker  *core.CorrelationTracker
	registry *core.AgentRegistry
	planner  *PlanningEngine
	synth    *Synthesizer
	logger   core.Logger
	cfg      OrchestratorConfig
	metrics  *orchestratorMetrics

	mu       sync.RWMutex
	sessions map[string]*session

	historyMu sync.Mutex
	history   []ExecutionRecord
}

// NewOrchestrator wires every collaborator and subscribes to the
// orchestration request and task response topics.
func NewOrchestrator(
	broker *core.Broker,
	tracker *core.CorrelationTracker,
	registry *core.AgentRegistry,
	planner *PlanningEngine,
	synth *Synthesizer,
	logger core.Logger,
	cfg OrchestratorConfig,
) (*Orchestrator, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	o := &Orchestrator{
		broker:   broker,
		tracker:  tracker,
		registry: registry,
		planner:  planner,
		synth:    synth,
		logger:   logger,
		cfg:      cfg,
		metrics:  newOrchestratorMetrics(),
		sessions: make(map[string]*session),
	}

	requestHandler := func(ctx context.Context, event *core.Event) error {
		go o.runSession(event)
		return nil
	}
	if err := broker.Subscribe(cfg.OrchestratorID, orchestrationRequestTopic, requestHandler); err != nil {
		return nil, err
	}
	if err := broker.Subscribe(cfg.OrchestratorID, legacyOrchestrationRequest, requestHandler); err != nil {
		return nil, err
	}

	responseHandler := func(ctx context.Context, event *core.Event) error {
		o.handleTaskResponse(event)
		return nil
	}
	if err := broker.Subscribe(cfg.OrchestratorID, taskResponseWildcard, responseHandler); err != nil {
		return nil, err
	}
	if err := broker.Subscribe(cfg.OrchestratorID, legacyResponseSuffix, responseHandler); err != nil {
		return nil, err
	}

	return o, nil
}

// handleTaskResponse completes the correlation named in the response
// event's correlationId. A response for an id already completed (duplicate,
// or arrived after timeout/cancel) is a silent no-op — core.CorrelationTracker
// already guarantees this (spec §4.9 "Duplicate response events").
func (o *Orchestrator) handleTaskResponse(event *core.Event) {
	corrID := event.CorrelationID()
	if corrID == "" {
		return
	}
	o.tracker.Complete(corrID, event.Payload())
}

// runSession drives one request from CREATED through to a terminal state.
// Invoked on its own goroutine per dispatch from the broker so the
// orchestrator's subscription handler never blocks the broker (spec §4.3
// "distinct from the publisher's thread").
func (o *Orchestrator) runSession(event *core.Event) {
	o.metrics.incTotal()

	payload, _ := event.Payload().(map[string]interface{})
	query, _ := payload["query"].(string)

	sessionID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SessionTimeout)

	sess := &session{
		cancel: cancel,
		public: Session{
			SessionID:     sessionID,
			CorrelationID: event.CorrelationID(),
			UserQuery:     query,
			Mode:          ModeAutonomous,
			StartTime:     time.Now(),
			State:         SessionCreated,
			TaskResults:   make(map[string]*TaskResult),
		},
	}
	o.mu.Lock()
	o.sessions[sessionID] = sess
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.sessions, sessionID)
		o.mu.Unlock()
		// Enforce "no pending future outlives its session" unconditionally,
		// even on a path that already released its own correlations.
		o.tracker.CancelSession(sessionID, core.ErrCancelled)
		// A concurrent external Cancel() may have flipped the session to
		// CANCELLED between two of our own transition checks below, which
		// makes every subsequent forward transition fail and every
		// remaining step in this function return early without ever
		// calling finish. Catch that race here so the cancellation path
		// still publishes its terminal event exactly once (spec §4.9
		// "Cancellation").
		if sess.snapshotState() == SessionCancelled {
			o.finish(sess, false)
		}
	}()

	if !o.transition(sess, SessionPlanning) {
		return
	}

	plan := o.runPlanning(ctx, sess)
	if sess.snapshotState() == SessionFailed {
		o.finish(sess, false)
		return
	}

	if !o.transition(sess, SessionDispatching) {
		return
	}
	ok := o.runDispatchAndCollect(ctx, sess, plan)
	if !o.transition(sess, SessionCollecting) {
		return
	}
	if !ok {
		o.transition(sess, SessionFailed)
		o.finish(sess, false)
		return
	}

	if !o.transition(sess, SessionSynthesizing) {
		return
	}
	o.runSynthesis(ctx, sess, plan)
	o.transition(sess, SessionCompleted)
	o.finish(sess, true)
}

func (s *session) snapshotState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.public.State
}

// transition enforces the forward-only state machine (spec §8 invariant 4).
// A transition into a non-forward state is a no-op returning false.
func (o *Orchestrator) transition(sess *session, next SessionState) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.public.State.forwardOf(next) {
		return false
	}
	sess.public.State = next
	return true
}

func (o *Orchestrator) runPlanning(ctx context.Context, sess *session) *TaskPlan {
	start := time.Now()
	agents := o.registry.DiscoverAgents()

	planCtx, cancel := context.WithTimeout(ctx, PlannerExecutionTimeout)
	defer cancel()

	plan := o.planner.GeneratePlan(planCtx, sess.public.SessionID, sess.public.CorrelationID, sess.public.UserQuery, agents)
	o.metrics.recordPhase(phasePlan, time.Since(start).Milliseconds())

	sess.mu.Lock()
	sess.public.Plan = plan
	sess.mu.Unlock()

	o.publishEvent(planCreatedTopic, map[string]interface{}{"planId": plan.PlanID}, "", "io.amcp.orchestration.plan.created")
	return plan
}

func (o *Orchestrator) runDispatchAndCollect(ctx context.Context, sess *session, plan *TaskPlan) bool {
	dispatchStart := time.Now()
	for _, level := range plan.ExecutionLevels() {
		levelOK := o.runLevel(ctx, sess, level)
		if !levelOK {
			o.metrics.recordPhase(phaseDispatch, time.Since(dispatchStart).Milliseconds())
			return false
		}
	}
	o.metrics.recordPhase(phaseDispatch, time.Since(dispatchStart).Milliseconds())
	return true
}

// runLevel dispatches every task in a level concurrently, then awaits all
// of them before returning — the happens-before barrier required by spec
// §5 ("task-request publishes for level k strictly precede ... level k+1").
func (o *Orchestrator) runLevel(ctx context.Context, sess *session, level []*TaskDefinition) bool {
	collectStart := time.Now()
	defer func() { o.metrics.recordPhase(phaseCollect, time.Since(collectStart).Milliseconds()) }()

	agents := o.registry.DiscoverAgents()

	type outcome struct {
		task   *TaskDefinition
		result *TaskResult
	}
	results := make(chan outcome, len(level))
	var wg sync.WaitGroup

	for _, task := range level {
		task := task
		if !routable(task, agents) {
			results <- outcome{task: task, result: &TaskResult{
				TaskID:       task.TaskID,
				AgentType:    task.AgentType,
				Success:      false,
				ErrorMessage: fmt.Sprintf("no agent provides capability %q", task.Capability),
			}}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			result := o.dispatchOne(ctx, sess, task)
			for retry := 0; !result.Success && retry < o.cfg.DefaultRetries && ctx.Err() == nil; retry++ {
				result = o.dispatchOne(ctx, sess, task)
			}
			results <- outcome{task: task, result: result}
		}()
	}

	go func() {
		wg.Wait()
	}()

	levelOK := true
	for range level {
		out := <-results
		sess.mu.Lock()
		sess.public.TaskResults[out.task.TaskID] = out.result
		sess.mu.Unlock()

		if !out.result.Success && !out.task.Optional {
			levelOK = false
		}
	}
	return levelOK
}

func routable(task *TaskDefinition, agents []core.AgentInfo) bool {
	for _, a := range agents {
		if a.AgentID == task.AgentType {
			return true
		}
		for _, c := range a.Capabilities {
			if c == task.Capability {
				return true
			}
		}
	}
	return false
}

// dispatchOne registers a correlation future, publishes the task-request
// event, and awaits the response or timeout.
func (o *Orchestrator) dispatchOne(ctx context.Context, sess *session, task *TaskDefinition) *TaskResult {
	corrID := uuid.NewString()

	budget := time.Duration(task.TimeoutMs) * time.Millisecond
	deadline := time.Now().Add(budget)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	resultCh, err := o.tracker.CreateCorrelation(corrID, sess.public.SessionID, deadline)
	if err != nil {
		return &TaskResult{TaskID: task.TaskID, AgentType: task.AgentType, Success: false, ErrorMessage: err.Error()}
	}

	payload := map[string]interface{}{
		"query":          sess.public.UserQuery,
		"parameters":     task.Parameters,
		"conversationId": sess.public.CorrelationID,
		"sessionId":      sess.public.SessionID,
		"intent":         task.Capability,
		"orchestratorId": o.cfg.OrchestratorID,
	}
	o.publishEvent(taskRequestTopic, payload, corrID, "io.amcp.orchestration.task.request")

	start := time.Now()
	awaitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Wait on the channel CreateCorrelation returned rather than looking the
	// id up again: a fast responder may already have completed and removed
	// the entry by the time this line runs.
	var value interface{}
	select {
	case res := <-resultCh:
		value, err = res.Payload, res.Err
	case <-awaitCtx.Done():
		o.tracker.Cancel(corrID, awaitCtx.Err())
		err = core.NewMeshError("Orchestrator.dispatchOne", "Cancelled", core.ErrCancelled)
	}
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if core.IsTimeout(err) {
			o.publishEvent(taskTimeoutTopic, map[string]interface{}{
				"taskId":        task.TaskID,
				"correlationId": corrID,
			}, corrID, "io.amcp.orchestration.task.timeout")
		}
		return &TaskResult{TaskID: task.TaskID, AgentType: task.AgentType, ExecutionTimeMs: elapsed, Success: false, ErrorMessage: err.Error()}
	}

	respMap, _ := value.(map[string]interface{})
	var data interface{}
	if respMap != nil {
		if d, ok := respMap["data"]; ok {
			data = d
		} else {
			data = respMap["response"]
		}
	} else {
		data = value
	}

	return &TaskResult{TaskID: task.TaskID, AgentType: task.AgentType, Data: data, ExecutionTimeMs: elapsed, Success: true}
}

func (o *Orchestrator) runSynthesis(ctx context.Context, sess *session, plan *TaskPlan) {
	start := time.Now()

	sess.mu.Lock()
	results := make([]*TaskResult, 0, len(sess.public.TaskResults))
	var ids []string
	for id := range sess.public.TaskResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		results = append(results, sess.public.TaskResults[id])
	}
	query := sess.public.UserQuery
	sess.mu.Unlock()

	text := o.synth.Synthesize(ctx, query, results)

	sess.mu.Lock()
	sess.public.FinalResponse = text
	sess.mu.Unlock()

	o.metrics.recordPhase(phaseSynth, time.Since(start).Milliseconds())
}

// finish publishes the terminal completion/error event and updates the
// success/failure counters. Guarded to run at most once per session: the
// dispatch/synthesis paths and the deferred cancellation check in
// runSession can both observe a reason to finish the same session.
func (o *Orchestrator) finish(sess *session, success bool) {
	sess.mu.Lock()
	if sess.finished {
		sess.mu.Unlock()
		return
	}
	sess.finished = true
	state := sess.public.State
	finalResponse := sess.public.FinalResponse
	sessionID := sess.public.SessionID
	corrID := sess.public.CorrelationID
	userQuery := sess.public.UserQuery
	startTime := sess.public.StartTime
	sess.mu.Unlock()

	defer func() {
		o.recordHistory(ExecutionRecord{
			SessionID:     sessionID,
			UserQuery:     userQuery,
			State:         state,
			FinalResponse: finalResponse,
			StartTime:     startTime,
			DurationMs:    time.Since(startTime).Milliseconds(),
		})
	}()

	if state == SessionCancelled {
		o.metrics.incCancelled()
		finalResponse = fmt.Sprintf("Sorry, that request was cancelled (correlationId=%s).", corrID)
		sess.mu.Lock()
		sess.public.FinalResponse = finalResponse
		sess.mu.Unlock()
		o.publishEvent(errorTopic, map[string]interface{}{
			"errorType":     "Cancelled",
			"severity":      "info",
			"errorMessage":  "session cancelled",
			"correlationId": corrID,
			"sessionId":     sessionID,
		}, corrID, "io.amcp.error")
	} else if !success {
		o.metrics.incFailed()
		finalResponse = fmt.Sprintf("Sorry, I couldn't complete that request (correlationId=%s).", corrID)
		sess.mu.Lock()
		sess.public.FinalResponse = finalResponse
		sess.mu.Unlock()
		o.publishEvent(errorTopic, map[string]interface{}{
			"errorType":     "OrchestrationFailed",
			"severity":      "error",
			"errorMessage":  "one or more non-optional tasks failed",
			"correlationId": corrID,
			"sessionId":     sessionID,
		}, corrID, "io.amcp.error")
	} else {
		o.metrics.incSuccessful()
	}

	o.publishEvent(completeTopic, map[string]interface{}{
		"response":  finalResponse,
		"sessionId": sessionID,
	}, corrID, "io.amcp.orchestration.complete")
}

// Cancel flips an in-flight session to CANCELLED, cascades the cancel to
// every outstanding correlation for that session, and cancels the
// session's context so in-flight awaits unblock promptly. In-flight
// handlers run to completion but their results are discarded (spec §4.9
// "Cancellation").
func (o *Orchestrator) Cancel(sessionID string) error {
	o.mu.RLock()
	sess, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return core.NewMeshError("Orchestrator.Cancel", "InvalidParameters", core.ErrAgentNotFound)
	}

	sess.mu.Lock()
	if sess.public.State.terminal() {
		sess.mu.Unlock()
		return nil
	}
	sess.public.State = SessionCancelled
	sess.mu.Unlock()

	o.tracker.CancelSession(sessionID, core.ErrCancelled)
	sess.cancel()
	return nil
}

// Stats returns the current metrics snapshot (spec §4.11).
func (o *Orchestrator) Stats() OrchestratorStats {
	return o.metrics.snapshot()
}

// recordHistory appends to the bounded ring buffer, dropping the oldest
// entry once HistorySize is reached. A zero HistorySize disables history.
func (o *Orchestrator) recordHistory(rec ExecutionRecord) {
	if o.cfg.HistorySize <= 0 {
		return
	}
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	o.history = append(o.history, rec)
	if len(o.history) > o.cfg.HistorySize {
		o.history = o.history[len(o.history)-o.cfg.HistorySize:]
	}
}

// History returns a snapshot of the most recently completed sessions,
// oldest first, bounded by OrchestratorConfig.HistorySize.
func (o *Orchestrator) History() []ExecutionRecord {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	out := make([]ExecutionRecord, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) publishEvent(topic string, payload map[string]interface{}, corrID, ceType string) {
	builder := core.NewEvent(topic).
		WithPayload(payload).
		WithSender(o.cfg.OrchestratorID).
		WithCloudEvents(ceType, ceSource, "application/json")
	if corrID != "" {
		builder = builder.WithCorrelationID(corrID)
	}
	event, err := builder.Build()
	if err != nil {
		o.logger.Error("failed to build event", map[string]interface{}{"topic": topic, "error": err.Error()})
		return
	}
	if err := o.broker.Publish(context.Background(), event); err != nil {
		o.logger.Error("failed to publish event", map[string]interface{}{"topic": topic, "error": err.Error()})
	}
}
