package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/djeidy/codex-sub000/llmclient"
	"github.com/djeidy/codex-sub000/shelltool"
)

// State describes where the loop is in its turn lifecycle.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingStream State = "awaiting_stream"
	StateStreaming      State = "streaming_response"
	StateExecutingTools State = "executing_tools"
	StateCompleted      State = "completed"
	StateCanceled       State = "canceled"
	StateTerminated     State = "terminated"
)

const (
	// DefaultWatchdogWindow is how long a stream may go without producing
	// an event before the loop gives up on it.
	DefaultWatchdogWindow = 15 * time.Second

	// DefaultStageDelay is how long a completed item is held before
	// publication, giving a near-simultaneous cancel a chance to suppress it.
	DefaultStageDelay = 3 * time.Millisecond

	// DefaultConfirmTimeout bounds how long a command approval request may
	// sit unanswered before it counts as a denial.
	DefaultConfirmTimeout = 30 * time.Second

	// maxTrackedIDs bounds the processed-call and staged-item sets; older
	// entries are evicted first.
	maxTrackedIDs = 4096
)

// contextWindowGuidance is surfaced as an assistant message when the
// conversation no longer fits the model's context window.
const contextWindowGuidance = "The conversation is too long for the model's context window. " +
	"Start a new session, remove older messages, or switch to a model with a larger context window."

// ErrTerminated is returned by Run after Terminate has been called.
var ErrTerminated = errors.New("agent loop terminated")

// ToolRunner executes tool calls on the loop's behalf.
type ToolRunner interface {
	Execute(ctx context.Context, req shelltool.Request, approve shelltool.ApprovalFunc) shelltool.Result
}

// Config controls a Loop. Approval policy lives on the tool executor, not
// here; the loop only supplies the confirmation channel.
type Config struct {
	Model           string
	Instructions    string
	ReasoningEffort string

	// DisableResponseStorage switches the loop to transcript replay: the
	// full conversation rides along with every request instead of a
	// previous-response pointer.
	DisableResponseStorage bool

	WatchdogWindow time.Duration
	StageDelay     time.Duration
	ConfirmTimeout time.Duration
	Retry          llmclient.RetryPolicy
}

// DefaultConfig returns the configuration used for interactive sessions.
func DefaultConfig(model string) Config {
	return Config{
		Model:          model,
		WatchdogWindow: DefaultWatchdogWindow,
		StageDelay:     DefaultStageDelay,
		ConfirmTimeout: DefaultConfirmTimeout,
		Retry:          llmclient.DefaultRetryPolicy(),
	}
}

// Loop drives conversations with the model: it streams responses, executes
// the tool calls they request, feeds the outputs back, and repeats until the
// model finishes its turn. One Loop serves one conversation; Run may only be
// active once at a time.
type Loop struct {
	client llmclient.Streamer
	tools  ToolRunner
	bridge *Bridge
	cfg    Config

	mu              sync.Mutex
	state           State
	generation      uint64
	lastResponseID  string
	transcript      []llmclient.InputItem
	pendingAborts   map[string]string // call id -> originating item type
	processed       *idSet
	staged          *idSet
	turnCancel      context.CancelFunc
	terminated      bool
	completeEmitted bool

	stageCh chan stagedEntry
	quit    chan struct{}
}

// New creates a Loop. A nil bridge gets a fresh one; Bridge() returns it.
func New(client llmclient.Streamer, tools ToolRunner, bridge *Bridge, cfg Config) *Loop {
	if cfg.WatchdogWindow <= 0 {
		cfg.WatchdogWindow = DefaultWatchdogWindow
	}
	if cfg.StageDelay <= 0 {
		cfg.StageDelay = DefaultStageDelay
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if bridge == nil {
		bridge = NewBridge()
	}
	l := &Loop{
		client:        client,
		tools:         tools,
		bridge:        bridge,
		cfg:           cfg,
		state:         StateIdle,
		pendingAborts: make(map[string]string),
		processed:     newIDSet(maxTrackedIDs),
		staged:        newIDSet(maxTrackedIDs),
		stageCh:       make(chan stagedEntry, 256),
		quit:          make(chan struct{}),
	}
	go l.stageLoop()
	return l
}

// Bridge returns the event bridge the loop publishes to.
func (l *Loop) Bridge() *Bridge { return l.bridge }

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Generation returns the current turn generation counter.
func (l *Loop) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// LastResponseID returns the upstream conversation pointer, empty when no
// response is linked.
func (l *Loop) LastResponseID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastResponseID
}

// SetLastResponseID seeds the upstream conversation pointer, used when
// resuming a stored session. It has no effect while a turn is active.
func (l *Loop) SetLastResponseID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateAwaitingStream, StateStreaming, StateExecutingTools:
		return
	}
	l.lastResponseID = id
}

// Run submits input to the model and drives the turn to completion: stream,
// execute requested tools, send their outputs back, repeat. It returns once
// the turn has completed, been canceled, or failed terminally. Cancellation
// is not an error.
func (l *Loop) Run(ctx context.Context, input []llmclient.InputItem) error {
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return ErrTerminated
	}
	l.generation++
	gen := l.generation
	l.state = StateAwaitingStream
	l.completeEmitted = false
	aborts, abortIDs := l.syntheticAbortsLocked()
	turnCtx, cancel := context.WithCancel(ctx)
	l.turnCancel = cancel
	l.mu.Unlock()
	defer cancel()

	return l.runTurn(turnCtx, gen, append(aborts, input...), abortIDs)
}

// Cancel aborts the active turn. In-flight work is abandoned, staged items
// are dropped, and unresolved tool calls surface as synthetic "aborted"
// results on the next run. Cancel with no active turn does nothing.
func (l *Loop) Cancel() {
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return
	}
	switch l.state {
	case StateAwaitingStream, StateStreaming, StateExecutingTools:
	default:
		l.mu.Unlock()
		return
	}
	l.generation++
	l.state = StateCanceled
	if l.turnCancel != nil {
		l.turnCancel()
	}
	if len(l.pendingAborts) == 0 {
		// No unresolved calls, so the next turn may start a fresh thread
		// rather than chain onto a response we walked away from.
		l.lastResponseID = ""
	}
	l.mu.Unlock()

	l.bridge.PublishTurnCanceled()
	l.bridge.PublishLoading(false)
}

// Terminate cancels any active turn and shuts the loop down permanently.
// Run returns ErrTerminated afterward.
func (l *Loop) Terminate() {
	l.Cancel()
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return
	}
	l.terminated = true
	l.state = StateTerminated
	l.mu.Unlock()
	close(l.quit)
}

// runTurn alternates streaming and tool execution until the model completes
// its turn without requesting more work.
func (l *Loop) runTurn(ctx context.Context, gen uint64, turnInput []llmclient.InputItem, resolved []string) error {
	l.bridge.PublishLoading(true)
	for {
		prev := l.previousResponseID()
		out, err := l.attemptStream(ctx, gen, turnInput, resolved, prev)
		if err != nil {
			return l.failTurn(gen, err)
		}
		if out.abandoned {
			return nil
		}
		if out.forced || len(out.toolCalls) == 0 {
			l.finishTurnAndWait(gen)
			return nil
		}

		l.setState(gen, StateExecutingTools)
		outputs, resolvedIDs := l.executeToolCalls(ctx, gen, out.toolCalls)
		if l.staleGeneration(gen) {
			return nil
		}
		if len(outputs) == 0 {
			l.finishTurnAndWait(gen)
			return nil
		}
		turnInput = outputs
		resolved = resolvedIDs
	}
}

type streamOutcome struct {
	toolCalls []llmclient.Item
	forced    bool
	abandoned bool
}

// attemptStream runs one request of the turn, retrying transient failures.
// Retries reuse the same previous-response pointer so a failed attempt never
// changes what the next one chains onto. The request's inputs are committed
// exactly once, when the first accepted response arrives.
func (l *Loop) attemptStream(ctx context.Context, gen uint64, input []llmclient.InputItem, resolved []string, prev string) (streamOutcome, error) {
	committed := false
	onAccepted := func() {
		if committed {
			return
		}
		committed = true
		l.commitTurnInput(input, resolved)
	}

	for attempt := 0; ; attempt++ {
		out, err := l.streamOnce(ctx, gen, input, prev, onAccepted)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			l.publishCanceled(gen)
			return streamOutcome{abandoned: true}, nil
		}
		if l.staleGeneration(gen) || errors.Is(err, context.Canceled) {
			return streamOutcome{abandoned: true}, nil
		}
		if !llmclient.IsRetryable(err) || attempt >= l.cfg.Retry.MaxRetries {
			return streamOutcome{}, err
		}
		delay := l.cfg.Retry.BackoffDelay(err, attempt)
		if serr := llmclient.Sleep(ctx, delay); serr != nil {
			l.publishCanceled(gen)
			return streamOutcome{abandoned: true}, nil
		}
	}
}

// streamOnce issues a single streaming request and consumes it to the end.
func (l *Loop) streamOnce(ctx context.Context, gen uint64, input []llmclient.InputItem, prev string, onAccepted func()) (streamOutcome, error) {
	req := &llmclient.TurnRequest{
		Model:           l.cfg.Model,
		Instructions:    l.cfg.Instructions,
		ReasoningEffort: l.cfg.ReasoningEffort,
		Store:           !l.cfg.DisableResponseStorage,
	}
	if l.cfg.DisableResponseStorage {
		req.Input = append(l.transcriptSnapshot(), input...)
	} else {
		req.Input = input
		req.PreviousResponseID = prev
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	// The watchdog covers connection setup as well as gaps between events.
	var watchdogFired atomic.Bool
	watchdog := time.AfterFunc(l.cfg.WatchdogWindow, func() {
		watchdogFired.Store(true)
		cancelStream()
	})
	defer watchdog.Stop()

	stream, err := l.client.StreamTurn(streamCtx, req)
	if err != nil {
		if watchdogFired.Load() {
			return streamOutcome{}, stalledError()
		}
		return streamOutcome{}, err
	}
	defer stream.Close()

	l.setState(gen, StateStreaming)

	var out streamOutcome
	itemsReceived := false
	completed := false

	for stream.Next() {
		if l.staleGeneration(gen) {
			out.abandoned = true
			return out, nil
		}
		watchdog.Reset(l.cfg.WatchdogWindow)

		ev := stream.Current()
		switch ev.Type {
		case "response.created":
			l.updateResponseID(gen, ev.Response.ID)
			onAccepted()
		case "response.output_item.done":
			item, ok := llmclient.ItemFromResponse(ev.Item)
			if !ok {
				continue
			}
			itemsReceived = true
			if item.IsToolCall() {
				if item.CallID != "" && !l.processedHas(item.CallID) {
					l.recordPendingAbort(gen, item.CallID, item.Type)
					out.toolCalls = append(out.toolCalls, item)
				}
			} else {
				l.stageItem(gen, item)
				l.appendTranscriptItem(gen, item)
			}
		case "response.completed":
			l.updateResponseID(gen, ev.Response.ID)
			completed = true
		case "response.failed", "error":
			return streamOutcome{}, &llmclient.ServerError{APIError: llmclient.APIError{
				Message: "the response stream reported a failure",
			}}
		}
		if completed {
			break
		}
	}
	if completed {
		return out, nil
	}

	if err := stream.Err(); err != nil {
		if watchdogFired.Load() {
			if itemsReceived {
				// Output arrived but the completion never did; treat the
				// response as finished rather than discard what streamed.
				out.forced = true
				return out, nil
			}
			return streamOutcome{}, stalledError()
		}
		return streamOutcome{}, llmclient.ClassifyError(err)
	}

	// Stream ended cleanly without a completion event.
	if itemsReceived {
		out.forced = true
		return out, nil
	}
	return streamOutcome{}, &llmclient.ServerError{APIError: llmclient.APIError{
		Message: "stream ended without a completion event",
	}}
}

func stalledError() error {
	return &llmclient.ServerError{APIError: llmclient.APIError{
		Message: "stream stalled: no events within the watchdog window",
	}}
}

// executeToolCalls runs the collected calls strictly in order. Each call
// executes at most once across the loop's lifetime; calls interrupted by a
// cancel stay unresolved and are aborted on the next run.
func (l *Loop) executeToolCalls(ctx context.Context, gen uint64, calls []llmclient.Item) ([]llmclient.InputItem, []string) {
	var outputs []llmclient.InputItem
	var resolved []string
	for _, call := range calls {
		if ctx.Err() != nil || l.staleGeneration(gen) {
			break
		}
		if !l.processedAdd(call.CallID) {
			continue
		}
		result := l.runSingleTool(ctx, call)
		if l.staleGeneration(gen) {
			break
		}
		outputs = append(outputs, outputItem(call, result.JSON()))
		for _, f := range result.Followups {
			if f.Role == string(llmclient.RoleSystem) {
				outputs = append(outputs, llmclient.SystemMessage(f.Text))
			} else {
				outputs = append(outputs, llmclient.UserMessage(f.Text))
			}
		}
		resolved = append(resolved, call.CallID)
	}
	return outputs, resolved
}

func (l *Loop) runSingleTool(ctx context.Context, call llmclient.Item) shelltool.Result {
	name := call.Name
	args := call.Arguments
	if call.Type == llmclient.ItemTypeLocalShellCall {
		name = llmclient.ToolNameShell
		args = strings.Join(call.Command, " ")
	}
	l.bridge.PublishToolCallStart(name, args)

	var result shelltool.Result
	switch {
	case call.Type == llmclient.ItemTypeLocalShellCall:
		result = l.tools.Execute(ctx, shelltool.Request{CallID: call.CallID, Command: call.Command}, l.approvalFunc())
	case name == llmclient.ToolNameShell:
		req, err := shelltool.ParseShellArgs(json.RawMessage(call.Arguments))
		if err != nil {
			result = shelltool.Result{Output: "invalid arguments: " + err.Error(), ExitCode: 1}
		} else {
			req.CallID = call.CallID
			result = l.tools.Execute(ctx, req, l.approvalFunc())
		}
	default:
		// Unknown tools get an ordinary result so the model can carry on.
		result = shelltool.Result{Output: "no function found: " + name, ExitCode: 1}
	}

	l.bridge.PublishToolCallEnd(name, result.Output)
	return result
}

func (l *Loop) approvalFunc() shelltool.ApprovalFunc {
	return func(ctx context.Context, command []string) bool {
		c := NewConfirmation(command)
		l.bridge.PublishConfirmRequest(c)
		return c.Wait(ctx, l.cfg.ConfirmTimeout)
	}
}

func outputItem(call llmclient.Item, payload string) llmclient.InputItem {
	if call.Type == llmclient.ItemTypeLocalShellCall {
		return llmclient.LocalShellOutput(call.CallID, payload)
	}
	return llmclient.FunctionOutput(call.CallID, payload)
}

// syntheticAbortsLocked builds "aborted" outputs for tool calls that never
// received a real result, in stable order. The pending entries stay recorded
// until a request carrying these outputs is accepted upstream.
func (l *Loop) syntheticAbortsLocked() ([]llmclient.InputItem, []string) {
	if len(l.pendingAborts) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(l.pendingAborts))
	for id := range l.pendingAborts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	payload := shelltool.Result{Output: "aborted", ExitCode: 1}.JSON()
	items := make([]llmclient.InputItem, 0, len(ids))
	for _, id := range ids {
		if l.pendingAborts[id] == llmclient.ItemTypeLocalShellCall {
			items = append(items, llmclient.LocalShellOutput(id, payload))
		} else {
			items = append(items, llmclient.FunctionOutput(id, payload))
		}
	}
	return items, ids
}

// commitTurnInput marks a request's inputs as accepted upstream: resolved
// tool calls leave the pending-abort set, and under transcript replay the
// inputs join the transcript. User-authored messages stay out of it.
func (l *Loop) commitTurnInput(input []llmclient.InputItem, resolved []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range resolved {
		delete(l.pendingAborts, id)
	}
	if !l.cfg.DisableResponseStorage {
		return
	}
	for _, in := range input {
		if in.Kind == llmclient.InputMessage && in.Message != nil && in.Message.Role == llmclient.RoleUser {
			continue
		}
		l.transcript = append(l.transcript, in)
	}
}

// appendTranscriptItem records a streamed assistant message for replay.
// Tool calls and reasoning items never enter the transcript.
func (l *Loop) appendTranscriptItem(gen uint64, item llmclient.Item) {
	if !l.cfg.DisableResponseStorage {
		return
	}
	if item.Type != llmclient.ItemTypeMessage || item.Role != llmclient.RoleAssistant {
		return
	}
	l.mu.Lock()
	if gen == l.generation {
		l.transcript = append(l.transcript, llmclient.AssistantText(item.Text))
	}
	l.mu.Unlock()
}

func (l *Loop) transcriptSnapshot() []llmclient.InputItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := make([]llmclient.InputItem, len(l.transcript))
	copy(snap, l.transcript)
	return snap
}

// finishTurnAndWait queues the completion events behind any staged items and
// blocks until they publish, so a caller returning from Run observes the
// finished turn. At most one completion is published per turn.
func (l *Loop) finishTurnAndWait(gen uint64) {
	l.mu.Lock()
	if gen != l.generation || l.completeEmitted {
		l.mu.Unlock()
		return
	}
	l.completeEmitted = true
	l.state = StateCompleted
	responseID := l.lastResponseID
	l.mu.Unlock()

	done := make(chan struct{})
	l.enqueueStaged(stagedEntry{
		gen:     gen,
		readyAt: time.Now(),
		publish: func() {
			if responseID != "" {
				l.bridge.PublishResponseID(responseID)
			}
			l.bridge.PublishTurnComplete()
			l.bridge.PublishLoading(false)
		},
		done: done,
	})
	select {
	case <-done:
	case <-l.quit:
	}
}

// failTurn handles a terminal turn error. Context-window overflows end the
// turn normally with guidance for the user; everything else surfaces as an
// error event and propagates to the caller.
func (l *Loop) failTurn(gen uint64, err error) error {
	if l.staleGeneration(gen) {
		return nil
	}
	if llmclient.IsContextWindow(err) {
		l.stageGuidance(gen, contextWindowGuidance)
		l.finishTurnAndWait(gen)
		return nil
	}
	l.setState(gen, StateIdle)
	l.bridge.PublishError(err)
	l.bridge.PublishLoading(false)
	return err
}

func (l *Loop) stageGuidance(gen uint64, text string) {
	l.stageItem(gen, llmclient.AssistantMessage(uuid.New().String(), text))
}

// publishCanceled reports a cancellation that arrived through the caller's
// context rather than Cancel.
func (l *Loop) publishCanceled(gen uint64) {
	l.mu.Lock()
	if gen != l.generation {
		l.mu.Unlock()
		return
	}
	l.generation++
	l.state = StateCanceled
	if len(l.pendingAborts) == 0 {
		l.lastResponseID = ""
	}
	l.mu.Unlock()

	l.bridge.PublishTurnCanceled()
	l.bridge.PublishLoading(false)
}

type stagedEntry struct {
	gen     uint64
	readyAt time.Time
	publish func()
	done    chan struct{}
}

// stageLoop serializes delayed publication. Entries drain in order; an entry
// whose generation went stale while it waited is dropped unpublished.
func (l *Loop) stageLoop() {
	for {
		var entry stagedEntry
		select {
		case entry = <-l.stageCh:
		case <-l.quit:
			return
		}

		if wait := time.Until(entry.readyAt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-l.quit:
				timer.Stop()
				return
			}
		}

		if !l.staleGeneration(entry.gen) {
			entry.publish()
		}
		if entry.done != nil {
			close(entry.done)
		}
	}
}

func (l *Loop) enqueueStaged(entry stagedEntry) {
	select {
	case l.stageCh <- entry:
	case <-l.quit:
		if entry.done != nil {
			close(entry.done)
		}
	}
}

// stageItem queues an item for delayed publication, deduplicating by item id
// so a retried stream never publishes the same item twice.
func (l *Loop) stageItem(gen uint64, item llmclient.Item) {
	l.mu.Lock()
	if gen != l.generation {
		l.mu.Unlock()
		return
	}
	if item.ID != "" && !l.staged.Add(item.ID) {
		l.mu.Unlock()
		return
	}
	delay := l.cfg.StageDelay
	l.mu.Unlock()

	l.enqueueStaged(stagedEntry{
		gen:     gen,
		readyAt: time.Now().Add(delay),
		publish: func() { l.bridge.PublishItem(item) },
	})
}

func (l *Loop) previousResponseID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastResponseID
}

// updateResponseID records and announces a new upstream response id.
func (l *Loop) updateResponseID(gen uint64, id string) {
	l.mu.Lock()
	if id == "" || id == l.lastResponseID || gen != l.generation {
		l.mu.Unlock()
		return
	}
	l.lastResponseID = id
	l.mu.Unlock()
	l.bridge.PublishResponseID(id)
}

func (l *Loop) recordPendingAbort(gen uint64, callID, itemType string) {
	l.mu.Lock()
	if gen == l.generation {
		l.pendingAborts[callID] = itemType
	}
	l.mu.Unlock()
}

func (l *Loop) processedHas(callID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed.Has(callID)
}

func (l *Loop) processedAdd(callID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed.Add(callID)
}

func (l *Loop) staleGeneration(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return gen != l.generation
}

func (l *Loop) setState(gen uint64, s State) {
	l.mu.Lock()
	if gen == l.generation {
		l.state = s
	}
	l.mu.Unlock()
}

// idSet is a bounded set of string ids with FIFO eviction.
type idSet struct {
	limit int
	seen  map[string]bool
	order []string
}

func newIDSet(limit int) *idSet {
	return &idSet{limit: limit, seen: make(map[string]bool)}
}

func (s *idSet) Has(id string) bool { return s.seen[id] }

// Add records id and reports whether it was new.
func (s *idSet) Add(id string) bool {
	if s.seen[id] {
		return false
	}
	s.seen[id] = true
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, evict)
	}
	return true
}
