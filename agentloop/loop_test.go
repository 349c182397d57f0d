package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go/v3/responses"

	"github.com/djeidy/codex-sub000/llmclient"
	"github.com/djeidy/codex-sub000/shelltool"
)

// streamEvent builds a stream event from its wire form.
func streamEvent(t *testing.T, raw string) responses.ResponseStreamEventUnion {
	t.Helper()
	var ev responses.ResponseStreamEventUnion
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal stream event: %v", err)
	}
	return ev
}

func createdEvent(t *testing.T, respID string) responses.ResponseStreamEventUnion {
	return streamEvent(t, `{"type":"response.created","response":{"id":"`+respID+`","output":[]}}`)
}

func completedEvent(t *testing.T, respID string) responses.ResponseStreamEventUnion {
	return streamEvent(t, `{"type":"response.completed","response":{"id":"`+respID+`","output":[]}}`)
}

func messageEvent(t *testing.T, itemID, text string) responses.ResponseStreamEventUnion {
	return streamEvent(t, `{"type":"response.output_item.done","item":{"id":"`+itemID+`","type":"message","role":"assistant","status":"completed","content":[{"type":"output_text","text":"`+text+`"}]}}`)
}

func shellCallEvent(t *testing.T, itemID, callID, args string) responses.ResponseStreamEventUnion {
	return streamEvent(t, `{"type":"response.output_item.done","item":{"id":"`+itemID+`","type":"function_call","call_id":"`+callID+`","name":"shell","arguments":`+strconv.Quote(args)+`,"status":"completed"}}`)
}

func functionCallEvent(t *testing.T, itemID, callID, name, args string) responses.ResponseStreamEventUnion {
	return streamEvent(t, `{"type":"response.output_item.done","item":{"id":"`+itemID+`","type":"function_call","call_id":"`+callID+`","name":"`+name+`","arguments":`+strconv.Quote(args)+`,"status":"completed"}}`)
}

// scriptedStream replays canned events, then reports err (if any) once they
// are exhausted.
type scriptedStream struct {
	events []responses.ResponseStreamEventUnion
	idx    int
	err    error
}

func (s *scriptedStream) Next() bool {
	if s.idx < len(s.events) {
		s.idx++
		return true
	}
	return false
}

func (s *scriptedStream) Current() responses.ResponseStreamEventUnion { return s.events[s.idx-1] }
func (s *scriptedStream) Err() error                                  { return s.err }
func (s *scriptedStream) Close() error                                { return nil }

// blockingStream replays canned events and then blocks in Next until release
// is closed. Every Next entry signals served.
type blockingStream struct {
	events  []responses.ResponseStreamEventUnion
	idx     int
	served  chan struct{}
	release chan struct{}
}

func (s *blockingStream) Next() bool {
	select {
	case s.served <- struct{}{}:
	default:
	}
	if s.idx < len(s.events) {
		s.idx++
		return true
	}
	<-s.release
	return false
}

func (s *blockingStream) Current() responses.ResponseStreamEventUnion { return s.events[s.idx-1] }
func (s *blockingStream) Err() error                                  { return nil }
func (s *blockingStream) Close() error                                { return nil }

// watchdogStream replays canned events and then blocks until the request
// context is canceled, mimicking a stream that silently stalls.
type watchdogStream struct {
	events []responses.ResponseStreamEventUnion
	idx    int
	ctx    context.Context
}

func (s *watchdogStream) Next() bool {
	if s.idx < len(s.events) {
		s.idx++
		return true
	}
	<-s.ctx.Done()
	return false
}

func (s *watchdogStream) Current() responses.ResponseStreamEventUnion { return s.events[s.idx-1] }

func (s *watchdogStream) Err() error {
	if s.idx >= len(s.events) {
		return s.ctx.Err()
	}
	return nil
}

func (s *watchdogStream) Close() error { return nil }

// scriptedClient serves one scripted turn per StreamTurn call and records
// every request it saw.
type scriptedClient struct {
	mu    sync.Mutex
	calls []*llmclient.TurnRequest
	turns []func(ctx context.Context) (llmclient.TurnStream, error)
}

func (c *scriptedClient) StreamTurn(ctx context.Context, req *llmclient.TurnRequest) (llmclient.TurnStream, error) {
	c.mu.Lock()
	reqCopy := *req
	c.calls = append(c.calls, &reqCopy)
	idx := len(c.calls) - 1
	c.mu.Unlock()
	if idx >= len(c.turns) {
		return nil, errors.New("unexpected extra model call")
	}
	return c.turns[idx](ctx)
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *scriptedClient) call(i int) *llmclient.TurnRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

func simpleTurn(t *testing.T, respID, itemID, text string) func(context.Context) (llmclient.TurnStream, error) {
	stream := &scriptedStream{events: []responses.ResponseStreamEventUnion{
		createdEvent(t, respID),
		messageEvent(t, itemID, text),
		completedEvent(t, respID),
	}}
	return func(context.Context) (llmclient.TurnStream, error) { return stream, nil }
}

// stubRunner records requests and returns a fixed result. With callApprove
// set it consults the approval callback first; with block set it waits for
// the channel or context before returning.
type stubRunner struct {
	mu          sync.Mutex
	execs       []shelltool.Request
	approvals   []bool
	result      shelltool.Result
	callApprove bool
	block       chan struct{}
}

func (r *stubRunner) Execute(ctx context.Context, req shelltool.Request, approve shelltool.ApprovalFunc) shelltool.Result {
	r.mu.Lock()
	r.execs = append(r.execs, req)
	r.mu.Unlock()
	if r.callApprove && approve != nil {
		ok := approve(ctx, req.Command)
		r.mu.Lock()
		r.approvals = append(r.approvals, ok)
		r.mu.Unlock()
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	return r.result
}

func (r *stubRunner) requests() []shelltool.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shelltool.Request(nil), r.execs...)
}

func (r *stubRunner) approvalResults() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.approvals...)
}

func testConfig() Config {
	cfg := DefaultConfig("gpt-5.2")
	cfg.StageDelay = time.Millisecond
	cfg.ConfirmTimeout = 50 * time.Millisecond
	cfg.WatchdogWindow = 2 * time.Second
	cfg.Retry = llmclient.RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		Multiplier: 2.0,
	}
	return cfg
}

func newTestLoop(t *testing.T, client *scriptedClient, runner ToolRunner, cfg Config) (*Loop, <-chan Event) {
	t.Helper()
	bridge := NewBridge()
	t.Cleanup(bridge.Close)
	loop := New(client, runner, bridge, cfg)
	t.Cleanup(loop.Terminate)
	events, cancel := bridge.Subscribe()
	t.Cleanup(cancel)
	return loop, events
}

func drainEvents(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRunPublishesItemsAndCompletes(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		simpleTurn(t, "resp-1", "msg-1", "Hello"),
	}}
	loop, events := newTestLoop(t, client, &stubRunner{}, testConfig())

	err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("hi")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := drainEvents(events)
	kinds := make([]EventKind, len(got))
	for i, ev := range got {
		kinds[i] = ev.Kind
	}
	want := []EventKind{EventLoading, EventResponseID, EventItem, EventResponseID, EventTurnComplete, EventLoading}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, want)
		}
	}
	if !got[0].Loading || got[len(got)-1].Loading {
		t.Error("expected loading true first and false last")
	}
	if item := got[2].Item; item == nil || item.Text != "Hello" {
		t.Errorf("item event = %+v", got[2])
	}
	if got[1].ResponseID != "resp-1" || got[3].ResponseID != "resp-1" {
		t.Errorf("response ids = %q, %q, want resp-1", got[1].ResponseID, got[3].ResponseID)
	}

	if loop.State() != StateCompleted {
		t.Errorf("state = %q, want %q", loop.State(), StateCompleted)
	}
	if loop.LastResponseID() != "resp-1" {
		t.Errorf("last response id = %q, want resp-1", loop.LastResponseID())
	}
	if req := client.call(0); req.PreviousResponseID != "" || !req.Store {
		t.Errorf("first request = %+v, want no previous id and store true", req)
	}
}

func TestRunExecutesToolsAndContinues(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) {
			return &scriptedStream{events: []responses.ResponseStreamEventUnion{
				createdEvent(t, "resp-1"),
				shellCallEvent(t, "fc-1", "call-1", `{"command":["echo","hi"]}`),
				completedEvent(t, "resp-1"),
			}}, nil
		},
		simpleTurn(t, "resp-2", "msg-2", "done"),
	}}
	runner := &stubRunner{result: shelltool.Result{Output: "hi\n", ExitCode: 0}}
	loop, events := newTestLoop(t, client, runner, testConfig())

	err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("run echo")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := runner.requests()
	if len(reqs) != 1 {
		t.Fatalf("executed %d commands, want 1", len(reqs))
	}
	if len(reqs[0].Command) != 2 || reqs[0].Command[0] != "echo" || reqs[0].Command[1] != "hi" {
		t.Errorf("command = %v, want [echo hi]", reqs[0].Command)
	}
	if reqs[0].CallID != "call-1" {
		t.Errorf("call id = %q, want call-1", reqs[0].CallID)
	}

	if client.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", client.callCount())
	}
	second := client.call(1)
	if second.PreviousResponseID != "resp-1" {
		t.Errorf("continuation previous id = %q, want resp-1", second.PreviousResponseID)
	}
	if len(second.Input) != 1 || second.Input[0].Kind != llmclient.InputFunctionCallOutput {
		t.Fatalf("continuation input = %+v, want one function call output", second.Input)
	}
	out := second.Input[0].FunctionOutput
	if out.CallID != "call-1" || !strings.Contains(out.Output, `"exit_code":0`) {
		t.Errorf("tool output = %+v", out)
	}

	got := drainEvents(events)
	starts := eventsOfKind(got, EventToolCallStart)
	ends := eventsOfKind(got, EventToolCallEnd)
	if len(starts) != 1 || starts[0].ToolName != "shell" {
		t.Errorf("tool call starts = %+v", starts)
	}
	if len(ends) != 1 || !strings.Contains(ends[0].ToolResult, "hi") {
		t.Errorf("tool call ends = %+v", ends)
	}
	if n := len(eventsOfKind(got, EventTurnComplete)); n != 1 {
		t.Errorf("turn completions = %d, want 1", n)
	}
	if loop.LastResponseID() != "resp-2" {
		t.Errorf("last response id = %q, want resp-2", loop.LastResponseID())
	}
}

func TestRunRejectsAfterTerminate(t *testing.T) {
	client := &scriptedClient{}
	loop, _ := newTestLoop(t, client, &stubRunner{}, testConfig())

	loop.Terminate()
	loop.Terminate() // second call is a no-op

	err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("hi")})
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("Run after Terminate = %v, want ErrTerminated", err)
	}
	if loop.State() != StateTerminated {
		t.Errorf("state = %q, want %q", loop.State(), StateTerminated)
	}
	if client.callCount() != 0 {
		t.Errorf("model calls = %d, want 0", client.callCount())
	}
}

func TestCancelMidStreamAbandonsStagedItems(t *testing.T) {
	blocking := &blockingStream{
		events: []responses.ResponseStreamEventUnion{
			createdEvent(t, "resp-1"),
			messageEvent(t, "msg-a", "partial one"),
			messageEvent(t, "msg-b", "partial two"),
		},
		served:  make(chan struct{}, 16),
		release: make(chan struct{}),
	}
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) { return blocking, nil },
		simpleTurn(t, "resp-2", "msg-2", "fresh answer"),
	}}

	cfg := testConfig()
	cfg.StageDelay = 200 * time.Millisecond
	loop, events := newTestLoop(t, client, &stubRunner{}, cfg)

	runErr := make(chan error, 1)
	go func() {
		runErr <- loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("first")})
	}()

	// Wait until all three events are consumed and the stream is blocked on
	// the fourth Next.
	for i := 0; i < 4; i++ {
		select {
		case <-blocking.served:
		case <-time.After(time.Second):
			t.Fatal("stream never reached the blocking point")
		}
	}

	loop.Cancel()
	close(blocking.release)

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("canceled Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Past the stage delay; dropped items would have surfaced by now.
	time.Sleep(300 * time.Millisecond)
	got := drainEvents(events)
	if items := eventsOfKind(got, EventItem); len(items) != 0 {
		t.Errorf("staged items published after cancel: %+v", items)
	}
	if n := len(eventsOfKind(got, EventTurnCanceled)); n != 1 {
		t.Errorf("turn canceled events = %d, want 1", n)
	}
	if n := len(eventsOfKind(got, EventTurnComplete)); n != 0 {
		t.Errorf("turn complete events = %d, want 0", n)
	}
	if loop.LastResponseID() != "" {
		t.Errorf("last response id = %q, want cleared", loop.LastResponseID())
	}

	// The next run starts a fresh thread and completes normally.
	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("second")}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	got = drainEvents(events)
	items := eventsOfKind(got, EventItem)
	if len(items) != 1 || items[0].Item.Text != "fresh answer" {
		t.Errorf("second run items = %+v", items)
	}
	if n := len(eventsOfKind(got, EventTurnComplete)); n != 1 {
		t.Errorf("second run completions = %d, want 1", n)
	}
	if req := client.call(1); req.PreviousResponseID != "" {
		t.Errorf("second run previous id = %q, want empty", req.PreviousResponseID)
	}
}

func TestPendingAbortsResolvedNextRun(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) {
			return &scriptedStream{events: []responses.ResponseStreamEventUnion{
				createdEvent(t, "resp-1"),
				shellCallEvent(t, "fc-9", "call-9", `{"command":["sleep","5"]}`),
				completedEvent(t, "resp-1"),
			}}, nil
		},
		simpleTurn(t, "resp-2", "msg-2", "after abort"),
	}}
	runner := &stubRunner{block: make(chan struct{})}
	loop, events := newTestLoop(t, client, runner, testConfig())

	runErr := make(chan error, 1)
	go func() {
		runErr <- loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("slow")})
	}()

	waitFor(t, time.Second, func() bool { return len(runner.requests()) == 1 })
	loop.Cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("canceled Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The interrupted call keeps the response pointer alive.
	if loop.LastResponseID() != "resp-1" {
		t.Errorf("last response id = %q, want resp-1", loop.LastResponseID())
	}
	drainEvents(events)

	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("again")}); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	second := client.call(1)
	if second.PreviousResponseID != "resp-1" {
		t.Errorf("second run previous id = %q, want resp-1", second.PreviousResponseID)
	}
	if len(second.Input) != 2 {
		t.Fatalf("second run input = %+v, want abort output plus message", second.Input)
	}
	abort := second.Input[0]
	if abort.Kind != llmclient.InputFunctionCallOutput || abort.FunctionOutput.CallID != "call-9" {
		t.Fatalf("first input = %+v, want aborted output for call-9", abort)
	}
	if !strings.Contains(abort.FunctionOutput.Output, "aborted") {
		t.Errorf("abort payload = %q", abort.FunctionOutput.Output)
	}
	if msg := second.Input[1]; msg.Kind != llmclient.InputMessage || msg.Message.Text != "again" {
		t.Errorf("second input = %+v, want the user message", msg)
	}

	// The sleep command must not run again.
	if n := len(runner.requests()); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
}

func TestExactlyOnceToolExecution(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) {
			return &scriptedStream{events: []responses.ResponseStreamEventUnion{
				createdEvent(t, "resp-1"),
				shellCallEvent(t, "fc-a", "call-dup", `{"command":["ls"]}`),
				shellCallEvent(t, "fc-b", "call-dup", `{"command":["ls"]}`),
				completedEvent(t, "resp-1"),
			}}, nil
		},
		func(context.Context) (llmclient.TurnStream, error) {
			// The server re-delivers the already-processed call.
			return &scriptedStream{events: []responses.ResponseStreamEventUnion{
				createdEvent(t, "resp-2"),
				shellCallEvent(t, "fc-c", "call-dup", `{"command":["ls"]}`),
				messageEvent(t, "msg-2", "listing done"),
				completedEvent(t, "resp-2"),
			}}, nil
		},
	}}
	runner := &stubRunner{result: shelltool.Result{Output: "files"}}
	loop, events := newTestLoop(t, client, runner, testConfig())

	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("list")}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := len(runner.requests()); n != 1 {
		t.Fatalf("executions = %d, want exactly 1", n)
	}
	if client.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", client.callCount())
	}
	second := client.call(1)
	if len(second.Input) != 1 || second.Input[0].CallID() != "call-dup" {
		t.Errorf("continuation input = %+v, want one output for call-dup", second.Input)
	}

	got := drainEvents(events)
	if n := len(eventsOfKind(got, EventTurnComplete)); n != 1 {
		t.Errorf("turn completions = %d, want 1", n)
	}
}

func TestWatchdogForcesCompletion(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(ctx context.Context) (llmclient.TurnStream, error) {
			return &watchdogStream{
				events: []responses.ResponseStreamEventUnion{
					createdEvent(t, "resp-1"),
					messageEvent(t, "msg-1", "almost done"),
				},
				ctx: ctx,
			}, nil
		},
	}}
	cfg := testConfig()
	cfg.WatchdogWindow = 50 * time.Millisecond
	loop, events := newTestLoop(t, client, &stubRunner{}, cfg)

	start := time.Now()
	err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("hi")})
	if err != nil {
		t.Fatalf("Run = %v, want forced completion", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Run returned after %v, before the watchdog window", elapsed)
	}

	got := drainEvents(events)
	items := eventsOfKind(got, EventItem)
	if len(items) != 1 || items[0].Item.Text != "almost done" {
		t.Errorf("items = %+v, want the streamed message", items)
	}
	if n := len(eventsOfKind(got, EventTurnComplete)); n != 1 {
		t.Errorf("turn completions = %d, want 1", n)
	}
	last := got[len(got)-1]
	if last.Kind != EventLoading || last.Loading {
		t.Errorf("last event = %+v, want loading false", last)
	}
	if loop.LastResponseID() != "resp-1" {
		t.Errorf("last response id = %q, want resp-1", loop.LastResponseID())
	}
	if client.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 (no retry after forced completion)", client.callCount())
	}
}

func TestRetryAfterTransientError(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) {
			return nil, &llmclient.ServerError{APIError: llmclient.APIError{StatusCode: 503, Message: "overloaded"}}
		},
		simpleTurn(t, "resp-1", "msg-1", "recovered"),
	}}
	loop, events := newTestLoop(t, client, &stubRunner{}, testConfig())

	loop.SetLastResponseID("resp-0")
	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("hi")}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if client.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", client.callCount())
	}
	// The retry chains onto the same previous response as the failed attempt.
	if a, b := client.call(0).PreviousResponseID, client.call(1).PreviousResponseID; a != "resp-0" || b != "resp-0" {
		t.Errorf("previous ids = %q, %q, want resp-0 for both", a, b)
	}

	got := drainEvents(events)
	if n := len(eventsOfKind(got, EventError)); n != 0 {
		t.Errorf("error events = %d, want 0 for a recovered turn", n)
	}
	if n := len(eventsOfKind(got, EventTurnComplete)); n != 1 {
		t.Errorf("turn completions = %d, want 1", n)
	}
}

func TestRetryMidStreamDoesNotRepublishItems(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) {
			return &scriptedStream{
				events: []responses.ResponseStreamEventUnion{
					createdEvent(t, "resp-1"),
					messageEvent(t, "msg-1", "partial"),
				},
				err: &llmclient.ServerError{APIError: llmclient.APIError{Message: "connection reset"}},
			}, nil
		},
		func(context.Context) (llmclient.TurnStream, error) {
			// The retried response replays the same item id.
			return &scriptedStream{events: []responses.ResponseStreamEventUnion{
				createdEvent(t, "resp-1b"),
				messageEvent(t, "msg-1", "partial"),
				completedEvent(t, "resp-1b"),
			}}, nil
		},
	}}
	loop, events := newTestLoop(t, client, &stubRunner{}, testConfig())

	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("hi")}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if client.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", client.callCount())
	}
	// The retry must not chain onto the response that died mid-stream.
	if prev := client.call(1).PreviousResponseID; prev != "" {
		t.Errorf("retry previous id = %q, want empty", prev)
	}

	got := drainEvents(events)
	if items := eventsOfKind(got, EventItem); len(items) != 1 {
		t.Errorf("items published = %d, want 1 (replay deduplicated)", len(items))
	}
	if n := len(eventsOfKind(got, EventTurnComplete)); n != 1 {
		t.Errorf("turn completions = %d, want 1", n)
	}
}

func TestRateLimitUsesSuggestedDelay(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) {
			return nil, &llmclient.RateLimitError{
				APIError:   llmclient.APIError{StatusCode: 429, Message: "rate limited, try again in 30ms"},
				RetryAfter: 30 * time.Millisecond,
			}
		},
		simpleTurn(t, "resp-1", "msg-1", "through"),
	}}
	loop, _ := newTestLoop(t, client, &stubRunner{}, testConfig())

	start := time.Now()
	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("hi")}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	elapsed := time.Since(start)

	if client.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", client.callCount())
	}
	// The 30ms suggested delay beats the 1ms backoff schedule.
	if elapsed < 25*time.Millisecond {
		t.Errorf("retried after %v, want the suggested 30ms delay honored", elapsed)
	}
}

func TestContextWindowEndsTurnWithGuidance(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) {
			return nil, &llmclient.ContextWindowError{APIError: llmclient.APIError{
				StatusCode: 400, Message: "context_length_exceeded",
			}}
		},
	}}
	loop, events := newTestLoop(t, client, &stubRunner{}, testConfig())

	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("hi")}); err != nil {
		t.Fatalf("Run = %v, want nil for a context overflow", err)
	}

	if client.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 (no retry)", client.callCount())
	}

	got := drainEvents(events)
	items := eventsOfKind(got, EventItem)
	if len(items) != 1 || !strings.Contains(items[0].Item.Text, "context window") {
		t.Fatalf("guidance items = %+v", items)
	}
	if items[0].Item.Role != llmclient.RoleAssistant {
		t.Errorf("guidance role = %q, want assistant", items[0].Item.Role)
	}
	if n := len(eventsOfKind(got, EventError)); n != 0 {
		t.Errorf("error events = %d, want 0", n)
	}
	if n := len(eventsOfKind(got, EventTurnComplete)); n != 1 {
		t.Errorf("turn completions = %d, want 1", n)
	}
	last := got[len(got)-1]
	if last.Kind != EventLoading || last.Loading {
		t.Errorf("last event = %+v, want loading false", last)
	}
}

func TestFatalErrorPropagates(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) {
			return nil, errors.New("invalid api key")
		},
	}}
	loop, events := newTestLoop(t, client, &stubRunner{}, testConfig())

	err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("hi")})
	if err == nil || !strings.Contains(err.Error(), "invalid api key") {
		t.Fatalf("Run = %v, want the fatal error", err)
	}

	if client.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 (fatal errors are not retried)", client.callCount())
	}

	got := drainEvents(events)
	errs := eventsOfKind(got, EventError)
	if len(errs) != 1 || !strings.Contains(errs[0].ErrorText, "invalid api key") {
		t.Errorf("error events = %+v", errs)
	}
	if n := len(eventsOfKind(got, EventTurnComplete)); n != 0 {
		t.Errorf("turn completions = %d, want 0", n)
	}
	last := got[len(got)-1]
	if last.Kind != EventLoading || last.Loading {
		t.Errorf("last event = %+v, want loading false", last)
	}
	if loop.State() != StateIdle {
		t.Errorf("state = %q, want %q", loop.State(), StateIdle)
	}
}

func TestCancelIdempotent(t *testing.T) {
	blocking := &blockingStream{
		served:  make(chan struct{}, 16),
		release: make(chan struct{}),
	}
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) { return blocking, nil },
	}}
	loop, events := newTestLoop(t, client, &stubRunner{}, testConfig())

	runErr := make(chan error, 1)
	go func() {
		runErr <- loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("hi")})
	}()

	select {
	case <-blocking.served:
	case <-time.After(time.Second):
		t.Fatal("stream never started")
	}

	loop.Cancel()
	genAfterFirst := loop.Generation()
	loop.Cancel() // no active turn anymore
	if loop.Generation() != genAfterFirst {
		t.Errorf("generation moved on a redundant cancel: %d -> %d", genAfterFirst, loop.Generation())
	}

	close(blocking.release)
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("canceled Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	got := drainEvents(events)
	if n := len(eventsOfKind(got, EventTurnCanceled)); n != 1 {
		t.Errorf("turn canceled events = %d, want 1", n)
	}
	if loop.State() != StateCanceled {
		t.Errorf("state = %q, want %q", loop.State(), StateCanceled)
	}
}

func TestUnknownToolGetsNormalResult(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) {
			return &scriptedStream{events: []responses.ResponseStreamEventUnion{
				createdEvent(t, "resp-1"),
				functionCallEvent(t, "fc-1", "call-7", "magic", `{}`),
				completedEvent(t, "resp-1"),
			}}, nil
		},
		simpleTurn(t, "resp-2", "msg-2", "sorry, no such tool"),
	}}
	runner := &stubRunner{}
	loop, events := newTestLoop(t, client, runner, testConfig())

	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("cast magic")}); err != nil {
		t.Fatalf("Run = %v, want unknown tools handled without failing the turn", err)
	}

	if n := len(runner.requests()); n != 0 {
		t.Errorf("executor invocations = %d, want 0 for an unknown tool", n)
	}
	second := client.call(1)
	if len(second.Input) != 1 {
		t.Fatalf("continuation input = %+v", second.Input)
	}
	out := second.Input[0].FunctionOutput
	if out == nil || out.CallID != "call-7" || !strings.Contains(out.Output, "no function found: magic") {
		t.Errorf("unknown tool output = %+v", out)
	}

	got := drainEvents(events)
	if n := len(eventsOfKind(got, EventError)); n != 0 {
		t.Errorf("error events = %d, want 0", n)
	}
	if n := len(eventsOfKind(got, EventTurnComplete)); n != 1 {
		t.Errorf("turn completions = %d, want 1", n)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) {
			return &scriptedStream{events: []responses.ResponseStreamEventUnion{
				createdEvent(t, "resp-1"),
				shellCallEvent(t, "fc-1", "call-1", `{"command":["rm","junk.txt"]}`),
				completedEvent(t, "resp-1"),
			}}, nil
		},
		simpleTurn(t, "resp-2", "msg-2", "removed"),
	}}
	runner := &stubRunner{callApprove: true, result: shelltool.Result{Output: ""}}

	bridge := NewBridge()
	t.Cleanup(bridge.Close)
	loop := New(client, runner, bridge, testConfig())
	t.Cleanup(loop.Terminate)

	confirms, cancelConfirms := bridge.Subscribe(EventConfirmRequest)
	t.Cleanup(cancelConfirms)
	go func() {
		for ev := range confirms {
			if ev.Confirmation != nil {
				ev.Confirmation.Resolve(true)
			}
		}
	}()

	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("clean up")}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	approvals := runner.approvalResults()
	if len(approvals) != 1 || !approvals[0] {
		t.Fatalf("approvals = %v, want one granted approval", approvals)
	}
}

func TestApprovalTimeoutDenies(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		func(context.Context) (llmclient.TurnStream, error) {
			return &scriptedStream{events: []responses.ResponseStreamEventUnion{
				createdEvent(t, "resp-1"),
				shellCallEvent(t, "fc-1", "call-1", `{"command":["rm","junk.txt"]}`),
				completedEvent(t, "resp-1"),
			}}, nil
		},
		simpleTurn(t, "resp-2", "msg-2", "skipped"),
	}}
	runner := &stubRunner{callApprove: true}
	loop, events := newTestLoop(t, client, runner, testConfig())

	// Nobody resolves the confirmation; the 50ms test timeout denies it.
	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("clean up")}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	approvals := runner.approvalResults()
	if len(approvals) != 1 || approvals[0] {
		t.Fatalf("approvals = %v, want one denial", approvals)
	}
	got := drainEvents(events)
	if n := len(eventsOfKind(got, EventConfirmRequest)); n != 1 {
		t.Errorf("confirm requests = %d, want 1", n)
	}
}

func TestTranscriptReplayWhenStorageDisabled(t *testing.T) {
	client := &scriptedClient{turns: []func(context.Context) (llmclient.TurnStream, error){
		simpleTurn(t, "resp-1", "msg-1", "reply-1"),
		simpleTurn(t, "resp-2", "msg-2", "reply-2"),
	}}
	cfg := testConfig()
	cfg.DisableResponseStorage = true
	loop, _ := newTestLoop(t, client, &stubRunner{}, cfg)

	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("first")}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := loop.Run(context.Background(), []llmclient.InputItem{llmclient.UserMessage("second")}); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	first := client.call(0)
	if first.Store {
		t.Error("expected store false with response storage disabled")
	}
	if first.PreviousResponseID != "" {
		t.Errorf("first previous id = %q, want empty", first.PreviousResponseID)
	}
	if len(first.Input) != 1 || first.Input[0].Message.Text != "first" {
		t.Errorf("first input = %+v", first.Input)
	}

	second := client.call(1)
	if second.PreviousResponseID != "" {
		t.Errorf("second previous id = %q, want empty under transcript replay", second.PreviousResponseID)
	}
	if len(second.Input) != 2 {
		t.Fatalf("second input = %+v, want replayed assistant reply plus new message", second.Input)
	}
	replay := second.Input[0]
	if replay.Kind != llmclient.InputMessage || replay.Message.Role != llmclient.RoleAssistant || replay.Message.Text != "reply-1" {
		t.Errorf("replayed item = %+v", replay)
	}
	if second.Input[1].Message.Text != "second" {
		t.Errorf("new message = %+v", second.Input[1])
	}
}
