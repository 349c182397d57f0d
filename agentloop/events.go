package agentloop

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djeidy/codex-sub000/llmclient"
)

// EventKind identifies the type of loop event.
type EventKind string

const (
	EventItem           EventKind = "item"
	EventLoading        EventKind = "loading"
	EventResponseID     EventKind = "response_id"
	EventConfirmRequest EventKind = "confirm_request"
	EventError          EventKind = "error"
	EventTurnComplete   EventKind = "turn_complete"
	EventTurnCanceled   EventKind = "turn_canceled"
	EventToolCallStart  EventKind = "tool_call_start"
	EventToolCallEnd    EventKind = "tool_call_end"
)

// Event is one notification from the agent loop. Kind selects which of the
// remaining fields carry data: Item for completed conversation items,
// Loading for activity-indicator changes, ResponseID for upstream response
// identifiers, Confirmation for approval requests, Err for terminal turn
// failures, and the Tool fields for tool call lifecycle events.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Item         *llmclient.Item `json:"item,omitempty"`
	Loading      bool            `json:"loading,omitempty"`
	ResponseID   string          `json:"response_id,omitempty"`
	Confirmation *Confirmation   `json:"confirmation,omitempty"`
	Err          error           `json:"-"`
	ErrorText    string          `json:"error,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolArgs     string          `json:"tool_args,omitempty"`
	ToolResult   string          `json:"tool_result,omitempty"`
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this loses events rather than stalling the loop.
const subscriberBuffer = 64

type subscriber struct {
	kinds map[EventKind]bool // nil means all kinds
	ch    chan Event
}

// Bridge fans events out from the agent loop to any number of subscribers.
// Publishing is fire-and-forget: it never blocks on subscriber behavior, and
// a loop with zero subscribers runs unaffected.
type Bridge struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBridge creates an empty Bridge.
func NewBridge() *Bridge {
	return &Bridge{subs: make(map[int]*subscriber)}
}

// Subscribe registers a listener for the given event kinds, or for every
// kind when none are named. The returned cancel function removes the
// subscription and closes its channel; calling it more than once is safe.
func (b *Bridge) Subscribe(kinds ...EventKind) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Close tears down every subscription. Safe to call multiple times; events
// published afterward are dropped.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Bridge) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	ev.Timestamp = time.Now()
	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber buffer full; drop event to avoid blocking the loop.
		}
	}
}

// PublishItem announces a completed conversation item.
func (b *Bridge) PublishItem(item llmclient.Item) {
	b.publish(Event{Kind: EventItem, Item: &item})
}

// PublishLoading announces an activity-indicator change.
func (b *Bridge) PublishLoading(loading bool) {
	b.publish(Event{Kind: EventLoading, Loading: loading})
}

// PublishResponseID announces the latest upstream response identifier.
func (b *Bridge) PublishResponseID(id string) {
	b.publish(Event{Kind: EventResponseID, ResponseID: id})
}

// PublishConfirmRequest asks subscribers to approve or deny a command. The
// receiving side resolves the confirmation; see Confirmation.
func (b *Bridge) PublishConfirmRequest(c *Confirmation) {
	b.publish(Event{Kind: EventConfirmRequest, Confirmation: c})
}

// PublishError announces a terminal turn failure.
func (b *Bridge) PublishError(err error) {
	b.publish(Event{Kind: EventError, Err: err, ErrorText: err.Error()})
}

// PublishTurnComplete announces the end of a turn.
func (b *Bridge) PublishTurnComplete() {
	b.publish(Event{Kind: EventTurnComplete})
}

// PublishTurnCanceled announces that the active turn was canceled.
func (b *Bridge) PublishTurnCanceled() {
	b.publish(Event{Kind: EventTurnCanceled})
}

// PublishToolCallStart announces that a tool call is about to execute.
func (b *Bridge) PublishToolCallStart(name, args string) {
	b.publish(Event{Kind: EventToolCallStart, ToolName: name, ToolArgs: args})
}

// PublishToolCallEnd announces a finished tool call and its output.
func (b *Bridge) PublishToolCallEnd(name, result string) {
	b.publish(Event{Kind: EventToolCallEnd, ToolName: name, ToolResult: result})
}

// Confirmation is a pending request for human approval of a command. The
// transport layer resolves it exactly once; repeated resolutions are
// ignored, and an unresolved confirmation counts as a denial once the wait
// times out.
type Confirmation struct {
	ID      string   `json:"id"`
	Command []string `json:"command"`

	// PatchInfo describes a proposed file change when the command carries
	// one; empty for plain shell commands.
	PatchInfo string `json:"patch_info,omitempty"`

	once     sync.Once
	decision chan bool
}

// NewConfirmation creates a confirmation for the given command.
func NewConfirmation(command []string) *Confirmation {
	return &Confirmation{
		ID:       uuid.New().String(),
		Command:  command,
		decision: make(chan bool, 1),
	}
}

// Resolve records the decision. Only the first call has any effect.
func (c *Confirmation) Resolve(approved bool) {
	c.once.Do(func() {
		c.decision <- approved
	})
}

// Wait blocks until the confirmation is resolved, the timeout elapses, or
// ctx is done. Timeouts and cancellation resolve to a denial.
func (c *Confirmation) Wait(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case approved := <-c.decision:
		return approved
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
