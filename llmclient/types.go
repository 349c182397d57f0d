package llmclient

import (
	"encoding/json"
	"strings"

	"github.com/openai/openai-go/v3/responses"
)

// Role identifies who authored a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Item type discriminators, matching the Responses API output item taxonomy.
const (
	ItemTypeMessage        = "message"
	ItemTypeFunctionCall   = "function_call"
	ItemTypeLocalShellCall = "local_shell_call"
	ItemTypeReasoning      = "reasoning"
)

// Item is one completed conversation item: an assistant message, a tool call
// requested by the model, or a reasoning block. The struct is flat with a Type
// discriminator, mirroring the wire shape, so it marshals directly into the
// frames the transport layer sends to clients.
type Item struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Role      Role     `json:"role,omitempty"`
	Text      string   `json:"text,omitempty"`
	CallID    string   `json:"call_id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Arguments string   `json:"arguments,omitempty"`
	Command   []string `json:"command,omitempty"`
	Status    string   `json:"status,omitempty"`
}

// IsToolCall reports whether the item is a tool invocation the model expects
// an answer to.
func (it Item) IsToolCall() bool {
	return it.Type == ItemTypeFunctionCall || it.Type == ItemTypeLocalShellCall
}

// AssistantMessage builds a synthetic assistant message item, used for
// locally-generated guidance that never came from the model.
func AssistantMessage(id, text string) Item {
	return Item{ID: id, Type: ItemTypeMessage, Role: RoleAssistant, Text: text, Status: "completed"}
}

// ItemFromResponse converts a streamed output item into an Item. The second
// return is false for item types this system does not carry (web searches,
// computer calls, and other surfaces the assistant never enables).
func ItemFromResponse(u responses.ResponseOutputItemUnion) (Item, bool) {
	switch u.Type {
	case ItemTypeMessage:
		var text strings.Builder
		for _, part := range u.Content {
			if part.Type == "output_text" {
				text.WriteString(part.Text)
			}
		}
		return Item{
			ID:     u.ID,
			Type:   ItemTypeMessage,
			Role:   Role(u.Role),
			Text:   text.String(),
			Status: string(u.Status),
		}, true
	case ItemTypeFunctionCall:
		return Item{
			ID:        u.ID,
			Type:      ItemTypeFunctionCall,
			CallID:    u.CallID,
			Name:      u.Name,
			Arguments: u.Arguments,
			Status:    string(u.Status),
		}, true
	case ItemTypeLocalShellCall:
		return Item{
			ID:      u.ID,
			Type:    ItemTypeLocalShellCall,
			CallID:  u.CallID,
			Command: append([]string(nil), u.Action.Command...),
			Status:  string(u.Status),
		}, true
	case ItemTypeReasoning:
		return Item{ID: u.ID, Type: ItemTypeReasoning}, true
	default:
		return Item{}, false
	}
}

// ToolCall is a model-requested tool invocation extracted from an Item.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
	Command   []string
}

// ToolCallFromItem extracts the tool call carried by an item, if any. Local
// shell calls surface under the fixed name "shell" with the command array
// already decoded.
func ToolCallFromItem(it Item) (ToolCall, bool) {
	switch it.Type {
	case ItemTypeFunctionCall:
		return ToolCall{CallID: it.CallID, Name: it.Name, Arguments: json.RawMessage(it.Arguments)}, true
	case ItemTypeLocalShellCall:
		return ToolCall{CallID: it.CallID, Name: ToolNameShell, Command: it.Command}, true
	default:
		return ToolCall{}, false
	}
}

// InputItemKind is the discriminator tag for InputItem.
type InputItemKind string

const (
	InputMessage              InputItemKind = "message"
	InputFunctionCallOutput   InputItemKind = "function_call_output"
	InputLocalShellCallOutput InputItemKind = "local_shell_call_output"
)

// InputItem is one element of a turn's input: a message, or the answer to a
// tool call from an earlier model response. Exactly one variant field is set,
// matching Kind.
type InputItem struct {
	Kind             InputItemKind    `json:"kind"`
	Message          *MessageInput    `json:"message,omitempty"`
	FunctionOutput   *ToolOutputInput `json:"function_call_output,omitempty"`
	LocalShellOutput *ToolOutputInput `json:"local_shell_call_output,omitempty"`
}

// MessageInput is a role-tagged text message.
type MessageInput struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ToolOutputInput answers a tool call: the call id it resolves and the output
// payload, already serialized.
type ToolOutputInput struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// UserMessage builds a user-authored message input item.
func UserMessage(text string) InputItem {
	return InputItem{Kind: InputMessage, Message: &MessageInput{Role: RoleUser, Text: text}}
}

// SystemMessage builds a system message input item.
func SystemMessage(text string) InputItem {
	return InputItem{Kind: InputMessage, Message: &MessageInput{Role: RoleSystem, Text: text}}
}

// AssistantText builds an assistant message input item, used when replaying
// earlier model output to a storage-disabled endpoint.
func AssistantText(text string) InputItem {
	return InputItem{Kind: InputMessage, Message: &MessageInput{Role: RoleAssistant, Text: text}}
}

// FunctionOutput builds the answer to a function_call item.
func FunctionOutput(callID, output string) InputItem {
	return InputItem{Kind: InputFunctionCallOutput, FunctionOutput: &ToolOutputInput{CallID: callID, Output: output}}
}

// LocalShellOutput builds the answer to a local_shell_call item.
func LocalShellOutput(callID, output string) InputItem {
	return InputItem{Kind: InputLocalShellCallOutput, LocalShellOutput: &ToolOutputInput{CallID: callID, Output: output}}
}

// CallID returns the tool call id an input item resolves, or "" for messages.
func (in InputItem) CallID() string {
	switch in.Kind {
	case InputFunctionCallOutput:
		return in.FunctionOutput.CallID
	case InputLocalShellCallOutput:
		return in.LocalShellOutput.CallID
	default:
		return ""
	}
}

// Usage totals reported by the upstream service for one response.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add accumulates another usage total.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

func usageFromResponse(ru responses.ResponseUsage) Usage {
	return Usage{
		InputTokens:  ru.InputTokens,
		OutputTokens: ru.OutputTokens,
		TotalTokens:  ru.TotalTokens,
	}
}
