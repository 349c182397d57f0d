package llmclient

import (
	"context"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared/constant"
)

// ToolNameShell is the name under which shell execution is exposed to the
// model, for both the function-tool and local_shell variants.
const ToolNameShell = "shell"

// TurnRequest carries everything needed for one model call.
type TurnRequest struct {
	Model              string
	Instructions       string
	Input              []InputItem
	PreviousResponseID string
	Store              bool
	ReasoningEffort    string
}

// TurnStream yields the events of one streamed model response. Close releases
// the underlying connection and is safe after exhaustion.
type TurnStream interface {
	Next() bool
	Current() responses.ResponseStreamEventUnion
	Err() error
	Close() error
}

// Streamer is the client surface the agent loop depends on.
type Streamer interface {
	StreamTurn(ctx context.Context, req *TurnRequest) (TurnStream, error)
}

// Client talks to the Responses API. The SDK's internal retries are disabled;
// retry behavior is owned by RetryPolicy and the agent loop.
type Client struct {
	api openai.Client
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	requestOpts []option.RequestOption
}

// WithAPIKey sets the API key used for authentication.
func WithAPIKey(key string) Option {
	return func(o *clientOptions) {
		o.requestOpts = append(o.requestOpts, option.WithAPIKey(key))
	}
}

// WithBaseURL points the client at a compatible non-default endpoint.
func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.requestOpts = append(o.requestOpts, option.WithBaseURL(url))
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) {
		o.requestOpts = append(o.requestOpts, option.WithHTTPClient(hc))
	}
}

// WithMiddleware installs request middleware, mainly for tests that serve
// canned responses without a network.
func WithMiddleware(mw option.Middleware) Option {
	return func(o *clientOptions) {
		o.requestOpts = append(o.requestOpts, option.WithMiddleware(mw))
	}
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	o := clientOptions{
		requestOpts: []option.RequestOption{option.WithMaxRetries(0)},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{api: openai.NewClient(o.requestOpts...)}
}

// StreamTurn opens a streamed response for the request. Request-level
// failures are classified into the package error taxonomy.
func (c *Client) StreamTurn(ctx context.Context, req *TurnRequest) (TurnStream, error) {
	stream := c.api.Responses.NewStreaming(ctx, buildParams(req))
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, ClassifyError(err)
	}
	return sdkStream{stream}, nil
}

// Complete issues a one-shot, non-streamed request and returns the response
// text. Used for auxiliary generation such as session titles, not for turns.
func (c *Client) Complete(ctx context.Context, model, prompt string) (string, error) {
	params := responses.ResponseNewParams{
		Model: model,
		Input: responses.ResponseNewParamsInputUnion{OfString: param.NewOpt(prompt)},
		Store: param.NewOpt(false),
	}
	resp, err := c.api.Responses.New(ctx, params)
	if err != nil {
		return "", ClassifyError(err)
	}
	return responseText(resp), nil
}

type sdkStream struct {
	s *ssestream.Stream[responses.ResponseStreamEventUnion]
}

func (w sdkStream) Next() bool                                  { return w.s.Next() }
func (w sdkStream) Current() responses.ResponseStreamEventUnion { return w.s.Current() }
func (w sdkStream) Err() error                                  { return w.s.Err() }
func (w sdkStream) Close() error                                { return w.s.Close() }

func buildParams(req *TurnRequest) responses.ResponseNewParams {
	info := LookupModel(req.Model)
	params := responses.ResponseNewParams{
		Model: req.Model,
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: inputParams(req.Input)},
		Store: param.NewOpt(req.Store),
	}
	if req.Instructions != "" {
		params.Instructions = param.NewOpt(req.Instructions)
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = param.NewOpt(req.PreviousResponseID)
	}
	if info.UsesLocalShell {
		params.Tools = []responses.ToolUnionParam{localShellTool()}
	} else {
		params.Tools = []responses.ToolUnionParam{shellFunctionTool()}
	}
	if info.SupportsReasoning && req.ReasoningEffort != "" {
		params.Reasoning = openai.ReasoningParam{
			Effort: openai.ReasoningEffort(req.ReasoningEffort),
		}
	}
	return params
}

func inputParams(input []InputItem) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(input))
	for _, in := range input {
		switch in.Kind {
		case InputMessage:
			items = append(items, responses.ResponseInputItemUnionParam{
				OfMessage: &responses.EasyInputMessageParam{
					Content: responses.EasyInputMessageContentUnionParam{
						OfString: param.NewOpt(in.Message.Text),
					},
					Role: easyRole(in.Message.Role),
					Type: responses.EasyInputMessageTypeMessage,
				},
			})
		case InputFunctionCallOutput:
			items = append(items, responses.ResponseInputItemUnionParam{
				OfFunctionCallOutput: &responses.ResponseInputItemFunctionCallOutputParam{
					CallID: in.FunctionOutput.CallID,
					Output: responses.ResponseInputItemFunctionCallOutputOutputUnionParam{
						OfString: param.NewOpt(in.FunctionOutput.Output),
					},
					Type: constant.ValueOf[constant.FunctionCallOutput](),
				},
			})
		case InputLocalShellCallOutput:
			items = append(items, responses.ResponseInputItemUnionParam{
				OfLocalShellCallOutput: &responses.ResponseInputItemLocalShellCallOutputParam{
					ID:     in.LocalShellOutput.CallID,
					Output: in.LocalShellOutput.Output,
					Type:   constant.ValueOf[constant.LocalShellCallOutput](),
				},
			})
		}
	}
	return items
}

func easyRole(role Role) responses.EasyInputMessageRole {
	switch role {
	case RoleSystem:
		return responses.EasyInputMessageRoleSystem
	case RoleAssistant:
		return responses.EasyInputMessageRoleAssistant
	default:
		return responses.EasyInputMessageRoleUser
	}
}

func shellFunctionTool() responses.ToolUnionParam {
	return responses.ToolUnionParam{
		OfFunction: &responses.FunctionToolParam{
			Name:        ToolNameShell,
			Description: param.NewOpt("Runs a read-only shell command and returns its output."),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "The command and its arguments.",
					},
					"workdir": map[string]any{
						"type":        "string",
						"description": "Working directory for the command.",
					},
					"timeout": map[string]any{
						"type":        "number",
						"description": "Time limit in milliseconds.",
					},
				},
				"required":             []string{"command"},
				"additionalProperties": false,
			},
			Strict: param.NewOpt(false),
			Type:   constant.ValueOf[constant.Function](),
		},
	}
}

func localShellTool() responses.ToolUnionParam {
	return responses.ToolUnionParam{
		OfLocalShell: &responses.ToolLocalShellParam{
			Type: constant.ValueOf[constant.LocalShell](),
		},
	}
}

func responseText(resp *responses.Response) string {
	var text strings.Builder
	for _, item := range resp.Output {
		if item.Type != ItemTypeMessage {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				text.WriteString(part.Text)
			}
		}
	}
	return strings.TrimSpace(text.String())
}
