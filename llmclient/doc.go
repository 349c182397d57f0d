// Package llmclient wraps the OpenAI Responses API
// (github.com/openai/openai-go/v3) behind the small surface the agent loop
// needs: streamed turn requests, a typed error taxonomy, and retry policy.
//
// # Architecture
//
//   - Types: conversation items (Item, InputItem, ToolCall) in the wire shape
//     of the Responses API, decoupled from SDK param plumbing
//   - Client: request building (tool declarations, reasoning config,
//     previous_response_id continuation) and stream opening
//   - Errors: classification of SDK and network failures into retryable,
//     rate-limited, context-window, and fatal classes
//   - Retry: exponential backoff with jitter, honoring provider-suggested
//     delays
//
// # Quick Start
//
//	client := llmclient.NewClient(llmclient.WithAPIKey(os.Getenv("OPENAI_API_KEY")))
//
//	stream, err := client.StreamTurn(ctx, &llmclient.TurnRequest{
//	    Model: "gpt-5.2",
//	    Input: []llmclient.InputItem{llmclient.UserMessage("why is my build slow?")},
//	    Store: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for stream.Next() {
//	    event := stream.Current()
//	    // ...
//	}
//
// The retry decision belongs to the caller: StreamTurn classifies failures
// (see ClassifyError) and the agent loop applies RetryPolicy across both
// stream creation and mid-stream disconnects.
package llmclient
