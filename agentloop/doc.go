// Package agentloop drives conversations between a user, a model, and the
// local shell.
//
// A Loop owns one conversation. Each Run submits user input, streams the
// model's response, executes any tool calls the model requests through a
// validated shell executor, feeds the outputs back, and repeats until the
// model finishes its turn. Everything observable along the way fans out
// through a Bridge as typed events.
//
// # Architecture
//
// The package is organized around these core concepts:
//
//   - Loop: The turn state machine. It tracks a generation counter so that
//     canceled work is silently abandoned, resolves interrupted tool calls
//     with synthetic "aborted" results, and guards liveness with a stream
//     watchdog.
//   - Bridge: Fan-out event delivery to any number of subscribers.
//     Publishing never blocks the loop.
//   - Confirmation: A single-resolution approval request for commands that
//     fall outside the read-only allow-list.
//   - ToolRunner: The execution surface, implemented by shelltool.Executor.
//
// # Quick Start
//
//	client := llmclient.NewClient(llmclient.WithAPIKey(key))
//	bridge := agentloop.NewBridge()
//	loop := agentloop.New(client, shelltool.NewExecutor(shelltool.ApprovalAuto),
//	    bridge, agentloop.DefaultConfig("gpt-5.2"))
//	defer loop.Terminate()
//
//	events, cancel := bridge.Subscribe()
//	defer cancel()
//	go func() {
//	    for ev := range events {
//	        fmt.Printf("[%s]\n", ev.Kind)
//	    }
//	}()
//
//	if err := loop.Run(ctx, []llmclient.InputItem{
//	    llmclient.UserMessage("Summarize the README"),
//	}); err != nil {
//	    log.Fatal(err)
//	}
package agentloop
