// Package integration_test exercises complete orchestration runs end to
// end: a driver-shaped sequence of value nodes and fixture actor bodies
// standing in for the AI-vendor actor bodies a real deployment would
// register, wired through env.Environment and scheduler.Scheduler exactly
// as cmd/ailets would. The bodies here are intentionally small stand-ins,
// never the real thing: vendor actor bodies (HTTP clients, response
// parsers, message formatters) are supplied by whoever deploys this core,
// not by the core itself.
package integration_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ailets-dev/ailets-go/actorio"
	"github.com/ailets-dev/ailets-go/dag"
	"github.com/ailets-dev/ailets-go/dag/plugin"
	"github.com/ailets-dev/ailets-go/env"
	"github.com/ailets-dev/ailets-go/scheduler"
)

// readAll drains fd to end-of-stream (or error), the shape every fixture
// body below uses to consume its default input.
func readAll(ctx context.Context, rt *actorio.Runtime, fd int) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := rt.Read(ctx, fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

// promptToMessages wraps the raw prompt bytes it reads from its default
// dependency into a one-message chat document.
func promptToMessages(ctx context.Context, rt *actorio.Runtime) error {
	fd, err := rt.OpenRead("", 0)
	if err != nil {
		return err
	}
	data, err := readAll(ctx, rt, fd)
	if err != nil {
		return err
	}
	if err := rt.Close(fd); err != nil {
		return err
	}

	doc := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": string(data)}},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = rt.Write(ctx, actorio.Stdout, out)
	return err
}

// messagesToQuery passes its input through unchanged: in a real deployment
// this stage would shape a vendor-specific HTTP request body, which is out
// of scope here.
func messagesToQuery(ctx context.Context, rt *actorio.Runtime) error {
	fd, err := rt.OpenRead("", 0)
	if err != nil {
		return err
	}
	data, err := readAll(ctx, rt, fd)
	if err != nil {
		return err
	}
	if err := rt.Close(fd); err != nil {
		return err
	}
	_, err = rt.Write(ctx, actorio.Stdout, data)
	return err
}

// queryBody returns a fixed canned response regardless of its input,
// standing in for a model call that always answers the same way.
func queryBody(response []byte) scheduler.ActorBody {
	return func(ctx context.Context, rt *actorio.Runtime) error {
		fd, err := rt.OpenRead("", 0)
		if err == nil {
			if _, err := readAll(ctx, rt, fd); err != nil {
				return err
			}
			if err := rt.Close(fd); err != nil {
				return err
			}
		}
		_, err = rt.Write(ctx, actorio.Stdout, response)
		return err
	}
}

// queryFailingBody writes a trace event then fails outright, standing in
// for a vendor call that errors mid-request after having already emitted
// diagnostics on its own trace stream.
func queryFailingBody(ctx context.Context, rt *actorio.Runtime) error {
	if _, err := rt.Write(ctx, actorio.Trace, []byte("request sent")); err != nil {
		return err
	}
	if err := rt.Close(actorio.Trace); err != nil {
		return err
	}
	return errors.New("simulated upstream failure")
}

// queryStreamBody writes first, blocks until resume fires (or ctx is
// canceled), then writes second and returns.
func queryStreamBody(first, second []byte, resume <-chan struct{}) scheduler.ActorBody {
	return func(ctx context.Context, rt *actorio.Runtime) error {
		if _, err := rt.Write(ctx, actorio.Stdout, first); err != nil {
			return err
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
		_, err := rt.Write(ctx, actorio.Stdout, second)
		return err
	}
}

// slowMarkdown reads its default dependency one byte at a time, pushing
// each byte onto out as it arrives so a test can observe streaming
// visibility directly, and closes out once the dependency reaches
// end-of-stream.
func slowMarkdown(out chan<- byte) scheduler.ActorBody {
	return func(ctx context.Context, rt *actorio.Runtime) error {
		fd, err := rt.OpenRead("", 0)
		if err != nil {
			return err
		}
		buf := make([]byte, 1)
		for {
			n, err := rt.Read(ctx, fd, buf)
			if n > 0 {
				out <- buf[0]
			}
			if err != nil {
				close(out)
				return err
			}
			if n == 0 {
				close(out)
				return rt.Close(fd)
			}
		}
	}
}

// messagesToMarkdown renders its default dependency's bytes as a single
// trailing-newline-terminated line.
func messagesToMarkdown(ctx context.Context, rt *actorio.Runtime) error {
	fd, err := rt.OpenRead("", 0)
	if err != nil {
		return err
	}
	data, err := readAll(ctx, rt, fd)
	if err != nil {
		return err
	}
	if err := rt.Close(fd); err != nil {
		return err
	}
	_, err = rt.Write(ctx, actorio.Stdout, append(data, '\n'))
	return err
}

// toolCall and queryResponse describe the tiny subset of a chat-completion
// response shape responseToMessages inspects.
type toolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type queryResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// responseToMessages inspects a query response: a plain-content reply is
// passed through to stdout unchanged, while a tool-call reply unrolls one
// more round of the conversation by detaching the running `.chat_messages`
// alias, injecting the tool's result as a value node, grafting
// "gpt.messages_to_query" as a fresh branch, and re-aliasing `.end` at its
// sink so the scheduler picks the new branch up without restarting.
func responseToMessages(ctx context.Context, rt *actorio.Runtime) error {
	fd, err := rt.OpenRead("", 0)
	if err != nil {
		return err
	}
	data, err := readAll(ctx, rt, fd)
	if err != nil {
		return err
	}
	if err := rt.Close(fd); err != nil {
		return err
	}

	var resp queryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("response_to_messages: decode: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("response_to_messages: no choices in response")
	}
	msg := resp.Choices[0].Message

	if len(msg.ToolCalls) == 0 {
		_, err := rt.Write(ctx, actorio.Stdout, []byte(msg.Content))
		return err
	}

	call := msg.ToolCalls[0]
	result := runTool(call)

	// Freeze whatever currently depends on `.chat_messages` (this node's
	// own dependency chain included) before the new round's feedback value
	// is wired in directly, so a later reassignment of the alias can never
	// retroactively change what this round actually read.
	if err := rt.DetachFromAlias(env.AliasChatMessages); err != nil {
		return err
	}
	feedback, err := rt.ValueNode(result, "tool result: "+call.Name)
	if err != nil {
		return err
	}

	sink, err := rt.InstantiateWithDeps("gpt.messages_to_query", map[string]dag.Ref{
		"messages": dag.NodeRef(feedback),
	})
	if err != nil {
		return err
	}
	sinkRef := dag.NodeRef(sink)
	if err := rt.Alias(env.AliasEnd, &sinkRef); err != nil {
		return err
	}

	_, err = rt.Write(ctx, actorio.Stdout, []byte("{}"))
	return err
}

// runTool simulates the one tool this fixture set knows about:
// get_user_name, which always answers "ailets".
func runTool(call toolCall) []byte {
	switch call.Name {
	case "get_user_name":
		return []byte(`{"user_name":"ailets"}`)
	default:
		return []byte(`{"error":"unknown tool"}`)
	}
}

// echoQueryBody wraps its input bytes back out as a content-only chat
// response, the second-round "model call" the unrolled tool-call branch
// drives: it lets the tool result flow straight through to response_to_messages
// without a separate canned-response kind.
func echoQueryBody(ctx context.Context, rt *actorio.Runtime) error {
	fd, err := rt.OpenRead("", 0)
	if err != nil {
		return err
	}
	data, err := readAll(ctx, rt, fd)
	if err != nil {
		return err
	}
	if err := rt.Close(fd); err != nil {
		return err
	}

	doc := map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": string(data)}}},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = rt.Write(ctx, actorio.Stdout, out)
	return err
}

// toolLoopTemplate is the "gpt.messages_to_query" workflow
// response_to_messages grafts in when it unrolls a tool-call round: it
// wires the external "messages" input straight through an echoing query
// stage into another response_to_messages stage, matching the shape of the
// pipeline's own first pass.
var toolLoopTemplate = plugin.Template{
	Name: "gpt.messages_to_query",
	Nodes: []plugin.NodeSpec{
		{LocalID: "query", Kind: "fixture.echo_query", Deps: []plugin.DepSpec{{Param: "", Input: "messages"}}},
		{LocalID: "response", Kind: "fixture.response_to_messages", Deps: []plugin.DepSpec{{Param: "", LocalID: "query"}}},
	},
	Sink: "response",
}

// baseBodies returns the fixture registry every scenario test starts from;
// individual tests add or override kinds (e.g. a failing or streaming
// "query") as needed.
func baseBodies() scheduler.StaticBodyRegistry {
	return scheduler.StaticBodyRegistry{
		"fixture.prompt_to_messages":   promptToMessages,
		"fixture.messages_to_query":    messagesToQuery,
		"fixture.response_to_messages": responseToMessages,
		"fixture.messages_to_markdown": messagesToMarkdown,
		"fixture.echo_query":           echoQueryBody,
	}
}

func baseRegistry() plugin.StaticRegistry {
	return plugin.StaticRegistry{"gpt.messages_to_query": toolLoopTemplate}
}
