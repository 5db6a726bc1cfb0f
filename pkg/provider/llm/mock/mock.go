// Package mock provides a scriptable test double for the llm.Provider
// interface.
//
// Queue one Response per expected StreamCompletion call; each call pops the
// next script entry and replays its deltas. A DeltaEnd is appended
// automatically when the script does not end with one, so most tests only
// list the interesting deltas.
package mock

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/provider/llm"
)

// Response scripts one StreamCompletion call.
type Response struct {
	// StartErr, if non-nil, is returned instead of a stream.
	StartErr error

	// Deltas are replayed onto the returned channel in order.
	Deltas []llm.Delta
}

// TextResponse scripts a stream that emits the given text fragments and
// finishes with reason "stop".
func TextResponse(fragments ...string) Response {
	var deltas []llm.Delta
	for _, f := range fragments {
		deltas = append(deltas, llm.Delta{Kind: llm.DeltaText, Text: f})
	}
	deltas = append(deltas, llm.Delta{Kind: llm.DeltaEnd, FinishReason: "stop"})
	return Response{Deltas: deltas}
}

// ToolCallResponse scripts a stream that emits one tool call split across
// the given argument fragments and finishes with reason "tool_calls".
func ToolCallResponse(id, name string, argFragments ...string) Response {
	deltas := []llm.Delta{
		{Kind: llm.DeltaToolCall, ToolCall: llm.ToolCallDelta{Index: 0, ID: id, Name: name}},
	}
	for _, f := range argFragments {
		deltas = append(deltas, llm.Delta{
			Kind:     llm.DeltaToolCall,
			ToolCall: llm.ToolCallDelta{Index: 0, ArgsFragment: f},
		})
	}
	deltas = append(deltas, llm.Delta{Kind: llm.DeltaEnd, FinishReason: "tool_calls"})
	return Response{Deltas: deltas}
}

// ErrorResponse scripts a stream that fails mid-flight with err after
// emitting the given text fragments.
func ErrorResponse(err error, fragments ...string) Response {
	var deltas []llm.Delta
	for _, f := range fragments {
		deltas = append(deltas, llm.Delta{Kind: llm.DeltaText, Text: f})
	}
	deltas = append(deltas, llm.Delta{Kind: llm.DeltaEnd, Err: err})
	return Response{Deltas: deltas}
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Script is the queue of responses, popped one per call. When the queue
	// is exhausted, calls return an immediately-ending stream.
	Script []Response

	// Requests records every StreamCompletion request in order.
	Requests []llm.Request
}

var _ llm.Provider = (*Provider)(nil)

// Enqueue appends responses to the script. Thread-safe.
func (p *Provider) Enqueue(responses ...Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Script = append(p.Script, responses...)
}

// StreamCompletion pops the next scripted response and replays it.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	var resp Response
	if len(p.Script) > 0 {
		resp = p.Script[0]
		p.Script = p.Script[1:]
	}
	p.mu.Unlock()

	if resp.StartErr != nil {
		return nil, resp.StartErr
	}

	deltas := resp.Deltas
	if len(deltas) == 0 || deltas[len(deltas)-1].Kind != llm.DeltaEnd {
		deltas = append(deltas, llm.Delta{Kind: llm.DeltaEnd, FinishReason: "stop"})
	}

	ch := make(chan llm.Delta, len(deltas))
	go func() {
		defer close(ch)
		for _, d := range deltas {
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CallCount returns how many streams were requested. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// LastRequest returns the most recent request, or a zero Request.
func (p *Provider) LastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Requests) == 0 {
		return llm.Request{}
	}
	return p.Requests[len(p.Requests)-1]
}
