// ABOUTME: The contract between the chat loop and a language model backend.
// ABOUTME: An Engine turns a prompt plus the tool catalog into reply text.

// Package generate produces chat replies from a language model that may call catalog tools.
package generate

import (
	"context"
	"errors"

	"github.com/doubtingben/back-channel/internal/catalog"
)

// ErrGeneration indicates the engine failed to produce a reply.
var ErrGeneration = errors.New("generation failed")

// DefaultTemperature is the sampling temperature used for chat replies.
const DefaultTemperature = 0.7

// Sampling holds model sampling settings.
type Sampling struct {
	Temperature float64
}

// Request is one stateless generation call.
type Request struct {
	Prompt   string
	Tools    []catalog.Tool
	Sampling Sampling
}

// Response is the engine's final answer.
type Response struct {
	Text string
	// ToolCalls counts tool invocations made while answering.
	ToolCalls int
}

// Engine generates a reply, invoking tools from the request as it sees fit.
type Engine interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) (Response, error)

func (f EngineFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
