// Package llm defines the Generator abstraction the retrieval path depends
// on: a single text-in, text-out call, distinct from the teacher's much
// larger tool-calling/streaming Provider interface, because answering a
// retrieval-augmented question needs nothing beyond a completion.
package llm

import "context"

// Generator produces a response to an already-built prompt. Temperature,
// top-p, and max-output-tokens are fixed per spec.md's retrieval step, so
// implementations accept them as explicit arguments rather than pulling
// them from ambient config, keeping each call independently testable.
type Generator interface {
	Generate(ctx context.Context, prompt string, temperature, topP float64, maxOutputTokens int) (string, error)
}
