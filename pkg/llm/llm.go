// Package llm exposes a provider-agnostic completion interface used by the
// workflow engine's call_llm, generate_summary and synthesize_title actions.
package llm

import (
	"context"
	"time"

	"github.com/gobbyhq/gobby/pkg/errkind"
)

// DefaultTimeout bounds a single completion call when the request does not
// set its own.
const DefaultTimeout = 60 * time.Second

// DefaultMaxTokens caps completions when the request does not set one.
const DefaultMaxTokens = 1024

// Message is one turn in a completion conversation.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request describes one completion.
type Request struct {
	System    string
	Messages  []Message
	Model     string        // empty means the provider's default
	MaxTokens int           // 0 means DefaultMaxTokens
	Timeout   time.Duration // 0 means DefaultTimeout
}

// Response is a completed request with usage aggregates.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Provider is a single LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// complete wraps a provider call with the bounded timeout and translates
// context expiry into the Timeout error kind.
func complete(ctx context.Context, req Request, fn func(ctx context.Context) (*Response, error)) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := fn(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errkind.Wrap(errkind.Timeout, err, "llm call timed out")
		}
		return nil, err
	}
	return resp, nil
}

func (r Request) maxTokens() int {
	if r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return r.MaxTokens
}
