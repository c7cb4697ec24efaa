// Package stream parses the line-delimited structured output that agent
// programs emit (claude's stream-json format and plain text fallback) into
// typed messages the lifecycle manager can meter.
package stream

import (
	"encoding/json"
	"io"
)

// Kind tags what a parsed message represents.
type Kind string

const (
	// KindSystem is an init or other control line from the agent.
	KindSystem Kind = "system"
	// KindAssistant is a model turn (text content and usage).
	KindAssistant Kind = "assistant"
	// KindToolUse is one tool invocation. One assistant line containing
	// several tool_use blocks yields several KindToolUse messages.
	KindToolUse Kind = "tool_use"
	// KindResult is the terminal summary line carrying cost and usage.
	KindResult Kind = "result"
	// KindText is unstructured output, including lines that failed to parse.
	KindText Kind = "text"
)

// TokenUsage is the token accounting attached to assistant and result lines.
type TokenUsage struct {
	Input     int64 `json:"input_tokens"`
	Output    int64 `json:"output_tokens"`
	CacheRead int64 `json:"cache_read_input_tokens"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output
}

// Message is one parsed unit of agent output.
type Message struct {
	Kind      Kind
	Raw       json.RawMessage
	Text      string
	CostUSD   float64
	Tokens    TokenUsage
	ToolName  string
	SessionID string
	IsError   bool
}

// MessageStream yields messages one at a time. Next returns io.EOF when the
// underlying stream is exhausted. A stream is single-use; obtain a fresh one
// per reader via Parser.NewStream.
type MessageStream interface {
	Next() (Message, error)
}

// Parser turns a byte stream into a MessageStream.
type Parser interface {
	NewStream(r io.Reader) MessageStream
}
