// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_llm

import (
	"context"
)

// Message roles. Tool results go back as RoleTool with the originating
// call id attached.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported on the Finished event.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
	FinishCancelled = "cancelled"
)

// Message is one provider-neutral conversation entry.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages that requested tools
	ToolCallID string     // tool messages: which call this answers
}

// ToolCall is a complete model-requested tool invocation. Arguments is the
// fully assembled JSON string; streamed argument deltas never leave the
// executor.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSchema describes one callable tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema
}

// ChatRequest is one streaming completion request.
type ChatRequest struct {
	System      string
	Messages    []Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
}

// ChatEventType tags a ChatEvent.
type ChatEventType int

const (
	// EventToken is one streamed text fragment.
	EventToken ChatEventType = iota
	// EventToolCall is a fully assembled tool invocation request.
	EventToolCall
	// EventFinished closes the stream; Reason holds the finish reason and
	// Err is set when Reason is FinishError.
	EventFinished
)

// ChatEvent is one item on a Chat stream. The stream always ends with
// exactly one EventFinished, after which the channel closes.
type ChatEvent struct {
	Type     ChatEventType
	Text     string
	ToolCall *ToolCall
	Reason   string
	Err      error
}

// Executor is a streaming chat-completion backend. Implementations are
// safe for concurrent Chat calls; cancellation flows through ctx.
type Executor interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
}
