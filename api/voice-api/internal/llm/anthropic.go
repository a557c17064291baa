// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cadenzaai/pkg/commons"
)

// defaultMaxTokens applies when the request leaves MaxTokens unset; the
// Anthropic API requires an explicit cap.
const defaultMaxTokens = 1024

type anthropicExecutor struct {
	logger commons.Logger
	client anthropic.Client
	model  string
}

// NewAnthropicExecutor builds a streaming chat executor on the Anthropic
// Messages API.
func NewAnthropicExecutor(logger commons.Logger, apiKey, model string) (Executor, error) {
	if apiKey == "" {
		return nil, commons.Ef(commons.KindConfig, "anthropic: api key must not be empty")
	}
	if model == "" {
		return nil, commons.Ef(commons.KindConfig, "anthropic: model must not be empty")
	}
	return &anthropicExecutor{
		logger: logger,
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (e *anthropicExecutor) Name() string { return "anthropic" }

// Chat starts a streaming message. Text deltas flow out as tokens;
// tool_use blocks are assembled from input_json deltas and surface whole.
func (e *anthropicExecutor) Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error) {
	params, err := e.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := e.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, commons.E(commons.KindUpstream, fmt.Errorf("anthropic: start stream: %w", err))
	}

	events := make(chan ChatEvent, chatEventChannelSize)
	go func() {
		defer close(events)
		defer stream.Close()

		emit := func(event ChatEvent) bool {
			select {
			case events <- event:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// One tool_use block is open at a time; arguments accumulate until
		// its content_block_stop.
		var pending *ToolCall
		sawToolCalls := false

		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					pending = &ToolCall{ID: block.ID, Name: block.Name}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						if !emit(ChatEvent{Type: EventToken, Text: delta.Text}) {
							return
						}
					}
				case anthropic.InputJSONDelta:
					if pending != nil {
						pending.Arguments += delta.PartialJSON
					}
				}
			case anthropic.ContentBlockStopEvent:
				if pending != nil {
					if pending.Arguments == "" {
						pending.Arguments = "{}"
					}
					sawToolCalls = true
					if !emit(ChatEvent{Type: EventToolCall, ToolCall: pending}) {
						return
					}
					pending = nil
				}
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				emit(ChatEvent{Type: EventFinished, Reason: FinishCancelled, Err: ctx.Err()})
				return
			}
			emit(ChatEvent{Type: EventFinished, Reason: FinishError,
				Err: commons.E(commons.KindUpstream, fmt.Errorf("anthropic: stream: %w", err))})
			return
		}

		reason := FinishStop
		if sawToolCalls {
			reason = FinishToolCalls
		}
		emit(ChatEvent{Type: EventFinished, Reason: reason})
	}()

	return events, nil
}

func (e *anthropicExecutor) buildParams(req ChatRequest) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	for _, m := range req.Messages {
		converted, err := convertAnthropicMessage(m)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Messages = append(params.Messages, converted)
	}

	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Parameters["properties"],
				},
			},
		})
	}
	return params, nil
}

func convertAnthropicMessage(m Message) (anthropic.MessageParam, error) {
	switch m.Role {
	case RoleUser:
		return anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)), nil
	case RoleAssistant:
		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(tc.Arguments), tc.Name))
		}
		return anthropic.NewAssistantMessage(blocks...), nil
	case RoleTool:
		return anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)), nil
	default:
		return anthropic.MessageParam{},
			commons.Ef(commons.KindInternal, "anthropic: unsupported message role %q", m.Role)
	}
}
