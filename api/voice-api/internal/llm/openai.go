// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_llm

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/cadenzaai/pkg/commons"
)

// chatEventChannelSize buffers streamed events between the SDK reader and
// the orchestrator.
const chatEventChannelSize = 32

type openAIExecutor struct {
	logger commons.Logger
	client oai.Client
	model  string
}

// NewOpenAIExecutor builds a streaming chat executor on the OpenAI API.
func NewOpenAIExecutor(logger commons.Logger, apiKey, model string) (Executor, error) {
	if apiKey == "" {
		return nil, commons.Ef(commons.KindConfig, "openai: api key must not be empty")
	}
	if model == "" {
		return nil, commons.Ef(commons.KindConfig, "openai: model must not be empty")
	}
	return &openAIExecutor{
		logger: logger,
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (e *openAIExecutor) Name() string { return "openai" }

// Chat starts a streaming completion. Tool call argument deltas are
// accumulated by index and surface as one EventToolCall each once the
// stream finishes.
func (e *openAIExecutor) Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error) {
	params, err := e.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := e.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, commons.E(commons.KindUpstream, fmt.Errorf("openai: start stream: %w", err))
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

		toolCalls := map[int]*ToolCall{}
		finishReason := ""

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				if !emit(ChatEvent{Type: EventToken, Text: choice.Delta.Content}) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := int(tc.Index)
				accum, ok := toolCalls[idx]
				if !ok {
					accum = &ToolCall{}
					toolCalls[idx] = accum
				}
				if tc.ID != "" {
					accum.ID = tc.ID
				}
				if tc.Function.Name != "" {
					accum.Name = tc.Function.Name
				}
				accum.Arguments += tc.Function.Arguments
			}

			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				emit(ChatEvent{Type: EventFinished, Reason: FinishCancelled, Err: ctx.Err()})
				return
			}
			emit(ChatEvent{Type: EventFinished, Reason: FinishError,
				Err: commons.E(commons.KindUpstream, fmt.Errorf("openai: stream: %w", err))})
			return
		}

		// Assembled tool calls go out in index order ahead of Finished.
		for i := 0; i < len(toolCalls); i++ {
			if tc, ok := toolCalls[i]; ok {
				if !emit(ChatEvent{Type: EventToolCall, ToolCall: tc}) {
					return
				}
			}
		}

		reason := FinishStop
		if finishReason == "tool_calls" || len(toolCalls) > 0 {
			reason = FinishToolCalls
		}
		emit(ChatEvent{Type: EventFinished, Reason: reason})
	}()

	return events, nil
}

func (e *openAIExecutor) buildParams(req ChatRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		converted, err := convertOpenAIMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, converted)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(e.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: param.NewOpt(tool.Description),
				Parameters:  shared.FunctionParameters(tool.Parameters),
			},
		})
	}
	return params, nil
}

func convertOpenAIMessage(m Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case RoleUser:
		return oai.UserMessage(m.Content), nil
	case RoleAssistant:
		assistant := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			assistant.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, nil
	case RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	default:
		return oai.ChatCompletionMessageParamUnion{},
			commons.Ef(commons.KindInternal, "openai: unknown message role %q", m.Role)
	}
}
