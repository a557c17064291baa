// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_agent

import (
	"context"
	"strings"

	internal_llm "github.com/cadenzaai/api/voice-api/internal/llm"
	"github.com/cadenzaai/pkg/commons"
)

const classifierPrompt = `You route callers of a voice assistant to the right specialist.
Reply with exactly one agent key from this list and nothing else:
%AGENTS%
If none clearly fits, reply "greeter".`

// Classifier picks a specialist for an utterance using a single small
// model call. Any failure or unknown answer routes to the greeter: a
// wrong specialist can hand off later, a stalled call cannot.
type Classifier struct {
	logger   commons.Logger
	registry *Registry
}

// NewClassifier builds the intent classifier.
func NewClassifier(logger commons.Logger, registry *Registry) *Classifier {
	return &Classifier{logger: logger, registry: registry}
}

// Classify returns the chosen agent key, using the turn's leased executor.
func (c *Classifier) Classify(ctx context.Context, executor internal_llm.Executor, userText string) string {
	system := strings.Replace(classifierPrompt, "%AGENTS%", c.registry.Describe(), 1)
	events, err := executor.Chat(ctx, internal_llm.ChatRequest{
		System:    system,
		Messages:  []internal_llm.Message{{Role: internal_llm.RoleUser, Content: userText}},
		MaxTokens: 16,
	})
	if err != nil {
		c.logger.Warnw("classifier: chat failed, routing to greeter", "error", err)
		return GreeterKey
	}

	answer := ""
	for event := range events {
		switch event.Type {
		case internal_llm.EventToken:
			answer += event.Text
		case internal_llm.EventFinished:
			if event.Err != nil {
				c.logger.Warnw("classifier: stream failed, routing to greeter", "error", event.Err)
				return GreeterKey
			}
		}
	}

	key := strings.ToLower(strings.TrimSpace(answer))
	if _, ok := c.registry.Get(key); !ok {
		c.logger.Debugw("classifier: unknown agent key, routing to greeter", "answer", answer)
		return GreeterKey
	}
	return key
}
