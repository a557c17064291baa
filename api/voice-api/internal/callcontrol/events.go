// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_callcontrol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cadenzaai/pkg/commons"
)

// Call event types carried in the provider's cloud-event webhooks. The
// provider namespaces types ("X.Communication.IncomingCall"); matching is
// on the final segment.
const (
	EventIncomingCall     = "IncomingCall"
	EventCallConnected    = "CallConnected"
	EventCallDisconnected = "CallDisconnected"
)

// CallEvent is one normalized call-automation webhook event.
type CallEvent struct {
	Type                string
	CallID              string
	IncomingCallContext string
	From                string
	To                  string
}

// cloudEvent is the wire envelope; webhooks deliver arrays of these.
type cloudEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type incomingCallData struct {
	IncomingCallContext string `json:"incomingCallContext"`
	From                struct {
		RawID string `json:"rawId"`
	} `json:"from"`
	To struct {
		RawID string `json:"rawId"`
	} `json:"to"`
}

type callStateData struct {
	CallConnectionID string `json:"callConnectionId"`
}

// ParseEvents decodes a webhook body into normalized call events. Unknown
// event types are skipped, not failed: the provider adds types faster than
// we care about them.
func ParseEvents(raw []byte) ([]CallEvent, error) {
	var envelopes []cloudEvent
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		return nil, commons.E(commons.KindProtocol, fmt.Errorf("callcontrol: webhook body: %w", err))
	}

	var events []CallEvent
	for _, envelope := range envelopes {
		switch eventSuffix(envelope.Type) {
		case EventIncomingCall:
			var data incomingCallData
			if err := json.Unmarshal(envelope.Data, &data); err != nil {
				return nil, commons.E(commons.KindProtocol, fmt.Errorf("callcontrol: incoming call data: %w", err))
			}
			events = append(events, CallEvent{
				Type:                EventIncomingCall,
				IncomingCallContext: data.IncomingCallContext,
				From:                data.From.RawID,
				To:                  data.To.RawID,
			})
		case EventCallConnected, EventCallDisconnected:
			var data callStateData
			if err := json.Unmarshal(envelope.Data, &data); err != nil {
				return nil, commons.E(commons.KindProtocol, fmt.Errorf("callcontrol: call state data: %w", err))
			}
			events = append(events, CallEvent{
				Type:   eventSuffix(envelope.Type),
				CallID: data.CallConnectionID,
			})
		}
	}
	return events, nil
}

func eventSuffix(eventType string) string {
	if idx := strings.LastIndex(eventType, "."); idx >= 0 {
		return eventType[idx+1:]
	}
	return eventType
}
