// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_callcontrol

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cadenzaai/pkg/commons"
)

const (
	requestTimeout = 5 * time.Second
	retryCount     = 2
)

// Provider is the telephony call-automation facade: answer an incoming
// call onto a media stream, place an outbound call, hang a call up.
type Provider interface {
	Answer(ctx context.Context, incomingCallContext, mediaStreamURL string) (string, error)
	PlaceCall(ctx context.Context, targetE164, callbackURL string) (string, error)
	Hangup(ctx context.Context, callID string) error
	Ping(ctx context.Context) error
}

type answerRequest struct {
	IncomingCallContext string `json:"incomingCallContext"`
	CallbackURI         string `json:"callbackUri"`
	MediaStreamingURI   string `json:"mediaStreamingUri"`
}

type placeCallRequest struct {
	TargetNumber string `json:"targetNumber"`
	SourceNumber string `json:"sourceNumber"`
	CallbackURI  string `json:"callbackUri"`
}

type callResponse struct {
	CallConnectionID string `json:"callConnectionId"`
}

// restProvider talks to the provider's call-automation REST API. Retries
// cover transient network errors and 5xx; a 4xx is the caller's problem
// and surfaces immediately.
type restProvider struct {
	logger       commons.Logger
	client       *resty.Client
	sourceNumber string
	callbackURL  string
}

// NewRESTProvider builds the call-automation client.
func NewRESTProvider(logger commons.Logger, endpoint, accessKey, sourceNumber, callbackURL string) Provider {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(requestTimeout).
		SetRetryCount(retryCount).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if accessKey != "" {
		client.SetHeader("Authorization", "Bearer "+accessKey)
	}
	return &restProvider{
		logger:       logger,
		client:       client,
		sourceNumber: sourceNumber,
		callbackURL:  callbackURL,
	}
}

// Answer accepts an incoming call and attaches its media stream to us.
func (p *restProvider) Answer(ctx context.Context, incomingCallContext, mediaStreamURL string) (string, error) {
	var result callResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetBody(answerRequest{
			IncomingCallContext: incomingCallContext,
			CallbackURI:         p.callbackURL,
			MediaStreamingURI:   mediaStreamURL,
		}).
		SetResult(&result).
		Post("/calling/callConnections:answer")
	if err != nil {
		return "", commons.E(commons.KindUpstream, fmt.Errorf("callcontrol: answer: %w", err))
	}
	if response.IsError() {
		return "", commons.Ef(commons.KindUpstream, "callcontrol: answer returned %d", response.StatusCode())
	}
	if result.CallConnectionID == "" {
		return "", commons.Ef(commons.KindProtocol, "callcontrol: answer response missing call id")
	}
	p.logger.Infow("call answered", "callId", result.CallConnectionID)
	return result.CallConnectionID, nil
}

// PlaceCall dials out to targetE164 and reports events on callbackURL.
func (p *restProvider) PlaceCall(ctx context.Context, targetE164, callbackURL string) (string, error) {
	if callbackURL == "" {
		callbackURL = p.callbackURL
	}
	var result callResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetBody(placeCallRequest{
			TargetNumber: targetE164,
			SourceNumber: p.sourceNumber,
			CallbackURI:  callbackURL,
		}).
		SetResult(&result).
		Post("/calling/callConnections")
	if err != nil {
		return "", commons.E(commons.KindUpstream, fmt.Errorf("callcontrol: place call: %w", err))
	}
	if response.IsError() {
		return "", commons.Ef(commons.KindUpstream, "callcontrol: place call returned %d", response.StatusCode())
	}
	if result.CallConnectionID == "" {
		return "", commons.Ef(commons.KindProtocol, "callcontrol: place call response missing call id")
	}
	p.logger.Infow("outbound call placed", "callId", result.CallConnectionID, "target", targetE164)
	return result.CallConnectionID, nil
}

// Ping probes the endpoint for readiness. Any HTTP answer counts as
// reachable; only transport failures surface.
func (p *restProvider) Ping(ctx context.Context) error {
	_, err := p.client.R().
		SetContext(ctx).
		Get("/")
	if err != nil {
		return commons.E(commons.KindUpstream, fmt.Errorf("callcontrol: ping: %w", err))
	}
	return nil
}

// Hangup tears the call down. A 404 counts as success: the call is gone
// either way.
func (p *restProvider) Hangup(ctx context.Context, callID string) error {
	response, err := p.client.R().
		SetContext(ctx).
		Delete("/calling/callConnections/" + callID)
	if err != nil {
		return commons.E(commons.KindUpstream, fmt.Errorf("callcontrol: hangup: %w", err))
	}
	if response.IsError() && response.StatusCode() != http.StatusNotFound {
		return commons.Ef(commons.KindUpstream, "callcontrol: hangup returned %d", response.StatusCode())
	}
	return nil
}
