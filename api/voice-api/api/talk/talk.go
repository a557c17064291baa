// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package voice_talk_api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	internal_audio "github.com/cadenzaai/api/voice-api/internal/audio"
	internal_callcontrol "github.com/cadenzaai/api/voice-api/internal/callcontrol"
	internal_channel "github.com/cadenzaai/api/voice-api/internal/channel"
	internal_conductor "github.com/cadenzaai/api/voice-api/internal/conductor"
	internal_sessionstore "github.com/cadenzaai/api/voice-api/internal/sessionstore"
	"github.com/cadenzaai/config"
	"github.com/cadenzaai/pkg/commons"
	"github.com/cadenzaai/pkg/utils"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TalkApi owns the realtime surfaces: the browser and telephony media
// websockets, the call-automation webhooks, and the dashboard relay.
type TalkApi struct {
	cfg       *config.AppConfig
	logger    commons.Logger
	ownerID   string
	store     internal_sessionstore.Store
	conductor *internal_conductor.Conductor
	relay     *internal_channel.Relay
	provider  internal_callcontrol.Provider
}

// New wires the talk API.
func New(
	cfg *config.AppConfig,
	logger commons.Logger,
	ownerID string,
	store internal_sessionstore.Store,
	conductor *internal_conductor.Conductor,
	relay *internal_channel.Relay,
	provider internal_callcontrol.Provider,
) *TalkApi {
	return &TalkApi{
		cfg:       cfg,
		logger:    logger,
		ownerID:   ownerID,
		store:     store,
		conductor: conductor,
		relay:     relay,
		provider:  provider,
	}
}

// Realtime serves the browser websocket. A session_id query parameter
// resumes an existing session; otherwise a fresh one is allocated.
//
// @Router /realtime [get]
func (api *TalkApi) Realtime(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = utils.NewSessionID()
		record := internal_sessionstore.NewSessionRecord(
			sessionID, api.ownerID,
			internal_sessionstore.TransportBrowser,
			c.Query("participant"),
			internal_audio.SampleRate16k,
		)
		if err := api.store.Create(c.Request.Context(), record); err != nil {
			api.logger.Errorw("realtime: session allocation failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to allocate session"})
			return
		}
	} else if _, err := api.store.Load(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Errorw("realtime: websocket upgrade failed", "error", err)
		return
	}

	streamer := internal_channel.NewBrowserStreamer(api.logger, conn, sessionID, internal_audio.SampleRate16k)
	if err := api.conductor.RunSession(c.Request.Context(), sessionID, streamer); err != nil {
		api.logger.Errorw("realtime: session failed", "sessionId", sessionID, "error", err)
	}
}

// CallStream serves the telephony media websocket. The session must have
// been allocated by the incoming-call webhook or the outbound endpoint.
//
// @Router /call/stream [get]
func (api *TalkApi) CallStream(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	record, err := api.store.Load(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Errorw("call stream: websocket upgrade failed", "sessionId", sessionID, "error", err)
		return
	}

	streamer := internal_channel.NewMediaStreamer(api.logger, conn, sessionID, record.SampleRate)
	if err := api.conductor.RunSession(c.Request.Context(), sessionID, streamer); err != nil {
		api.logger.Errorw("call stream: session failed", "sessionId", sessionID, "error", err)
	}
}

// DashboardRelay streams a session's transcript and state events to an
// observer. Best-effort, no replay.
//
// @Router /dashboard/relay [get]
func (api *TalkApi) DashboardRelay(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Errorw("relay: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, stop := api.relay.Subscribe(sessionID)
	defer stop()

	// Reader goroutine: its only job is noticing the observer leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload := gin.H{
				"type":  string(event.Type),
				"state": event.State,
				"role":  event.Role,
				"text":  event.Text,
				"final": event.Final,
				"agent": event.Agent,
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}

// ============================================================================
// Call-automation webhooks and commands
// ============================================================================

type outboundCallRequest struct {
	Target      string `json:"target" binding:"required"`
	SessionHint string `json:"session_hint"`
}

type hangupRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// Incoming handles the provider's cloud-event webhook: answers incoming
// calls onto a freshly allocated media session.
//
// @Router /call/incoming [post]
func (api *TalkApi) Incoming(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	events, err := internal_callcontrol.ParseEvents(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event payload"})
		return
	}

	for _, event := range events {
		switch event.Type {
		case internal_callcontrol.EventIncomingCall:
			api.answerIncoming(c, event)
		case internal_callcontrol.EventCallConnected:
			api.logger.Infow("call connected", "callId", event.CallID)
		case internal_callcontrol.EventCallDisconnected:
			api.logger.Infow("call disconnected", "callId", event.CallID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"handled": len(events)})
}

func (api *TalkApi) answerIncoming(c *gin.Context, event internal_callcontrol.CallEvent) {
	sessionID := utils.NewSessionID()
	transport := internal_sessionstore.TransportTelephonyMedia
	sampleRate := internal_audio.SampleRate16k
	if api.cfg.StreamingMode == config.StreamingModeRealtimeVoice {
		transport = internal_sessionstore.TransportTelephonyRealtime
		sampleRate = internal_audio.SampleRate24k
	}

	record := internal_sessionstore.NewSessionRecord(sessionID, api.ownerID, transport, event.From, sampleRate)
	if err := api.store.Create(c.Request.Context(), record); err != nil {
		api.logger.Errorw("incoming call: session allocation failed", "error", err)
		return
	}

	mediaURL := api.cfg.TelephonyConfig.MediaWsURL + "?session_id=" + sessionID
	callID, err := api.provider.Answer(c.Request.Context(), event.IncomingCallContext, mediaURL)
	if err != nil {
		api.logger.Errorw("incoming call: answer failed", "sessionId", sessionID, "error", err)
		return
	}

	if _, err := api.store.Mutate(c.Request.Context(), sessionID, func(rec *internal_sessionstore.SessionRecord) error {
		rec.Context["call_id"] = callID
		return nil
	}); err != nil {
		api.logger.Warnw("incoming call: call id not recorded", "sessionId", sessionID, "error", err)
	}
	api.logger.Infow("incoming call answered",
		"sessionId", sessionID, "callId", callID, "from", event.From)
}

// Outbound places a call and allocates the session its media stream will
// attach to.
//
// @Router /call/outbound [post]
func (api *TalkApi) Outbound(c *gin.Context) {
	var request outboundCallRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target is required"})
		return
	}

	sessionID := utils.NewSessionID()
	record := internal_sessionstore.NewSessionRecord(
		sessionID, api.ownerID,
		internal_sessionstore.TransportTelephonyMedia,
		request.SessionHint,
		internal_audio.SampleRate16k,
	)
	if err := api.store.Create(c.Request.Context(), record); err != nil {
		api.logger.Errorw("outbound call: session allocation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to allocate session"})
		return
	}

	callID, err := api.provider.PlaceCall(c.Request.Context(), request.Target, api.cfg.TelephonyConfig.CallbackURL)
	if err != nil {
		api.logger.Errorw("outbound call: placement failed", "sessionId", sessionID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "call placement failed"})
		return
	}

	if _, err := api.store.Mutate(c.Request.Context(), sessionID, func(rec *internal_sessionstore.SessionRecord) error {
		rec.Context["call_id"] = callID
		return nil
	}); err != nil {
		api.logger.Warnw("outbound call: call id not recorded", "sessionId", sessionID, "error", err)
	}

	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID})
}

// Hangup tears a session's call down on request.
//
// @Router /call/hangup [post]
func (api *TalkApi) Hangup(c *gin.Context) {
	var request hangupRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	record, err := api.store.Load(c.Request.Context(), request.SessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	callID, ok := record.Context["call_id"]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session has no attached call"})
		return
	}
	if err := api.provider.Hangup(c.Request.Context(), callID); err != nil {
		api.logger.Errorw("hangup failed", "sessionId", request.SessionID, "callId", callID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "hangup failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
