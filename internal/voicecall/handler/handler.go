package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"voice-server/internal/apierrors"
	"voice-server/internal/observability"
	"voice-server/internal/store"
	"voice-server/internal/voicecall/conn"
	"voice-server/internal/voicecall/notify"
	"voice-server/internal/voicecall/session"
	"voice-server/internal/voicecall/twilio"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioClient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

type Config struct {
	// PublicHost is the externally reachable hostname webhooks and the
	// media stream are served from, without scheme.
	PublicHost string
	// ValidateSignatures can be disabled for local development behind
	// tunnels that rewrite the request URL.
	ValidateSignatures bool
}

type Handler struct {
	manager   *conn.Manager
	store     store.Store
	notifier  *notify.Notifier
	validator twilioClient.RequestValidator
	config    Config
	logger    *observability.Logger
}

func New(manager *conn.Manager, st store.Store, notifier *notify.Notifier,
	twilioAuthToken string, config Config, logger *observability.Logger) Handler {
	return Handler{
		manager:   manager,
		store:     st,
		notifier:  notifier,
		validator: twilioClient.NewRequestValidator(twilioAuthToken),
		config:    config,
		logger:    logger,
	}
}

// upgrader is a shared WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Stream admission is authenticated by the signed stream token.
		return true
	},
}

// HandleIncomingCall answers the signaling webhook for a new call: register
// the stream, mint its token, and return TwiML pointing the media stream at
// us.
func (h *Handler) HandleIncomingCall(c *gin.Context) {
	ctx := c.Request.Context()

	if !h.validSignature(c) {
		apierrors.Unauthorized(c, "invalid webhook signature")
		return
	}

	callSID := c.PostForm("CallSid")
	from := c.PostForm("From")
	to := c.PostForm("To")
	if callSID == "" || from == "" {
		apierrors.BadRequest(c, "INVALID_REQUEST", "missing call parameters")
		return
	}

	streamID := uuid.NewString()
	token, err := h.manager.Register(streamID, conn.PendingCall{
		CallSID:    callSID,
		FromNumber: from,
		ToNumber:   to,
	})
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "call_sid", Value: callSID},
		observability.Field{Key: "from", Value: session.MaskNumber(from)},
	)
	h.logger.Info(ctx, fmt.Sprintf("Incoming call, stream %s", streamID))

	wsURL := fmt.Sprintf("wss://%s/media-stream/%s?token=%s", h.config.PublicHost, streamID, token)
	stream := twiml.VoiceStream{
		Name: streamID,
		Url:  wsURL,
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	twimlResult, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}
	c.Header("Content-Type", "text/xml")
	c.String(http.StatusOK, twimlResult)
}

// HandleMediaStream upgrades the media-stream websocket, admits it into the
// pool, and runs the call to completion. Persistence and notifications
// happen here, after teardown, so a failing collaborator can never stall a
// live call.
func (h *Handler) HandleMediaStream(c *gin.Context) {
	ctx := c.Request.Context()
	streamID := c.Param("streamID")
	token := c.Query("token")

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error(ctx, "WebSocket upgrade failed", err)
		return
	}

	transport := twilio.NewTransport(wsConn, h.logger)
	connection, err := h.manager.Admit(context.Background(), streamID, token, transport)
	if err != nil {
		h.logger.Error(ctx, "Stream admission refused", err)
		_ = transport.Close()
		return
	}
	defer h.manager.Release(streamID)

	<-connection.Done()
	h.finishCall(connection)
}

func (h *Handler) finishCall(connection *conn.Connection) {
	ctx := context.Background()
	snap := connection.Session().Snapshot()
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "call_sid", Value: snap.CallSID},
		observability.Field{Key: "stream_id", Value: snap.StreamID},
	)

	if _, err := h.store.SaveCall(ctx, snap); err != nil {
		h.logger.Error(ctx, "Failed to persist call record", err)
	}

	if h.notifier != nil {
		if snap.Appointment.Confirmed {
			if err := h.notifier.SendBookingConfirmation(ctx, connection.Session().FromNumber(), snap.Appointment); err != nil {
				h.logger.Error(ctx, "Booking confirmation failed", err)
			}
		}
		if err := h.notifier.SendCallSummary(ctx, snap); err != nil {
			h.logger.Error(ctx, "Call summary failed", err)
		}
	}

	summary := connection.Tracker().Summary()
	h.logger.Info(ctx, fmt.Sprintf("Call finished: %d turns, %d over budget, avg %v",
		summary.Turns, summary.Breaches, summary.AverageTurn))
}

// HandleCallStatus records terminal status updates from the signaling layer.
func (h *Handler) HandleCallStatus(c *gin.Context) {
	ctx := c.Request.Context()

	if !h.validSignature(c) {
		apierrors.Unauthorized(c, "invalid webhook signature")
		return
	}

	callSID := c.PostForm("CallSid")
	status := c.PostForm("CallStatus")
	if callSID == "" || status == "" {
		apierrors.BadRequest(c, "INVALID_REQUEST", "missing status parameters")
		return
	}

	if status == "completed" || status == "failed" || status == "canceled" {
		h.manager.ReleaseByCallSID(callSID)
	}

	if err := h.store.UpdateCallStatus(ctx, callSID, status); err != nil {
		h.logger.Error(ctx, "Failed to record call status", err)
	}
	c.Status(http.StatusNoContent)
}

// HandleGetCall returns call info: a live snapshot with latency metrics
// while the call is up, the persisted record afterwards. Numbers are masked
// and the transcript stays encrypted.
func (h *Handler) HandleGetCall(c *gin.Context) {
	ctx := c.Request.Context()
	streamID := c.Param("streamID")

	if connection, ok := h.manager.Get(streamID); ok {
		snap := connection.Session().Snapshot()
		summary := connection.Tracker().Summary()
		c.JSON(http.StatusOK, gin.H{
			"live":          true,
			"call_sid":      snap.CallSID,
			"stream_id":     snap.StreamID,
			"from":          snap.From,
			"to":            snap.To,
			"status":        snap.Status,
			"intent":        snap.Intent,
			"duration_ms":   snap.Duration.Milliseconds(),
			"interruptions": snap.Interruptions,
			"latency": gin.H{
				"turns":        summary.Turns,
				"breaches":     summary.Breaches,
				"average_turn": summary.AverageTurn.Milliseconds(),
				"max_turn":     summary.MaxTurn.Milliseconds(),
			},
		})
		return
	}

	record, err := h.store.GetCallByStreamID(ctx, streamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.NotFound(c, "call not found")
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":                 record.ID,
		"call_sid":           record.CallSID,
		"stream_id":          record.StreamID,
		"from":               record.FromMasked,
		"to":                 record.ToMasked,
		"status":             record.Status,
		"intent":             record.Intent,
		"duration_ms":        record.DurationMS,
		"interruptions":      record.Interruptions,
		"appointment_booked": record.AppointmentBooked,
		"created_at":         record.CreatedAt,
	})
}

// HandleListCalls returns recent call records for the reporting surface.
func (h *Handler) HandleListCalls(c *gin.Context) {
	records, err := h.store.ListRecentCalls(c.Request.Context(), 50)
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}
	out := make([]gin.H, 0, len(records))
	for _, record := range records {
		out = append(out, gin.H{
			"stream_id":   record.StreamID,
			"from":        record.FromMasked,
			"status":      record.Status,
			"intent":      record.Intent,
			"duration_ms": record.DurationMS,
			"created_at":  record.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

// HandleHealth reports liveness and current pool occupancy.
func (h *Handler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"live_calls": h.manager.Count(),
	})
}

func (h *Handler) validSignature(c *gin.Context) bool {
	if !h.config.ValidateSignatures {
		return true
	}
	signature := c.GetHeader("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := c.Request.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(c.Request.PostForm))
	for key, values := range c.Request.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	url := fmt.Sprintf("https://%s%s", h.config.PublicHost, c.Request.URL.RequestURI())
	return h.validator.Validate(url, params, signature)
}
