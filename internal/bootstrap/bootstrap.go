package bootstrap

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"voice-server/internal/config"
	"voice-server/internal/observability"
	"voice-server/internal/store"
	"voice-server/internal/voice/pipeline"
	gcalendar "voice-server/internal/voicecall/calendar"
	"voice-server/internal/voicecall/conn"
	voiceCallHandler "voice-server/internal/voicecall/handler"
	"voice-server/internal/voicecall/notify"
	"voice-server/internal/voicecall/orchestrator"
	"voice-server/internal/voicecall/session"
	"voice-server/internal/voicecall/stages"
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	Store   store.Store
	Logger  *observability.Logger
	Manager *conn.Manager

	VoiceCallHandler voiceCallHandler.Handler
}

// metricsSink forwards latency observations to the structured log.
type metricsSink struct {
	logger *observability.Logger
}

func (s *metricsSink) Emit(callID, stage string, duration time.Duration, breached bool) {
	ctx := observability.WithFields(context.Background(),
		observability.Field{Key: "call_sid", Value: callID},
		observability.Field{Key: "stage", Value: stage},
		observability.Field{Key: "breached", Value: breached},
	)
	s.logger.Metrics(ctx, observability.MetricField{Key: "stage_latency_ms", Value: duration.Milliseconds()})
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{Logger: logger}

	transcriptKey, err := hex.DecodeString(cfg.Services.TranscriptKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transcript key: %w", err)
	}
	cipher, err := store.NewTranscriptCipher(transcriptKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript cipher: %w", err)
	}

	deps.Store, err = store.New(cfg.Database.ConnectionString(), cipher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var notifier *notify.Notifier
	if cfg.Services.ResendAPIKey != "" {
		notifier, err = notify.New(notify.Config{
			TwilioAccountSID: cfg.Twilio.AccountSID,
			TwilioAuthToken:  cfg.Twilio.AuthToken,
			FromNumber:       cfg.Twilio.PhoneNumber,
			SummaryFrom:      cfg.Services.DefaultEmailSender,
			SummaryTo:        cfg.Services.SummaryEmailTo,
			BusinessName:     cfg.Services.BusinessName,
		}, cfg.Services.ResendAPIKey, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create notifier: %w", err)
		}
	}

	responder, err := stages.NewOpenAIResponder(cfg.Services.OpenAIAPIKey, "", logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create responder: %w", err)
	}

	var fallback stages.Responder
	if cfg.Services.GoogleAIAPIKey != "" {
		geminiResponder, err := stages.NewGeminiResponder(cfg.Services.GoogleAIAPIKey, "", logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback responder: %w", err)
		}
		fallback = geminiResponder
	}

	synthesizer, err := stages.NewElevenLabsSynthesizer(cfg.Services.ElevenLabsAPIKey, stages.ElevenLabsConfig{
		VoiceID: cfg.Services.ElevenLabsVoiceID,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}

	var cal stages.Calendar
	if cfg.Services.CalendarCredsFile != "" {
		creds, err := os.ReadFile(cfg.Services.CalendarCredsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read calendar credentials: %w", err)
		}
		googleCalendar, err := gcalendar.NewGoogleCalendar(ctx, creds, cfg.Services.CalendarID,
			cfg.Services.CalendarTimezone, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create calendar client: %w", err)
		}
		cal = googleCalendar
	}

	sink := &metricsSink{logger: logger}

	bufferConfig := pipeline.DefaultBufferConfig()
	bufferConfig.WindowDuration = cfg.Pipeline.WindowDuration
	bufferConfig.SilenceThreshold = cfg.Pipeline.SilenceThreshold
	bufferConfig.MinSilence = cfg.Pipeline.MinSilence
	bufferConfig.SpeechDebounce = cfg.Pipeline.SpeechDebounce
	bufferConfig.MaxBytes = cfg.Pipeline.MaxBufferBytes

	// Each admitted stream gets its own pipeline; only the stage clients
	// and the sink are shared across calls.
	factory := func(streamID string, call conn.PendingCall, transport conn.Transport) (*conn.Connection, error) {
		sender, ok := transport.(orchestrator.Sender)
		if !ok {
			return nil, fmt.Errorf("transport cannot send audio")
		}

		sess := session.New(call.CallSID, streamID, call.FromNumber, call.ToNumber)
		buffer := pipeline.NewAudioBuffer(bufferConfig)
		tracker := pipeline.NewLatencyTracker(cfg.Pipeline.TurnBudget)

		recognizer, err := stages.NewDeepgramRecognizer(cfg.Services.DeepgramAPIKey, stages.DeepgramConfig{
			Model:      cfg.Services.DeepgramModel,
			SampleRate: cfg.Pipeline.SampleRate,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create recognizer: %w", err)
		}

		duty := orchestrator.New(buffer, sess, tracker, recognizer, responder, fallback,
			synthesizer, cal, sender, sink, orchestrator.Config{
				RetryLimit:        cfg.Calls.StageRetryLimit,
				Greeting:          cfg.Calls.Greeting,
				FallbackUtterance: cfg.Calls.FallbackUtterance,
			}, logger)

		return conn.NewConnection(streamID, transport, buffer, sess, tracker, duty, sink,
			conn.ConnectionConfig{TeardownGrace: cfg.Calls.TeardownGrace}, logger), nil
	}

	deps.Manager, err = conn.NewManager(conn.ManagerConfig{
		MaxConcurrentCalls: cfg.Calls.MaxConcurrentCalls,
		IdleTimeout:        cfg.Calls.IdleTimeout,
		TokenSecret:        []byte(cfg.Calls.StreamTokenSecret),
		TokenTTL:           cfg.Calls.StreamTokenTTL,
	}, factory, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	deps.VoiceCallHandler = voiceCallHandler.New(deps.Manager, deps.Store, notifier,
		cfg.Twilio.AuthToken, voiceCallHandler.Config{
			PublicHost:         cfg.Calls.PublicHost,
			ValidateSignatures: cfg.Twilio.ValidateRequests,
		}, logger)

	return deps, nil
}

// Cleanup releases held resources on shutdown.
func (d *Dependencies) Cleanup() {
	if d.Manager != nil {
		d.Manager.ReleaseAll()
	}
	if db := d.Store.DB(); db != nil {
		_ = db.Close()
	}
}
