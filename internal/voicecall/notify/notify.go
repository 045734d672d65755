package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voicecall/session"

	"github.com/resendlabs/resend-go"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Notifier sends post-call notifications: an SMS confirmation to the caller
// when a booking was made, and a summary email to the business. Failures are
// logged, never propagated into call teardown.
type Notifier struct {
	smsClient    *twilio.RestClient
	mailClient   *resend.Client
	fromNumber   string
	summaryFrom  string
	summaryTo    string
	businessName string
	logger       *observability.Logger
}

type Config struct {
	TwilioAccountSID string
	TwilioAuthToken  string
	FromNumber       string
	SummaryFrom      string
	SummaryTo        string
	BusinessName     string
}

func New(cfg Config, resendAPIKey string, logger *observability.Logger) (*Notifier, error) {
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("notification sender number is required")
	}
	smsClient := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	mailClient := resend.NewClient(resendAPIKey)
	if mailClient == nil {
		return nil, fmt.Errorf("failed to create Resend client")
	}
	return &Notifier{
		smsClient:    smsClient,
		mailClient:   mailClient,
		fromNumber:   cfg.FromNumber,
		summaryFrom:  cfg.SummaryFrom,
		summaryTo:    cfg.SummaryTo,
		businessName: cfg.BusinessName,
		logger:       logger,
	}, nil
}

// SendBookingConfirmation texts the caller their confirmed slot.
func (n *Notifier) SendBookingConfirmation(ctx context.Context, toNumber string, appointment session.AppointmentContext) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "sms_to", Value: session.MaskNumber(toNumber)},
	)

	body := fmt.Sprintf("Your %s appointment with %s is confirmed for %s. Reply to this number if you need to make changes.",
		appointment.ServiceType, n.businessName,
		appointment.ProposedTime.Format("Monday, Jan 2 at 3:04 PM"))

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(toNumber)
	params.SetFrom(n.fromNumber)
	params.SetBody(body)

	_, err := n.smsClient.Api.CreateMessage(params)
	if err != nil {
		n.logger.Error(ctx, "Failed to send confirmation SMS", err)
		return fmt.Errorf("failed to send confirmation SMS: %w", err)
	}
	n.logger.Info(ctx, "Booking confirmation SMS sent")
	return nil
}

// SendCallSummary emails the business a digest of the finished call. Numbers
// in the summary are already masked by Snapshot.
func (n *Notifier) SendCallSummary(ctx context.Context, snap session.Snapshot) error {
	if n.summaryTo == "" {
		return nil
	}
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "call_sid", Value: snap.CallSID},
	)

	params := &resend.SendEmailRequest{
		From:    n.summaryFrom,
		To:      []string{n.summaryTo},
		Subject: fmt.Sprintf("Call summary: %s from %s", snap.Intent, snap.From),
		Html:    summaryHTML(snap),
	}
	_, err := n.mailClient.Emails.Send(params)
	if err != nil {
		n.logger.Error(ctx, "Failed to send call summary email", err)
		return fmt.Errorf("failed to send call summary email: %w", err)
	}
	n.logger.Info(ctx, "Call summary email sent")
	return nil
}

func summaryHTML(snap session.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>Call from %s</h2>", snap.From)
	fmt.Fprintf(&b, "<p>Status: %s | Intent: %s | Duration: %s | Interruptions: %d</p>",
		snap.Status, snap.Intent, snap.Duration.Round(time.Second), snap.Interruptions)
	if snap.Appointment.Confirmed {
		fmt.Fprintf(&b, "<p><b>Booked:</b> %s at %s</p>",
			snap.Appointment.ServiceType,
			snap.Appointment.ProposedTime.Format("Monday, Jan 2 at 3:04 PM"))
	}
	b.WriteString("<h3>Transcript</h3><ul>")
	for _, turn := range snap.Turns {
		fmt.Fprintf(&b, "<li><b>%s:</b> %s</li>", turn.Speaker, turn.Text)
	}
	b.WriteString("</ul>")
	return b.String()
}
