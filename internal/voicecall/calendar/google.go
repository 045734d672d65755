package calendar

import (
	"context"
	"fmt"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voicecall/stages"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// defaultSlotLength is used when proposing openings inside a free window.
const defaultSlotLength = 30 * time.Minute

// GoogleCalendar books appointments against a single business calendar.
// Availability goes through the freebusy API so double bookings surface as
// stages.ErrBookingConflict rather than silently stacking events.
type GoogleCalendar struct {
	service    *gcal.Service
	calendarID string
	timezone   *time.Location
	logger     *observability.Logger
}

func NewGoogleCalendar(ctx context.Context, credentialsJSON []byte, calendarID string, timezone string, logger *observability.Logger) (*GoogleCalendar, error) {
	if calendarID == "" {
		return nil, fmt.Errorf("calendar ID is required")
	}
	service, err := gcal.NewService(ctx, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid calendar timezone %q: %w", timezone, err)
		}
	}
	return &GoogleCalendar{service: service, calendarID: calendarID, timezone: loc, logger: logger}, nil
}

// CheckAvailability returns open slots inside the window, in the business
// timezone.
func (g *GoogleCalendar) CheckAvailability(ctx context.Context, window stages.TimeWindow) ([]stages.Slot, error) {
	req := &gcal.FreeBusyRequest{
		TimeMin: window.Start.Format(time.RFC3339),
		TimeMax: window.End.Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: g.calendarID}},
	}
	resp, err := g.service.Freebusy.Query(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("freebusy query failed: %w", err)
	}

	busy, err := parseBusy(resp, g.calendarID)
	if err != nil {
		return nil, err
	}

	var slots []stages.Slot
	cursor := window.Start.In(g.timezone)
	end := window.End.In(g.timezone)
	for cursor.Add(defaultSlotLength).Before(end) || cursor.Add(defaultSlotLength).Equal(end) {
		slot := stages.Slot{Start: cursor, End: cursor.Add(defaultSlotLength)}
		if !overlapsAny(slot, busy) {
			slots = append(slots, slot)
		}
		cursor = cursor.Add(defaultSlotLength)
	}
	return slots, nil
}

// Book creates the event after re-checking the slot is still free. Returns
// stages.ErrBookingConflict when the slot was taken in the meantime.
func (g *GoogleCalendar) Book(ctx context.Context, slot stages.Slot, details stages.BookingDetails) (stages.Confirmation, error) {
	free, err := g.slotIsFree(ctx, slot)
	if err != nil {
		return stages.Confirmation{}, err
	}
	if !free {
		return stages.Confirmation{}, fmt.Errorf("%w: slot %s is taken", stages.ErrBookingConflict, slot.Start.Format(time.RFC3339))
	}

	event := &gcal.Event{
		Summary:     fmt.Sprintf("%s (phone booking)", details.ServiceType),
		Description: fmt.Sprintf("Booked by phone from %s\n%s", details.CallerNumber, details.Notes),
		Start:       &gcal.EventDateTime{DateTime: slot.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: slot.End.Format(time.RFC3339)},
	}
	created, err := g.service.Events.Insert(g.calendarID, event).Context(ctx).Do()
	if err != nil {
		return stages.Confirmation{}, fmt.Errorf("failed to create event: %w", err)
	}

	g.logger.Info(ctx, fmt.Sprintf("Booked %s at %s", details.ServiceType, slot.Start.Format(time.RFC3339)))
	return stages.Confirmation{EventID: created.Id, Start: slot.Start}, nil
}

func (g *GoogleCalendar) slotIsFree(ctx context.Context, slot stages.Slot) (bool, error) {
	req := &gcal.FreeBusyRequest{
		TimeMin: slot.Start.Format(time.RFC3339),
		TimeMax: slot.End.Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: g.calendarID}},
	}
	resp, err := g.service.Freebusy.Query(req).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("freebusy query failed: %w", err)
	}
	busy, err := parseBusy(resp, g.calendarID)
	if err != nil {
		return false, err
	}
	return len(busy) == 0, nil
}

func parseBusy(resp *gcal.FreeBusyResponse, calendarID string) ([]stages.Slot, error) {
	cal, ok := resp.Calendars[calendarID]
	if !ok {
		return nil, fmt.Errorf("calendar %s missing from freebusy response", calendarID)
	}
	busy := make([]stages.Slot, 0, len(cal.Busy))
	for _, period := range cal.Busy {
		start, err := time.Parse(time.RFC3339, period.Start)
		if err != nil {
			return nil, fmt.Errorf("invalid busy start %q: %w", period.Start, err)
		}
		end, err := time.Parse(time.RFC3339, period.End)
		if err != nil {
			return nil, fmt.Errorf("invalid busy end %q: %w", period.End, err)
		}
		busy = append(busy, stages.Slot{Start: start, End: end})
	}
	return busy, nil
}

func overlapsAny(slot stages.Slot, busy []stages.Slot) bool {
	for _, b := range busy {
		if slot.Start.Before(b.End) && b.Start.Before(slot.End) {
			return true
		}
	}
	return false
}
