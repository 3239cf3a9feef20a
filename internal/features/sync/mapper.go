package sync

import (
	"fmt"
	"strings"
	"time"

	"puppyday/internal/config"
	"puppyday/internal/features/appointment"

	calendar "google.golang.org/api/calendar/v3"
)

const appointmentIDProperty = "puppyday_appointment_id"

// ImportCandidate is the internal representation of an external event
// proposed for import.
type ImportCandidate struct {
	ExternalEventID string
	AppointmentID   string // from the event's private properties when we created it
	CustomerName    string
	CustomerEmail   string
	PetName         string
	ServiceName     string
	Summary         string
	Description     string
	StartTime       time.Time
	EndTime         time.Time
	Cancelled       bool
}

// EventMapper converts between appointments and Google Calendar events.
// The mapping is pure: the same appointment always yields the same payload,
// which is what makes retries idempotent. All times are normalized to the
// business's configured zone in both directions.
type EventMapper struct {
	location     *time.Location
	businessName string
}

func NewEventMapper(cfg *config.Config) (*EventMapper, error) {
	loc, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid business timezone %q: %w", cfg.BusinessTimezone, err)
	}
	return &EventMapper{
		location:     loc,
		businessName: cfg.BusinessName,
	}, nil
}

// ToExternalEvent builds the Google event payload for an appointment. An
// appointment missing pet or service still produces a valid minimal event.
func (m *EventMapper) ToExternalEvent(appt *appointment.Appointment) (*calendar.Event, error) {
	if appt == nil {
		return nil, validationErr(fmt.Errorf("appointment is nil"))
	}
	if appt.StartTime.IsZero() {
		return nil, validationErr(fmt.Errorf("appointment %s has no start time", appt.ID.Hex()))
	}

	summary := m.summaryFor(appt)

	var desc strings.Builder
	if appt.ServiceName != "" {
		fmt.Fprintf(&desc, "Service: %s\n", appt.ServiceName)
	}
	if appt.PetName != "" {
		fmt.Fprintf(&desc, "Pet: %s\n", appt.PetName)
	}
	fmt.Fprintf(&desc, "Customer: %s\n", appt.CustomerName)
	if appt.CustomerPhone != "" {
		fmt.Fprintf(&desc, "Phone: %s\n", appt.CustomerPhone)
	}
	if appt.Notes != "" {
		fmt.Fprintf(&desc, "Notes: %s\n", appt.Notes)
	}
	fmt.Fprintf(&desc, "Booked via %s", m.businessName)

	start := appt.StartTime.In(m.location)
	end := appt.EndTime().In(m.location)

	event := &calendar.Event{
		Summary:     summary,
		Description: desc.String(),
		Start: &calendar.EventDateTime{
			DateTime: start.Format(time.RFC3339),
			TimeZone: m.location.String(),
		},
		End: &calendar.EventDateTime{
			DateTime: end.Format(time.RFC3339),
			TimeZone: m.location.String(),
		},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				appointmentIDProperty: appt.ID.Hex(),
			},
		},
	}

	if appt.CustomerEmail != "" {
		event.Attendees = []*calendar.EventAttendee{
			{Email: appt.CustomerEmail, DisplayName: appt.CustomerName},
		}
	}

	return event, nil
}

func (m *EventMapper) summaryFor(appt *appointment.Appointment) string {
	service := appt.ServiceName
	if service == "" {
		service = "Appointment"
	}
	if appt.PetName != "" {
		return fmt.Sprintf("%s: %s (%s)", service, appt.PetName, appt.CustomerName)
	}
	return fmt.Sprintf("%s: %s", service, appt.CustomerName)
}

// FromExternalEvent converts a Google event into an import candidate.
func (m *EventMapper) FromExternalEvent(event *calendar.Event) (*ImportCandidate, error) {
	if event == nil {
		return nil, validationErr(fmt.Errorf("event is nil"))
	}

	candidate := &ImportCandidate{
		ExternalEventID: event.Id,
		Summary:         event.Summary,
		Description:     event.Description,
		Cancelled:       event.Status == "cancelled",
	}

	if event.ExtendedProperties != nil && event.ExtendedProperties.Private != nil {
		candidate.AppointmentID = event.ExtendedProperties.Private[appointmentIDProperty]
	}

	// ToExternalEvent puts the customer on the attendee list; reading it
	// back keeps the fingerprint stable across a push and re-import.
	for _, attendee := range event.Attendees {
		if attendee != nil && attendee.Email != "" {
			candidate.CustomerEmail = attendee.Email
			break
		}
	}

	start, err := m.parseEventTime(event.Start)
	if err != nil {
		// Cancelled events come back stripped of their times; the
		// cancellation itself is still actionable.
		if candidate.Cancelled {
			return candidate, nil
		}
		return nil, validationErr(fmt.Errorf("event %s has invalid start: %w", event.Id, err))
	}
	candidate.StartTime = start

	if end, err := m.parseEventTime(event.End); err == nil {
		candidate.EndTime = end
	} else {
		candidate.EndTime = start.Add(time.Hour)
	}

	// "Bath & Trim: Max (Jane)" round-trips into service/pet/customer;
	// anything else imports with the raw summary as the service name.
	candidate.ServiceName, candidate.PetName, candidate.CustomerName = parseSummary(event.Summary)

	return candidate, nil
}

func (m *EventMapper) parseEventTime(edt *calendar.EventDateTime) (time.Time, error) {
	if edt == nil {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		if err != nil {
			return time.Time{}, err
		}
		return t.In(m.location), nil
	}
	if edt.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", edt.Date, m.location)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("missing time")
}

func parseSummary(summary string) (service, pet, customer string) {
	service = strings.TrimSpace(summary)

	if i := strings.Index(summary, ":"); i >= 0 {
		service = strings.TrimSpace(summary[:i])
		rest := strings.TrimSpace(summary[i+1:])

		if open := strings.LastIndex(rest, "("); open >= 0 && strings.HasSuffix(rest, ")") {
			pet = strings.TrimSpace(rest[:open])
			customer = strings.TrimSpace(rest[open+1 : len(rest)-1])
		} else {
			customer = rest
		}
	}
	return service, pet, customer
}
