package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"puppyday/internal/config"
	"puppyday/internal/features/appointment"

	"go.mongodb.org/mongo-driver/mongo"
)

// Fingerprint derives the duplicate-detection key from customer identity,
// pet, start time rounded to the configured granularity, and calendar id.
// The granularity is tunable: a wider window catches more near-duplicates
// at the cost of colliding genuinely distinct back-to-back bookings.
func Fingerprint(customer, pet string, start time.Time, granularity time.Duration, calendarID string) string {
	if granularity <= 0 {
		granularity = 15 * time.Minute
	}

	rounded := start.UTC().Truncate(granularity)
	raw := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(customer)),
		strings.ToLower(strings.TrimSpace(pet)),
		rounded.Format(time.RFC3339),
		calendarID,
	}, "|")

	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// DuplicateResolver guards event creation: one fingerprint maps to at most
// one external event id, and an ambiguous import match is surfaced instead
// of auto-merged.
type DuplicateResolver interface {
	FingerprintFor(appt *appointment.Appointment, calendarID string) string
	FingerprintForCandidate(candidate *ImportCandidate, calendarID string) string
	FindExisting(ctx context.Context, fingerprint string) (string, bool, error)
	Register(ctx context.Context, fingerprint, externalEventID, appointmentID string) error
	Release(ctx context.Context, fingerprint string) error
	ReleaseEvent(ctx context.Context, externalEventID string) error
}

type DuplicateResolverImpl struct {
	repo        FingerprintRepository
	granularity time.Duration
}

func NewDuplicateResolver(repo FingerprintRepository, cfg *config.Config) DuplicateResolver {
	return &DuplicateResolverImpl{
		repo:        repo,
		granularity: cfg.FingerprintGranularity,
	}
}

func (r *DuplicateResolverImpl) FingerprintFor(appt *appointment.Appointment, calendarID string) string {
	customer := appt.CustomerEmail
	if customer == "" {
		customer = appt.CustomerName
	}
	return Fingerprint(customer, appt.PetName, appt.StartTime, r.granularity, calendarID)
}

func (r *DuplicateResolverImpl) FingerprintForCandidate(candidate *ImportCandidate, calendarID string) string {
	customer := candidate.CustomerEmail
	if customer == "" {
		customer = candidate.CustomerName
	}
	return Fingerprint(customer, candidate.PetName, candidate.StartTime, r.granularity, calendarID)
}

func (r *DuplicateResolverImpl) FindExisting(ctx context.Context, fingerprint string) (string, bool, error) {
	fp, err := r.repo.Find(ctx, fingerprint)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return fp.ExternalEventID, true, nil
}

func (r *DuplicateResolverImpl) Register(ctx context.Context, fingerprint, externalEventID, appointmentID string) error {
	if fingerprint == "" || externalEventID == "" {
		return fmt.Errorf("fingerprint and event id are required")
	}
	return r.repo.Register(ctx, &EventFingerprint{
		Fingerprint:     fingerprint,
		ExternalEventID: externalEventID,
		AppointmentID:   appointmentID,
	})
}

func (r *DuplicateResolverImpl) Release(ctx context.Context, fingerprint string) error {
	return r.repo.Release(ctx, fingerprint)
}

func (r *DuplicateResolverImpl) ReleaseEvent(ctx context.Context, externalEventID string) error {
	return r.repo.ReleaseByEventID(ctx, externalEventID)
}
