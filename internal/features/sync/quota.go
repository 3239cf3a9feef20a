package sync

import (
	"context"
	"time"

	"puppyday/internal/config"

	"go.uber.org/zap"
)

type AdmissionDecision string

const (
	AdmissionAllowed  AdmissionDecision = "allowed"
	AdmissionDeferred AdmissionDecision = "deferred"
	AdmissionDenied   AdmissionDecision = "denied"
)

// Admission is the governor's answer for one candidate operation.
type Admission struct {
	Decision AdmissionDecision
	ResumeAt time.Time
}

// QuotaGovernor tracks external API consumption against the provider's
// rolling daily window and classifies severity. The ledger is a single
// Mongo counter per window updated atomically, so concurrent workers can
// never overshoot the real budget through per-worker approximations.
type QuotaGovernor interface {
	RecordCall(ctx context.Context, weight int64) error
	CheckAdmission(ctx context.Context, op SyncOperation, appointmentStart time.Time) (Admission, error)
	Snapshot(ctx context.Context) (*QuotaSnapshot, error)
}

type QuotaGovernorImpl struct {
	repo   QuotaRepository
	budget int64
	// Imminent pushes stay admitted at critical severity so an appointment
	// starting soon is never left unsynced over quota headroom.
	imminentHorizon time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

func NewQuotaGovernor(repo QuotaRepository, cfg *config.Config, logger *zap.Logger) QuotaGovernor {
	return &QuotaGovernorImpl{
		repo:            repo,
		budget:          cfg.QuotaDailyBudget,
		imminentHorizon: cfg.ImminentHorizon,
		logger:          logger,
		now:             time.Now,
	}
}

// windowKey identifies the provider's daily quota window.
func (g *QuotaGovernorImpl) windowKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (g *QuotaGovernorImpl) windowReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func (g *QuotaGovernorImpl) RecordCall(ctx context.Context, weight int64) error {
	if weight <= 0 {
		weight = 1
	}

	now := g.now()
	count, err := g.repo.Increment(ctx, g.windowKey(now), weight)
	if err != nil {
		return err
	}

	if severityFor(count, g.budget) == SeverityCritical {
		g.logger.Warn("calendar API quota critical",
			zap.Int64("used", count),
			zap.Int64("budget", g.budget),
		)
	}
	return nil
}

func severityFor(used, budget int64) QuotaSeverity {
	if budget <= 0 {
		return SeverityOK
	}
	pct := float64(used) / float64(budget) * 100
	switch {
	case pct >= 95:
		return SeverityCritical
	case pct >= 90:
		return SeverityHigh
	case pct >= 80:
		return SeverityWarning
	default:
		return SeverityOK
	}
}

func (g *QuotaGovernorImpl) Snapshot(ctx context.Context) (*QuotaSnapshot, error) {
	now := g.now()
	used, err := g.repo.Get(ctx, g.windowKey(now))
	if err != nil {
		return nil, err
	}

	pct := 0.0
	if g.budget > 0 {
		pct = float64(used) / float64(g.budget) * 100
	}

	return &QuotaSnapshot{
		Used:     used,
		Budget:   g.budget,
		Percent:  pct,
		Severity: severityFor(used, g.budget),
		ResetsAt: g.windowReset(now),
	}, nil
}

// CheckAdmission applies the asymmetric admission policy: below critical
// everything is admitted; at critical, imports and non-imminent pushes are
// deferred to the window reset while pushes for appointments starting
// within the imminent horizon stay admitted; a fully exhausted budget
// denies everything until the window resets.
func (g *QuotaGovernorImpl) CheckAdmission(ctx context.Context, op SyncOperation, appointmentStart time.Time) (Admission, error) {
	snap, err := g.Snapshot(ctx)
	if err != nil {
		return Admission{}, err
	}

	if snap.Used >= snap.Budget && snap.Budget > 0 {
		return Admission{Decision: AdmissionDenied, ResumeAt: snap.ResetsAt}, nil
	}

	if snap.Severity != SeverityCritical {
		return Admission{Decision: AdmissionAllowed}, nil
	}

	now := g.now()
	if op.IsPush() && !appointmentStart.IsZero() &&
		appointmentStart.After(now) && appointmentStart.Sub(now) <= g.imminentHorizon {
		return Admission{Decision: AdmissionAllowed}, nil
	}

	return Admission{Decision: AdmissionDeferred, ResumeAt: snap.ResetsAt}, nil
}
