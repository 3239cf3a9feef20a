package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"puppyday/internal/config"
	"puppyday/internal/features/connection"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	calendar "google.golang.org/api/calendar/v3"
)

const terminalJobRetention = 30 * 24 * time.Hour

// SyncScheduler runs the engine's periodic maintenance: re-dispatching
// due retries, renewing the webhook notification channel before it
// expires, and pruning settled jobs.
type SyncScheduler interface {
	Start(ctx context.Context) error
	Stop() error
	RenewChannel(ctx context.Context) error
}

type SyncSchedulerImpl struct {
	orchestrator SyncOrchestrator
	connService  connection.ConnectionService
	connRepo     connection.ConnectionRepository
	jobRepo      JobRepository
	apiFactory   CalendarAPIFactory
	quota        QuotaGovernor
	logger       *zap.Logger

	webhookBaseURL string
	renewalLead    time.Duration

	cron *cron.Cron
}

func NewSyncScheduler(
	orchestrator SyncOrchestrator,
	connService connection.ConnectionService,
	connRepo connection.ConnectionRepository,
	jobRepo JobRepository,
	apiFactory CalendarAPIFactory,
	quota QuotaGovernor,
	cfg *config.Config,
	logger *zap.Logger,
) SyncScheduler {
	return &SyncSchedulerImpl{
		orchestrator:   orchestrator,
		connService:    connService,
		connRepo:       connRepo,
		jobRepo:        jobRepo,
		apiFactory:     apiFactory,
		quota:          quota,
		logger:         logger,
		webhookBaseURL: cfg.WebhookBaseURL,
		renewalLead:    cfg.ChannelRenewalLead,
		cron:           cron.New(),
	}
}

func (s *SyncSchedulerImpl) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("* * * * *", s.sweepDueJobs); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("30 * * * *", s.renewChannelJob); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("15 3 * * *", s.pruneSettledJobs); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("59 23 * * *", s.logQuotaRollover); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("sync scheduler started")

	// Pick up anything that came due while the process was down.
	go s.sweepDueJobs()
	return nil
}

func (s *SyncSchedulerImpl) Stop() error {
	s.cron.Stop()
	s.logger.Info("sync scheduler stopped")
	return nil
}

func (s *SyncSchedulerImpl) sweepDueJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.orchestrator.DispatchDue(ctx, 100)
	if err != nil {
		s.logger.Error("retry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("retry sweep dispatched jobs", zap.Int("count", n))
	}
}

func (s *SyncSchedulerImpl) renewChannelJob() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.RenewChannel(ctx); err != nil && !errors.Is(err, connection.ErrNoConnection) {
		s.logger.Error("webhook channel renewal failed", zap.Error(err))
	}
}

// RenewChannel opens a notification channel for the active connection if
// none exists or the current one expires inside the renewal lead. Google
// channels are single-use and capped at roughly a week, so this has to
// keep rolling them over.
func (s *SyncSchedulerImpl) RenewChannel(ctx context.Context) error {
	if s.webhookBaseURL == "" {
		return nil
	}

	conn, err := s.connService.GetActive(ctx)
	if err != nil {
		return err
	}
	if conn.State != connection.StateConnected {
		return nil
	}
	if conn.ChannelExpiresAt != nil && time.Until(*conn.ChannelExpiresAt) > s.renewalLead {
		return nil
	}

	settings, err := s.connService.GetSettings(ctx, conn)
	if err != nil {
		return err
	}
	if !settings.ImportEnabled() {
		return nil
	}

	api, err := s.apiFactory(ctx, conn)
	if err != nil {
		return err
	}

	token := uuid.NewString()
	created, err := api.Watch(ctx, conn.CalendarID, &calendar.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: fmt.Sprintf("%s/webhooks/google/calendar", s.webhookBaseURL),
		Token:   token,
	})
	if err != nil {
		return fmt.Errorf("open notification channel: %w", err)
	}

	// Stop the old channel only after the replacement exists, so a failed
	// renewal never leaves imports deaf.
	if conn.ChannelID != "" && conn.ChannelResourceID != "" {
		if err := api.StopChannel(ctx, conn.ChannelID, conn.ChannelResourceID); err != nil {
			s.logger.Warn("failed to stop previous notification channel",
				zap.String("channel_id", conn.ChannelID), zap.Error(err))
		}
	}

	var expiresAt *time.Time
	if created.Expiration > 0 {
		t := time.UnixMilli(created.Expiration)
		expiresAt = &t
	}
	err = s.connRepo.Update(ctx, conn.ID.Hex(), map[string]interface{}{
		"channel_id":          created.Id,
		"channel_resource_id": created.ResourceId,
		"channel_token":       token,
		"channel_expires_at":  expiresAt,
	})
	if err != nil {
		return err
	}

	s.logger.Info("webhook channel renewed",
		zap.String("channel_id", created.Id),
		zap.Timep("expires_at", expiresAt))
	return nil
}

// logQuotaRollover records the day's final consumption before the window
// resets, so usage trends survive past the ledger's current counter.
func (s *SyncSchedulerImpl) logQuotaRollover() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	snap, err := s.quota.Snapshot(ctx)
	if err != nil {
		s.logger.Error("failed to snapshot quota at rollover", zap.Error(err))
		return
	}
	s.logger.Info("quota window closing",
		zap.Int64("used", snap.Used),
		zap.Int64("budget", snap.Budget),
		zap.Float64("percent", snap.Percent),
		zap.String("severity", string(snap.Severity)))
}

func (s *SyncSchedulerImpl) pruneSettledJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.jobRepo.DeleteTerminal(ctx, time.Now().Add(-terminalJobRetention))
	if err != nil {
		s.logger.Error("failed to prune settled jobs", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("pruned settled sync jobs", zap.Int64("count", n))
	}
}
