package notification

import (
	"context"
	"errors"
	"fmt"

	"puppyday/internal/features/connection"
	"puppyday/internal/features/sync"

	"go.uber.org/zap"
)

type NotificationService interface {
	sync.Notifier
	List(ctx context.Context, page, limit int64) ([]Notification, int64, error)
	UnreadCount(ctx context.Context) (int64, error)
	MarkAsRead(ctx context.Context, id string) error
	MarkAllAsRead(ctx context.Context) error
}

type NotificationServiceImpl struct {
	repo        NotificationRepository
	connService connection.ConnectionService
	broadcaster sync.StatusBroadcaster
	logger      *zap.Logger
}

func NewNotificationService(
	repo NotificationRepository,
	connService connection.ConnectionService,
	broadcaster sync.StatusBroadcaster,
	logger *zap.Logger,
) NotificationService {
	return &NotificationServiceImpl{
		repo:        repo,
		connService: connService,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

func (s *NotificationServiceImpl) List(ctx context.Context, page, limit int64) ([]Notification, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	if page <= 0 {
		page = 1
	}
	return s.repo.List(ctx, limit, (page-1)*limit)
}

func (s *NotificationServiceImpl) UnreadCount(ctx context.Context) (int64, error) {
	return s.repo.CountUnread(ctx)
}

func (s *NotificationServiceImpl) MarkAsRead(ctx context.Context, id string) error {
	return s.repo.MarkAsRead(ctx, id)
}

func (s *NotificationServiceImpl) MarkAllAsRead(ctx context.Context) error {
	return s.repo.MarkAllAsRead(ctx)
}

// settings returns the active sync settings, or nil when no connection
// exists. Notification preferences live alongside the sync direction.
func (s *NotificationServiceImpl) settings(ctx context.Context) *connection.SyncSettings {
	conn, err := s.connService.GetActive(ctx)
	if err != nil {
		if !errors.Is(err, connection.ErrNoConnection) {
			s.logger.Warn("failed to load connection for notification settings", zap.Error(err))
		}
		return nil
	}
	settings, err := s.connService.GetSettings(ctx, conn)
	if err != nil {
		s.logger.Warn("failed to load notification settings", zap.Error(err))
		return nil
	}
	return settings
}

func (s *NotificationServiceImpl) store(ctx context.Context, n *Notification) {
	if err := s.repo.Create(ctx, n); err != nil {
		s.logger.Error("failed to store notification", zap.Error(err))
		return
	}
	if s.broadcaster != nil {
		s.broadcaster.Broadcast("notification.created", n)
	}
}

// SyncSucceeded implements sync.Notifier.
func (s *NotificationServiceImpl) SyncSucceeded(ctx context.Context, entry *sync.SyncLogEntry) {
	settings := s.settings(ctx)
	if settings == nil || !settings.NotifyOnSuccess {
		return
	}
	s.store(ctx, &Notification{
		Title:   "Calendar sync completed",
		Message: entry.Message,
		Type:    NotificationTypeSuccess,
		Link:    "/appointments/" + entry.AppointmentID,
	})
}

// SyncFailed implements sync.Notifier.
func (s *NotificationServiceImpl) SyncFailed(ctx context.Context, entry *sync.SyncLogEntry) {
	settings := s.settings(ctx)
	if settings != nil && !settings.NotifyOnFailure {
		return
	}
	s.store(ctx, &Notification{
		Title:   fmt.Sprintf("Calendar sync failed (%s)", entry.Operation),
		Message: entry.Message,
		Type:    NotificationTypeError,
		Link:    "/appointments/" + entry.AppointmentID,
	})
}

// SyncPaused implements sync.Notifier. Always stored regardless of
// preferences; a paused engine needs eyes on it.
func (s *NotificationServiceImpl) SyncPaused(ctx context.Context, reason string) {
	s.store(ctx, &Notification{
		Title:   "Calendar sync paused",
		Message: reason,
		Type:    NotificationTypeWarning,
		Link:    "/settings/calendar",
	})
}
