package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	common_models "puppyday/internal/common/models"
	"puppyday/internal/config"
	"puppyday/internal/features/audit"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

var (
	ErrInvalidCredential = errors.New("calendar provider rejected the credential")
	ErrNoConnection      = errors.New("no calendar connection configured")
)

// CalendarInfo describes one calendar available on the connected account.
type CalendarInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
}

// ConnectionStatus is the admin-facing view of the connection.
type ConnectionStatus struct {
	State       ConnectionState `json:"state"`
	GoogleEmail string          `json:"google_email"`
	Calendar    CalendarInfo    `json:"calendar"`
	LastSyncAt  *time.Time      `json:"last_sync_at,omitempty"`
	PauseReason string          `json:"pause_reason,omitempty"`
	PausedAt    *time.Time      `json:"paused_at,omitempty"`
}

type ConnectionService interface {
	AuthURL(state string) string
	Connect(ctx context.Context, code string) (*CalendarConnection, error)
	Disconnect(ctx context.Context, id string) error
	GetActive(ctx context.Context) (*CalendarConnection, error)
	GetStatus(ctx context.Context) (*ConnectionStatus, error)
	ListCalendars(ctx context.Context, conn *CalendarConnection) ([]CalendarInfo, error)
	SelectCalendar(ctx context.Context, connID, calendarID string) error
	GetSettings(ctx context.Context, conn *CalendarConnection) (*SyncSettings, error)
	UpdateSettings(ctx context.Context, connID string, updated *SyncSettings) (*SyncSettings, error)
	Pause(ctx context.Context, id, reason string) error
	ClearPause(ctx context.Context, id string) error
	RecordSyncSuccess(ctx context.Context, id string) error
	MarkCredentialError(ctx context.Context, id, reason string) error
	TokenSource(conn *CalendarConnection) oauth2.TokenSource
}

type ConnectionServiceImpl struct {
	Repo         ConnectionRepository
	SettingsRepo SettingsRepository
	AuditService audit.AuditService
	Config       *config.Config
	OAuth        *oauth2.Config
}

func NewConnectionService(repo ConnectionRepository, settingsRepo SettingsRepository, auditService audit.AuditService, cfg *config.Config) ConnectionService {
	return &ConnectionServiceImpl{
		Repo:         repo,
		SettingsRepo: settingsRepo,
		AuditService: auditService,
		Config:       cfg,
		OAuth:        NewOAuthConfig(cfg),
	}
}

func (s *ConnectionServiceImpl) AuthURL(state string) string {
	return s.OAuth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Connect exchanges the OAuth code, discovers the primary calendar, and
// stores the connection in connected state. Reconnecting is the universal
// recovery action: any prior pause reason is cleared.
func (s *ConnectionServiceImpl) Connect(ctx context.Context, code string) (*CalendarConnection, error) {
	token, err := s.OAuth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	svc, err := calendar.NewService(ctx, option.WithTokenSource(s.OAuth.TokenSource(ctx, token)))
	if err != nil {
		return nil, err
	}

	list, err := svc.CalendarList.List().Do()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	conn := &CalendarConnection{
		Token: fromOAuth2(token),
		State: StateConnected,
	}
	for _, item := range list.Items {
		if item.Primary {
			conn.CalendarID = item.Id
			conn.CalendarName = item.Summary
			conn.CalendarPrimary = true
			conn.GoogleEmail = item.Id
			break
		}
	}
	if conn.CalendarID == "" && len(list.Items) > 0 {
		conn.CalendarID = list.Items[0].Id
		conn.CalendarName = list.Items[0].Summary
		conn.GoogleEmail = list.Items[0].Id
	}

	// Reconnect replaces the previous connection if one exists.
	if prev, err := s.Repo.GetActive(ctx); err == nil {
		conn.ID = prev.ID
		updates := map[string]interface{}{
			"token":                conn.Token,
			"state":                StateConnected,
			"google_email":         conn.GoogleEmail,
			"calendar_id":          conn.CalendarID,
			"calendar_name":        conn.CalendarName,
			"calendar_primary":     conn.CalendarPrimary,
			"pause_reason":         "",
			"paused_at":            nil,
			"consecutive_failures": 0,
		}
		if err := s.Repo.Update(ctx, prev.ID.Hex(), updates); err != nil {
			return nil, err
		}
	} else {
		if err := s.Repo.Create(ctx, conn); err != nil {
			return nil, err
		}
		if err := s.SettingsRepo.Create(ctx, DefaultSyncSettings(conn.ID)); err != nil {
			return nil, err
		}
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionConnect, "calendar_connections", conn.ID.Hex(), map[string]common_models.Change{
		"connection": {New: map[string]string{"email": conn.GoogleEmail, "calendar": conn.CalendarID}},
	})

	return conn, nil
}

func (s *ConnectionServiceImpl) Disconnect(ctx context.Context, id string) error {
	conn, err := s.Repo.Get(ctx, id)
	if err != nil {
		return err
	}

	err = s.Repo.Update(ctx, id, map[string]interface{}{
		"state": StateRevoked,
		"token": OAuthToken{},
	})
	if err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionDisconnect, "calendar_connections", id, map[string]common_models.Change{
		"connection": {Old: conn.GoogleEmail, New: "REVOKED"},
	})
	return nil
}

func (s *ConnectionServiceImpl) GetActive(ctx context.Context) (*CalendarConnection, error) {
	conn, err := s.Repo.GetActive(ctx)
	if err != nil {
		return nil, ErrNoConnection
	}
	return conn, nil
}

func (s *ConnectionServiceImpl) GetStatus(ctx context.Context) (*ConnectionStatus, error) {
	conn, err := s.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	return &ConnectionStatus{
		State:       conn.State,
		GoogleEmail: conn.GoogleEmail,
		Calendar: CalendarInfo{
			ID:      conn.CalendarID,
			Name:    conn.CalendarName,
			Primary: conn.CalendarPrimary,
		},
		LastSyncAt:  conn.LastSyncAt,
		PauseReason: conn.PauseReason,
		PausedAt:    conn.PausedAt,
	}, nil
}

func (s *ConnectionServiceImpl) ListCalendars(ctx context.Context, conn *CalendarConnection) ([]CalendarInfo, error) {
	svc, err := calendar.NewService(ctx, option.WithTokenSource(s.TokenSource(conn)))
	if err != nil {
		return nil, err
	}

	list, err := svc.CalendarList.List().Do()
	if err != nil {
		return nil, err
	}

	infos := make([]CalendarInfo, 0, len(list.Items))
	for _, item := range list.Items {
		infos = append(infos, CalendarInfo{
			ID:      item.Id,
			Name:    item.Summary,
			Primary: item.Primary,
		})
	}
	return infos, nil
}

func (s *ConnectionServiceImpl) SelectCalendar(ctx context.Context, connID, calendarID string) error {
	conn, err := s.Repo.Get(ctx, connID)
	if err != nil {
		return err
	}

	calendars, err := s.ListCalendars(ctx, conn)
	if err != nil {
		return err
	}

	for _, cal := range calendars {
		if cal.ID == calendarID {
			return s.Repo.Update(ctx, connID, map[string]interface{}{
				"calendar_id":      cal.ID,
				"calendar_name":    cal.Name,
				"calendar_primary": cal.Primary,
			})
		}
	}
	return fmt.Errorf("calendar %s not found on connected account", calendarID)
}

func (s *ConnectionServiceImpl) GetSettings(ctx context.Context, conn *CalendarConnection) (*SyncSettings, error) {
	return s.SettingsRepo.GetByConnection(ctx, conn.ID)
}

func (s *ConnectionServiceImpl) UpdateSettings(ctx context.Context, connID string, updated *SyncSettings) (*SyncSettings, error) {
	conn, err := s.Repo.Get(ctx, connID)
	if err != nil {
		return nil, err
	}

	eligible := 0
	for _, st := range updated.SyncedStatuses {
		if st != "cancelled" && st != "no_show" {
			eligible++
		}
	}
	if eligible == 0 {
		return nil, errors.New("at least one sync-eligible appointment status must be selected")
	}

	old, err := s.SettingsRepo.GetByConnection(ctx, conn.ID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"auto_sync":         updated.AutoSync,
		"direction":         updated.Direction,
		"synced_statuses":   updated.SyncedStatuses,
		"notify_on_success": updated.NotifyOnSuccess,
		"notify_on_failure": updated.NotifyOnFailure,
	}
	if err := s.SettingsRepo.Update(ctx, old.ID.Hex(), updates); err != nil {
		return nil, err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionSettings, "sync_settings", old.ID.Hex(), map[string]common_models.Change{
		"settings": {Old: old, New: updates},
	})

	return s.SettingsRepo.GetByConnection(ctx, conn.ID)
}

// Pause flips the connection to paused with an aggregated reason. The
// transition is audited with the actor taken from context ("system" when
// the orchestrator trips the failure threshold).
func (s *ConnectionServiceImpl) Pause(ctx context.Context, id, reason string) error {
	now := time.Now()
	err := s.Repo.Update(ctx, id, map[string]interface{}{
		"state":        StatePaused,
		"pause_reason": reason,
		"paused_at":    now,
	})
	if err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionPause, "calendar_connections", id, map[string]common_models.Change{
		"state":  {Old: StateConnected, New: StatePaused},
		"reason": {New: reason},
	})
	return nil
}

func (s *ConnectionServiceImpl) ClearPause(ctx context.Context, id string) error {
	err := s.Repo.Update(ctx, id, map[string]interface{}{
		"state":                StateConnected,
		"pause_reason":         "",
		"paused_at":            nil,
		"consecutive_failures": 0,
	})
	if err != nil {
		return err
	}
	if err := s.Repo.ResetFailures(ctx, id); err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionResume, "calendar_connections", id, map[string]common_models.Change{
		"state": {Old: StatePaused, New: StateConnected},
	})
	return nil
}

func (s *ConnectionServiceImpl) RecordSyncSuccess(ctx context.Context, id string) error {
	if err := s.Repo.ResetFailures(ctx, id); err != nil {
		return err
	}
	return s.Repo.Update(ctx, id, map[string]interface{}{
		"last_sync_at": time.Now(),
	})
}

// MarkCredentialError moves the connection to error state; only a
// reconnect recovers from this.
func (s *ConnectionServiceImpl) MarkCredentialError(ctx context.Context, id, reason string) error {
	err := s.Repo.Update(ctx, id, map[string]interface{}{
		"state":        StateError,
		"pause_reason": reason,
	})
	if err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionUpdate, "calendar_connections", id, map[string]common_models.Change{
		"state":  {New: StateError},
		"reason": {New: reason},
	})
	return nil
}

func (s *ConnectionServiceImpl) TokenSource(conn *CalendarConnection) oauth2.TokenSource {
	return TokenSource(s.OAuth, s.Repo, conn)
}
