package service

import (
	"strings"

	"arbitrage/internal/models"
	"arbitrage/internal/repository"
)

// WebSocketBroadcaster pushes a freshly created notification out to
// connected dashboard clients.
type WebSocketBroadcaster interface {
	BroadcastNotification(notif *models.Notification)
}

// NotificationService creates notifications gated on the user's
// notification preferences, persists them, and broadcasts them to the
// dashboard.
type NotificationService struct {
	notificationRepo *repository.NotificationRepository
	settingsRepo     *repository.SettingsRepository
	wsHub            WebSocketBroadcaster
}

// NewNotificationService wraps the notification and settings repositories.
func NewNotificationService(notificationRepo *repository.NotificationRepository, settingsRepo *repository.SettingsRepository) *NotificationService {
	return &NotificationService{
		notificationRepo: notificationRepo,
		settingsRepo:     settingsRepo,
	}
}

// SetWebSocketHub installs the broadcaster used after a notification is saved.
func (s *NotificationService) SetWebSocketHub(hub WebSocketBroadcaster) {
	s.wsHub = hub
}

// CreateNotification saves notif if its type is enabled in settings, then
// broadcasts it. A disabled type is silently dropped, not an error.
func (s *NotificationService) CreateNotification(notif *models.Notification) error {
	enabled, err := s.isNotificationTypeEnabled(notif.Type)
	if err == nil && !enabled {
		return nil
	}

	if err := s.notificationRepo.Create(notif); err != nil {
		return err
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(notif)
	}
	return nil
}

// GetNotifications returns up to limit notifications, optionally
// filtered to the given types (case-insensitive, unknown types ignored).
func (s *NotificationService) GetNotifications(types []string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	normalized := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" && isValidNotificationType(t) {
			normalized = append(normalized, t)
		}
	}

	if len(normalized) > 0 {
		return s.notificationRepo.GetByTypes(normalized, limit)
	}
	return s.notificationRepo.GetRecent(limit)
}

// ClearNotifications deletes the entire notification log.
func (s *NotificationService) ClearNotifications() error {
	return s.notificationRepo.DeleteAll()
}

// GetNotificationCount returns the total number of stored notifications.
func (s *NotificationService) GetNotificationCount() (int, error) {
	return s.notificationRepo.Count()
}

// GetNotificationCountByType returns the count of notifications of notifType.
func (s *NotificationService) GetNotificationCountByType(notifType string) (int, error) {
	return s.notificationRepo.CountByType(strings.ToUpper(notifType))
}

// CleanupOld trims the notification log down to keepCount entries.
func (s *NotificationService) CleanupOld(keepCount int) (int64, error) {
	if keepCount <= 0 {
		keepCount = 100
	}
	return s.notificationRepo.KeepRecent(keepCount)
}

func (s *NotificationService) isNotificationTypeEnabled(notifType string) (bool, error) {
	prefs, err := s.settingsRepo.GetNotificationPrefs()
	if err != nil {
		return true, err
	}
	if prefs == nil {
		return true, nil
	}

	switch strings.ToUpper(notifType) {
	case models.NotificationTypeOpen:
		return prefs.Open, nil
	case models.NotificationTypeClose:
		return prefs.Close, nil
	case models.NotificationTypeSL:
		return prefs.StopLoss, nil
	case models.NotificationTypeLiquidation:
		return prefs.Liquidation, nil
	case models.NotificationTypeError:
		return prefs.APIError, nil
	case models.NotificationTypeMargin:
		return prefs.Margin, nil
	case models.NotificationTypePause:
		return prefs.Pause, nil
	case models.NotificationTypeSecondLegFail:
		return prefs.SecondLegFail, nil
	default:
		return true, nil
	}
}

func isValidNotificationType(notifType string) bool {
	switch strings.ToUpper(notifType) {
	case models.NotificationTypeOpen, models.NotificationTypeClose, models.NotificationTypeSL,
		models.NotificationTypeLiquidation, models.NotificationTypeError, models.NotificationTypeMargin,
		models.NotificationTypePause, models.NotificationTypeSecondLegFail:
		return true
	default:
		return false
	}
}

// CreateOpenNotification records a position-opened notification for pairID.
func (s *NotificationService) CreateOpenNotification(pairID int, message string, meta map[string]interface{}) error {
	return s.CreateNotification(&models.Notification{
		Type: models.NotificationTypeOpen, Severity: models.SeverityInfo,
		PairID: &pairID, Message: message, Meta: meta,
	})
}

// CreateCloseNotification records a position-closed notification for pairID.
func (s *NotificationService) CreateCloseNotification(pairID int, message string, meta map[string]interface{}) error {
	return s.CreateNotification(&models.Notification{
		Type: models.NotificationTypeClose, Severity: models.SeverityInfo,
		PairID: &pairID, Message: message, Meta: meta,
	})
}

// CreateSLNotification records a stop-loss notification for pairID.
func (s *NotificationService) CreateSLNotification(pairID int, message string, meta map[string]interface{}) error {
	return s.CreateNotification(&models.Notification{
		Type: models.NotificationTypeSL, Severity: models.SeverityWarn,
		PairID: &pairID, Message: message, Meta: meta,
	})
}

// CreateErrorNotification records an error notification, optionally tied to pairID.
func (s *NotificationService) CreateErrorNotification(pairID *int, message string, meta map[string]interface{}) error {
	return s.CreateNotification(&models.Notification{
		Type: models.NotificationTypeError, Severity: models.SeverityError,
		PairID: pairID, Message: message, Meta: meta,
	})
}
