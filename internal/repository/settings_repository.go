package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"arbitrage/internal/models"
)

// ErrSettingsNotFound is returned when the singleton settings row is missing.
var ErrSettingsNotFound = errors.New("settings not found")

// SettingsRepository persists the single global settings row (id=1):
// funding consideration, concurrency limit, and notification preferences.
type SettingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository wraps db for global settings storage.
func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// defaultNotificationPrefs enables every notification category.
func defaultNotificationPrefs() models.NotificationPreferences {
	return models.NotificationPreferences{
		Open:          true,
		Close:         true,
		StopLoss:      true,
		Liquidation:   true,
		APIError:      true,
		Margin:        true,
		Pause:         true,
		SecondLegFail: true,
	}
}

// Get returns the global settings row, creating it with defaults on
// first access.
func (r *SettingsRepository) Get() (*models.Settings, error) {
	var s models.Settings
	var prefsJSON []byte

	query := `SELECT id, consider_funding, max_concurrent_trades, notification_prefs, updated_at FROM settings WHERE id = 1`
	err := r.db.QueryRow(query).Scan(&s.ID, &s.ConsiderFunding, &s.MaxConcurrentTrades, &prefsJSON, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.createDefault()
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}

	if len(prefsJSON) > 0 {
		if err := json.Unmarshal(prefsJSON, &s.NotificationPrefs); err != nil {
			return nil, fmt.Errorf("unmarshal notification prefs: %w", err)
		}
	}
	return &s, nil
}

func (r *SettingsRepository) createDefault() (*models.Settings, error) {
	s := &models.Settings{
		ID:                1,
		ConsiderFunding:   false,
		NotificationPrefs: defaultNotificationPrefs(),
		UpdatedAt:         time.Now(),
	}
	prefsJSON, err := json.Marshal(s.NotificationPrefs)
	if err != nil {
		return nil, fmt.Errorf("marshal notification prefs: %w", err)
	}
	_, err = r.db.Exec(`INSERT INTO settings (consider_funding, max_concurrent_trades, notification_prefs, updated_at) VALUES ($1, $2, $3, $4)`,
		s.ConsiderFunding, s.MaxConcurrentTrades, prefsJSON, s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create default settings: %w", err)
	}
	return s, nil
}

// Update overwrites the global settings row.
func (r *SettingsRepository) Update(s *models.Settings) error {
	prefsJSON, err := json.Marshal(s.NotificationPrefs)
	if err != nil {
		return fmt.Errorf("marshal notification prefs: %w", err)
	}
	now := time.Now()

	query := `UPDATE settings SET consider_funding = $1, max_concurrent_trades = $2, notification_prefs = $3, updated_at = $4 WHERE id = 1`
	res, err := r.db.Exec(query, s.ConsiderFunding, s.MaxConcurrentTrades, prefsJSON, now)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSettingsNotFound
	}
	s.UpdatedAt = now
	return nil
}

// UpdateNotificationPrefs overwrites just the notification preferences.
func (r *SettingsRepository) UpdateNotificationPrefs(prefs models.NotificationPreferences) error {
	prefsJSON, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal notification prefs: %w", err)
	}
	_, err = r.db.Exec(`UPDATE settings SET notification_prefs = $1, updated_at = $2 WHERE id = 1`, prefsJSON, time.Now())
	if err != nil {
		return fmt.Errorf("update notification prefs: %w", err)
	}
	return nil
}

// UpdateConsiderFunding flips the funding-rate consideration flag.
func (r *SettingsRepository) UpdateConsiderFunding(consider bool) error {
	_, err := r.db.Exec(`UPDATE settings SET consider_funding = $1, updated_at = $2 WHERE id = 1`, consider, time.Now())
	if err != nil {
		return fmt.Errorf("update consider_funding: %w", err)
	}
	return nil
}

// UpdateMaxConcurrentTrades sets the concurrency limit, nil meaning unlimited.
func (r *SettingsRepository) UpdateMaxConcurrentTrades(max *int) error {
	_, err := r.db.Exec(`UPDATE settings SET max_concurrent_trades = $1, updated_at = $2 WHERE id = 1`, max, time.Now())
	if err != nil {
		return fmt.Errorf("update max_concurrent_trades: %w", err)
	}
	return nil
}

// GetNotificationPrefs returns just the notification preferences,
// defaulting to every category enabled if unset or the row is missing.
func (r *SettingsRepository) GetNotificationPrefs() (*models.NotificationPreferences, error) {
	var prefsJSON []byte
	err := r.db.QueryRow(`SELECT notification_prefs FROM settings WHERE id = 1`).Scan(&prefsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			defaults := defaultNotificationPrefs()
			return &defaults, nil
		}
		return nil, fmt.Errorf("get notification prefs: %w", err)
	}
	if len(prefsJSON) == 0 {
		defaults := defaultNotificationPrefs()
		return &defaults, nil
	}
	var prefs models.NotificationPreferences
	if err := json.Unmarshal(prefsJSON, &prefs); err != nil {
		return nil, fmt.Errorf("unmarshal notification prefs: %w", err)
	}
	return &prefs, nil
}

// GetMaxConcurrentTrades returns the concurrency limit, nil meaning
// unlimited or unset.
func (r *SettingsRepository) GetMaxConcurrentTrades() (*int, error) {
	var max *int
	err := r.db.QueryRow(`SELECT max_concurrent_trades FROM settings WHERE id = 1`).Scan(&max)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get max_concurrent_trades: %w", err)
	}
	return max, nil
}

// ResetToDefaults restores settings to their factory defaults.
func (r *SettingsRepository) ResetToDefaults() error {
	return r.Update(&models.Settings{
		ID:                  1,
		ConsiderFunding:     false,
		MaxConcurrentTrades: nil,
		NotificationPrefs:   defaultNotificationPrefs(),
	})
}
