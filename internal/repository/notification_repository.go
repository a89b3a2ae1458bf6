package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"arbitrage/internal/models"
)

// ErrNotificationNotFound is returned when a lookup by id finds nothing.
var ErrNotificationNotFound = errors.New("notification not found")

// NotificationRepository persists system notifications (position opened/
// closed, stop-loss, liquidation, errors) for the dashboard feed.
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository wraps db for notification storage.
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts notif and populates its ID and Timestamp.
func (r *NotificationRepository) Create(notif *models.Notification) error {
	var metaJSON []byte
	if len(notif.Meta) > 0 {
		b, err := json.Marshal(notif.Meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		metaJSON = b
	}

	now := time.Now()
	query := `
		INSERT INTO notifications (timestamp, type, severity, pair_id, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := r.db.QueryRow(query, now, notif.Type, notif.Severity, notif.PairID, notif.Message, metaJSON).Scan(&notif.ID)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	notif.Timestamp = now
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(s rowScanner) (*models.Notification, error) {
	var n models.Notification
	var metaJSON []byte
	if err := s.Scan(&n.ID, &n.Timestamp, &n.Type, &n.Severity, &n.PairID, &n.Message, &metaJSON); err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &n.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	return &n, nil
}

// GetByID returns one notification by id.
func (r *NotificationRepository) GetByID(id int) (*models.Notification, error) {
	query := `SELECT id, timestamp, type, severity, pair_id, message, meta FROM notifications WHERE id = $1`
	n, err := scanNotification(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (r *NotificationRepository) queryList(query string, args ...interface{}) ([]*models.Notification, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRecent returns the limit most recent notifications, newest first.
func (r *NotificationRepository) GetRecent(limit int) ([]*models.Notification, error) {
	return r.queryList(`SELECT id, timestamp, type, severity, pair_id, message, meta FROM notifications ORDER BY timestamp DESC LIMIT $1`, limit)
}

// GetByPairID returns up to limit notifications for pairID, newest first.
func (r *NotificationRepository) GetByPairID(pairID int, limit int) ([]*models.Notification, error) {
	return r.queryList(`SELECT id, timestamp, type, severity, pair_id, message, meta FROM notifications WHERE pair_id = $1 ORDER BY timestamp DESC LIMIT $2`, pairID, limit)
}

// GetBySeverity returns up to limit notifications at severity, newest first.
func (r *NotificationRepository) GetBySeverity(severity string, limit int) ([]*models.Notification, error) {
	return r.queryList(`SELECT id, timestamp, type, severity, pair_id, message, meta FROM notifications WHERE severity = $1 ORDER BY timestamp DESC LIMIT $2`, severity, limit)
}

// GetInTimeRange returns up to limit notifications with from <= timestamp <= to.
func (r *NotificationRepository) GetInTimeRange(from, to time.Time, limit int) ([]*models.Notification, error) {
	return r.queryList(`SELECT id, timestamp, type, severity, pair_id, message, meta FROM notifications WHERE timestamp >= $1 AND timestamp <= $2 ORDER BY timestamp DESC LIMIT $3`, from, to, limit)
}

// DeleteAll removes every notification.
func (r *NotificationRepository) DeleteAll() error {
	if _, err := r.db.Exec(`DELETE FROM notifications`); err != nil {
		return fmt.Errorf("delete all notifications: %w", err)
	}
	return nil
}

// DeleteOlderThan removes notifications older than threshold, returning the count deleted.
func (r *NotificationRepository) DeleteOlderThan(threshold time.Time) (int, error) {
	res, err := r.db.Exec(`DELETE FROM notifications WHERE timestamp < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete older notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeleteByPairID removes every notification tied to pairID.
func (r *NotificationRepository) DeleteByPairID(pairID int) error {
	if _, err := r.db.Exec(`DELETE FROM notifications WHERE pair_id = $1`, pairID); err != nil {
		return fmt.Errorf("delete notifications by pair: %w", err)
	}
	return nil
}

// Count returns the total number of notifications.
func (r *NotificationRepository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM notifications`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

// CountByType returns the number of notifications of type t.
func (r *NotificationRepository) CountByType(t string) (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE type = $1`, t).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notifications by type: %w", err)
	}
	return count, nil
}

// CountBySeverity returns the number of notifications at severity sev.
func (r *NotificationRepository) CountBySeverity(sev string) (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE severity = $1`, sev).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notifications by severity: %w", err)
	}
	return count, nil
}

// KeepRecent deletes every notification except the n most recent, returning the count deleted.
func (r *NotificationRepository) KeepRecent(n int) (int64, error) {
	query := `
		DELETE FROM notifications WHERE id NOT IN (
			SELECT id FROM notifications ORDER BY timestamp DESC LIMIT $1
		)`
	res, err := r.db.Exec(query, n)
	if err != nil {
		return 0, fmt.Errorf("keep recent notifications: %w", err)
	}
	return res.RowsAffected()
}

// GetByTypes returns up to limit notifications whose type is in types,
// newest first.
func (r *NotificationRepository) GetByTypes(types []string, limit int) ([]*models.Notification, error) {
	if len(types) == 0 {
		return r.GetRecent(limit)
	}

	placeholders := make([]string, len(types))
	args := make([]interface{}, 0, len(types)+1)
	for i, t := range types {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, t)
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT id, timestamp, type, severity, pair_id, message, meta FROM notifications WHERE type IN (%s) ORDER BY timestamp DESC LIMIT $%d`,
		strings.Join(placeholders, ", "), len(types)+1,
	)
	return r.queryList(query, args...)
}
