package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"arbitrage/internal/models"
)

var (
	ErrExchangeNotFound = errors.New("exchange account not found")
	ErrExchangeExists   = errors.New("exchange account already exists")
)

// ExchangeRepository persists exchange account credentials, connection
// state, and balance for each configured venue.
type ExchangeRepository struct {
	db *sql.DB
}

// NewExchangeRepository wraps db for exchange account storage.
func NewExchangeRepository(db *sql.DB) *ExchangeRepository {
	return &ExchangeRepository{db: db}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}

// Create inserts account and populates its ID.
func (r *ExchangeRepository) Create(account *models.ExchangeAccount) error {
	now := time.Now()
	query := `
		INSERT INTO exchanges (name, api_key, secret_key, passphrase, connected, balance, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := r.db.QueryRow(query, account.Name, account.APIKey, account.SecretKey, account.Passphrase,
		account.Connected, account.Balance, account.LastError, now, now).Scan(&account.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrExchangeExists, account.Name)
		}
		return fmt.Errorf("create exchange account: %w", err)
	}
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

func scanExchangeAccount(s rowScanner) (*models.ExchangeAccount, error) {
	var a models.ExchangeAccount
	if err := s.Scan(&a.ID, &a.Name, &a.APIKey, &a.SecretKey, &a.Passphrase, &a.Connected,
		&a.Balance, &a.LastError, &a.UpdatedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByID returns one exchange account by id.
func (r *ExchangeRepository) GetByID(id int) (*models.ExchangeAccount, error) {
	query := `SELECT id, name, api_key, secret_key, passphrase, connected, balance, last_error, updated_at, created_at FROM exchanges WHERE id = $1`
	a, err := scanExchangeAccount(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExchangeNotFound
		}
		return nil, fmt.Errorf("get exchange account: %w", err)
	}
	return a, nil
}

// GetByName returns one exchange account by venue name.
func (r *ExchangeRepository) GetByName(name string) (*models.ExchangeAccount, error) {
	query := `SELECT id, name, api_key, secret_key, passphrase, connected, balance, last_error, updated_at, created_at FROM exchanges WHERE name = $1`
	a, err := scanExchangeAccount(r.db.QueryRow(query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExchangeNotFound
		}
		return nil, fmt.Errorf("get exchange account by name: %w", err)
	}
	return a, nil
}

func (r *ExchangeRepository) queryList(query string, args ...interface{}) ([]*models.ExchangeAccount, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query exchange accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.ExchangeAccount
	for rows.Next() {
		a, err := scanExchangeAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exchange account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAll returns every configured exchange account, ordered by name.
func (r *ExchangeRepository) GetAll() ([]*models.ExchangeAccount, error) {
	return r.queryList(`SELECT id, name, api_key, secret_key, passphrase, connected, balance, last_error, updated_at, created_at FROM exchanges ORDER BY name`)
}

// GetConnected returns every exchange account currently marked connected.
func (r *ExchangeRepository) GetConnected() ([]*models.ExchangeAccount, error) {
	return r.queryList(`SELECT id, name, api_key, secret_key, passphrase, connected, balance, last_error, updated_at, created_at FROM exchanges WHERE connected = true ORDER BY name`)
}

// Update overwrites account's mutable fields (credentials, connection
// state, balance, last error) by id.
func (r *ExchangeRepository) Update(account *models.ExchangeAccount) error {
	now := time.Now()
	query := `
		UPDATE exchanges SET api_key = $1, secret_key = $2, passphrase = $3, connected = $4,
			balance = $5, last_error = $6, updated_at = $7
		WHERE id = $8`

	res, err := r.db.Exec(query, account.APIKey, account.SecretKey, account.Passphrase,
		account.Connected, account.Balance, account.LastError, now, account.ID)
	if err != nil {
		return fmt.Errorf("update exchange account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExchangeNotFound
	}
	account.UpdatedAt = now
	return nil
}

// Delete removes the exchange account with the given id.
func (r *ExchangeRepository) Delete(id int) error {
	res, err := r.db.Exec(`DELETE FROM exchanges WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete exchange account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExchangeNotFound
	}
	return nil
}

// DeleteByName removes the exchange account with the given venue name.
func (r *ExchangeRepository) DeleteByName(name string) error {
	res, err := r.db.Exec(`DELETE FROM exchanges WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete exchange account by name: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExchangeNotFound
	}
	return nil
}

// UpdateBalance sets the cached free balance for the exchange account id.
func (r *ExchangeRepository) UpdateBalance(id int, balance float64) error {
	res, err := r.db.Exec(`UPDATE exchanges SET balance = $1, updated_at = $2 WHERE id = $3`, balance, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update exchange balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExchangeNotFound
	}
	return nil
}

// UpdateBalanceByName sets the cached free balance for the venue name.
func (r *ExchangeRepository) UpdateBalanceByName(name string, balance float64) error {
	res, err := r.db.Exec(`UPDATE exchanges SET balance = $1, updated_at = $2 WHERE name = $3`, balance, time.Now(), name)
	if err != nil {
		return fmt.Errorf("update exchange balance by name: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExchangeNotFound
	}
	return nil
}

// SetConnected marks the exchange account's connection state.
func (r *ExchangeRepository) SetConnected(id int, connected bool) error {
	res, err := r.db.Exec(`UPDATE exchanges SET connected = $1, updated_at = $2 WHERE id = $3`, connected, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set exchange connected: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExchangeNotFound
	}
	return nil
}

// SetLastError records the most recent connection/request error for the
// exchange account.
func (r *ExchangeRepository) SetLastError(id int, msg string) error {
	res, err := r.db.Exec(`UPDATE exchanges SET last_error = $1, updated_at = $2 WHERE id = $3`, msg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set exchange last error: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return nil
}

// CountConnected returns the number of exchange accounts currently connected.
func (r *ExchangeRepository) CountConnected() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM exchanges WHERE connected = true`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count connected exchanges: %w", err)
	}
	return count, nil
}
