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
	ErrPairNotFound = errors.New("pair not found")
	ErrPairExists   = errors.New("pair already exists")
)

// PairRepository persists trading-pair configs: spreads, volume, order
// count, stop loss, status, and running trade stats.
type PairRepository struct {
	db *sql.DB
}

// NewPairRepository wraps db for trading-pair storage.
func NewPairRepository(db *sql.DB) *PairRepository {
	return &PairRepository{db: db}
}

func isPairUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}

// Create inserts pair and populates its ID. A pair with no Status is
// created paused, never live by default.
func (r *PairRepository) Create(pair *models.PairConfig) error {
	status := pair.Status
	if status == "" {
		status = models.PairStatusPaused
	}

	now := time.Now()
	query := `
		INSERT INTO pairs (symbol, base, quote, entry_spread_pct, exit_spread_pct, volume_asset,
			n_orders, stop_loss, status, trades_count, total_pnl, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	err := r.db.QueryRow(query, pair.Symbol, pair.Base, pair.Quote, pair.EntrySpreadPct, pair.ExitSpreadPct,
		pair.VolumeAsset, pair.NOrders, pair.StopLoss, status, pair.TradesCount, pair.TotalPnl, now, now).Scan(&pair.ID)
	if err != nil {
		if isPairUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrPairExists, pair.Symbol)
		}
		return fmt.Errorf("create pair: %w", err)
	}
	pair.Status = status
	pair.CreatedAt = now
	pair.UpdatedAt = now
	return nil
}

func scanPair(s rowScanner) (*models.PairConfig, error) {
	var p models.PairConfig
	if err := s.Scan(&p.ID, &p.Symbol, &p.Base, &p.Quote, &p.EntrySpreadPct, &p.ExitSpreadPct,
		&p.VolumeAsset, &p.NOrders, &p.StopLoss, &p.Status, &p.TradesCount, &p.TotalPnl,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID returns one pair by id.
func (r *PairRepository) GetByID(id int) (*models.PairConfig, error) {
	query := `SELECT id, symbol, base, quote, entry_spread_pct, exit_spread_pct, volume_asset, n_orders, stop_loss, status, trades_count, total_pnl, created_at, updated_at FROM pairs WHERE id = $1`
	p, err := scanPair(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPairNotFound
		}
		return nil, fmt.Errorf("get pair: %w", err)
	}
	return p, nil
}

// GetBySymbol returns one pair by its trading symbol.
func (r *PairRepository) GetBySymbol(symbol string) (*models.PairConfig, error) {
	query := `SELECT id, symbol, base, quote, entry_spread_pct, exit_spread_pct, volume_asset, n_orders, stop_loss, status, trades_count, total_pnl, created_at, updated_at FROM pairs WHERE symbol = $1`
	p, err := scanPair(r.db.QueryRow(query, symbol))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPairNotFound
		}
		return nil, fmt.Errorf("get pair by symbol: %w", err)
	}
	return p, nil
}

func (r *PairRepository) queryList(query string, args ...interface{}) ([]*models.PairConfig, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pairs: %w", err)
	}
	defer rows.Close()

	var out []*models.PairConfig
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAll returns every configured pair, newest first.
func (r *PairRepository) GetAll() ([]*models.PairConfig, error) {
	return r.queryList(`SELECT id, symbol, base, quote, entry_spread_pct, exit_spread_pct, volume_asset, n_orders, stop_loss, status, trades_count, total_pnl, created_at, updated_at FROM pairs ORDER BY created_at DESC`)
}

// GetActive returns every pair with an active status.
func (r *PairRepository) GetActive() ([]*models.PairConfig, error) {
	return r.queryList(`SELECT id, symbol, base, quote, entry_spread_pct, exit_spread_pct, volume_asset, n_orders, stop_loss, status, trades_count, total_pnl, created_at, updated_at FROM pairs WHERE status = $1`, models.PairStatusActive)
}

// GetPaused returns every pair with a paused status.
func (r *PairRepository) GetPaused() ([]*models.PairConfig, error) {
	return r.queryList(`SELECT id, symbol, base, quote, entry_spread_pct, exit_spread_pct, volume_asset, n_orders, stop_loss, status, trades_count, total_pnl, created_at, updated_at FROM pairs WHERE status = $1`, models.PairStatusPaused)
}

// Update overwrites pair's full row by id.
func (r *PairRepository) Update(pair *models.PairConfig) error {
	now := time.Now()
	query := `
		UPDATE pairs SET symbol = $1, base = $2, quote = $3, entry_spread_pct = $4, exit_spread_pct = $5,
			volume_asset = $6, n_orders = $7, stop_loss = $8, status = $9, trades_count = $10,
			total_pnl = $11, updated_at = $12
		WHERE id = $13`

	res, err := r.db.Exec(query, pair.Symbol, pair.Base, pair.Quote, pair.EntrySpreadPct, pair.ExitSpreadPct,
		pair.VolumeAsset, pair.NOrders, pair.StopLoss, pair.Status, pair.TradesCount, pair.TotalPnl, now, pair.ID)
	if err != nil {
		return fmt.Errorf("update pair: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPairNotFound
	}
	pair.UpdatedAt = now
	return nil
}

// UpdateParams updates just the tunable strategy parameters for pair id.
func (r *PairRepository) UpdateParams(id int, entrySpread, exitSpread, volume float64, nOrders int, stopLoss float64) error {
	query := `UPDATE pairs SET entry_spread_pct = $1, exit_spread_pct = $2, volume_asset = $3, n_orders = $4, stop_loss = $5, updated_at = $6 WHERE id = $7`
	res, err := r.db.Exec(query, entrySpread, exitSpread, volume, nOrders, stopLoss, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update pair params: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPairNotFound
	}
	return nil
}

// Delete removes the pair with the given id.
func (r *PairRepository) Delete(id int) error {
	res, err := r.db.Exec(`DELETE FROM pairs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pair: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPairNotFound
	}
	return nil
}

// UpdateStatus sets pair id's status (active/paused).
func (r *PairRepository) UpdateStatus(id int, status string) error {
	res, err := r.db.Exec(`UPDATE pairs SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update pair status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPairNotFound
	}
	return nil
}

// IncrementTrades bumps pair id's trade counter by one.
func (r *PairRepository) IncrementTrades(id int) error {
	_, err := r.db.Exec(`UPDATE pairs SET trades_count = trades_count + 1, updated_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("increment pair trades: %w", err)
	}
	return nil
}

// UpdatePnl adds delta to pair id's running total PNL.
func (r *PairRepository) UpdatePnl(id int, delta float64) error {
	_, err := r.db.Exec(`UPDATE pairs SET total_pnl = total_pnl + $1, updated_at = $2 WHERE id = $3`, delta, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update pair pnl: %w", err)
	}
	return nil
}

// ResetStats zeroes pair id's trade counter and running PNL.
func (r *PairRepository) ResetStats(id int) error {
	_, err := r.db.Exec(`UPDATE pairs SET trades_count = 0, total_pnl = 0, updated_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("reset pair stats: %w", err)
	}
	return nil
}

// Count returns the total number of configured pairs.
func (r *PairRepository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM pairs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pairs: %w", err)
	}
	return count, nil
}

// CountActive returns the number of pairs with an active status.
func (r *PairRepository) CountActive() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM pairs WHERE status = $1`, models.PairStatusActive).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active pairs: %w", err)
	}
	return count, nil
}

// ExistsBySymbol reports whether a pair with symbol already exists.
func (r *PairRepository) ExistsBySymbol(symbol string) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM pairs WHERE symbol = $1)`, symbol).Scan(&exists); err != nil {
		return false, fmt.Errorf("check pair exists: %w", err)
	}
	return exists, nil
}

// Search returns pairs whose symbol or base currency matches query
// case-insensitively.
func (r *PairRepository) Search(query string) ([]*models.PairConfig, error) {
	pattern := "%" + query + "%"
	sqlQuery := `SELECT id, symbol, base, quote, entry_spread_pct, exit_spread_pct, volume_asset, n_orders, stop_loss, status, trades_count, total_pnl, created_at, updated_at
		FROM pairs WHERE LOWER(symbol) LIKE LOWER($1) OR LOWER(base) LIKE LOWER($2)`
	return r.queryList(sqlQuery, pattern, pattern)
}
