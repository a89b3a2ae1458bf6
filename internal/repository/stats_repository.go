package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"arbitrage/internal/models"
)

// Trade is one row of the trades table: a completed arbitrage round
// trip with its realized PNL and exit reason.
type Trade struct {
	ID             int
	PairID         int
	Symbol         string
	Exchanges      [2]string
	EntryTime      time.Time
	ExitTime       time.Time
	PNL            float64
	WasStopLoss    bool
	WasLiquidation bool
	CreatedAt      time.Time
}

// StatsRepository aggregates realized trade history into the
// dashboard's PNL and trade-count statistics.
type StatsRepository struct {
	db *sql.DB
}

// NewStatsRepository wraps db for trade statistics.
func NewStatsRepository(db *sql.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// RecordTrade inserts one completed trade.
func (r *StatsRepository) RecordTrade(pairID int, symbol string, exchanges [2]string, entryTime, exitTime time.Time, pnl float64, wasStopLoss, wasLiquidation bool) error {
	exchangesStr := exchanges[0] + "," + exchanges[1]
	query := `
		INSERT INTO trades (pair_id, symbol, exchanges, entry_time, exit_time, pnl, was_stop_loss, was_liquidation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.Exec(query, pairID, symbol, exchangesStr, entryTime, exitTime, pnl, wasStopLoss, wasLiquidation, time.Now())
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return nil
}

// GetTopPairsByTrades returns the limit symbols with the most trades.
func (r *StatsRepository) GetTopPairsByTrades(limit int) ([]models.PairStat, error) {
	query := `SELECT symbol, COUNT(*) as trade_count FROM trades GROUP BY symbol ORDER BY trade_count DESC LIMIT $1`
	return r.queryPairStats(query, limit)
}

// GetTopPairsByProfit returns the limit symbols with the highest total PNL.
func (r *StatsRepository) GetTopPairsByProfit(limit int) ([]models.PairStat, error) {
	query := `SELECT symbol, SUM(pnl) as total_pnl FROM trades GROUP BY symbol HAVING SUM(pnl) > 0 ORDER BY total_pnl DESC LIMIT $1`
	return r.queryPairStats(query, limit)
}

// GetTopPairsByLoss returns the limit symbols with the lowest (most
// negative) total PNL.
func (r *StatsRepository) GetTopPairsByLoss(limit int) ([]models.PairStat, error) {
	query := `SELECT symbol, SUM(pnl) as total_pnl FROM trades GROUP BY symbol HAVING SUM(pnl) < 0 ORDER BY total_pnl ASC LIMIT $1`
	return r.queryPairStats(query, limit)
}

func (r *StatsRepository) queryPairStats(query string, limit int) ([]models.PairStat, error) {
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pair stats: %w", err)
	}
	defer rows.Close()

	var out []models.PairStat
	for rows.Next() {
		var s models.PairStat
		if err := rows.Scan(&s.Symbol, &s.Value); err != nil {
			return nil, fmt.Errorf("scan pair stat: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResetCounters deletes every trade record.
func (r *StatsRepository) ResetCounters() error {
	if _, err := r.db.Exec(`DELETE FROM trades`); err != nil {
		return fmt.Errorf("reset trade counters: %w", err)
	}
	return nil
}

// DeleteOlderThan removes trades that closed before threshold, returning
// the count deleted.
func (r *StatsRepository) DeleteOlderThan(threshold time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM trades WHERE exit_time < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete old trades: %w", err)
	}
	return res.RowsAffected()
}

func scanTrade(s rowScanner) (*Trade, error) {
	var t Trade
	var exchangesStr string
	if err := s.Scan(&t.ID, &t.PairID, &t.Symbol, &exchangesStr, &t.EntryTime, &t.ExitTime,
		&t.PNL, &t.WasStopLoss, &t.WasLiquidation, &t.CreatedAt); err != nil {
		return nil, err
	}
	parts := strings.SplitN(exchangesStr, ",", 2)
	if len(parts) == 2 {
		t.Exchanges = [2]string{parts[0], parts[1]}
	} else if len(parts) == 1 {
		t.Exchanges = [2]string{parts[0], ""}
	}
	return &t, nil
}

func (r *StatsRepository) queryTrades(query string, args ...interface{}) ([]*Trade, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTradesByPairID returns up to limit trades for pairID, most recently
// closed first.
func (r *StatsRepository) GetTradesByPairID(pairID int, limit int) ([]*Trade, error) {
	query := `SELECT id, pair_id, symbol, exchanges, entry_time, exit_time, pnl, was_stop_loss, was_liquidation, created_at FROM trades WHERE pair_id = $1 ORDER BY exit_time DESC LIMIT $2`
	return r.queryTrades(query, pairID, limit)
}

// GetTradesInTimeRange returns up to limit trades with from <= exit_time <= to.
func (r *StatsRepository) GetTradesInTimeRange(from, to time.Time, limit int) ([]*Trade, error) {
	query := `SELECT id, pair_id, symbol, exchanges, entry_time, exit_time, pnl, was_stop_loss, was_liquidation, created_at FROM trades WHERE exit_time >= $1 AND exit_time <= $2 ORDER BY exit_time DESC LIMIT $3`
	return r.queryTrades(query, from, to, limit)
}

// Count returns the total number of recorded trades.
func (r *StatsRepository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM trades`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return count, nil
}

// GetPNLBySymbol returns the sum of realized PNL for symbol, 0 if no trades exist.
func (r *StatsRepository) GetPNLBySymbol(symbol string) (float64, error) {
	var pnl float64
	if err := r.db.QueryRow(`SELECT COALESCE(SUM(pnl), 0) FROM trades WHERE symbol = $1`, symbol).Scan(&pnl); err != nil {
		return 0, fmt.Errorf("get pnl by symbol: %w", err)
	}
	return pnl, nil
}

// getTradesStats returns the trade count and summed PNL for the given
// window. A zero from/to queries the entire table.
func (r *StatsRepository) getTradesStats(from, to time.Time) (int, float64, error) {
	var count int
	var pnl float64
	var err error
	if from.IsZero() && to.IsZero() {
		err = r.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(pnl), 0) FROM trades`).Scan(&count, &pnl)
	} else {
		err = r.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(pnl), 0) FROM trades WHERE exit_time >= $1 AND exit_time <= $2`, from, to).Scan(&count, &pnl)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("get trades stats: %w", err)
	}
	return count, pnl, nil
}

func (r *StatsRepository) countWhere(condition string, args ...interface{}) (int, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM trades WHERE %s`, condition)
	if err := r.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count trades where %s: %w", condition, err)
	}
	return count, nil
}

// GetStats computes the full aggregated statistics snapshot: all-time,
// today, this-week and this-month trade counts and PNL, stop-loss and
// liquidation counters, and the top-5 pairs by trades, profit, and loss.
func (r *StatsRepository) GetStats() (*models.Stats, error) {
	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startOfWeek := now.AddDate(0, 0, -7)
	startOfMonth := now.AddDate(0, -1, 0)

	var s models.Stats
	var err error

	s.TotalTrades, s.TotalPnl, err = r.getTradesStats(time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	s.TodayTrades, s.TodayPnl, err = r.getTradesStats(startOfDay, now)
	if err != nil {
		return nil, err
	}
	s.WeekTrades, s.WeekPnl, err = r.getTradesStats(startOfWeek, now)
	if err != nil {
		return nil, err
	}
	s.MonthTrades, s.MonthPnl, err = r.getTradesStats(startOfMonth, now)
	if err != nil {
		return nil, err
	}

	if s.StopLossCount.Today, err = r.countWhere(`was_stop_loss = true AND exit_time >= $1`, startOfDay); err != nil {
		return nil, err
	}
	if s.StopLossCount.Week, err = r.countWhere(`was_stop_loss = true AND exit_time >= $1`, startOfWeek); err != nil {
		return nil, err
	}
	if s.StopLossCount.Month, err = r.countWhere(`was_stop_loss = true AND exit_time >= $1`, startOfMonth); err != nil {
		return nil, err
	}

	if s.LiquidationCount.Today, err = r.countWhere(`was_liquidation = true AND exit_time >= $1`, startOfDay); err != nil {
		return nil, err
	}
	if s.LiquidationCount.Week, err = r.countWhere(`was_liquidation = true AND exit_time >= $1`, startOfWeek); err != nil {
		return nil, err
	}
	if s.LiquidationCount.Month, err = r.countWhere(`was_liquidation = true AND exit_time >= $1`, startOfMonth); err != nil {
		return nil, err
	}

	const topN = 5
	if s.TopPairsByTrades, err = r.GetTopPairsByTrades(topN); err != nil {
		return nil, err
	}
	if s.TopPairsByProfit, err = r.GetTopPairsByProfit(topN); err != nil {
		return nil, err
	}
	if s.TopPairsByLoss, err = r.GetTopPairsByLoss(topN); err != nil {
		return nil, err
	}

	return &s, nil
}
