package journal

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/vigil/internal/database"
)

// TradeRepository handles the perp_trades ledger.
type TradeRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTradeRepository creates a trade ledger repository.
func NewTradeRepository(db *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		db:  db,
		log: log.With().Str("repo", "perp_trades").Logger(),
	}
}

// Insert records an executed or attempted trade.
func (r *TradeRepository) Insert(t Trade) (int64, error) {
	if t.Symbol == "" {
		return 0, fmt.Errorf("trade requires a symbol")
	}
	if t.Size <= 0 {
		return 0, fmt.Errorf("trade size must be positive, got %f", t.Size)
	}
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now().UTC()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.ExecutedAt
	}
	if t.Notional == 0 {
		t.Notional = t.Size * t.Price
	}

	res, err := r.db.Exec(`
		INSERT INTO perp_trades
		(symbol, side, size, price, notional, leverage, order_type, reduce_only,
		 status, executed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToUpper(strings.TrimSpace(t.Symbol)),
		t.Side,
		t.Size,
		t.Price,
		t.Notional,
		t.Leverage,
		t.OrderType,
		boolToInt(t.ReduceOnly),
		t.Status,
		database.FormatTime(t.ExecutedAt),
		database.FormatTime(t.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read trade id: %w", err)
	}

	r.log.Info().
		Str("symbol", t.Symbol).
		Str("side", t.Side).
		Float64("size", t.Size).
		Str("status", t.Status).
		Msg("Trade recorded")

	return id, nil
}

// CountExecutedSince counts executed trades at or after the given instant.
// The global trade gate passes the start of the current UTC session day.
func (r *TradeRepository) CountExecutedSince(since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM perp_trades
		WHERE status = 'executed' AND executed_at >= ?`,
		database.FormatTime(since),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executed trades: %w", err)
	}
	return count, nil
}

// Recent returns the most recent trades, newest first.
func (r *TradeRepository) Recent(limit int) ([]Trade, error) {
	rows, err := r.db.Query(`
		SELECT id, symbol, side, size, price, notional, leverage, order_type,
		       reduce_only, status, executed_at, created_at
		FROM perp_trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var (
			t          Trade
			reduceOnly int
			executedAt string
			createdAt  string
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Size, &t.Price,
			&t.Notional, &t.Leverage, &t.OrderType, &reduceOnly, &t.Status,
			&executedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.ReduceOnly = reduceOnly != 0
		if t.ExecutedAt, err = database.ParseTime(executedAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
