package paper

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/database"
)

// Engine is the matching engine over the durable paper book. Every fill runs
// inside one transaction covering the book row, the position, the fill row,
// and the order row.
type Engine struct {
	db      *sql.DB
	feeRate decimal.Decimal
	clock   clock.Clock
	log     zerolog.Logger
}

// NewEngine creates a paper engine with the default fee rate.
func NewEngine(db *sql.DB, clk clock.Clock, log zerolog.Logger) *Engine {
	return &Engine{
		db:      db,
		feeRate: DefaultFeeRate,
		clock:   clk,
		log:     log.With().Str("component", "paper").Logger(),
	}
}

// Init seeds the singleton book row when absent. Idempotent across restarts.
func (e *Engine) Init(startingCash decimal.Decimal) error {
	now := database.FormatTime(e.clock.Now())
	_, err := e.db.Exec(`
		INSERT INTO paper_perp_book (id, starting_cash, cash, realized_pnl, updated_at)
		VALUES (1, ?, ?, '0', ?)
		ON CONFLICT(id) DO NOTHING`,
		startingCash.String(), startingCash.String(), now)
	if err != nil {
		return fmt.Errorf("failed to seed paper book: %w", err)
	}
	return nil
}

// Place accepts an order. Market orders fill immediately at the mark; limit
// orders rest unless the mark already crosses. The returned fill is nil for
// a resting order.
func (e *Engine) Place(in PlaceInput, mark float64) (*Order, *Fill, error) {
	if err := validatePlace(in); err != nil {
		return nil, nil, err
	}
	if mark <= 0 {
		return nil, nil, fmt.Errorf("mark price must be > 0, got %v", mark)
	}

	now := e.clock.Now()
	order := &Order{
		ID:         uuid.New().String(),
		Symbol:     strings.ToUpper(strings.TrimSpace(in.Symbol)),
		Side:       in.Side,
		Size:       in.Size,
		Price:      in.Price,
		OrderType:  in.OrderType,
		ReduceOnly: in.ReduceOnly,
		Leverage:   in.Leverage,
		Status:     OrderOpen,
		CreatedAt:  now,
	}

	fillPrice, fillsNow := fillPriceFor(order, mark)

	var fill *Fill
	err := database.WithTransaction(e.db, func(tx *sql.Tx) error {
		if err := insertOrder(tx, order); err != nil {
			return err
		}
		if !fillsNow {
			return nil
		}
		f, err := e.fill(tx, order, fillPrice, now)
		if err != nil {
			return err
		}
		fill = f
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if fill != nil {
		order.Status = OrderFilled
		order.FilledAt = &now
		e.log.Info().Str("symbol", order.Symbol).Str("side", order.Side).
			Float64("size", order.Size).Float64("price", fillPrice).
			Str("realized", fill.RealizedPnL.String()).Msg("Paper fill")
	}
	return order, fill, nil
}

// UpdateMark crosses resting limit orders against a new mark and returns any
// fills. Orders whose fill would now violate reduce-only are rejected.
func (e *Engine) UpdateMark(symbol string, mark float64) ([]Fill, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	orders, err := e.openLimitOrders(symbol)
	if err != nil {
		return nil, err
	}

	var fills []Fill
	for i := range orders {
		order := &orders[i]
		if !limitCrossed(order, mark) {
			continue
		}

		now := e.clock.Now()
		err := database.WithTransaction(e.db, func(tx *sql.Tx) error {
			f, err := e.fill(tx, order, *order.Price, now)
			if err != nil {
				return err
			}
			fills = append(fills, *f)
			return nil
		})
		if errors.Is(err, ErrReduceOnly) {
			if rejErr := e.setOrderStatus(order.ID, OrderRejected); rejErr != nil {
				return fills, rejErr
			}
			continue
		}
		if err != nil {
			return fills, err
		}
	}
	return fills, nil
}

// Cancel closes an open order. Cancelling an unknown or already closed order
// returns ErrOrderNotFound without mutating anything.
func (e *Engine) Cancel(orderID string) error {
	res, err := e.db.Exec(`
		UPDATE paper_perp_orders SET status = 'cancelled'
		WHERE id = ? AND status = 'open'`, orderID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return nil
}

// OpenOrders returns all resting orders.
func (e *Engine) OpenOrders() ([]Order, error) {
	return e.queryOrders("SELECT " + orderColumns + ` FROM paper_perp_orders
		WHERE status = 'open' ORDER BY created_at`)
}

// Position returns the open position for a symbol, or nil.
func (e *Engine) Position(symbol string) (*Position, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	row := e.db.QueryRow(`
		SELECT symbol, side, size, entry_price, leverage, updated_at
		FROM paper_perp_positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// Positions returns every open position.
func (e *Engine) Positions() ([]Position, error) {
	rows, err := e.db.Query(`
		SELECT symbol, side, size, entry_price, leverage, updated_at
		FROM paper_perp_positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// BookState returns the account snapshot.
func (e *Engine) BookState() (*Book, error) {
	row := e.db.QueryRow(
		"SELECT starting_cash, cash, realized_pnl, updated_at FROM paper_perp_book WHERE id = 1")

	var (
		b          Book
		starting   string
		cash       string
		realized   string
		updatedAt  string
	)
	if err := row.Scan(&starting, &cash, &realized, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to read paper book: %w", err)
	}

	var err error
	if b.StartingCash, err = decimal.NewFromString(starting); err != nil {
		return nil, fmt.Errorf("corrupt starting_cash %q: %w", starting, err)
	}
	if b.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("corrupt cash %q: %w", cash, err)
	}
	if b.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return nil, fmt.Errorf("corrupt realized_pnl %q: %w", realized, err)
	}
	if b.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// Fills returns the most recent fills, newest first.
func (e *Engine) Fills(limit int) ([]Fill, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := e.db.Query(`
		SELECT id, order_id, symbol, side, size, price, fee, realized_pnl, created_at
		FROM paper_perp_fills ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list fills: %w", err)
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var (
			f         Fill
			fee       string
			realized  string
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Symbol, &f.Side, &f.Size,
			&f.Price, &fee, &realized, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		if f.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("corrupt fee %q: %w", fee, err)
		}
		if f.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
			return nil, fmt.Errorf("corrupt realized_pnl %q: %w", realized, err)
		}
		if f.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// fill executes an order at price inside tx: position math, fee, book update,
// fill row, order row. The reduce-only check happens here so resting orders
// are re-checked at cross time.
func (e *Engine) fill(tx *sql.Tx, order *Order, price float64, now time.Time) (*Fill, error) {
	position, err := positionForUpdate(tx, order.Symbol)
	if err != nil {
		return nil, err
	}

	fillSize := order.Size
	closeSize := 0.0
	realized := decimal.Zero

	positionDir := ""
	if position != nil {
		positionDir = position.Side
	}
	orderDir := PositionLong
	if order.Side == SideSell {
		orderDir = PositionShort
	}

	switch {
	case position == nil:
		if order.ReduceOnly {
			return nil, ErrReduceOnly
		}

	case positionDir == orderDir:
		if order.ReduceOnly {
			return nil, ErrReduceOnly
		}

	default:
		// Opposite side: realize on min(existing, incoming).
		closeSize = position.Size
		if fillSize < closeSize {
			closeSize = fillSize
		}
		perUnit := price - position.EntryPrice
		if position.Side == PositionShort {
			perUnit = position.EntryPrice - price
		}
		realized = decimal.NewFromFloat(perUnit).Mul(decimal.NewFromFloat(closeSize))

		if order.ReduceOnly && fillSize > position.Size {
			// The closing part fills; the part that would flip is refused.
			fillSize = position.Size
		}
	}

	fee := e.feeRate.
		Mul(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromFloat(fillSize))

	if err := applyPositionChange(tx, order, position, orderDir, fillSize, closeSize, price, now); err != nil {
		return nil, err
	}
	if err := applyBookChange(tx, realized, fee, now); err != nil {
		return nil, err
	}

	fill := &Fill{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Size:        fillSize,
		Price:       price,
		Fee:         fee,
		RealizedPnL: realized,
		CreatedAt:   now,
	}
	res, err := tx.Exec(`
		INSERT INTO paper_perp_fills
		(order_id, symbol, side, size, price, fee, realized_pnl, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.OrderID, fill.Symbol, fill.Side, fill.Size, fill.Price,
		fill.Fee.String(), fill.RealizedPnL.String(), database.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert fill: %w", err)
	}
	fill.ID, _ = res.LastInsertId()

	if _, err := tx.Exec(`
		UPDATE paper_perp_orders SET status = 'filled', filled_at = ? WHERE id = ?`,
		database.FormatTime(now), order.ID); err != nil {
		return nil, fmt.Errorf("failed to mark order filled: %w", err)
	}
	return fill, nil
}

// applyPositionChange writes the post-fill position state.
func applyPositionChange(tx *sql.Tx, order *Order, position *Position,
	orderDir string, fillSize, closeSize, price float64, now time.Time) error {

	nowStr := database.FormatTime(now)

	switch {
	case position == nil:
		leverage := order.leverageOrDefault()
		_, err := tx.Exec(`
			INSERT INTO paper_perp_positions (symbol, side, size, entry_price, leverage, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			order.Symbol, orderDir, fillSize, price, leverage, nowStr)
		if err != nil {
			return fmt.Errorf("failed to open position: %w", err)
		}
		return nil

	case position.Side == orderDir:
		// Same direction: average the entry.
		newSize := position.Size + fillSize
		newEntry := (position.EntryPrice*position.Size + price*fillSize) / newSize
		_, err := tx.Exec(`
			UPDATE paper_perp_positions SET size = ?, entry_price = ?, updated_at = ?
			WHERE symbol = ?`,
			newSize, newEntry, nowStr, order.Symbol)
		if err != nil {
			return fmt.Errorf("failed to grow position: %w", err)
		}
		return nil

	default:
		remaining := position.Size - closeSize
		flip := fillSize - closeSize

		if remaining > 0 {
			_, err := tx.Exec(`
				UPDATE paper_perp_positions SET size = ?, updated_at = ? WHERE symbol = ?`,
				remaining, nowStr, order.Symbol)
			if err != nil {
				return fmt.Errorf("failed to reduce position: %w", err)
			}
			return nil
		}

		if _, err := tx.Exec(
			"DELETE FROM paper_perp_positions WHERE symbol = ?", order.Symbol); err != nil {
			return fmt.Errorf("failed to close position: %w", err)
		}
		if flip > 0 {
			_, err := tx.Exec(`
				INSERT INTO paper_perp_positions (symbol, side, size, entry_price, leverage, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				order.Symbol, orderDir, flip, price, order.leverageOrDefault(), nowStr)
			if err != nil {
				return fmt.Errorf("failed to flip position: %w", err)
			}
		}
		return nil
	}
}

func applyBookChange(tx *sql.Tx, realized, fee decimal.Decimal, now time.Time) error {
	var cashStr, realizedStr string
	err := tx.QueryRow(
		"SELECT cash, realized_pnl FROM paper_perp_book WHERE id = 1").
		Scan(&cashStr, &realizedStr)
	if err != nil {
		return fmt.Errorf("paper book not initialized: %w", err)
	}

	cash, err := decimal.NewFromString(cashStr)
	if err != nil {
		return fmt.Errorf("corrupt cash %q: %w", cashStr, err)
	}
	totalRealized, err := decimal.NewFromString(realizedStr)
	if err != nil {
		return fmt.Errorf("corrupt realized_pnl %q: %w", realizedStr, err)
	}

	cash = cash.Add(realized).Sub(fee)
	totalRealized = totalRealized.Add(realized).Sub(fee)

	if _, err := tx.Exec(`
		UPDATE paper_perp_book SET cash = ?, realized_pnl = ?, updated_at = ? WHERE id = 1`,
		cash.String(), totalRealized.String(), database.FormatTime(now)); err != nil {
		return fmt.Errorf("failed to update paper book: %w", err)
	}
	return nil
}

func (o *Order) leverageOrDefault() float64 {
	if o.Leverage > 0 {
		return o.Leverage
	}
	return 1
}

func validatePlace(in PlaceInput) error {
	if strings.TrimSpace(in.Symbol) == "" {
		return fmt.Errorf("order requires a symbol")
	}
	if in.Side != SideBuy && in.Side != SideSell {
		return fmt.Errorf("invalid order side %q", in.Side)
	}
	if in.Size <= 0 {
		return fmt.Errorf("order size must be > 0, got %v", in.Size)
	}
	switch in.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if in.Price == nil || *in.Price <= 0 {
			return fmt.Errorf("limit order requires a positive price")
		}
	default:
		return fmt.Errorf("invalid order type %q", in.OrderType)
	}
	return nil
}

// fillPriceFor decides whether an order fills immediately and at what price.
func fillPriceFor(order *Order, mark float64) (float64, bool) {
	if order.OrderType == OrderTypeMarket {
		return mark, true
	}
	if limitCrossed(order, mark) {
		return *order.Price, true
	}
	return 0, false
}

func limitCrossed(order *Order, mark float64) bool {
	if order.Price == nil {
		return false
	}
	if order.Side == SideBuy {
		return mark <= *order.Price
	}
	return mark >= *order.Price
}

const orderColumns = `id, symbol, side, size, price, order_type, reduce_only,
	status, created_at, filled_at`

func (e *Engine) openLimitOrders(symbol string) ([]Order, error) {
	return e.queryOrders("SELECT "+orderColumns+` FROM paper_perp_orders
		WHERE status = 'open' AND order_type = 'limit' AND symbol = ?
		ORDER BY created_at`, symbol)
}

func (e *Engine) queryOrders(query string, args ...interface{}) ([]Order, error) {
	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var (
			o          Order
			price      sql.NullFloat64
			reduceOnly int
			createdAt  string
			filledAt   sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.Symbol, &o.Side, &o.Size, &price,
			&o.OrderType, &reduceOnly, &o.Status, &createdAt, &filledAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if price.Valid {
			v := price.Float64
			o.Price = &v
		}
		o.ReduceOnly = reduceOnly != 0
		if o.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if o.FilledAt, err = database.ScanNullTime(filledAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (e *Engine) setOrderStatus(orderID, status string) error {
	if _, err := e.db.Exec(
		"UPDATE paper_perp_orders SET status = ? WHERE id = ?", status, orderID); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

func insertOrder(tx *sql.Tx, o *Order) error {
	var price interface{}
	if o.Price != nil {
		price = *o.Price
	}
	_, err := tx.Exec(`
		INSERT INTO paper_perp_orders
		(id, symbol, side, size, price, order_type, reduce_only, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'open', ?)`,
		o.ID, o.Symbol, o.Side, o.Size, price, o.OrderType,
		boolToInt(o.ReduceOnly), database.FormatTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func positionForUpdate(tx *sql.Tx, symbol string) (*Position, error) {
	row := tx.QueryRow(`
		SELECT symbol, side, size, entry_price, leverage, updated_at
		FROM paper_perp_positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanPosition(row interface{ Scan(...interface{}) error }) (*Position, error) {
	var (
		p         Position
		updatedAt string
	)
	err := row.Scan(&p.Symbol, &p.Side, &p.Size, &p.EntryPrice, &p.Leverage, &updatedAt)
	if err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
