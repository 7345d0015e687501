package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/vigil/internal/database"
)

// journalColumns is the column list for perp_trade_journal reads.
// Order must match scanEntry.
const journalColumns = `id, symbol, side, size, leverage, order_type, reduce_only, mark_price,
	outcome, signal_class, market_regime, volatility_bucket, liquidity_bucket,
	thesis_correct, direction_score, timing_score, sizing_score, exit_score,
	captured_r, triggers, reason, closed_at, created_at`

// Repository handles trade journal operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a journal repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "journal").Logger(),
	}
}

// Append inserts an immutable journal entry and returns its id.
func (r *Repository) Append(e Entry) (int64, error) {
	if e.Symbol == "" {
		return 0, fmt.Errorf("journal entry requires a symbol")
	}
	if e.Outcome == "" {
		return 0, fmt.Errorf("journal entry requires an outcome")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var triggersJSON interface{}
	if len(e.Triggers) > 0 {
		b, err := json.Marshal(e.Triggers)
		if err != nil {
			return 0, fmt.Errorf("failed to encode triggers: %w", err)
		}
		triggersJSON = string(b)
	}

	query := `
		INSERT INTO perp_trade_journal
		(symbol, side, size, leverage, order_type, reduce_only, mark_price,
		 outcome, signal_class, market_regime, volatility_bucket, liquidity_bucket,
		 thesis_correct, direction_score, timing_score, sizing_score, exit_score,
		 captured_r, triggers, reason, closed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := r.db.Exec(query,
		strings.ToUpper(strings.TrimSpace(e.Symbol)),
		nullString(e.Side),
		e.Size,
		e.Leverage,
		nullString(e.OrderType),
		boolToInt(e.ReduceOnly),
		e.MarkPrice,
		string(e.Outcome),
		nullString(e.SignalClass),
		nullString(e.MarketRegime),
		nullString(e.VolatilityBucket),
		nullString(e.LiquidityBucket),
		nullBoolPtr(e.ThesisCorrect),
		nullFloatPtr(e.DirectionScore),
		nullFloatPtr(e.TimingScore),
		nullFloatPtr(e.SizingScore),
		nullFloatPtr(e.ExitScore),
		nullFloatPtr(e.CapturedR),
		triggersJSON,
		nullString(e.Reason),
		database.NullTime(e.ClosedAt),
		database.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append journal entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read journal entry id: %w", err)
	}

	r.log.Debug().
		Str("symbol", e.Symbol).
		Str("outcome", string(e.Outcome)).
		Int64("id", id).
		Msg("Journal entry appended")

	return id, nil
}

// Recent returns the most recent entries, newest first.
func (r *Repository) Recent(limit int) ([]Entry, error) {
	query := "SELECT " + journalColumns + " FROM perp_trade_journal ORDER BY id DESC LIMIT ?"
	return r.queryEntries(query, limit)
}

// RecentResolved returns the most recent entries carrying a non-null
// thesis_correct flag, newest first. The reflective mutator reads these.
func (r *Repository) RecentResolved(limit int) ([]Entry, error) {
	query := "SELECT " + journalColumns + ` FROM perp_trade_journal
		WHERE thesis_correct IS NOT NULL ORDER BY id DESC LIMIT ?`
	return r.queryEntries(query, limit)
}

// CapturedRBySignalClass returns captured R multiples for resolved trades of
// a signal class, newest first. The signal-performance guard computes its
// Sharpe-like ratio from these.
func (r *Repository) CapturedRBySignalClass(signalClass string, limit int) ([]float64, error) {
	rows, err := r.db.Query(`
		SELECT captured_r FROM perp_trade_journal
		WHERE signal_class = ? AND captured_r IS NOT NULL
		ORDER BY id DESC LIMIT ?`, signalClass, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query captured R values: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan captured R: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// TrimOlderThan deletes journal entries created before cutoff. Used by the
// daily maintenance job; the recent window the mutator needs is never close
// to the cutoff.
func (r *Repository) TrimOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(
		"DELETE FROM perp_trade_journal WHERE created_at < ?",
		database.FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to trim journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *Repository) queryEntries(query string, args ...interface{}) ([]Entry, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e            Entry
		side         sql.NullString
		orderType    sql.NullString
		reduceOnly   int
		outcome      string
		signalClass  sql.NullString
		regime       sql.NullString
		volBucket    sql.NullString
		liqBucket    sql.NullString
		thesis       sql.NullInt64
		dirScore     sql.NullFloat64
		timingScore  sql.NullFloat64
		sizingScore  sql.NullFloat64
		exitScore    sql.NullFloat64
		capturedR    sql.NullFloat64
		triggersJSON sql.NullString
		reason       sql.NullString
		closedAt     sql.NullString
		createdAt    string
	)

	err := rows.Scan(&e.ID, &e.Symbol, &side, &e.Size, &e.Leverage, &orderType,
		&reduceOnly, &e.MarkPrice, &outcome, &signalClass, &regime, &volBucket,
		&liqBucket, &thesis, &dirScore, &timingScore, &sizingScore, &exitScore,
		&capturedR, &triggersJSON, &reason, &closedAt, &createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to scan journal entry: %w", err)
	}

	e.Side = side.String
	e.OrderType = orderType.String
	e.ReduceOnly = reduceOnly != 0
	e.Outcome = Outcome(outcome)
	e.SignalClass = signalClass.String
	e.MarketRegime = regime.String
	e.VolatilityBucket = volBucket.String
	e.LiquidityBucket = liqBucket.String
	e.Reason = reason.String

	if thesis.Valid {
		v := thesis.Int64 != 0
		e.ThesisCorrect = &v
	}
	e.DirectionScore = floatPtr(dirScore)
	e.TimingScore = floatPtr(timingScore)
	e.SizingScore = floatPtr(sizingScore)
	e.ExitScore = floatPtr(exitScore)
	e.CapturedR = floatPtr(capturedR)

	if triggersJSON.Valid && triggersJSON.String != "" {
		if err := json.Unmarshal([]byte(triggersJSON.String), &e.Triggers); err != nil {
			return Entry{}, fmt.Errorf("failed to decode triggers for entry %d: %w", e.ID, err)
		}
	}

	e.ClosedAt, err = database.ScanNullTime(closedAt)
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt, err = database.ParseTime(createdAt)
	if err != nil {
		return Entry{}, err
	}

	return e, nil
}

// Helpers shared with TradeRepository.

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloatPtr(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullBoolPtr(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
