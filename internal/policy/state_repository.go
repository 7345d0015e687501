package policy

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/vigil/internal/database"
)

// State is the singleton policy row for a session date. Overrides tighten
// monotonically within a session; nil means "use the config default".
type State struct {
	SessionDate              string // YYYY-MM-DD, UTC
	MinEdgeOverride          *float64
	MaxTradesPerScanOverride *int
	LeverageCapOverride      *int
	ObservationOnlyUntil     *time.Time
	Reason                   string
	UpdatedAt                time.Time
}

// InObservation reports whether observation-only mode is active at now.
func (s *State) InObservation(now time.Time) bool {
	return s != nil && s.ObservationOnlyUntil != nil && s.ObservationOnlyUntil.After(now)
}

// SessionDate renders the session key for an instant.
func SessionDate(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// StateRepository persists autonomy_policy_state.
type StateRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStateRepository creates a policy state repository.
func NewStateRepository(db *sql.DB, log zerolog.Logger) *StateRepository {
	return &StateRepository{
		db:  db,
		log: log.With().Str("repo", "policy_state").Logger(),
	}
}

// Get returns the state for a session date, or nil when none exists.
func (r *StateRepository) Get(sessionDate string) (*State, error) {
	row := r.db.QueryRow(`
		SELECT session_date, min_edge_override, max_trades_per_scan_override,
		       leverage_cap_override, observation_only_until, reason, updated_at
		FROM autonomy_policy_state WHERE session_date = ?`, sessionDate)

	var (
		s           State
		minEdge     sql.NullFloat64
		maxTrades   sql.NullInt64
		leverageCap sql.NullInt64
		obsUntil    sql.NullString
		reason      sql.NullString
		updatedAt   string
	)
	err := row.Scan(&s.SessionDate, &minEdge, &maxTrades, &leverageCap,
		&obsUntil, &reason, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy state: %w", err)
	}

	if minEdge.Valid {
		v := minEdge.Float64
		s.MinEdgeOverride = &v
	}
	if maxTrades.Valid {
		v := int(maxTrades.Int64)
		s.MaxTradesPerScanOverride = &v
	}
	if leverageCap.Valid {
		v := int(leverageCap.Int64)
		s.LeverageCapOverride = &v
	}
	s.Reason = reason.String
	if s.ObservationOnlyUntil, err = database.ScanNullTime(obsUntil); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert writes the singleton row for the state's session date.
// Last-writer-wins is acceptable because mutations only tighten.
func (r *StateRepository) Upsert(s State) error {
	if s.SessionDate == "" {
		return fmt.Errorf("policy state requires a session date")
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(`
		INSERT INTO autonomy_policy_state
		(session_date, min_edge_override, max_trades_per_scan_override,
		 leverage_cap_override, observation_only_until, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_date) DO UPDATE SET
			min_edge_override = excluded.min_edge_override,
			max_trades_per_scan_override = excluded.max_trades_per_scan_override,
			leverage_cap_override = excluded.leverage_cap_override,
			observation_only_until = excluded.observation_only_until,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		s.SessionDate,
		nullFloatPtr(s.MinEdgeOverride),
		nullIntPtr(s.MaxTradesPerScanOverride),
		nullIntPtr(s.LeverageCapOverride),
		database.NullTime(s.ObservationOnlyUntil),
		nullStr(s.Reason),
		database.FormatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert policy state: %w", err)
	}

	r.log.Debug().Str("session", s.SessionDate).Msg("Policy state updated")
	return nil
}

// Reset removes the session row, clearing all overrides and observation mode.
// Exposed for the operator resume command.
func (r *StateRepository) Reset(sessionDate string) error {
	if _, err := r.db.Exec(
		"DELETE FROM autonomy_policy_state WHERE session_date = ?", sessionDate); err != nil {
		return fmt.Errorf("failed to reset policy state: %w", err)
	}
	return nil
}

func nullFloatPtr(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullIntPtr(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
