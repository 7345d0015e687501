package alerting

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/database"
)

// alertColumns is the column list for alerts reads. Order must match scanAlert.
const alertColumns = `id, dedupe_key, source, reason, severity, status, summary, message,
	metadata, occurred_at, created_at, suppressed_at, sent_at, resolved_at,
	acknowledged_at, acknowledged_by, last_error`

// Repository persists alerts, their event trail, and delivery records. State
// transitions and multi-table writes run inside a single transaction.
type Repository struct {
	db    *sql.DB
	clock clock.Clock
	log   zerolog.Logger
}

// NewRepository creates an alert repository.
func NewRepository(db *sql.DB, clk clock.Clock, log zerolog.Logger) *Repository {
	return &Repository{
		db:    db,
		clock: clk,
		log:   log.With().Str("repo", "alerts").Logger(),
	}
}

// Create inserts an open alert and its open event atomically, returning the
// alert id.
func (r *Repository) Create(in CreateInput) (string, error) {
	if in.Reason == "" || in.Severity == "" || in.Summary == "" {
		return "", fmt.Errorf("alert requires reason, severity and summary")
	}

	id := uuid.New().String()
	now := r.clock.Now()
	occurred := now
	if in.OccurredAt != nil {
		occurred = *in.OccurredAt
	}

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO alerts
			(id, dedupe_key, source, reason, severity, status, summary, message,
			 metadata, occurred_at, created_at)
			VALUES (?, ?, ?, ?, ?, 'open', ?, ?, ?, ?, ?)`,
			id, in.DedupeKey, in.Source, in.Reason, in.Severity,
			in.Summary, nullStr(in.Message), nullStr(in.Metadata),
			database.FormatTime(occurred), database.FormatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
		return insertEvent(tx, id, "open", "", now)
	})
	if err != nil {
		return "", err
	}

	r.log.Debug().Str("alert_id", id).Str("reason", in.Reason).Msg("Alert created")
	return id, nil
}

// Suppress transitions an alert to suppressed, recording why.
func (r *Repository) Suppress(id, reason string) error {
	return r.transition(id, StatusSuppressed, "suppressed_at", reason)
}

// MarkSent transitions an alert to sent.
func (r *Repository) MarkSent(id string) error {
	return r.transition(id, StatusSent, "sent_at", "")
}

// Resolve transitions an alert to resolved.
func (r *Repository) Resolve(id, detail string) error {
	return r.transition(id, StatusResolved, "resolved_at", detail)
}

// transition enforces the state machine inside one transaction. The current
// status is read under the same transaction the update runs in; SQLite's
// single-writer model makes this a serialized read-modify-write.
func (r *Repository) transition(id string, to Status, stampColumn, detail string) error {
	now := r.clock.Now()
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow("SELECT status FROM alerts WHERE id = ?", id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read alert status: %w", err)
		}
		if !CanTransition(Status(current), to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
		}

		query := fmt.Sprintf(
			"UPDATE alerts SET status = ?, %s = ? WHERE id = ?", stampColumn)
		if _, err := tx.Exec(query, string(to), database.FormatTime(now), id); err != nil {
			return fmt.Errorf("failed to transition alert: %w", err)
		}
		return insertEvent(tx, id, string(to), detail, now)
	})
	if err != nil {
		return err
	}
	r.log.Debug().Str("alert_id", id).Str("status", string(to)).Msg("Alert transitioned")
	return nil
}

// Acknowledge records the operator acknowledgment on any state. It never
// transitions the alert.
func (r *Repository) Acknowledge(id, by string) error {
	now := r.clock.Now()
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE alerts SET acknowledged_at = ?, acknowledged_by = ? WHERE id = ?`,
			database.FormatTime(now), nullStr(by), id)
		if err != nil {
			return fmt.Errorf("failed to acknowledge alert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return insertEvent(tx, id, "acknowledged", by, now)
	})
	return err
}

// RecordDelivery appends a delivery row and its event; a failed delivery with
// an error also updates the alert's last_error.
func (r *Repository) RecordDelivery(in DeliveryInput) error {
	switch in.Status {
	case "retrying", "sent", "failed":
	default:
		return fmt.Errorf("invalid delivery status %q", in.Status)
	}
	if in.Attempt <= 0 {
		in.Attempt = 1
	}

	now := r.clock.Now()
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow("SELECT 1 FROM alerts WHERE id = ?", in.AlertID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check alert: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO alert_deliveries
			(alert_id, channel, status, attempt, provider_message_id, error, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			in.AlertID, in.Channel, in.Status, in.Attempt,
			nullStr(in.ProviderMessageID), nullStr(in.Error), nullStr(in.Metadata),
			database.FormatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert delivery: %w", err)
		}

		if in.Status == "failed" && in.Error != "" {
			if _, err := tx.Exec(
				"UPDATE alerts SET last_error = ? WHERE id = ?", in.Error, in.AlertID); err != nil {
				return fmt.Errorf("failed to record delivery error: %w", err)
			}
		}

		detail := fmt.Sprintf("%s via %s (attempt %d)", in.Status, in.Channel, in.Attempt)
		return insertEvent(tx, in.AlertID, "delivery_"+in.Status, detail, now)
	})
}

// Get returns an alert by id.
func (r *Repository) Get(id string) (*Alert, error) {
	row := r.db.QueryRow("SELECT "+alertColumns+" FROM alerts WHERE id = ?", id)
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// List returns recent alerts, newest first, optionally filtered by status.
func (r *Repository) List(status Status, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + alertColumns + " FROM alerts"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// Events returns the audit trail for an alert, oldest first.
func (r *Repository) Events(alertID string) ([]Event, error) {
	rows, err := r.db.Query(`
		SELECT id, alert_id, kind, detail, created_at
		FROM alert_events WHERE alert_id = ? ORDER BY id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.AlertID, &e.Kind, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		e.Detail = detail.String
		if e.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Deliveries returns the delivery attempts for an alert, oldest first.
func (r *Repository) Deliveries(alertID string) ([]Delivery, error) {
	rows, err := r.db.Query(`
		SELECT id, alert_id, channel, status, attempt, provider_message_id,
		       error, metadata, created_at
		FROM alert_deliveries WHERE alert_id = ? ORDER BY id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		var (
			d         Delivery
			providerID sql.NullString
			errMsg    sql.NullString
			metadata  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.AlertID, &d.Channel, &d.Status, &d.Attempt,
			&providerID, &errMsg, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.ProviderMessageID = providerID.String
		d.Error = errMsg.String
		d.Metadata = metadata.String
		if d.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func insertEvent(tx *sql.Tx, alertID, kind, detail string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO alert_events (alert_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		alertID, kind, nullStr(detail), database.FormatTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}
	return nil
}

func scanAlert(row interface{ Scan(...interface{}) error }) (*Alert, error) {
	var (
		a            Alert
		status       string
		message      sql.NullString
		metadata     sql.NullString
		occurredAt   string
		createdAt    string
		suppressedAt sql.NullString
		sentAt       sql.NullString
		resolvedAt   sql.NullString
		ackAt        sql.NullString
		ackBy        sql.NullString
		lastErr      sql.NullString
	)

	err := row.Scan(&a.ID, &a.DedupeKey, &a.Source, &a.Reason, &a.Severity,
		&status, &a.Summary, &message, &metadata, &occurredAt, &createdAt,
		&suppressedAt, &sentAt, &resolvedAt, &ackAt, &ackBy, &lastErr)
	if err != nil {
		return nil, err
	}

	a.Status = Status(status)
	a.Message = message.String
	a.Metadata = metadata.String
	a.AcknowledgedBy = ackBy.String
	a.LastError = lastErr.String

	if a.OccurredAt, err = database.ParseTime(occurredAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if a.SuppressedAt, err = database.ScanNullTime(suppressedAt); err != nil {
		return nil, err
	}
	if a.SentAt, err = database.ScanNullTime(sentAt); err != nil {
		return nil, err
	}
	if a.ResolvedAt, err = database.ScanNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if a.AcknowledgedAt, err = database.ScanNullTime(ackAt); err != nil {
		return nil, err
	}

	return &a, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
