package hl7intake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehrbridge/hl7fhir/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Postgres-backed Repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const msgCols = `id, control_id, message_type, raw_message, status, error_reason,
	patient_ref, bundle_json, unmapped_codes, created_at, updated_at`

func (r *repoPG) scanRow(row pgx.Row) (*Message, error) {
	var m Message
	var unmappedRaw []byte
	err := row.Scan(&m.ID, &m.ControlID, &m.MessageType, &m.RawMessage, &m.Status,
		&m.ErrorReason, &m.PatientRef, &m.BundleJSON, &unmappedRaw, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(unmappedRaw) > 0 {
		if err := json.Unmarshal(unmappedRaw, &m.UnmappedCodes); err != nil {
			return nil, fmt.Errorf("unmarshal unmapped_codes: %w", err)
		}
	}
	return &m, nil
}

func (r *repoPG) Create(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	unmapped, err := json.Marshal(m.UnmappedCodes)
	if err != nil {
		return fmt.Errorf("marshal unmapped_codes: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO incoming_hl7v2_message
			(id, control_id, message_type, raw_message, status, error_reason, patient_ref, bundle_json, unmapped_codes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.ControlID, m.MessageType, m.RawMessage, m.Status, m.ErrorReason, m.PatientRef, m.BundleJSON, unmapped)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+msgCols+` FROM incoming_hl7v2_message WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, m *Message) error {
	unmapped, err := json.Marshal(m.UnmappedCodes)
	if err != nil {
		return fmt.Errorf("marshal unmapped_codes: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE incoming_hl7v2_message SET
			control_id=$2, message_type=$3, raw_message=$4, status=$5, error_reason=$6,
			patient_ref=$7, bundle_json=$8, unmapped_codes=$9, updated_at=NOW()
		WHERE id = $1`,
		m.ID, m.ControlID, m.MessageType, m.RawMessage, m.Status, m.ErrorReason, m.PatientRef, m.BundleJSON, unmapped)
	return err
}

// OldestByStatus returns the single oldest message (by updated_at) in the
// given status, or nil if none exist.
func (r *repoPG) OldestByStatus(ctx context.Context, status string) (*Message, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+msgCols+`
		FROM incoming_hl7v2_message WHERE status = $1
		ORDER BY updated_at ASC LIMIT 1`, status)
	m, err := r.scanRow(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListByStatusAndTask returns every message in the given status whose
// unmapped_codes reference taskRef, used by the Task-resolution coordinator
// to find messages to re-enqueue once a mapping Task is resolved.
func (r *repoPG) ListByStatusAndTask(ctx context.Context, status, taskRef string) ([]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+msgCols+`
		FROM incoming_hl7v2_message
		WHERE status = $1 AND unmapped_codes::text LIKE '%' || $2 || '%'`, status, taskRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		if m.RefersTo(taskRef) {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}
