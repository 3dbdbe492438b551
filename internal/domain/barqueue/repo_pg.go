package barqueue

import (
	"context"

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

const barCols = `id, patient_ref, invoice_ref, status, hl7_message, created_at, updated_at`

func (r *repoPG) scanRow(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.PatientRef, &m.InvoiceRef, &m.Status, &m.HL7Message, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func (r *repoPG) Create(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO outgoing_bar_message (id, patient_ref, invoice_ref, status, hl7_message)
		VALUES ($1,$2,$3,$4,$5)`,
		m.ID, m.PatientRef, m.InvoiceRef, m.Status, m.HL7Message)
	return err
}

func (r *repoPG) Update(ctx context.Context, m *Message) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE outgoing_bar_message SET
			patient_ref=$2, invoice_ref=$3, status=$4, hl7_message=$5, updated_at=NOW()
		WHERE id = $1`,
		m.ID, m.PatientRef, m.InvoiceRef, m.Status, m.HL7Message)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+barCols+` FROM outgoing_bar_message WHERE id = $1`, id))
}

func (r *repoPG) OldestByStatus(ctx context.Context, status string) (*Message, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+barCols+`
		FROM outgoing_bar_message WHERE status = $1
		ORDER BY updated_at ASC LIMIT 1`, status)
	m, err := r.scanRow(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return m, err
}
