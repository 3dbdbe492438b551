// Package barqueue is the outgoing half of the bridge's own queue state:
// OutgoingBarMessage, the staged HL7v2 BAR text produced by the BAR
// builder poller and drained by the BAR sender poller.
package barqueue

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

// Message is a queued outgoing BAR message awaiting delivery.
type Message struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientRef  string    `db:"patient_ref" json:"patientRef"`
	InvoiceRef  string    `db:"invoice_ref" json:"invoiceRef"`
	Status      string    `db:"status" json:"status"`
	HL7Message string    `db:"hl7_message" json:"hl7Message"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}
