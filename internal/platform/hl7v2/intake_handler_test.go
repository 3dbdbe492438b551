package hl7v2

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehrbridge/hl7fhir/internal/domain/hl7intake"
)

type fakeIntakeRepo struct {
	created []*hl7intake.Message
	failNext bool
}

func (r *fakeIntakeRepo) Create(ctx context.Context, m *hl7intake.Message) error {
	if r.failNext {
		r.failNext = false
		return errIntakeCreate
	}
	m.ID = uuid.New()
	r.created = append(r.created, m)
	return nil
}
func (r *fakeIntakeRepo) GetByID(ctx context.Context, id uuid.UUID) (*hl7intake.Message, error) {
	return nil, nil
}
func (r *fakeIntakeRepo) Update(ctx context.Context, m *hl7intake.Message) error { return nil }
func (r *fakeIntakeRepo) OldestByStatus(ctx context.Context, status string) (*hl7intake.Message, error) {
	return nil, nil
}
func (r *fakeIntakeRepo) ListByStatusAndTask(ctx context.Context, status, taskRef string) ([]*hl7intake.Message, error) {
	return nil, nil
}

type intakeCreateError struct{}

func (intakeCreateError) Error() string { return "create failed" }

var errIntakeCreate = intakeCreateError{}

func TestIntakeHandler_AcksAAOnSuccessfulEnqueue(t *testing.T) {
	repo := &fakeIntakeRepo{}
	svc := hl7intake.NewService(repo)
	handler := IntakeHandler(context.Background(), svc, zerolog.Nop())

	msg := testADTMessage(t)
	resp := handler(msg)

	if resp == nil {
		t.Fatal("expected an ACK response")
	}
	if resp.GetSegment("MSA").GetField(1) != "AA" {
		t.Errorf("expected MSA-1 AA, got %s", resp.GetSegment("MSA").GetField(1))
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected one message enqueued, got %d", len(repo.created))
	}
}

func TestIntakeHandler_AcksAEOnEnqueueFailure(t *testing.T) {
	repo := &fakeIntakeRepo{failNext: true}
	svc := hl7intake.NewService(repo)
	handler := IntakeHandler(context.Background(), svc, zerolog.Nop())

	msg := testADTMessage(t)
	resp := handler(msg)

	if resp.GetSegment("MSA").GetField(1) != "AE" {
		t.Errorf("expected MSA-1 AE, got %s", resp.GetSegment("MSA").GetField(1))
	}
}

func testADTMessage(t *testing.T) *Message {
	t.Helper()
	msg, err := Parse([]byte("MSH|^~\\&|SENDER|FAC|BRIDGE|BRIDGEFAC|20240115143025||ADT^A01|MSG00001|P|2.5.1\rPID|1||MRN12345||Doe^John||19800515|M"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msg
}
