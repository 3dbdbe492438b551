package hl7v2

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehrbridge/hl7fhir/internal/domain/hl7intake"
)

// IntakeHandler returns the production MessageHandler: every message the
// MLLP listener receives is persisted into hl7intake at StatusReceived and
// ACKed AA; a persistence failure is ACKed AE so the sending system's own
// retry policy kicks in, since the inbound processor loop never sees a
// message that failed to enqueue.
func IntakeHandler(ctx context.Context, messages *hl7intake.Service, log zerolog.Logger) MessageHandler {
	return func(msg *Message) *Message {
		raw := string(SerializeMessage(msg))
		if _, err := messages.Ingest(ctx, msg.ControlID, msg.Type, raw); err != nil {
			log.Error().Err(err).Str("control_id", msg.ControlID).Msg("failed to enqueue inbound message")
			return GenerateACK(msg, "AE")
		}
		return GenerateACK(msg, "AA")
	}
}
