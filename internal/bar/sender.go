package bar

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehrbridge/hl7fhir/internal/domain/barqueue"
	"github.com/ehrbridge/hl7fhir/internal/domain/hl7intake"
	"github.com/ehrbridge/hl7fhir/internal/platform/hl7v2"
)

// Sender is the BAR sender poller. It never dials a downstream MLLP
// listener; instead it re-submits a queued message into the bridge's own
// intake queue as its delivery sink.
type Sender struct {
	queue    barqueue.Repository
	messages *hl7intake.Service
	interval time.Duration
	log      zerolog.Logger
}

func NewSender(queue barqueue.Repository, messages *hl7intake.Service, interval time.Duration, log zerolog.Logger) *Sender {
	return &Sender{
		queue:    queue,
		messages: messages,
		interval: interval,
		log:      log.With().Str("component", "bar.sender").Logger(),
	}
}

// Run loops until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sender loop stopping")
			return
		default:
		}

		processed, err := s.tick(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("sender tick failed")
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
		}
	}
}

func (s *Sender) tick(ctx context.Context) (bool, error) {
	msg, err := s.queue.OldestByStatus(ctx, barqueue.StatusPending)
	if err != nil {
		return false, fmt.Errorf("find oldest pending BAR message: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	if err := s.deliver(ctx, msg); err != nil {
		return true, fmt.Errorf("deliver BAR message %s: %w", msg.ID, err)
	}

	msg.Status = barqueue.StatusSent
	if err := s.queue.Update(ctx, msg); err != nil {
		return true, fmt.Errorf("mark BAR message %s sent: %w", msg.ID, err)
	}
	return true, nil
}

// deliver re-submits msg's HL7Message as a fresh IncomingHL7v2Message,
// reusing the bridge's own intake queue as the sink.
func (s *Sender) deliver(ctx context.Context, msg *barqueue.Message) error {
	parsed, err := hl7v2.Parse([]byte(msg.HL7Message))
	if err != nil {
		return fmt.Errorf("parse staged BAR message: %w", err)
	}
	if _, err := s.messages.Ingest(ctx, parsed.ControlID, parsed.Type, msg.HL7Message); err != nil {
		return fmt.Errorf("ingest BAR message at sink: %w", err)
	}
	return nil
}
