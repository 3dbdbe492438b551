package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehrbridge/hl7fhir/internal/domain/hl7intake"
	"github.com/ehrbridge/hl7fhir/internal/mapping"
	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
	"github.com/ehrbridge/hl7fhir/internal/platform/hl7v2"
)

// Processor is the inbound processor loop: a single-threaded cooperative
// poller that drains hl7intake's StatusReceived queue oldest first,
// dispatches each message through the converter registry, and submits the
// resulting transaction Bundle.
type Processor struct {
	messages *hl7intake.Service
	fhir     *fhirclient.Client
	deps     *Deps
	interval time.Duration
	log      zerolog.Logger
}

func NewProcessor(messages *hl7intake.Service, fhir *fhirclient.Client, deps *Deps, interval time.Duration, log zerolog.Logger) *Processor {
	return &Processor{messages: messages, fhir: fhir, deps: deps, interval: interval, log: log.With().Str("component", "pipeline.processor").Logger()}
}

// Run loops until ctx is cancelled, processing at most one message per
// iteration and sleeping interval between empty polls. It never launches a
// second in-flight operation.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("processor loop stopping")
			return
		default:
		}

		processed, err := p.tick(ctx)
		if err != nil {
			p.log.Error().Err(err).Msg("processor tick failed")
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.interval):
			}
		}
	}
}

// tick claims and processes at most one message, reporting whether one was
// found (so Run can skip the sleep and immediately look for more backlog).
func (p *Processor) tick(ctx context.Context) (bool, error) {
	msg, err := p.messages.ClaimOldestReceived(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	p.process(ctx, msg)
	return true, nil
}

func (p *Processor) process(ctx context.Context, m *hl7intake.Message) {
	logger := p.log.With().Str("message_id", m.ID.String()).Str("message_type", m.MessageType).Logger()

	parsed, err := hl7v2.Parse([]byte(m.RawMessage))
	if err != nil {
		p.fail(ctx, m, "parse error: "+err.Error(), logger)
		return
	}

	converter, ok := Lookup(parsed.Type)
	if !ok {
		p.fail(ctx, m, "unsupported message type: "+parsed.Type, logger)
		return
	}

	result, err := converter(ctx, parsed, p.deps)
	if err != nil {
		p.fail(ctx, m, err.Error(), logger)
		return
	}

	if _, err := p.fhir.SubmitTransaction(ctx, result.Bundle); err != nil {
		// Spec §7: concurrency failures and backend failures both land
		// the message at error; the core loop never auto-retries, so
		// this waits for an operator reenqueue unless the caller
		// re-ingests.
		p.fail(ctx, m, "submit transaction: "+err.Error(), logger)
		return
	}

	ref := result.PatientRef
	m.PatientRef = &ref

	switch {
	case len(result.MappingErrors) > 0:
		m.Status = hl7intake.StatusMappingError
		m.UnmappedCodes = unmappedCodesFrom(senderOf(parsed), result.MappingErrors)
		logger.Warn().Int("unmapped_count", len(result.MappingErrors)).Msg("message blocked on mapping tasks")
	case result.Warning != "":
		m.Status = hl7intake.StatusWarning
		reason := result.Warning
		m.ErrorReason = &reason
		logger.Warn().Str("warning", result.Warning).Msg("message processed with warning")
	default:
		m.Status = hl7intake.StatusProcessed
		logger.Info().Msg("message processed")
	}

	if err := p.messages.Save(ctx, m); err != nil {
		logger.Error().Err(err).Msg("failed to save processed message")
	}
}

func (p *Processor) fail(ctx context.Context, m *hl7intake.Message, reason string, logger zerolog.Logger) {
	logger.Error().Str("reason", reason).Msg("message processing failed")
	m.Status = hl7intake.StatusError
	m.ErrorReason = &reason
	if err := p.messages.Save(ctx, m); err != nil {
		logger.Error().Err(err).Msg("failed to save failed message")
	}
}

// unmappedCodesFrom converts the converter's MappingErrors into the
// hl7intake.UnmappedCode rows attached to a mapping_error message,
// computing each entry's deterministic Task reference the same way
// mapping.Builder did when it built the message's Tasks-only bundle, so
// ReenqueueBlockedOn matches on the identical taskRef string.
func unmappedCodesFrom(sender mapping.SenderContext, errs []*mapping.MappingError) []hl7intake.UnmappedCode {
	seen := make(map[string]bool)
	var codes []hl7intake.UnmappedCode
	for _, e := range errs {
		cmID := mapping.ConceptMapID(sender.SendingApplication, sender.SendingFacility, e.MappingType)
		taskID := mapping.TaskID(cmID, e.LocalSystem, e.LocalCode)
		if seen[taskID] {
			continue
		}
		seen[taskID] = true
		codes = append(codes, hl7intake.UnmappedCode{
			LocalCode:    e.LocalCode,
			LocalDisplay: e.LocalDisplay,
			LocalSystem:  e.LocalSystem,
			MappingTask:  mapping.TaskRef(taskID),
		})
	}
	return codes
}
