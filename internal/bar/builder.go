// Package bar implements the outbound billing half of the bridge: the
// builder poller that turns a pending FHIR Invoice into a queued HL7v2 BAR
// message, and the sender poller that re-submits queued messages into this
// process's own inbound intake queue.
package bar

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehrbridge/hl7fhir/internal/config"
	"github.com/ehrbridge/hl7fhir/internal/domain/barqueue"
	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
	"github.com/ehrbridge/hl7fhir/internal/platform/hl7v2"
)

const processingStatusExtensionURL = "http://example.org/invoice-processing-status"
const retryCountExtensionURL = "http://example.org/invoice-processing-retry-count"

// Builder is the BAR builder poller: single-threaded, one Invoice in
// flight at a time, oldest-pending-first.
type Builder struct {
	fhir     *fhirclient.Client
	queue    barqueue.Repository
	apps     hl7v2.MSHApps
	retryMax int
	interval time.Duration
	log      zerolog.Logger
}

func NewBuilder(fhir *fhirclient.Client, queue barqueue.Repository, apps hl7v2.MSHApps, cfg *config.Config, log zerolog.Logger) *Builder {
	return &Builder{
		fhir:     fhir,
		queue:    queue,
		apps:     apps,
		retryMax: cfg.BARRetryMax,
		interval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		log:      log.With().Str("component", "bar.builder").Logger(),
	}
}

// Run loops until ctx is cancelled.
func (b *Builder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("builder loop stopping")
			return
		default:
		}

		processed, err := b.tick(ctx)
		if err != nil {
			b.log.Error().Err(err).Msg("builder tick failed")
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.interval):
			}
		}
	}
}

// tick finds the single oldest pending Invoice (by FHIR last-updated,
// strict FIFO) and builds its BAR message, reporting whether an Invoice
// was found.
func (b *Builder) tick(ctx context.Context) (bool, error) {
	invoice, err := b.oldestPendingInvoice(ctx)
	if err != nil {
		return false, err
	}
	if invoice == nil {
		return false, nil
	}

	if err := b.build(ctx, invoice); err != nil {
		b.log.Error().Err(err).Str("invoice_id", idOf(invoice)).Msg("BAR build failed")
		b.recordFailure(ctx, invoice, err)
	}
	return true, nil
}

func (b *Builder) oldestPendingInvoice(ctx context.Context) (map[string]interface{}, error) {
	params := url.Values{}
	params.Set("_sort", "_lastUpdated")
	params.Set("_count", "1")
	params.Set("extension", processingStatusExtensionURL+"|pending")
	results, err := b.fhir.Search(ctx, "Invoice", params)
	if err != nil {
		return nil, fmt.Errorf("search pending invoices: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// build assembles the account graph for invoice and enqueues a BAR
// message: Patient, Account (created minimally from the Invoice id if
// absent), Encounter via ChargeItem.context, Procedures via
// ChargeItem.service, Conditions and Coverages by Patient, Organizations
// per payor, and the event/timestamp derived from the Account's
// servicePeriod.
func (b *Builder) build(ctx context.Context, invoice map[string]interface{}) error {
	invoiceID := idOf(invoice)
	patientRef := referenceField(invoice, "subject")
	if patientRef == "" {
		patientRef = referenceField(invoice, "recipient")
	}
	if patientRef == "" {
		return fmt.Errorf("invoice %s has no subject/recipient reference", invoiceID)
	}
	patientID := trimReference(patientRef)

	patientFetched, err := b.fhir.Read(ctx, "Patient", patientID)
	if err != nil {
		return fmt.Errorf("read patient %s: %w", patientID, err)
	}
	if patientFetched == nil {
		return fmt.Errorf("patient %s not found for invoice %s", patientID, invoiceID)
	}

	account, err := b.accountFor(ctx, invoiceID)
	if err != nil {
		return err
	}

	chargeItems, err := b.fhir.Search(ctx, "ChargeItem", url.Values{"context": {invoiceID}})
	if err != nil {
		return fmt.Errorf("search charge items for invoice %s: %w", invoiceID, err)
	}

	var encounter map[string]interface{}
	var procedures []map[string]interface{}
	for _, ci := range chargeItems {
		if encounter == nil {
			if encRef := referenceField(ci, "context"); encRef != "" {
				encFetched, err := b.fhir.Read(ctx, "Encounter", trimReference(encRef))
				if err == nil && encFetched != nil {
					encounter = encFetched.Resource
				}
			}
		}
		if svcRef := referenceField(ci, "service"); svcRef != "" {
			procFetched, err := b.fhir.Read(ctx, "Procedure", trimReference(svcRef))
			if err == nil && procFetched != nil {
				procedures = append(procedures, procFetched.Resource)
			}
		}
	}

	conditions, err := b.fhir.Search(ctx, "Condition", url.Values{"patient": {patientID}})
	if err != nil {
		return fmt.Errorf("search conditions for patient %s: %w", patientID, err)
	}

	coverages, err := b.fhir.Search(ctx, "Coverage", url.Values{"patient": {patientID}})
	if err != nil {
		return fmt.Errorf("search coverages for patient %s: %w", patientID, err)
	}
	barCoverages := make([]hl7v2.BarCoverage, 0, len(coverages))
	for _, cov := range coverages {
		var org map[string]interface{}
		if payorRef := firstPayorReference(cov); payorRef != "" {
			orgFetched, err := b.fhir.Read(ctx, "Organization", trimReference(payorRef))
			if err == nil && orgFetched != nil {
				org = orgFetched.Resource
			}
		}
		barCoverages = append(barCoverages, hl7v2.BarCoverage{Coverage: cov, Organization: org})
	}

	var guarantors []map[string]interface{}
	for _, participant := range invoiceParticipants(invoice) {
		if ref := referenceField(participant, "actor"); ref != "" {
			if grFetched, err := b.fhir.Read(ctx, "RelatedPerson", trimReference(ref)); err == nil && grFetched != nil {
				guarantors = append(guarantors, grFetched.Resource)
			}
		}
	}

	event, evnAt := eventAndTimestamp(account)

	data, err := hl7v2.GenerateBAR(event, b.apps, evnAt, hl7v2.BarAccount{
		Patient:    patientFetched.Resource,
		Encounter:  encounter,
		Conditions: conditions,
		Procedures: procedures,
		Guarantors: guarantors,
		Coverages:  barCoverages,
	})
	if err != nil {
		return fmt.Errorf("generate BAR for invoice %s: %w", invoiceID, err)
	}

	msg := &barqueue.Message{
		PatientRef: patientRef,
		InvoiceRef: "Invoice/" + invoiceID,
		Status:     barqueue.StatusPending,
		HL7Message: string(data),
	}
	if err := b.queue.Create(ctx, msg); err != nil {
		return fmt.Errorf("enqueue BAR message for invoice %s: %w", invoiceID, err)
	}

	if err := b.fhir.PatchExtension(ctx, "Invoice", invoiceID, processingStatusExtensionURL, "replace", "completed"); err != nil {
		b.log.Warn().Err(err).Str("invoice_id", invoiceID).Msg("BAR enqueued but failed to flip invoice status to completed")
	}
	return nil
}

// accountFor fetches the Account referencing invoiceID, creating a
// minimal one keyed by the Invoice id if none exists.
func (b *Builder) accountFor(ctx context.Context, invoiceID string) (map[string]interface{}, error) {
	results, err := b.fhir.Search(ctx, "Account", url.Values{"reference": {"Invoice/" + invoiceID}})
	if err != nil {
		return nil, fmt.Errorf("search account for invoice %s: %w", invoiceID, err)
	}
	if len(results) > 0 {
		return results[0], nil
	}
	return map[string]interface{}{
		"resourceType": "Account",
		"id":           invoiceID,
		"status":       "active",
	}, nil
}

// eventAndTimestamp picks the BAR trigger and EVN-2 timestamp from the
// account's servicePeriod: P01/start when the account is open, P06/end
// when it has closed, P05/now for a mid-account update.
func eventAndTimestamp(account map[string]interface{}) (string, time.Time) {
	period, _ := account["servicePeriod"].(map[string]interface{})
	if period != nil {
		if end, ok := period["end"].(string); ok && end != "" {
			if t, err := time.Parse(time.RFC3339, end); err == nil {
				return "P06", t
			}
		}
	}
	if period != nil {
		if start, ok := period["start"].(string); ok && start != "" {
			if t, err := time.Parse(time.RFC3339, start); err == nil {
				return "P01", t
			}
		}
	}
	return "P05", time.Now().UTC()
}

// recordFailure increments the Invoice's retry-count extension up to
// retryMax, flipping to error once exhausted.
func (b *Builder) recordFailure(ctx context.Context, invoice map[string]interface{}, cause error) {
	invoiceID := idOf(invoice)
	retries := retryCountOf(invoice) + 1
	if retries >= b.retryMax {
		if err := b.fhir.PatchExtension(ctx, "Invoice", invoiceID, processingStatusExtensionURL, "replace", "error"); err != nil {
			b.log.Error().Err(err).Str("invoice_id", invoiceID).Msg("failed to flip invoice to error after exhausting retries")
		}
		return
	}
	if err := b.fhir.PatchExtension(ctx, "Invoice", invoiceID, retryCountExtensionURL, "replace", fmt.Sprintf("%d", retries)); err != nil {
		b.log.Error().Err(err).Str("invoice_id", invoiceID).Msg("failed to record retry count")
	}
}

func idOf(res map[string]interface{}) string {
	v, _ := res["id"].(string)
	return v
}

func referenceField(res map[string]interface{}, field string) string {
	nested, ok := res[field].(map[string]interface{})
	if !ok {
		return ""
	}
	ref, _ := nested["reference"].(string)
	return ref
}

func trimReference(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' {
			return ref[i+1:]
		}
	}
	return ref
}

func firstPayorReference(coverage map[string]interface{}) string {
	payors, ok := coverage["payor"].([]interface{})
	if !ok || len(payors) == 0 {
		return ""
	}
	p, ok := payors[0].(map[string]interface{})
	if !ok {
		return ""
	}
	ref, _ := p["reference"].(string)
	return ref
}

func invoiceParticipants(invoice map[string]interface{}) []map[string]interface{} {
	raw, ok := invoice["participant"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, p := range raw {
		if m, ok := p.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func retryCountOf(invoice map[string]interface{}) int {
	exts, ok := invoice["extension"].([]interface{})
	if !ok {
		return 0
	}
	for _, e := range exts {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if url, _ := m["url"].(string); url == retryCountExtensionURL {
			switch v := m["valueInteger"].(type) {
			case float64:
				return int(v)
			case int:
				return v
			}
			// recordFailure writes the count through PatchExtension, which
			// carries it as valueString.
			if s, ok := m["valueString"].(string); ok {
				if n, err := strconv.Atoi(s); err == nil {
					return n
				}
			}
		}
	}
	return 0
}
