package mapping

import (
	"context"
	"fmt"

	"github.com/ehrbridge/hl7fhir/internal/domain/hl7intake"
	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
)

// Coordinator is the single entry point for resolving a mapping Task: an
// atomic Task+ConceptMap update followed by best-effort re-enqueue of
// every message that was blocked on it.
type Coordinator struct {
	fhir     *fhirclient.Client
	messages *hl7intake.Service
}

func NewCoordinator(fhir *fhirclient.Client, messages *hl7intake.Service) *Coordinator {
	return &Coordinator{fhir: fhir, messages: messages}
}

// ResolveResult reports what the coordinator did, for the caller (CLI or
// HTTP operator surface) to render.
type ResolveResult struct {
	TaskID           string
	ReenqueuedCount  int
	ReenqueuedIDs    []string
}

// Resolve fetches the Task, writes the operator's resolved code/display
// into its matching ConceptMap group and into the Task itself, then
// re-enqueues every message that was blocked waiting on it.
func (c *Coordinator) Resolve(ctx context.Context, taskID, resolvedCode, resolvedDisplay string) (*ResolveResult, error) {
	// Step 1: fetch Task with ETag; fail fast if already completed.
	taskFetched, err := c.fhir.Read(ctx, "Task", taskID)
	if err != nil {
		return nil, fmt.Errorf("fetch task %s: %w", taskID, err)
	}
	if taskFetched == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	task := TaskFromFHIR(taskFetched.Resource)
	if task.Status == TaskStatusCompleted {
		return nil, fmt.Errorf("task %s is already completed", taskID)
	}

	// Step 2: sender/type/system/code were already parsed onto task by TaskFromFHIR.
	sender := SenderContext{SendingApplication: task.SendingApp, SendingFacility: task.SendingFacility}

	// Step 3: fetch (or mark new) the ConceptMap.
	cmID := ConceptMapID(sender.SendingApplication, sender.SendingFacility, task.MappingType)
	cmFetched, err := c.fhir.Read(ctx, "ConceptMap", cmID)
	if err != nil {
		return nil, fmt.Errorf("fetch concept map %s: %w", cmID, err)
	}
	var cm *ConceptMap
	cmIsNew := cmFetched == nil
	if cmIsNew {
		cm = &ConceptMap{ID: cmID}
	} else {
		cm = ConceptMapFromFHIR(cmFetched.Resource)
	}

	// Step 4: validate resolvedCode against the mapping type's value set.
	if err := Validate(task.MappingType, resolvedCode); err != nil {
		return nil, fmt.Errorf("invalid resolved code: %w", err)
	}
	targetSystem, err := TargetSystemForType(task.MappingType)
	if err != nil {
		return nil, err
	}

	// Step 5: find-or-create the group, replace the element's target.
	group := cm.FindOrCreateGroup(task.LocalSystem)
	group.Upsert(task.LocalCode, ConceptMapTarget{
		Code:        resolvedCode,
		Display:     resolvedDisplay,
		Equivalence: "equivalent",
	})

	// Step 6: produce the updated Task.
	task.Status = TaskStatusCompleted
	task.ResolvedCode = resolvedCode
	task.ResolvedDisplay = resolvedDisplay
	task.ResolvedSystem = targetSystem

	// Step 7: submit both writes in one transaction, conditional on each
	// resource's prior existence.
	bundle := fhirclient.NewTransactionBundle()
	if cmIsNew {
		bundle.PutIfNew("ConceptMap", cm.ID, cm.ToFHIR())
	} else {
		bundle.PutWithETag("ConceptMap", cm.ID, cmFetched.ETag, cm.ToFHIR())
	}
	bundle.PutWithETag("Task", task.ID, taskFetched.ETag, task.ToFHIR())

	if _, err := c.fhir.SubmitTransaction(ctx, bundle); err != nil {
		return nil, fmt.Errorf("submit task/conceptmap transaction: %w", err)
	}

	// Step 8: re-enqueue every message blocked on this task. Best-effort:
	// a failure on one message must not undo the committed transaction
	// above or block re-enqueue of the others.
	taskRef := TaskRef(task.ID)
	reenqueued, err := c.messages.ReenqueueBlockedOn(ctx, taskRef)
	if err != nil {
		return &ResolveResult{TaskID: task.ID}, fmt.Errorf("transaction committed but re-enqueue failed: %w", err)
	}
	ids := make([]string, 0, len(reenqueued))
	for _, id := range reenqueued {
		ids = append(ids, id.String())
	}
	return &ResolveResult{TaskID: task.ID, ReenqueuedCount: len(ids), ReenqueuedIDs: ids}, nil
}
