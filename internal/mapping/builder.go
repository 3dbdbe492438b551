package mapping

// Builder turns a batch of MappingErrors collected from one message into
// deduplicated mapping Tasks to place in the message's transaction Bundle.
type Builder struct{}

func NewBuilder() *Builder { return &Builder{} }

// Build derives one Task per distinct (sender, mappingType, localSystem,
// localCode) across errs; multiple errors with the same id collapse to a
// single Task.
func (b *Builder) Build(sender SenderContext, errs []*MappingError) []*Task {
	seen := make(map[string]bool)
	var tasks []*Task
	for _, e := range errs {
		cmID := ConceptMapID(sender.SendingApplication, sender.SendingFacility, e.MappingType)
		id := TaskID(cmID, e.LocalSystem, e.LocalCode)
		if seen[id] {
			continue
		}
		seen[id] = true
		cfg, err := ResolveMappingType(e.MappingType)
		sourceField, targetField := "", ""
		if err == nil {
			sourceField, targetField = cfg.SourceFieldLabel, cfg.TargetFieldLabel
		}
		tasks = append(tasks, &Task{
			ID:              id,
			Status:          TaskStatusRequested,
			MappingType:     e.MappingType,
			SendingApp:      sender.SendingApplication,
			SendingFacility: sender.SendingFacility,
			LocalSystem:     e.LocalSystem,
			LocalCode:       e.LocalCode,
			LocalDisplay:    e.LocalDisplay,
			SourceField:     sourceField,
			TargetField:     targetField,
		})
	}
	return tasks
}

// TaskRef formats a Task's FHIR reference string, e.g. "Task/map-...".
func TaskRef(taskID string) string { return "Task/" + taskID }
