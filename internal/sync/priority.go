// Package sync provides the offline change-queue coordination engine.
package sync

// Entity types known to the clinic backend.
const (
	EntityAppointment  = "appointment"
	EntityAvailability = "availability"
	EntityPatient      = "patient"
	EntityBilling      = "billing"
	EntityNote         = "note"
	EntityDocument     = "document"
)

// DefaultPriority is assigned to entity types absent from the table.
const DefaultPriority = 5

// entityPriorities ranks entity types for queue processing: lower is
// more urgent. Scheduling-critical types go first so a backlog of
// document uploads never starves an appointment change.
var entityPriorities = map[string]int{
	EntityAppointment:  1,
	EntityAvailability: 1,
	EntityPatient:      2,
	EntityBilling:      3,
	EntityNote:         4,
	EntityDocument:     5,
}

// PriorityFor returns the processing priority for an entity type.
func PriorityFor(entityType string) int {
	if p, ok := entityPriorities[entityType]; ok {
		return p
	}
	return DefaultPriority
}
