package domain

// Operation is a mutation kind as it travels on the wire. Creates and
// modifies collapse into a single write; a rename is a delete of the old
// path plus a write of the new one.
type Operation string

const (
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
)

// EventKind classifies a raw filesystem observation before it is translated
// into wire operations.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventModify EventKind = "modify"
	EventDelete EventKind = "delete"
	EventRename EventKind = "rename"
)
