package event

// Type identifies the type of domain event
type Type string

const (
	TypeApprovalRegistered Type = "approval.registered"
	TypeApprovalCommitted  Type = "approval.committed"
	TypeApprovalPurged     Type = "approval.purged"
	TypeInputExpired       Type = "approval.input_expired"
	TypeSyncCompleted      Type = "sync.completed"
	TypeSyncConflict       Type = "sync.conflict"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeApprovalRegistered,
		TypeApprovalCommitted,
		TypeApprovalPurged,
		TypeInputExpired,
		TypeSyncCompleted,
		TypeSyncConflict:
		return true
	default:
		return false
	}
}
