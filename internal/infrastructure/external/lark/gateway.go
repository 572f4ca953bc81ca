package lark

import (
	"context"
	"time"
)

// Lark approval instance statuses
const (
	InstancePending     = "PENDING"
	InstanceApproved    = "APPROVED"
	InstanceRejected    = "REJECTED"
	InstanceCanceled    = "CANCELED"
	InstanceDeleted     = "DELETED"
	InstanceTransferred = "TRANSFERRED"
)

// Instance is the part of a Lark approval instance the channel adapter reads
type Instance struct {
	Code      string
	Status    string
	StartTime time.Time
	EndTime   time.Time
	Tasks     []Task
}

// Task is one approval task of an instance
type Task struct {
	ID     string
	UserID string
	Status string
}

// PendingTask returns the first task still waiting for a decision
func (i *Instance) PendingTask() *Task {
	for idx := range i.Tasks {
		if i.Tasks[idx].Status == InstancePending {
			return &i.Tasks[idx]
		}
	}
	return nil
}

// UpdatedAt is the last time Lark reports a change on the instance
func (i *Instance) UpdatedAt() time.Time {
	if !i.EndTime.IsZero() {
		return i.EndTime
	}
	return i.StartTime
}

// CreateInstanceInput describes a new approval instance
type CreateInstanceInput struct {
	UUID   string
	UserID string
	Form   string
}

// TaskAction addresses a decision on one task
type TaskAction struct {
	InstanceCode string
	TaskID       string
	UserID       string
	Comment      string
}

// Gateway is the subset of the Lark approval API the engine uses
type Gateway interface {
	CreateInstance(ctx context.Context, in CreateInstanceInput) (string, error)
	GetInstance(ctx context.Context, instanceCode string) (*Instance, error)
	ApproveTask(ctx context.Context, action TaskAction) error
	RejectTask(ctx context.Context, action TaskAction) error
	TransferTask(ctx context.Context, action TaskAction, toUserID string) error
	CancelInstance(ctx context.Context, instanceCode, userID string) error
}
