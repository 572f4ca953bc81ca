package entity

import (
	"fmt"

	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// Channel identifies a path through which approval actions arrive or are mirrored
type Channel string

const (
	ChannelInternal Channel = "internal"
	ChannelExternal Channel = "external"
)

// IsValid returns true for known channels
func (c Channel) IsValid() bool {
	return c == ChannelInternal || c == ChannelExternal
}

// String returns the string representation of the channel
func (c Channel) String() string {
	return string(c)
}

// ParseChannel converts a raw value into a Channel
func ParseChannel(raw string) (Channel, error) {
	c := Channel(raw)
	if !c.IsValid() {
		return "", fmt.Errorf("%w: unknown channel %q", workflow.ErrValidation, raw)
	}
	return c, nil
}

// SyncState describes how far a channel lags the authoritative record
type SyncState string

const (
	SyncStateSynced   SyncState = "synced"
	SyncStatePending  SyncState = "pending"
	SyncStateConflict SyncState = "conflict"
)
