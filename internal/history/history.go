// Package history persists channel changes reported by the receiver,
// providing a local audit trail even when the time-series database is
// unavailable.
package history

import (
	"context"
	"strconv"
	"time"
)

// Entry represents a single recorded channel change.
type Entry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// Channel is the major channel number reported by the receiver.
	Channel int `json:"channel"`

	// Subchannel is the OTA subchannel number. Only meaningful when
	// HasSubchannel is true.
	Subchannel int `json:"subchannel"`

	// HasSubchannel reports whether the receiver included a subchannel.
	HasSubchannel bool `json:"has_subchannel"`

	// Reason is the receiver-reported cause of the change
	// (e.g. LOCAL, REMOTE, RECORDING). May be empty.
	Reason string `json:"reason,omitempty"`

	// CreatedAt is the timestamp of the change (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// ChannelString renders the channel in dotted-decimal form:
// "645" for a plain channel, "12.3" when a subchannel is present.
func (e Entry) ChannelString() string {
	if e.HasSubchannel {
		return strconv.Itoa(e.Channel) + "." + strconv.Itoa(e.Subchannel)
	}
	return strconv.Itoa(e.Channel)
}

// Repository stores and retrieves channel change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type Repository interface {
	// RecordChannelChange records a channel change.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - channel: Major channel number (non-negative)
	//   - subchannel: OTA subchannel number (ignored unless hasSubchannel)
	//   - hasSubchannel: Whether the receiver reported a subchannel
	//   - reason: Receiver-reported cause of the change (may be empty)
	//
	// Returns:
	//   - error: nil on success, otherwise the underlying persistence error
	RecordChannelChange(ctx context.Context, channel, subchannel int, hasSubchannel bool, reason string) error

	// GetRecent returns recent channel changes, newest first.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - limit: Maximum entries to return (implementation may clamp bounds)
	//
	// Returns:
	//   - []Entry: Ordered newest-first history entries (may be empty)
	//   - error: nil on success, otherwise the underlying query error
	GetRecent(ctx context.Context, limit int) ([]Entry, error)
}
