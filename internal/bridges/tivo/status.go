package tivo

import (
	"strconv"
	"strings"
)

// Status keywords in the receiver's line protocol.
const (
	statusChannel             = "CH_STATUS"
	statusChannelFailed       = "CH_FAILED"
	statusLiveTVReady         = "LIVETV_READY"
	statusMissingTeleportName = "MISSING_TELEPORT_NAME"
	statusInvalidCommand      = "INVALID_COMMAND"
)

// EventType identifies the kind of status event reported by the receiver.
type EventType int

const (
	// EventUnknown is any line the parser does not recognise. The raw
	// line is preserved for logging.
	EventUnknown EventType = iota

	// EventChannelStatus reports the currently tuned channel. Sent after
	// a channel change, on connect, and whenever the user changes channel
	// locally.
	EventChannelStatus

	// EventChannelFailed reports a refused channel change, with a reason
	// such as RECORDING or INVALID_CHANNEL.
	EventChannelFailed

	// EventLiveTVReady confirms a TELEPORT LIVETV has completed.
	EventLiveTVReady

	// EventMissingTeleportName reports a TELEPORT without a screen name.
	EventMissingTeleportName

	// EventInvalidCommand reports a command the receiver did not recognise.
	EventInvalidCommand
)

// String returns a stable name for the event type, used in logs.
func (t EventType) String() string {
	switch t {
	case EventChannelStatus:
		return "channel_status"
	case EventChannelFailed:
		return "channel_failed"
	case EventLiveTVReady:
		return "livetv_ready"
	case EventMissingTeleportName:
		return "missing_teleport_name"
	case EventInvalidCommand:
		return "invalid_command"
	default:
		return "unknown"
	}
}

// StatusEvent is a parsed status line from the receiver.
//
// Channel and Subchannel are meaningful only for EventChannelStatus.
// Reason carries the receiver's explanation where one is given: the tune
// source for channel status (LOCAL, REMOTE, RECORDING) or the failure
// cause for EventChannelFailed. Raw preserves the verbatim line.
type StatusEvent struct {
	Type EventType

	Channel       int
	Subchannel    int
	HasSubchannel bool

	Reason string

	Raw string
}

// ParseStatusLine parses a single CR-terminated line from the receiver
// (terminator already stripped).
//
// Lines the parser does not recognise come back as EventUnknown rather
// than an error: the receiver's vocabulary has grown across firmware
// revisions and an unfamiliar line should be logged, not treated as a
// transport failure.
func ParseStatusLine(line string) StatusEvent {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return StatusEvent{Raw: line}
	}

	switch fields[0] {
	case statusChannel:
		return parseChannelStatus(line, fields)

	case statusChannelFailed:
		ev := StatusEvent{Type: EventChannelFailed, Raw: line}
		if len(fields) > 1 {
			ev.Reason = fields[1]
		}
		return ev

	case statusLiveTVReady:
		return StatusEvent{Type: EventLiveTVReady, Raw: line}

	case statusMissingTeleportName:
		return StatusEvent{Type: EventMissingTeleportName, Raw: line}

	case statusInvalidCommand:
		return StatusEvent{Type: EventInvalidCommand, Raw: line}

	default:
		return StatusEvent{Raw: line}
	}
}

// parseChannelStatus handles the two CH_STATUS shapes:
//
//	CH_STATUS <channel> <reason>
//	CH_STATUS <channel> <subchannel> <reason>
//
// The receiver zero-pads channel numbers ("0645"), so an integer parse of
// the third field disambiguates a subchannel from a reason word.
func parseChannelStatus(line string, fields []string) StatusEvent {
	if len(fields) < 2 {
		return StatusEvent{Raw: line}
	}

	channel, err := strconv.Atoi(fields[1])
	if err != nil {
		return StatusEvent{Raw: line}
	}

	ev := StatusEvent{Type: EventChannelStatus, Channel: channel, Raw: line}

	switch len(fields) {
	case 2:
		return ev

	case 3:
		if sub, err := strconv.Atoi(fields[2]); err == nil {
			ev.Subchannel = sub
			ev.HasSubchannel = true
		} else {
			ev.Reason = fields[2]
		}
		return ev

	default:
		if sub, err := strconv.Atoi(fields[2]); err == nil {
			ev.Subchannel = sub
			ev.HasSubchannel = true
			ev.Reason = fields[3]
		} else {
			ev.Reason = fields[2]
		}
		return ev
	}
}
