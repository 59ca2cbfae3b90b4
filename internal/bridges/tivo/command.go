package tivo

import (
	"fmt"
	"strconv"
	"strings"
)

// Command-type tokens accepted on the control topic. Each appears as the
// wildcard segment in <TopicRoot>/controls/+/set.
const (
	tokenSetChannel   = "setCh"
	tokenForceChannel = "forceCh"
	tokenIRCode       = "irCode"
	tokenTeleport     = "teleport"
	tokenKeyboard     = "keyboard"
)

// CommandType identifies the kind of command sent to the receiver.
type CommandType int

const (
	// CommandSetChannel tunes the receiver to a channel. The receiver
	// refuses the change while a recording is in progress.
	CommandSetChannel CommandType = iota

	// CommandForceChannel tunes the receiver to a channel, cancelling any
	// recording in progress.
	CommandForceChannel

	// CommandIRCode emulates a remote control button press (e.g. "NUM1",
	// "CHANNELUP").
	CommandIRCode

	// CommandTeleport jumps to a named screen (TIVO, LIVETV, GUIDE,
	// NOWPLAYING).
	CommandTeleport

	// CommandKeyboard emulates a keyboard key press.
	CommandKeyboard
)

// String returns a stable name for the command type, used in logs and metrics.
func (t CommandType) String() string {
	switch t {
	case CommandSetChannel:
		return "set_channel"
	case CommandForceChannel:
		return "force_channel"
	case CommandIRCode:
		return "ir_code"
	case CommandTeleport:
		return "teleport"
	case CommandKeyboard:
		return "keyboard"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Command is a decoded instruction for the receiver.
//
// Channel and Subchannel are meaningful only for CommandSetChannel and
// CommandForceChannel. Code carries the verbatim payload for the IR,
// teleport, and keyboard kinds.
type Command struct {
	Type CommandType

	Channel       int
	Subchannel    int
	HasSubchannel bool

	Code string
}

// DecodeCommand maps a command-type token and payload to a Command.
//
// The token is the wildcard segment of the control topic; the payload is
// the raw MQTT message body. Returns false for unknown tokens and for
// malformed payloads: the broker connection may carry traffic for other
// consumers, so an undecodable message is normal, not an error. Callers
// decide whether to log.
func DecodeCommand(token, payload string) (Command, bool) {
	switch token {
	case tokenSetChannel:
		return decodeChannelCommand(CommandSetChannel, payload)
	case tokenForceChannel:
		return decodeChannelCommand(CommandForceChannel, payload)
	case tokenIRCode:
		return decodeOpaqueCommand(CommandIRCode, payload)
	case tokenTeleport:
		return decodeOpaqueCommand(CommandTeleport, payload)
	case tokenKeyboard:
		return decodeOpaqueCommand(CommandKeyboard, payload)
	default:
		return Command{}, false
	}
}

// decodeChannelCommand parses "<channel>" or "<channel>.<subchannel>".
// Both parts must be decimal integers. A channel that parses next to a
// subchannel that does not yields no command rather than a partial one,
// so an ambiguous payload never reaches the receiver.
func decodeChannelCommand(ct CommandType, payload string) (Command, bool) {
	parts := strings.Split(payload, ".")

	switch len(parts) {
	case 1:
		channel, err := strconv.Atoi(parts[0])
		if err != nil {
			return Command{}, false
		}
		return Command{Type: ct, Channel: channel}, true

	case 2:
		channel, err := strconv.Atoi(parts[0])
		if err != nil {
			return Command{}, false
		}
		subchannel, err := strconv.Atoi(parts[1])
		if err != nil {
			return Command{}, false
		}
		return Command{
			Type:          ct,
			Channel:       channel,
			Subchannel:    subchannel,
			HasSubchannel: true,
		}, true

	default:
		return Command{}, false
	}
}

// decodeOpaqueCommand wraps a verbatim payload. Presence is the only
// validation; the receiver rejects codes it does not recognise.
func decodeOpaqueCommand(ct CommandType, payload string) (Command, bool) {
	if payload == "" {
		return Command{}, false
	}
	return Command{Type: ct, Code: payload}, true
}

// Encode renders the command in the receiver's CR-terminated line protocol.
//
// Channel commands become "SETCH <ch>[ <sub>]\r" (or "FORCECH ..."); the
// opaque kinds prefix the verbatim code with their keyword.
func (c Command) Encode() (string, error) {
	switch c.Type {
	case CommandSetChannel, CommandForceChannel:
		keyword := "SETCH"
		if c.Type == CommandForceChannel {
			keyword = "FORCECH"
		}
		if c.HasSubchannel {
			return fmt.Sprintf("%s %d %d\r", keyword, c.Channel, c.Subchannel), nil
		}
		return fmt.Sprintf("%s %d\r", keyword, c.Channel), nil
	case CommandIRCode:
		return "IRCODE " + c.Code + "\r", nil
	case CommandTeleport:
		return "TELEPORT " + c.Code + "\r", nil
	case CommandKeyboard:
		return "KEYBOARD " + c.Code + "\r", nil
	default:
		return "", fmt.Errorf("%w: unknown type %d", ErrInvalidCommand, int(c.Type))
	}
}
