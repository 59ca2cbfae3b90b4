// Package tivo implements the TiVo receiver bridge for Gray Logic.
//
// This package provides connectivity to TiVo receivers via the TCP remote
// control protocol on port 31339. It translates between MQTT control topics
// and the receiver's line-oriented command interface.
//
// # Architecture
//
// The bridge operates as a translator between two channels:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Controllers   │   MQTT   │   TiVo Bridge   │   TCP
//	│  (wall panels)  │◄────────►│   (this pkg)    │◄────────► Receiver
//	└─────────────────┘          └─────────────────┘
//
// # Key Responsibilities
//
//   - Maintain the TCP session to the receiver's remote control service
//   - Subscribe to <root>/controls/+/set and decode control payloads
//   - Dispatch typed commands (SETCH, FORCECH, IRCODE, TELEPORT, KEYBOARD)
//   - Translate CH_STATUS events to retained <root>/currentChannel state
//   - Publish health status and escalate fatal transport errors
//
// # Control Topics
//
// Each receiver owns a topic root of the form "tivo/<name>". Controllers
// write to <root>/controls/<token>/set:
//
//	tivo/livingroom/controls/setCh/set     ← "645" or "12.3"
//	tivo/livingroom/controls/forceCh/set   ← "645" or "12.3"
//	tivo/livingroom/controls/irCode/set    ← "CHANNELUP"
//	tivo/livingroom/controls/teleport/set  ← "LIVETV"
//	tivo/livingroom/controls/keyboard/set  ← "A"
//
// The bridge publishes the receiver's current channel, retained, to:
//
//	tivo/livingroom/currentChannel         → "645" or "12.3"
//
// # Command Decoding
//
// Channel payloads are strict: "<int>" or "<int>.<int>". Anything else
// (letters, extra dots, empty tokens) decodes to no command and is dropped.
// Opaque payloads (irCode, teleport, keyboard) pass through verbatim.
//
// Example:
//
//	cmd, ok := tivo.DecodeCommand("setCh", "12.3")
//	if !ok {
//	    return // not a command
//	}
//	line, err := cmd.Encode() // "SETCH 12 3\r"
//
// # Failure Policy
//
// Decode failures and dispatch errors are logged and swallowed. The only
// fatal class is receiver link loss after reconnection is exhausted: the
// bridge faults and the process exits non-zero so a supervisor restarts it.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package tivo
