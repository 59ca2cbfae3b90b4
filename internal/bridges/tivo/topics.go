package tivo

import "strings"

// Topic layout under the bridge's topic root (e.g. "tivo/livingroom"):
//
//	<root>/controls/<token>/set   inbound commands (subscribed with +)
//	<root>/currentChannel         retained channel state
//	<root>/health                 retained health status and LWT
const (
	controlsSegment = "/controls/"
	setSuffix       = "/set"
)

// CommandSubscribeTopic returns the subscription pattern for all control
// messages under the topic root.
// Example: tivo/livingroom/controls/+/set
func CommandSubscribeTopic(root string) string {
	return root + controlsSegment + "+" + setSuffix
}

// CurrentChannelTopic returns the topic for retained channel state.
// Example: tivo/livingroom/currentChannel
func CurrentChannelTopic(root string) string {
	return root + "/currentChannel"
}

// HealthTopic returns the topic for health status and the LWT.
// Example: tivo/livingroom/health
func HealthTopic(root string) string {
	return root + "/health"
}

// CommandToken extracts the command-type token from a control topic.
//
// For topic "tivo/livingroom/controls/setCh/set" with root
// "tivo/livingroom" it returns ("setCh", true). Topics outside the
// control tree, or whose token spans more than one segment, return false.
func CommandToken(root, topic string) (string, bool) {
	prefix := root + controlsSegment

	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(topic, prefix)

	if !strings.HasSuffix(rest, setSuffix) {
		return "", false
	}
	token := strings.TrimSuffix(rest, setSuffix)

	if token == "" || strings.Contains(token, "/") {
		return "", false
	}
	return token, true
}
