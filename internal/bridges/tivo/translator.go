package tivo

import "strconv"

// Publication is an MQTT message produced by translating a status event.
type Publication struct {
	Topic    string
	Payload  string
	QoS      byte
	Retained bool
}

// TranslateStatus maps a status event to at most one MQTT publication.
//
// EventChannelStatus becomes the retained channel state on
// <root>/currentChannel with payload "<channel>" or
// "<channel>.<subchannel>", QoS 1, retain set. Every other event kind
// returns false; callers log those as they see fit.
//
// Repeated identical events each produce a fresh publication. The bridge
// does not deduplicate.
func TranslateStatus(root string, ev StatusEvent) (Publication, bool) {
	if ev.Type != EventChannelStatus {
		return Publication{}, false
	}

	payload := strconv.Itoa(ev.Channel)
	if ev.HasSubchannel {
		payload += "." + strconv.Itoa(ev.Subchannel)
	}

	return Publication{
		Topic:    CurrentChannelTopic(root),
		Payload:  payload,
		QoS:      1,
		Retained: true,
	}, true
}
