package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteChannelStatus records a channel status event reported by the receiver.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - bridgeID: Identifier for the bridge instance (e.g., "tivo-bridge-01")
//   - channel: The major channel number
//   - subchannel: The OTA subchannel, meaningful only when hasSubchannel is true
//   - hasSubchannel: Whether the status carried a subchannel
//
// Example:
//
//	client.WriteChannelStatus("tivo-bridge-01", 12, 3, true)
func (c *Client) WriteChannelStatus(bridgeID string, channel, subchannel int, hasSubchannel bool) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"channel": channel,
	}
	if hasSubchannel {
		fields["subchannel"] = subchannel
	}

	point := write.NewPoint(
		"channel_status",
		map[string]string{
			"bridge_id": bridgeID,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommand records a command dispatched to the receiver.
//
// Parameters:
//   - bridgeID: Identifier for the bridge instance
//   - commandType: The command kind (e.g., "set_channel", "ir_code")
func (c *Client) WriteCommand(bridgeID string, commandType string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"commands",
		map[string]string{
			"bridge_id": bridgeID,
			"command":   commandType,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteBridgeStats records a snapshot of the bridge transport counters.
//
// Intended to be called periodically so dashboards can graph throughput
// and reconnect churn over time.
func (c *Client) WriteBridgeStats(bridgeID string, commandsTx, eventsRx, eventsDropped, reconnects uint64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"bridge_stats",
		map[string]string{
			"bridge_id": bridgeID,
		},
		map[string]interface{}{
			"commands_tx":    commandsTx,
			"events_rx":      eventsRx,
			"events_dropped": eventsDropped,
			"reconnects":     reconnects,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "core-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
