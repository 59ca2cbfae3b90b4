// Package mqtt provides MQTT client connectivity for the TiVo bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The bridge uses MQTT as its integration surface: home automation
// controllers publish commands into the receiver's control namespace and
// subscribe to its retained state topics. The broker decouples them from
// the receiver's TCP session.
//
//	Controllers ↔ MQTT Broker ↔ TiVo Bridge ↔ Receiver (TCP)
//
// # Security Considerations
//
//   - TLS is recommended for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to the receiver's control namespace
//	err = client.Subscribe("tivo/livingroom/controls/+/set", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish the current channel, retained for late joiners
//	client.Publish("tivo/livingroom/currentChannel", []byte("645"), 1, true)
package mqtt
