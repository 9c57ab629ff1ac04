// Package mqtt connects the persistence host to the site's MQTT broker.
//
// The broker carries two kinds of traffic for this process:
//   - a retained status message (online, graceful offline, or the LWT's
//     unexpected offline) on Topics{}.Status()
//   - change-set notifications on Topics{}.Changes(), published by
//     persistence.MQTTNotifier after each committed unit of work
//
// *Client satisfies persistence.Publisher, so it can be handed to
// persistence.NewMQTTNotifier directly.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	svc.SetNotifier(persistence.NewMQTTNotifier(client, mqtt.Topics{}.Changes()))
//
// Subscriptions are tracked and restored after a reconnect; handlers run
// with panic recovery.
package mqtt
