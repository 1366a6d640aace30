// Package mqtt connects the Crestron bridge to an MQTT broker.
//
// The broker is the bridge's outward bus: retained accessory state flows out
// on crestron/state/{kind}/{id}, characteristic writes arrive on
// crestron/command/{kind}/{id} and reads on crestron/request/{kind}/{id}.
//
//	Control processor ↔ bridge ↔ MQTT broker ↔ home automation clients
//
// The client reconnects with exponential backoff, restores subscriptions
// after a reconnect and registers a retained LWT on crestron/system/status.
// Use TLS (broker.tls) outside a trusted LAN.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        _, kind, id, err := mqtt.ParseAccessoryTopic(topic)
//	        ...
//	    })
package mqtt
