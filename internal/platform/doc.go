// Package platform hosts the configured accessories and connects them to
// the outside world.
//
// A Platform owns the processor Connection, the Dispatcher that routes
// inbound messages and one Accessory per configured device. It stands in
// for a home automation framework:
//
//   - Characteristic changes are fanned out to MQTT (retained state), the
//     SQLite history, InfluxDB, the WebSocket hub and Prometheus.
//   - Clients write characteristics through MQTT commands or the HTTP API
//     and read them through MQTT requests or the HTTP API.
//   - A HealthReporter publishes bridge health to MQTT on an interval.
//
// MQTT topics:
//
//	crestron/command/{kind}/{id}   {"id","characteristic","value"}   -> ack
//	crestron/request/{kind}/{id}   {"request_id","characteristic"}  -> response
//	crestron/state/{kind}/{id}     retained accessory state
//	crestron/system/health         retained bridge health
package platform
