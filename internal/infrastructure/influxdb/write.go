package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	MeasurementCharacteristic = "characteristic"
	MeasurementBridge         = "bridge"
)

// CharacteristicPoint is one accessory value change.
type CharacteristicPoint struct {
	Kind           string
	DeviceID       int
	Name           string
	Characteristic string
	Value          int
	Source         string
	Time           time.Time
}

// WriteCharacteristic queues a characteristic change. The write is
// non-blocking; points are batched and sent asynchronously. A zero Time
// means now.
//
//	client.WriteCharacteristic(influxdb.CharacteristicPoint{
//	    Kind: "Lightbulb", DeviceID: 3, Characteristic: "On", Value: 1,
//	})
func (c *Client) WriteCharacteristic(p CharacteristicPoint) {
	if !c.IsConnected() {
		return
	}

	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	tags := map[string]string{
		"kind":           p.Kind,
		"device_id":      strconv.Itoa(p.DeviceID),
		"characteristic": p.Characteristic,
	}
	if p.Name != "" {
		tags["name"] = p.Name
	}
	if p.Source != "" {
		tags["source"] = p.Source
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementCharacteristic,
		tags,
		map[string]interface{}{"value": p.Value},
		ts,
	))
}

// WriteBridgeStats records the processor link counters.
func (c *Client) WriteBridgeStats(site string, fields map[string]interface{}) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementBridge,
		map[string]string{"site": site},
		fields,
		time.Now(),
	))
}
