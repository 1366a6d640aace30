// Package influxdb records accessory characteristic changes as time-series.
//
// It wraps influxdb-client-go v2 with a ping on connect, a batching
// non-blocking write API and an error callback for asynchronous failures.
// The bridge writes one "characteristic" point per value change, tagged by
// accessory kind, device id and characteristic, plus periodic "bridge"
// points with link counters.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // time-series disabled
//	}
//	client.SetOnError(func(err error) { logger.Warn("influx write", "error", err) })
//	defer client.Close()
package influxdb
