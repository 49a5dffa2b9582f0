// Package influxdb stores reported resource values as InfluxDB time series.
//
// It wraps the official influxdb-client-go v2 library. A Client owns the
// connection and a non-blocking batched write API; a Sink subscribes to
// the shepherd's event bus and writes one point per reported numeric
// resource change.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sink := influxdb.NewSink(client, logger)
//	unsubscribe := sink.Attach(s.Events())
//	defer unsubscribe()
//
// # Points
//
// Measurement "resource_values", tags client_id, oid, iid, rid and path,
// field "value" (float64). Booleans are written as 0 or 1; strings and
// containers are skipped.
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package influxdb
