package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

const measurementResourceValues = "resource_values"

// WriteResource records one resource value. The write is non-blocking.
func (c *Client) WriteResource(clientID string, path protocol.Path, value float64, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(resourcePoint(clientID, path, value, at))
}

func resourcePoint(clientID string, path protocol.Path, value float64, at time.Time) *write.Point {
	tags := map[string]string{
		"client_id": clientID,
		"path":      path.String(),
		"oid":       strconv.Itoa(path.ObjectID),
		"iid":       strconv.Itoa(path.InstanceID),
	}
	if path.HasResource() {
		tags["rid"] = strconv.Itoa(path.ResourceID)
	}
	return write.NewPoint(measurementResourceValues, tags, map[string]any{"value": value}, at)
}
