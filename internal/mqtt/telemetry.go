package mqtt

import (
	"fmt"
	"time"
)

// Telemetry is the JSON document consumed from stations/<id>/telemetry.
type Telemetry struct {
	StationID   string    `json:"station_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature *float64  `json:"temperature_c,omitempty"`
	Humidity    *float64  `json:"humidity_pct,omitempty"`
	Sequence    *int64    `json:"sequence,omitempty"`
	NodeID      *int      `json:"node_id,omitempty"`
}

func TelemetryTopic(stationID string) string {
	return fmt.Sprintf("stations/%s/telemetry", stationID)
}

// StationID names the station a node reports as.
func StationID(nodeID uint8) string {
	return fmt.Sprintf("node-%d", nodeID)
}
