package mqtt

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTelemetryTopic(t *testing.T) {
	if got := TelemetryTopic(StationID(5)); got != "stations/node-5/telemetry" {
		t.Errorf("topic = %q", got)
	}
}

func TestTelemetryJSON(t *testing.T) {
	temp, hum := 21.0, 65.0
	seq := int64(7)
	node := 5
	doc := Telemetry{
		StationID:   "node-5",
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Temperature: &temp,
		Humidity:    &hum,
		Sequence:    &seq,
		NodeID:      &node,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"station_id":"node-5","timestamp":"2026-03-01T12:00:00Z","temperature_c":21,"humidity_pct":65,"sequence":7,"node_id":5}`
	if string(b) != want {
		t.Errorf("json = %s\nwant   %s", b, want)
	}

	b, _ = json.Marshal(Telemetry{StationID: "x", Timestamp: doc.Timestamp})
	if string(b) != `{"station_id":"x","timestamp":"2026-03-01T12:00:00Z"}` {
		t.Errorf("optional fields not omitted: %s", b)
	}
}
