package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestRideContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "info", false)

	ctx := WithAction(WithRide(context.Background(), "r-1", "driver"), "confirm_pickup")
	log.InfoContext(ctx, "status published")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["ride_id"] != "r-1" || rec["role"] != "driver" || rec["action"] != "confirm_pickup" {
		t.Fatalf("missing ride attrs: %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, " WARN ", false)
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
	log.Warn("shown")
	if buf.Len() == 0 {
		t.Fatalf("warn not logged")
	}
}

func TestRequestIDSurvivesRideTag(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "info", false)

	ctx := WithRide(WithRequestID(context.Background(), "req-9"), "r-2", "relay")
	if RequestID(ctx) != "req-9" {
		t.Fatalf("request id lost: %q", RequestID(ctx))
	}
	log.InfoContext(ctx, "patch relayed")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["request_id"] != "req-9" || rec["ride_id"] != "r-2" {
		t.Fatalf("missing attrs: %v", rec)
	}
}
