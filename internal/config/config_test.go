package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadRelayConfigDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("MIGRATE", "TRUE")
	cfg, err := LoadRelayConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.KafkaTopic != "driver-locations" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers %v", cfg.KafkaBrokers)
	}
	if !cfg.RunMigrations {
		t.Fatalf("MIGRATE=TRUE not honoured")
	}
}

func TestLoadRelayConfigCollectsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("HTTP_WRITE_TIMEOUT", "later")
	_, err := LoadRelayConfig()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "HTTP_READ_TIMEOUT") || !strings.Contains(err.Error(), "HTTP_WRITE_TIMEOUT") {
		t.Fatalf("both problems should be reported: %v", err)
	}
}

func TestLoadTrackerConfigFromEnv(t *testing.T) {
	t.Setenv("TRACKER_ROLE", "Driver")
	t.Setenv("RIDE_ID", "r1")
	t.Setenv("PARTICIPANT_ID", "d1")
	t.Setenv("SIM_TICK_INTERVAL", "1s")
	t.Setenv("ARRIVAL_THRESHOLD_METERS", "50")
	cfg, err := LoadTrackerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Role != "driver" || cfg.TickInterval != time.Second || cfg.ArrivalThreshold != 50 {
		t.Fatalf("unexpected %+v", cfg)
	}
	if cfg.RouteEndTolerance != 250 || cfg.StepMeters != 25 || cfg.PublishTimeout != 2*time.Second {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadTrackerConfigYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.yaml")
	body := "role: passenger\nride_id: from-file\nparticipant_id: p1\ntick_interval: 2s\nroute_debounce: 100ms\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRACKER_CONFIG", path)
	t.Setenv("RIDE_ID", "from-env")
	cfg, err := LoadTrackerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Role != "passenger" || cfg.TickInterval != 2*time.Second || cfg.RouteDebounce != 100*time.Millisecond {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.RideID != "from-env" {
		t.Fatalf("env should win over file, got %s", cfg.RideID)
	}
}

func TestLoadTrackerConfigValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"missing ride":   {"TRACKER_ROLE": "driver", "PARTICIPANT_ID": "d1"},
		"bad role":       {"TRACKER_ROLE": "pilot", "RIDE_ID": "r", "PARTICIPANT_ID": "d1"},
		"redis no addr":  {"TRACKER_ROLE": "driver", "RIDE_ID": "r", "PARTICIPANT_ID": "d1", "TRACKER_TRANSPORT": "redis"},
		"zero threshold": {"TRACKER_ROLE": "driver", "RIDE_ID": "r", "PARTICIPANT_ID": "d1", "ARRIVAL_THRESHOLD_METERS": "0"},
		"bad duration":   {"TRACKER_ROLE": "driver", "RIDE_ID": "r", "PARTICIPANT_ID": "d1", "PUBLISH_TIMEOUT": "x"},
		"bad start":      {"TRACKER_ROLE": "driver", "RIDE_ID": "r", "PARTICIPANT_ID": "d1", "DRIVER_START": "52.5"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := LoadTrackerConfig(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParsePoint(t *testing.T) {
	p, err := ParsePoint(" 52.52, 13.405 ")
	if err != nil || p.Lat != 52.52 || p.Lng != 13.405 {
		t.Fatalf("unexpected %v err=%v", p, err)
	}
	for _, in := range []string{"", "52.5", "a,b", "95,0"} {
		if _, err := ParsePoint(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_BROKER", "k1:9092")
	t.Setenv("REDIS_RETRY_DELAY", "50ms")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "k1:9092" {
		t.Fatalf("legacy broker var ignored: %v", cfg.KafkaBrokers)
	}
	if cfg.RetryDelay != 50*time.Millisecond || cfg.RetryAttempts != 3 {
		t.Fatalf("unexpected retry settings: %+v", cfg)
	}

	t.Setenv("REDIS_RETRY_ATTEMPTS", "0")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatalf("expected zero attempts to be rejected")
	}
}
