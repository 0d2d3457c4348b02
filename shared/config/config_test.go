package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("KAFKA_BROKERS", "localhost:9092")

	cfg, problems := Load("coordinator", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.ServiceName != "coordinator" || cfg.HTTPPort != 8080 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.ReservationTTLMin != 15 || cfg.ConsumerMaxAttempts != 5 {
		t.Fatalf("saga defaults not applied: %+v", cfg)
	}
}

func TestLoadReportsProblems(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("RESERVATION_TTL_MINUTES", "not-a-number")

	_, problems := Load("coordinator", 8080)
	fields := map[string]bool{}
	for _, p := range problems {
		fields[p.Field] = true
	}
	if !fields["ENV"] || !fields["RESERVATION_TTL_MINUTES"] {
		t.Fatalf("expected ENV and RESERVATION_TTL_MINUTES problems, got %#v", problems)
	}
}
