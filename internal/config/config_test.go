package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	d := cfg.Dispatch
	if d.Interval != 5*time.Second || d.IdleInterval != 10*time.Second || d.FastPass != time.Second {
		t.Fatalf("unexpected loop timings %+v", d)
	}
	if d.Expiry != 3*time.Minute || d.LockStale != 10*time.Second || d.TieBreak != "priority_first" {
		t.Fatalf("unexpected dispatch defaults %+v", d)
	}
	if d.ClaimStale != time.Minute || d.ClaimStale <= d.LockMaxWait {
		t.Fatalf("claim takeover window must outlast the lock wait: %+v", d)
	}
	if len(d.Locations) != 0 {
		t.Fatalf("working set should default to all locations, got %v", d.Locations)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("DISPATCH_LOCATIONS", " loc-a, ,loc-b ")
	t.Setenv("DISPATCH_TIE_BREAK", "exclusive_first")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ROUTE_LOCK_MAX_WAIT", "5s")
	t.Setenv("DISPATCH_DIAGNOSTIC", "TRUE")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(cfg.Dispatch.Locations, "|"); got != "loc-a|loc-b" {
		t.Fatalf("unexpected working set %q", got)
	}
	if cfg.Dispatch.TieBreak != "exclusive_first" || cfg.Dispatch.LockMaxWait != 5*time.Second || !cfg.Dispatch.Diagnostic {
		t.Fatalf("env not applied: %+v", cfg.Dispatch)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected two brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadServerConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"DISPATCH_INTERVAL":    "0s",
		"REQUEST_EXPIRY":       "soon",
		"DISPATCH_TIE_BREAK":   "coin_flip",
		"MATCH_RADIUS_METERS":  "-1",
		"DISPATCH_CLAIM_STALE": "20s",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := LoadServerConfig(); err == nil || !strings.Contains(err.Error(), key) {
				t.Fatalf("expected an error mentioning %s, got %v", key, err)
			}
		})
	}
}
