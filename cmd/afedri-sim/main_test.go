package main

import (
	"io"
	"testing"

	"github.com/rjboer/afedri/internal/afedri"
	"github.com/rjboer/afedri/internal/logging"
)

func noEnv(string) (string, bool) { return "", false }

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(nil, noEnv, io.Discard)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.listen != "0.0.0.0:50000" || cfg.discovery != ":48321" || cfg.serial != "SIM00001" {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.rxMode != 0 || cfg.tone != 10_000 || cfg.mdns {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
}

func TestParseConfigEnvAndFlags(t *testing.T) {
	env := map[string]string{
		"AFEDRI_SIM_RX_MODE": "2",
		"AFEDRI_SIM_MDNS":    "true",
		"AFEDRI_SIM_TONE":    "2500",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	cfg, err := parseConfig([]string{"-serial", "BENCH1", "-discovery", ""}, lookup, io.Discard)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	sc := cfg.simConfig(logging.New(logging.Error, logging.Text, io.Discard))
	if sc.RXMode != afedri.DualChannel || !sc.MDNS || sc.ToneHz != 2500 || sc.Serial != "BENCH1" || sc.DiscoveryAddr != "" {
		t.Fatalf("unexpected sim config: %+v", sc)
	}
}

func TestParseConfigRejects(t *testing.T) {
	for _, argv := range [][]string{
		{"-rx-mode", "9"},
		{"-amplitude", "2"},
		{"extra"},
	} {
		if _, err := parseConfig(argv, noEnv, io.Discard); err == nil {
			t.Fatalf("expected %v to be rejected", argv)
		}
	}
	if code := run([]string{"-rx-mode", "7"}, noEnv, io.Discard); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}
