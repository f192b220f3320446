package main

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/sdr"
	"github.com/rjboer/afedri/internal/sim"
)

func noEnv(string) (string, bool) { return "", false }

func quietLogger() logging.Logger {
	return logging.New(logging.Error, logging.Text, io.Discard)
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(nil, noEnv, defaultPersistentConfig(), io.Discard)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.address != "192.168.1.41" || cfg.port != 61000 || cfg.frequency != 7.1e6 || cfg.sampleRate != 192e3 {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.buffers != 16 || cfg.buffer != 4096 || cfg.channels != "0" || len(cfg.gains) != 0 {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
}

func TestParseConfigGainsFromEnvAndFlags(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "AFEDRI_GAINS" {
			return "FE=10,RF=-10", true
		}
		return "", false
	}
	cfg, err := parseConfig([]string{"-gain", "RF=-20", "-gain", "R820T_LNA_GAIN=12.5"}, lookup, defaultPersistentConfig(), io.Discard)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.gains["FE"] != 10 || cfg.gains["RF"] != -20 || cfg.gains["R820T_LNA_GAIN"] != 12.5 {
		t.Fatalf("unexpected gains %v", cfg.gains)
	}
	if got := cfg.gains.String(); got != "FE=10,R820T_LNA_GAIN=12.5,RF=-20" {
		t.Fatalf("String() = %q", got)
	}

	if _, err := parseConfig([]string{"-gain", "FE"}, noEnv, defaultPersistentConfig(), io.Discard); err == nil {
		t.Fatal("expected malformed gain to be rejected")
	}
	if _, err := parseConfig([]string{"-buffers", "0"}, noEnv, defaultPersistentConfig(), io.Discard); err == nil {
		t.Fatal("expected zero buffers to be rejected")
	}
}

func TestConfigPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.json")
	cfg, err := loadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("loadOrCreateConfig failed: %v", err)
	}
	if cfg.Buffers != 16 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}

	cli, err := parseConfig([]string{"-freq", "14.2e6", "-gain", "FE=20"}, noEnv, cfg, io.Discard)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if err := saveConfig(path, persistentFromCLI(cli)); err != nil {
		t.Fatalf("saveConfig failed: %v", err)
	}
	reloaded, err := loadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Frequency != 14.2e6 || reloaded.Gains["FE"] != 20 {
		t.Fatalf("settings not persisted: %+v", reloaded)
	}
}

func TestConfigPath(t *testing.T) {
	env := func(key string) (string, bool) {
		if key == "AFEDRI_CONFIG" {
			return "/env.json", true
		}
		return "", false
	}
	cases := []struct {
		argv []string
		want string
	}{
		{nil, "/env.json"},
		{[]string{"-config", "/a.json"}, "/a.json"},
		{[]string{"--config=/b.json", "-freq", "1e6"}, "/b.json"},
	}
	for _, tc := range cases {
		if got := configPath(tc.argv, env); got != tc.want {
			t.Fatalf("configPath(%v) = %q, want %q", tc.argv, got, tc.want)
		}
	}
}

func TestParseChannels(t *testing.T) {
	got, err := parseChannels(" 0, 2 ")
	if err != nil || len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("parseChannels = %v, %v", got, err)
	}
	if got, _ := parseChannels(""); len(got) != 1 || got[0] != 0 {
		t.Fatalf("empty list should default to channel 0, got %v", got)
	}
	if _, err := parseChannels("x"); err == nil {
		t.Fatal("expected invalid channel to be rejected")
	}
}

func TestCaptureMockWritesRawSamples(t *testing.T) {
	dev, err := sdr.NewMock(sdr.Kwargs{"num_channels": "2", "tone_hz": "12000"}, quietLogger())
	if err != nil {
		t.Fatalf("NewMock failed: %v", err)
	}
	defer dev.Close()

	var raw bytes.Buffer
	res, err := capture(context.Background(), dev, captureConfig{
		Frequency:  10e6,
		SampleRate: 192e3,
		Gains:      map[string]float64{sdr.GainRF: 10},
		Channels:   []int{0, 1},
		Buffers:    4,
		Buffer:     1024,
		Timeout:    time.Second,
	}, &raw, quietLogger())
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if res.Reads == 0 || len(res.Channels) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Channels[0].Samples != res.Channels[1].Samples {
		t.Fatalf("channels not aligned: %d vs %d", res.Channels[0].Samples, res.Channels[1].Samples)
	}
	if want := res.Channels[0].Samples * 2 * 2 * 2; raw.Len() != want {
		t.Fatalf("raw file holds %d bytes, want %d", raw.Len(), want)
	}
	for _, c := range res.Channels {
		if math.Abs(c.Measurement.PeakHz-12000) > 400 {
			t.Fatalf("ch%d peak at %.0f Hz, want about 12 kHz", c.Channel, c.Measurement.PeakHz)
		}
	}
	if dev.Gain(sdr.RX, 0, sdr.GainRF) != 10 || dev.Frequency(sdr.RX, 0, sdr.FrequencyRF) != 10e6 {
		t.Fatal("tuning not applied to the device")
	}

	var out bytes.Buffer
	printReport(&out, dev, res)
	if !strings.Contains(out.String(), "ch1: samples=") {
		t.Fatalf("unexpected report:\n%s", out.String())
	}
}

func TestRunAgainstSimulator(t *testing.T) {
	srv, err := sim.New(context.Background(), sim.Config{})
	if err != nil {
		t.Fatalf("start simulator: %v", err)
	}
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "iq.cs16")
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-config", filepath.Join(dir, "capture.json"),
		"-address", "127.0.0.1",
		"-port", strconv.Itoa(srv.Port()),
		"-bind-address", "127.0.0.1",
		"-freq", "7050000",
		"-buffers", "3",
		"-buffer", "512",
		"-out", out,
		"-log-level", "error",
	}, noEnv, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d, stderr %s", code, stderr.String())
	}
	if got := srv.State().Frequency[0]; got != 7_050_000 {
		t.Fatalf("simulator frequency = %d", got)
	}
	if !strings.Contains(stdout.String(), "ch0: samples=") {
		t.Fatalf("unexpected output:\n%s", stdout.String())
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		t.Fatalf("raw output missing: %v", err)
	}
	saved, err := loadOrCreateConfig(filepath.Join(dir, "capture.json"))
	if err != nil || saved.Frequency != 7_050_000 {
		t.Fatalf("config not persisted: %+v, %v", saved, err)
	}
}
