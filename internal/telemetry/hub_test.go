package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/udprx"
)

func newTestHub() *Hub {
	return NewHub(3, logging.New(logging.Debug, logging.Text, io.Discard))
}

func TestHubHistoryIsBounded(t *testing.T) {
	hub := newTestHub()
	for i := 0; i < 5; i++ {
		hub.Report(ReadSample{Read: i, Status: 1024})
	}
	h := hub.History()
	if len(h) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(h))
	}
	if h[0].Read != 2 || h[2].Read != 4 {
		t.Fatalf("expected the newest samples, got %+v", h)
	}
	if h[0].Timestamp.IsZero() {
		t.Fatal("expected timestamps to be filled in")
	}
}

func TestHandleHistoryAndStats(t *testing.T) {
	hub := newTestHub()
	hub.Report(ReadSample{Stream: 1, Read: 0, Status: -1, StatusText: "TIMEOUT"})
	hub.ReportStats(udprx.Snapshot{Packets: 7, Bytes: 7 * udprx.PacketLen})

	rr := httptest.NewRecorder()
	hub.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var hist []ReadSample
	if err := json.NewDecoder(rr.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist) != 1 || hist[0].StatusText != "TIMEOUT" {
		t.Fatalf("unexpected history %+v", hist)
	}

	rr = httptest.NewRecorder()
	hub.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	var stats struct {
		Stats udprx.Snapshot `json:"stats"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Stats.Packets != 7 {
		t.Fatalf("expected 7 packets, got %d", stats.Stats.Packets)
	}

	rr = httptest.NewRecorder()
	hub.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/history", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	hub := newTestHub()
	if got := hub.HealthSnapshot().Status; got != "idle" {
		t.Fatalf("expected idle before any read, got %q", got)
	}
	hub.Report(ReadSample{Status: -1})
	if got := hub.HealthSnapshot().Status; got != "degraded" {
		t.Fatalf("expected degraded after a timeout, got %q", got)
	}
	hub.Report(ReadSample{Status: 512})

	rr := httptest.NewRecorder()
	hub.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	var resp Health
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != "ok" || resp.Reads != 2 || resp.Failures != 1 {
		t.Fatalf("unexpected health %+v", resp)
	}
	if resp.Process.NumGoroutine == 0 {
		t.Fatal("expected goroutine count to be reported")
	}
}

func TestHandleConfig(t *testing.T) {
	hub := newTestHub()
	for i := 0; i < 3; i++ {
		hub.Report(ReadSample{Read: i})
	}

	rr := httptest.NewRecorder()
	hub.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(`{"historyLimit":2}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if hub.ConfigSnapshot().HistoryLimit != 2 || len(hub.History()) != 2 {
		t.Fatalf("config not applied: %+v, %d samples", hub.ConfigSnapshot(), len(hub.History()))
	}

	rr = httptest.NewRecorder()
	hub.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(`{"historyLimit":100000}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range limit, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	hub.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	var cfg Config
	if err := json.NewDecoder(rr.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.HistoryLimit != 2 {
		t.Fatalf("expected limit 2, got %d", cfg.HistoryLimit)
	}
}

func TestLiveStreamsEvents(t *testing.T) {
	hub := newTestHub()
	hub.Report(ReadSample{Read: 0, Status: 1024})

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/live", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/live: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan ReadSample, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var s ReadSample
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s) == nil {
				events <- s
			}
		}
	}()

	first := <-events
	if first.Read != 0 {
		t.Fatalf("expected replayed history first, got %+v", first)
	}
	// The subscription is registered before the replay is flushed.
	hub.Report(ReadSample{Read: 1, Status: 1024})
	select {
	case s := <-events:
		if s.Read != 1 {
			t.Fatalf("unexpected live event %+v", s)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for live event")
	}
}

func TestWebServerStartAndShutdown(t *testing.T) {
	hub := newTestHub()
	ws := NewWebServer("127.0.0.1:0", hub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- ws.Start(ctx, ready) }()

	addr := <-ready
	resp, err := http.Get("http://" + addr.String() + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestMultiReporterFansOut(t *testing.T) {
	a, b := newTestHub(), newTestHub()
	m := MultiReporter{a, nil, b, NewStdoutReporter(logging.New(logging.Debug, logging.JSON, io.Discard))}
	m.Report(ReadSample{Status: 10})
	m.ReportStats(udprx.Snapshot{Packets: 1})
	if len(a.History()) != 1 || len(b.History()) != 1 {
		t.Fatal("expected both hubs to record the sample")
	}
	if a.Stats().Packets != 1 || b.Stats().Packets != 1 {
		t.Fatal("expected both hubs to record stats")
	}
}
