// Package telemetry records stream read results and receiver counters and
// serves them over HTTP.
package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/udprx"
)

// Config is the runtime configuration exposed by the hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
}

const (
	minHistoryLimit     = 1
	maxHistoryLimit     = 10_000
	defaultHistoryLimit = 500
)

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 {
		base.HistoryLimit = defaultHistoryLimit
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return cfg, nil
}

// ReadSample is the outcome of one stream read.
type ReadSample struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    int       `json:"stream"`
	Read      int       `json:"read"`
	// Status is the sample count, or a negative status code.
	Status     int     `json:"status"`
	StatusText string  `json:"statusText,omitempty"`
	PowerDBFS  float64 `json:"powerDbfs,omitempty"`
}

// Reporter receives telemetry events.
type Reporter interface {
	Report(s ReadSample)
	ReportStats(s udprx.Snapshot)
}

// Process describes the running process.
type Process struct {
	Uptime       float64 `json:"uptimeSeconds"`
	NumGoroutine int     `json:"numGoroutine"`
}

// Health is served by /api/health.
type Health struct {
	Status   string    `json:"status"`
	LastRead time.Time `json:"lastRead,omitempty"`
	Reads    uint64    `json:"reads"`
	Failures uint64    `json:"failures"`
	Process  Process   `json:"process"`
}

// Hub collects history and fans telemetry updates out to subscribers.
type Hub struct {
	mu          sync.RWMutex
	history     []ReadSample
	stats       udprx.Snapshot
	statsAt     time.Time
	reads       uint64
	failures    uint64
	subscribers map[chan ReadSample]struct{}
	config      Config
	started     time.Time
	log         logging.Logger
}

// NewHub builds a hub keeping at most historyLimit samples.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	cfg, err := validateConfig(Config{HistoryLimit: historyLimit}, Config{})
	if err != nil {
		cfg = Config{HistoryLimit: defaultHistoryLimit}
	}
	return &Hub{
		subscribers: make(map[chan ReadSample]struct{}),
		config:      cfg,
		started:     time.Now(),
		log:         logging.Subsystem(logger, "telemetry"),
	}
}

// Report records a read and forwards it to live subscribers.
func (h *Hub) Report(s ReadSample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	h.mu.Lock()
	h.reads++
	if s.Status < 0 {
		h.failures++
	}
	h.history = append(h.history, s)
	if len(h.history) > h.config.HistoryLimit {
		h.history = h.history[len(h.history)-h.config.HistoryLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
	h.mu.Unlock()
}

// ReportStats stores the latest receiver counters.
func (h *Hub) ReportStats(s udprx.Snapshot) {
	h.mu.Lock()
	h.stats = s
	h.statsAt = time.Now()
	h.mu.Unlock()
}

// History returns a copy of stored samples.
func (h *Hub) History() []ReadSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ReadSample, len(h.history))
	copy(out, h.history)
	return out
}

// Stats returns the latest receiver counters.
func (h *Hub) Stats() udprx.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// ConfigSnapshot returns the current configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan ReadSample, func()) {
	ch := make(chan ReadSample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// HealthSnapshot reports "idle" before the first read, "degraded" when the
// most recent read failed and "ok" otherwise.
func (h *Hub) HealthSnapshot() Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hs := Health{
		Status:   "idle",
		Reads:    h.reads,
		Failures: h.failures,
		Process: Process{
			Uptime:       time.Since(h.started).Seconds(),
			NumGoroutine: runtime.NumGoroutine(),
		},
	}
	if n := len(h.history); n > 0 {
		last := h.history[n-1]
		hs.LastRead = last.Timestamp
		hs.Status = "ok"
		if last.Status < 0 {
			hs.Status = "degraded"
		}
	}
	return hs
}

// MultiReporter fans telemetry out to several destinations.
type MultiReporter []Reporter

func (m MultiReporter) Report(s ReadSample) {
	for _, r := range m {
		if r != nil {
			r.Report(s)
		}
	}
}

func (m MultiReporter) ReportStats(s udprx.Snapshot) {
	for _, r := range m {
		if r != nil {
			r.ReportStats(s)
		}
	}
}

// Handler returns the HTTP API of the hub.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/health", h.handleHealth)
	mux.HandleFunc("/api/live", h.handleLive)
	mux.HandleFunc("/api/config", h.handleConfig)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.History())
	}
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	h.mu.RLock()
	resp := struct {
		Updated time.Time      `json:"updated"`
		Stats   udprx.Snapshot `json:"stats"`
	}{h.statsAt, h.stats}
	h.mu.RUnlock()
	writeJSON(w, resp)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.HealthSnapshot())
	}
}

func (h *Hub) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, h.ConfigSnapshot())
	case http.MethodPost:
		var incoming Config
		if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
			http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		cfg, err := validateConfig(incoming, h.config)
		if err == nil {
			h.config = cfg
			if len(h.history) > cfg.HistoryLimit {
				h.history = h.history[len(h.history)-cfg.HistoryLimit:]
			}
		}
		h.mu.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Info("telemetry config updated", logging.F("history_limit", cfg.HistoryLimit))
		writeJSON(w, cfg)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// replay history for immediate display
	for _, s := range h.History() {
		writeEvent(w, s)
	}
	flusher.Flush()

	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, s)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, s ReadSample) {
	payload, _ := json.Marshal(s)
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
