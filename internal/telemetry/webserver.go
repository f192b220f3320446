package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rjboer/afedri/internal/logging"
)

// WebServer exposes the hub API over HTTP.
type WebServer struct {
	srv *http.Server
	hub *Hub
	log logging.Logger
}

// NewWebServer builds a server for the hub handlers on addr.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	return &WebServer{
		hub: hub,
		srv: &http.Server{Addr: addr, Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second},
		log: logging.Subsystem(logger, "telemetry-web"),
	}
}

// Start listens and serves until ctx is cancelled. The listener address is
// sent on ready once bound, if ready is non-nil.
func (w *WebServer) Start(ctx context.Context, ready chan<- net.Addr) error {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return err
	}
	w.log.Info("telemetry web server listening", logging.F("addr", ln.Addr().String()))
	if ready != nil {
		ready <- ln.Addr()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.log.Warn("web telemetry shutdown", logging.F("error", err))
		}
	}()

	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.log.Error("web telemetry server error", logging.F("error", err))
		return err
	}
	return nil
}
