package telemetry

import (
	"github.com/rjboer/afedri/internal/logging"
	"github.com/rjboer/afedri/internal/udprx"
)

// StdoutReporter logs each read through the structured logger.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a reporter writing to logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	return StdoutReporter{logger: logging.Subsystem(logger, "telemetry")}
}

func (r StdoutReporter) Report(s ReadSample) {
	fields := []logging.Field{
		logging.F("stream", s.Stream),
		logging.F("read", s.Read),
		logging.F("status", s.Status),
	}
	if s.StatusText != "" {
		fields = append(fields, logging.F("status_text", s.StatusText))
	}
	if s.PowerDBFS != 0 {
		fields = append(fields, logging.F("power_dbfs", s.PowerDBFS))
	}
	if s.Status < 0 {
		r.logger.Warn("stream read", fields...)
		return
	}
	r.logger.Info("stream read", fields...)
}

func (r StdoutReporter) ReportStats(s udprx.Snapshot) {
	r.logger.Debug("receiver stats",
		logging.F("packets", s.Packets),
		logging.F("bytes", s.Bytes),
		logging.F("bad_size", s.BadSize),
		logging.F("overflows", s.Overflows),
		logging.F("dropped_inactive", s.DroppedInactive),
		logging.F("read_errors", s.ReadErrors))
}
