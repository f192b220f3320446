package sdr

import (
	"errors"
	"strconv"
)

// StatusCode is a negative stream return code. It doubles as an error.
type StatusCode int

const (
	StatusTimeout      StatusCode = -1
	StatusStreamError  StatusCode = -2
	StatusCorruption   StatusCode = -3
	StatusOverflow     StatusCode = -4
	StatusNotSupported StatusCode = -5
)

func (c StatusCode) Error() string {
	switch c {
	case StatusTimeout:
		return "TIMEOUT"
	case StatusStreamError:
		return "STREAM_ERROR"
	case StatusCorruption:
		return "CORRUPTION"
	case StatusOverflow:
		return "OVERFLOW"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	default:
		return "status(" + strconv.Itoa(int(c)) + ")"
	}
}

// ReturnCode folds a ReadStream/ActivateStream result into a single integer:
// the sample count on success, the status code on a StatusCode error, and
// StatusStreamError for any other error.
func ReturnCode(n int, err error) int {
	if err == nil {
		return n
	}
	var sc StatusCode
	if errors.As(err, &sc) {
		return int(sc)
	}
	return int(StatusStreamError)
}
