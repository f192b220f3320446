package discovery

import (
	"context"
	"time"

	"github.com/rjboer/afedri/internal/logging"
)

// Options controls Discover.
type Options struct {
	Broadcast bool
	MDNS      bool
	// Timeout bounds the mDNS browse. Broadcast probing has its own per-pass wait.
	Timeout time.Duration
	Logger  logging.Logger
}

// Discover runs the enabled discovery sources concurrently and merges their results.
func Discover(ctx context.Context, opts Options) ([]Device, error) {
	log := logging.Subsystem(opts.Logger, "discovery")
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	type result struct {
		devs []Device
		err  error
		src  string
	}
	results := make(chan result, 2)
	pending := 0

	if opts.Broadcast {
		pending++
		go func() {
			devs, err := NewProber(opts.Logger).Broadcast(ctx)
			results <- result{devs: devs, err: err, src: "broadcast"}
		}()
	}
	if opts.MDNS {
		pending++
		go func() {
			mctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			devs, err := MDNS(mctx)
			results <- result{devs: devs, err: err, src: "mdns"}
		}()
	}

	var all []Device
	var firstErr error
	for ; pending > 0; pending-- {
		r := <-results
		if r.err != nil {
			log.Warn("discovery source failed", logging.F("source", r.src), logging.F("error", r.err))
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		all = append(all, r.devs...)
	}
	if len(all) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return Dedupe(all), nil
}
