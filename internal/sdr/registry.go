package sdr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rjboer/afedri/internal/logging"
)

// FindFunc enumerates devices matching args.
type FindFunc func(ctx context.Context, args Kwargs, logger logging.Logger) ([]Kwargs, error)

// MakeFunc opens a device described by args.
type MakeFunc func(ctx context.Context, args Kwargs, logger logging.Logger) (Device, error)

// Driver is a named pair of find and make functions.
type Driver struct {
	Name string
	Find FindFunc
	Make MakeFunc
}

// Registry maps driver names (case-insensitive) to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds d. Registering a name twice is an error.
func (r *Registry) Register(d Driver) error {
	key := strings.ToLower(d.Name)
	if key == "" || d.Make == nil {
		return fmt.Errorf("sdr: driver needs a name and a make function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[key]; ok {
		return fmt.Errorf("sdr: driver %q already registered", d.Name)
	}
	r.drivers[key] = d
	return nil
}

// Names lists registered drivers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d.Name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[strings.ToLower(name)]
	if !ok {
		return Driver{}, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return d, nil
}

// Find enumerates devices. With a "driver" key only that driver is asked;
// otherwise every driver is. Each result carries its driver name.
func (r *Registry) Find(ctx context.Context, args Kwargs, logger logging.Logger) ([]Kwargs, error) {
	var drivers []Driver
	if name, ok := args["driver"]; ok {
		d, err := r.lookup(name)
		if err != nil {
			return nil, err
		}
		drivers = []Driver{d}
	} else {
		for _, name := range r.Names() {
			d, _ := r.lookup(name)
			drivers = append(drivers, d)
		}
	}

	var out []Kwargs
	for _, d := range drivers {
		if d.Find == nil {
			continue
		}
		found, err := d.Find(ctx, args, logger)
		if err != nil {
			logging.Subsystem(logger, "sdr").Warn("driver find failed",
				logging.F("driver", d.Name),
				logging.F("error", err))
			continue
		}
		for _, k := range found {
			k = k.Clone()
			if !k.Has("driver") {
				k["driver"] = strings.ToLower(d.Name)
			}
			out = append(out, k)
		}
	}
	return out, nil
}

// Make opens a device with the driver named by args["driver"], defaulting to afedri.
func (r *Registry) Make(ctx context.Context, args Kwargs, logger logging.Logger) (Device, error) {
	name := args.Get("driver", AfedriDriverName)
	d, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	logging.Subsystem(logger, "sdr").Info("making device",
		logging.F("driver", d.Name),
		logging.F("args", args.String()))
	return d.Make(ctx, args, logger)
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the process-wide registry holding the built-in drivers.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		_ = defaultRegistry.Register(AfedriDriver())
		_ = defaultRegistry.Register(MockDriver())
	})
	return defaultRegistry
}

// Open makes a device from the default registry.
func Open(ctx context.Context, args Kwargs, logger logging.Logger) (Device, error) {
	return DefaultRegistry().Make(ctx, args, logger)
}

// Find enumerates devices through the default registry.
func Find(ctx context.Context, args Kwargs, logger logging.Logger) ([]Kwargs, error) {
	return DefaultRegistry().Find(ctx, args, logger)
}
