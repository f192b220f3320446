package sdr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kwargs are string key/value device and stream arguments.
type Kwargs map[string]string

// ParseKwargs parses "key=value,key2=value2". Whitespace around keys and
// values is trimmed; a key without '=' maps to the empty string.
func ParseKwargs(s string) (Kwargs, error) {
	out := Kwargs{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("%w: empty key in %q", ErrInvalidArgs, part)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// String renders the arguments sorted by key, in ParseKwargs syntax.
func (k Kwargs) String() string {
	keys := make([]string, 0, len(k))
	for key := range k {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+k[key])
	}
	return strings.Join(parts, ",")
}

// Clone returns a copy of k.
func (k Kwargs) Clone() Kwargs {
	out := make(Kwargs, len(k))
	for key, v := range k {
		out[key] = v
	}
	return out
}

// Has reports whether key is present.
func (k Kwargs) Has(key string) bool {
	_, ok := k[key]
	return ok
}

// Int returns key parsed as an integer, or def when absent.
func (k Kwargs) Int(key string, def int) (int, error) {
	v, ok := k[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidArgs, key, v)
	}
	return n, nil
}

// Float returns key parsed as a float, or def when absent.
func (k Kwargs) Float(key string, def float64) (float64, error) {
	v, ok := k[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidArgs, key, v)
	}
	return f, nil
}

// Get returns key or def when absent.
func (k Kwargs) Get(key, def string) string {
	if v, ok := k[key]; ok {
		return v
	}
	return def
}

func upper(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
