package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window caps admitted cost at Limit per Period.
type Window struct {
	Limit  int64
	Period time.Duration
}

func (w Window) String() string {
	return fmt.Sprintf("%d per %s", w.Limit, periodName(w.Period))
}

// ParseWindow accepts "100 per day", "10 per minute", "5/second" and
// "20 per 30 seconds".
func ParseWindow(spec string) (Window, error) {
	s := strings.ToLower(strings.TrimSpace(spec))
	if s == "" {
		return Window{}, fmt.Errorf("empty rate limit")
	}

	var countPart, periodPart string
	if i := strings.Index(s, "/"); i >= 0 {
		countPart, periodPart = s[:i], s[i+1:]
	} else if i := strings.Index(s, " per "); i >= 0 {
		countPart, periodPart = s[:i], s[i+len(" per "):]
	} else {
		return Window{}, fmt.Errorf("invalid rate limit %q: expected \"N per period\"", spec)
	}

	limit, err := strconv.ParseInt(strings.TrimSpace(countPart), 10, 64)
	if err != nil || limit <= 0 {
		return Window{}, fmt.Errorf("invalid rate limit %q: count must be a positive integer", spec)
	}

	fields := strings.Fields(periodPart)
	multiplier := int64(1)
	switch len(fields) {
	case 1:
	case 2:
		multiplier, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil || multiplier <= 0 {
			return Window{}, fmt.Errorf("invalid rate limit %q: bad period multiplier", spec)
		}
		fields = fields[1:]
	default:
		return Window{}, fmt.Errorf("invalid rate limit %q: bad period", spec)
	}

	unit, ok := periodUnit(fields[0])
	if !ok {
		return Window{}, fmt.Errorf("invalid rate limit %q: unknown period %q", spec, fields[0])
	}
	return Window{Limit: limit, Period: time.Duration(multiplier) * unit}, nil
}

// ParseWindows parses a list of specs. Each entry may itself hold several
// specs separated by ';' or ','.
func ParseWindows(specs []string) ([]Window, error) {
	var out []Window
	for _, raw := range specs {
		for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' }) {
			if strings.TrimSpace(part) == "" {
				continue
			}
			w, err := ParseWindow(part)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
	}
	return out, nil
}

func periodUnit(name string) (time.Duration, bool) {
	switch strings.TrimSuffix(name, "s") {
	case "second", "sec":
		return time.Second, true
	case "minute", "min":
		return time.Minute, true
	case "hour":
		return time.Hour, true
	case "day":
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}

func periodName(d time.Duration) string {
	switch d {
	case time.Second:
		return "second"
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	case 24 * time.Hour:
		return "day"
	default:
		return d.String()
	}
}
