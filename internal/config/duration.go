package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Seconds is a duration that decodes from either a Go duration string
// ("90s", "2h30m") or a bare number of seconds (3600, "3600").
type Seconds struct {
	d time.Duration
}

func FromSeconds(s float64) Seconds {
	return Seconds{d: time.Duration(s * float64(time.Second))}
}

func FromDuration(d time.Duration) Seconds { return Seconds{d: d} }

func (s Seconds) Duration() time.Duration { return s.d }

func (s Seconds) Seconds() float64 { return s.d.Seconds() }

func (s Seconds) String() string { return s.d.String() }

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.d.String())
}

func (s *Seconds) UnmarshalJSON(b []byte) error {
	var num float64
	if err := json.Unmarshal(b, &num); err == nil {
		s.d = time.Duration(num * float64(time.Second))
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("invalid duration value %s", string(b))
	}
	d, err := parseSeconds(raw)
	if err != nil {
		return err
	}
	s.d = d
	return nil
}

func parseSeconds(raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, nil
	}
	// Bare number = seconds.
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}
