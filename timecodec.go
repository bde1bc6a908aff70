package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Layouts accepted when decoding timestamps. Naive layouts are read as UTC
// so that producers which drop the zone still sort correctly.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses an ISO-8601 timestamp in any of the accepted layouts.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("memory: unrecognized timestamp %q", s)
}

// FormatTime renders t as RFC3339 with nanoseconds.
func FormatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// isoTime is a time.Time that round-trips through JSON as an ISO-8601 string.
// It tolerates naive timestamps, numeric unix seconds and null.
type isoTime time.Time

func (t isoTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(FormatTime(time.Time(t)))
}

func (t *isoTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = isoTime{}
		return nil
	}
	if len(b) > 0 && b[0] != '"' {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return err
		}
		*t = isoTime(time.Unix(0, int64(secs*float64(time.Second))).UTC())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*t = isoTime{}
		return nil
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*t = isoTime(parsed)
	return nil
}
