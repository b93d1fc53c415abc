package ledger

import "time"

// TimeLayout is the fixed-width RFC 3339 layout used for every timestamp
// persisted by the store. Fixed fractional digits keep lexicographic and
// chronological ordering identical, which the store's ORDER BY clauses
// depend on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp. It also accepts plain RFC 3339
// for values that enter through the CLI or HTTP API.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Clock supplies wall-clock time. Production code uses SystemClock; tests
// inject a deterministic clock so version windows, backoff schedules and
// detection timestamps are reproducible.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock, truncated to UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
