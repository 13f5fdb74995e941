package scoring

import (
	"fmt"
	"time"
)

// dayKeyLayout formats calendar days. Days always start at UTC midnight so
// goal and streak decisions never depend on a client's time zone.
const dayKeyLayout = "2006-01-02"

// DayKey returns the UTC calendar day containing t.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayKeyLayout)
}

// DayStart returns UTC midnight of the day containing t.
func DayStart(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DayBounds returns the half-open [start, end) interval of a day key.
func DayBounds(dayKey string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dayKeyLayout, dayKey, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("scoring: invalid day key %q: %w", dayKey, err)
	}
	return start, start.AddDate(0, 0, 1), nil
}
