package pipeline

import "time"

// Period is one inclusive date range of a historical run.
type Period struct {
	Start time.Time
	End   time.Time
}

// splitThresholdDays is the span above which a historical run is broken
// into calendar months; weeklySplitThresholdDays the span above which the
// weekly mode breaks it into Monday-aligned weeks.
const (
	splitThresholdDays       = 31
	weeklySplitThresholdDays = 7
)

// SplitByMonths partitions [start, end] into calendar-aligned month
// periods: the first period runs to the end of start's month, the last
// ends on end.
func SplitByMonths(start, end time.Time) []Period {
	var periods []Period
	cur := start
	for !cur.After(end) {
		monthEnd := time.Date(cur.Year(), cur.Month(), 1, 0, 0, 0, 0, cur.Location()).
			AddDate(0, 1, -1)
		periodEnd := monthEnd
		if periodEnd.After(end) {
			periodEnd = end
		}
		periods = append(periods, Period{Start: cur, End: periodEnd})
		cur = periodEnd.AddDate(0, 0, 1)
	}
	return periods
}

// SplitByWeeks partitions [start, end] into Monday-to-Sunday weeks; the
// first and last periods may be partial.
func SplitByWeeks(start, end time.Time) []Period {
	var periods []Period
	cur := start
	for !cur.After(end) {
		daysToSunday := (7 - int(cur.Weekday())) % 7 // Sunday itself is 0 away
		periodEnd := cur.AddDate(0, 0, daysToSunday)
		if periodEnd.After(end) {
			periodEnd = end
		}
		periods = append(periods, Period{Start: cur, End: periodEnd})
		cur = periodEnd.AddDate(0, 0, 1)
	}
	return periods
}

// rangeDays is the whole-day difference between the range endpoints.
func rangeDays(start, end time.Time) int {
	return int(end.Sub(start).Hours() / 24)
}
