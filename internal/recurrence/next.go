package recurrence

import "time"

// NextOccurrence computes the anchor of the next occurrence for a rule. It is
// a pure function of its inputs: same anchor and rule, same answer, on every
// replay of a completion event.
func NextOccurrence(anchor time.Time, rule Rule) time.Time {
	switch rule.Kind {
	case KindDaily:
		return anchor.AddDate(0, 0, 1)
	case KindWeekly:
		return anchor.AddDate(0, 0, 7)
	case KindMonthly:
		return addMonthClamped(anchor)
	case KindWeekdays:
		return nextWeekday(anchor)
	case KindCron:
		// cron.Schedule.Next is strictly after its argument.
		return rule.schedule.Next(anchor)
	}
	return time.Time{}
}

// addMonthClamped advances one calendar month, clamping to the last valid day
// when the target month is shorter (Jan 31 -> Feb 28). time.AddDate would
// normalize Jan 31 + 1 month into early March instead.
func addMonthClamped(t time.Time) time.Time {
	year, month, day := t.Date()
	month++
	if month > time.December {
		month = time.January
		year++
	}

	if last := daysInMonth(year, month); day > last {
		day = last
	}

	hour, min, sec := t.Clock()
	return time.Date(year, month, day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nextWeekday returns the next Monday-Friday day at the same time-of-day.
func nextWeekday(t time.Time) time.Time {
	next := t.AddDate(0, 0, 1)
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
