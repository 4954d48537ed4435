package recurrence

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Kind enumerates the supported recurrence patterns.
type Kind int

const (
	KindDaily Kind = iota
	KindWeekly
	KindMonthly
	KindWeekdays
	KindCron
)

// cronParser accepts the standard five fields plus an optional leading seconds
// field, and the @every / @daily descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Rule is the parsed form of a task's recurrence_rule. Keeping it a tagged
// value instead of re-dispatching on the raw string confines rule knowledge to
// this package; NextOccurrence is the only consumer of the tag.
type Rule struct {
	Kind     Kind
	schedule cron.Schedule // set only for KindCron
	raw      string
}

// ParseRule parses one of daily, weekly, monthly, weekdays or cron:<expr>.
// Invalid rules are rejected here, at validation time; a malformed rule seen
// at recurrence time is a data-integrity error, not a user error.
func ParseRule(s string) (Rule, error) {
	raw := strings.TrimSpace(s)

	switch strings.ToLower(raw) {
	case "daily":
		return Rule{Kind: KindDaily, raw: raw}, nil
	case "weekly":
		return Rule{Kind: KindWeekly, raw: raw}, nil
	case "monthly":
		return Rule{Kind: KindMonthly, raw: raw}, nil
	case "weekdays":
		return Rule{Kind: KindWeekdays, raw: raw}, nil
	}

	if expr, ok := strings.CutPrefix(raw, "cron:"); ok {
		schedule, err := cronParser.Parse(strings.TrimSpace(expr))
		if err != nil {
			return Rule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return Rule{Kind: KindCron, schedule: schedule, raw: raw}, nil
	}

	return Rule{}, fmt.Errorf("unknown recurrence rule %q", raw)
}

func (r Rule) String() string {
	return r.raw
}
