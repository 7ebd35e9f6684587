package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"

	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

// Built-in custom rule types.
const (
	RuleInterval = "interval"
	RuleCron     = "cron"
	RuleRRule    = "rrule"
)

// IntervalEnumerator fires every N days counted from the start date.
// Expression is N.
type IntervalEnumerator struct{}

func (IntervalEnumerator) Validate(rule schedule.CustomRule) error {
	_, err := parseInterval(rule.Expression)
	return err
}

func (IntervalEnumerator) Enumerate(d schedule.Descriptor, from, to schedule.Date) ([]schedule.Slot, error) {
	n, err := parseInterval(d.CustomRule.Expression)
	if err != nil {
		return nil, err
	}
	offset := d.StartDate.DaysUntil(from) % n
	first := from
	if offset != 0 {
		first = from.AddDays(n - offset)
	}
	var out []schedule.Slot
	for day := first; !day.After(to); day = day.AddDays(n) {
		for _, t := range d.TimesOfDay {
			out = append(out, schedule.Slot{Date: day, Time: t})
		}
	}
	return out, nil
}

func parseInterval(expr string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(expr))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("interval must be a positive number of days, got %q", expr)
	}
	return n, nil
}

// CronEnumerator treats a five-field cron expression as a calendar mask over
// the descriptor's times of day: a slot is produced when the expression fires
// at exactly that minute. "* * * * 1-5" keeps weekdays, "* * 1,15 * *" keeps
// the 1st and 15th.
type CronEnumerator struct {
	parser cron.Parser
}

func NewCronEnumerator() CronEnumerator {
	return CronEnumerator{parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)}
}

func (c CronEnumerator) Validate(rule schedule.CustomRule) error {
	_, err := c.parser.Parse(rule.Expression)
	return err
}

func (c CronEnumerator) Enumerate(d schedule.Descriptor, from, to schedule.Date) ([]schedule.Slot, error) {
	sched, err := c.parser.Parse(d.CustomRule.Expression)
	if err != nil {
		return nil, err
	}
	var out []schedule.Slot
	for day := from; !day.After(to); day = day.AddDays(1) {
		for _, t := range d.TimesOfDay {
			at := t.On(day, time.UTC)
			if sched.Next(at.Add(-time.Minute)).Equal(at) {
				out = append(out, schedule.Slot{Date: day, Time: t})
			}
		}
	}
	return out, nil
}

// RRuleEnumerator expands an RFC 5545 RRULE anchored at the start date. Only
// the dates it produces are used; times come from the descriptor.
type RRuleEnumerator struct{}

var errSubDaily = errors.New("rrule frequency finer than DAILY is not supported")

func (RRuleEnumerator) Validate(rule schedule.CustomRule) error {
	_, err := buildRRule(rule.Expression, time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC))
	return err
}

func (RRuleEnumerator) Enumerate(d schedule.Descriptor, from, to schedule.Date) ([]schedule.Slot, error) {
	r, err := buildRRule(d.CustomRule.Expression, d.StartDate.In(time.UTC))
	if err != nil {
		return nil, err
	}
	instants := r.Between(from.In(time.UTC), to.AddDays(1).In(time.UTC).Add(-time.Second), true)

	var out []schedule.Slot
	seen := make(map[schedule.Date]struct{}, len(instants))
	for _, inst := range instants {
		day := schedule.DateOf(inst.In(time.UTC))
		if _, dup := seen[day]; dup {
			continue
		}
		seen[day] = struct{}{}
		for _, t := range d.TimesOfDay {
			out = append(out, schedule.Slot{Date: day, Time: t})
		}
	}
	return out, nil
}

func buildRRule(expr string, dtstart time.Time) (*rrule.RRule, error) {
	expr = strings.TrimPrefix(strings.TrimSpace(expr), "RRULE:")
	opt, err := rrule.StrToROption(expr)
	if err != nil {
		return nil, err
	}
	if opt.Freq > rrule.DAILY {
		return nil, errSubDaily
	}
	opt.Dtstart = dtstart
	return rrule.NewRRule(*opt)
}
