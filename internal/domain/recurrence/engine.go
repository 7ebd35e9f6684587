package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

// ErrUnknownRule indicates no enumerator is registered for a custom rule type.
var ErrUnknownRule = errors.New("recurrence: unknown custom rule type")

// Enumerator expands a CUSTOM descriptor. The engine clips, sorts and
// dedupes whatever it returns, so implementations may be sloppy about all
// three.
type Enumerator interface {
	// Validate rejects rules the enumerator cannot expand.
	Validate(rule schedule.CustomRule) error
	// Enumerate returns (date, time) pairs for the clipped window [from, to].
	Enumerate(d schedule.Descriptor, from, to schedule.Date) ([]schedule.Slot, error)
}

// Engine expands schedule descriptors into dated occurrences.
// Expansion is pure: it reads nothing but its arguments and the enumerator
// registry.
type Engine struct {
	mu          sync.RWMutex
	enumerators map[string]Enumerator
}

// NewEngine returns an engine with the built-in custom enumerators
// registered: interval, cron and rrule.
func NewEngine() *Engine {
	e := &Engine{enumerators: make(map[string]Enumerator)}
	e.Register(RuleInterval, IntervalEnumerator{})
	e.Register(RuleCron, NewCronEnumerator())
	e.Register(RuleRRule, RRuleEnumerator{})
	return e
}

// Register installs an enumerator for a custom rule type, replacing any
// existing one.
func (e *Engine) Register(ruleType string, en Enumerator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enumerators[ruleType] = en
}

func (e *Engine) enumerator(ruleType string) (Enumerator, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.enumerators[ruleType]
	return en, ok
}

// Validate checks the descriptor and, for CUSTOM, the rule expression.
func (e *Engine) Validate(d schedule.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Kind != schedule.FrequencyCustom {
		return nil
	}
	en, ok := e.enumerator(d.CustomRule.Type)
	if !ok {
		verr := &schedule.ValidationError{}
		verr.Add("custom_rule.type", fmt.Sprintf("no enumerator registered for %q", d.CustomRule.Type))
		return verr
	}
	if err := en.Validate(*d.CustomRule); err != nil {
		verr := &schedule.ValidationError{}
		verr.Add("custom_rule.expression", err.Error())
		return verr
	}
	return nil
}

// Expand returns the occurrences of d within [windowStart, windowEnd],
// further clipped to the descriptor's own start and end dates. The result is
// sorted ascending with duplicates removed. An inverted window yields nil.
func (e *Engine) Expand(d schedule.Descriptor, windowStart, windowEnd schedule.Date) ([]schedule.Slot, error) {
	if windowStart.After(windowEnd) {
		return nil, nil
	}
	lower, upper, ok := d.Bounds(windowStart, windowEnd)
	if !ok {
		return nil, nil
	}

	var slots []schedule.Slot
	switch d.Kind {
	case schedule.FrequencyAsNeeded:
		return nil, nil
	case schedule.FrequencyOnce:
		if len(d.TimesOfDay) == 0 {
			return nil, nil
		}
		if !d.StartDate.Before(lower) && !d.StartDate.After(upper) {
			slots = []schedule.Slot{{Date: d.StartDate, Time: d.TimesOfDay[0]}}
		}
	case schedule.FrequencyDaily, schedule.FrequencyTwiceDaily,
		schedule.FrequencyThreeTimesDaily, schedule.FrequencyFourTimesDaily:
		slots = eachDay(lower, upper, d.TimesOfDay, func(schedule.Date) bool { return true })
	case schedule.FrequencyWeekly:
		days := make(map[time.Weekday]struct{}, len(d.DaysOfWeek))
		for _, wd := range d.DaysOfWeek {
			days[wd] = struct{}{}
		}
		slots = eachDay(lower, upper, d.TimesOfDay, func(day schedule.Date) bool {
			_, ok := days[day.Weekday()]
			return ok
		})
	case schedule.FrequencyMonthly:
		slots = monthly(d.StartDate.Day, lower, upper, d.TimesOfDay)
	case schedule.FrequencyCustom:
		if d.CustomRule == nil {
			return nil, fmt.Errorf("%w: missing rule", ErrUnknownRule)
		}
		en, ok := e.enumerator(d.CustomRule.Type)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRule, d.CustomRule.Type)
		}
		raw, err := en.Enumerate(d, lower, upper)
		if err != nil {
			return nil, fmt.Errorf("recurrence: %s rule: %w", d.CustomRule.Type, err)
		}
		slots = raw
	default:
		return nil, fmt.Errorf("recurrence: unsupported frequency %q", d.Kind)
	}

	return normalize(slots, lower, upper), nil
}

func eachDay(lower, upper schedule.Date, times []schedule.TimeOfDay, include func(schedule.Date) bool) []schedule.Slot {
	out := make([]schedule.Slot, 0, (lower.DaysUntil(upper)+1)*len(times))
	for day := lower; !day.After(upper); day = day.AddDays(1) {
		if !include(day) {
			continue
		}
		for _, t := range times {
			out = append(out, schedule.Slot{Date: day, Time: t})
		}
	}
	return out
}

// monthly yields dayOfMonth in every month of [lower, upper]. Months that
// lack the day are skipped, not clamped.
func monthly(dayOfMonth int, lower, upper schedule.Date, times []schedule.TimeOfDay) []schedule.Slot {
	var out []schedule.Slot
	year, month := lower.Year, lower.Month
	for {
		candidate := schedule.NewDate(year, month, dayOfMonth)
		if candidate.Month != month {
			// time.Date rolled into the next month.
			candidate = schedule.Date{}
		}
		first := schedule.Date{Year: year, Month: month, Day: 1}
		if first.After(upper) {
			break
		}
		if !candidate.IsZero() && !candidate.Before(lower) && !candidate.After(upper) {
			for _, t := range times {
				out = append(out, schedule.Slot{Date: candidate, Time: t})
			}
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	return out
}

func normalize(slots []schedule.Slot, lower, upper schedule.Date) []schedule.Slot {
	if len(slots) == 0 {
		return nil
	}
	out := make([]schedule.Slot, 0, len(slots))
	for _, s := range slots {
		if s.Date.Before(lower) || s.Date.After(upper) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })

	deduped := out[:0]
	for _, s := range out {
		if n := len(deduped); n > 0 && s.Compare(deduped[n-1]) == 0 {
			continue
		}
		deduped = append(deduped, s)
	}
	if len(deduped) == 0 {
		return nil
	}
	return deduped
}
