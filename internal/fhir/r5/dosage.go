package r5

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/recurrence"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

// Default clock slots when a daily dosage gives a frequency but no timeOfDay.
var defaultSlots = map[int][]string{
	1: {"08:00"},
	2: {"08:00", "20:00"},
	3: {"08:00", "14:00", "20:00"},
	4: {"08:00", "12:00", "16:00", "20:00"},
}

var dailyKinds = map[int]schedule.FrequencyKind{
	1: schedule.FrequencyDaily,
	2: schedule.FrequencyTwiceDaily,
	3: schedule.FrequencyThreeTimesDaily,
	4: schedule.FrequencyFourTimesDaily,
}

var fhirWeekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// DescriptorFromDosage converts Dosage.timing.repeat into a schedule
// descriptor. fallbackStart is used when boundsPeriod has no start.
// Failures are *schedule.ValidationError keyed by FHIR element path.
func DescriptorFromDosage(d *Dosage, fallbackStart schedule.Date) (schedule.Descriptor, error) {
	verr := &schedule.ValidationError{}
	if d == nil {
		verr.Add("dosage", "required")
		return schedule.Descriptor{}, verr
	}

	var rep TimingRepeat
	if d.Timing != nil && d.Timing.Repeat != nil {
		rep = *d.Timing.Repeat
	}

	start, end := fallbackStart, (*schedule.Date)(nil)
	if rep.BoundsPeriod != nil {
		if rep.BoundsPeriod.Start != "" {
			s, err := parseFHIRDate(rep.BoundsPeriod.Start)
			if err != nil {
				verr.Add("timing.repeat.boundsPeriod.start", err.Error())
			}
			start = s
		}
		if rep.BoundsPeriod.End != "" {
			e, err := parseFHIRDate(rep.BoundsPeriod.End)
			if err != nil {
				verr.Add("timing.repeat.boundsPeriod.end", err.Error())
			}
			end = &e
		}
	}

	times := rep.TimeOfDay
	freq := rep.Frequency
	if freq == 0 {
		freq = 1
	}
	period := rep.Period
	if period == 0 {
		period = 1
	}

	var (
		kind schedule.FrequencyKind
		days []time.Weekday
		rule *schedule.CustomRule
	)
	switch {
	case d.AsNeeded:
		kind = schedule.FrequencyAsNeeded
		times = nil
	case rep.Count == 1:
		kind = schedule.FrequencyOnce
		times = withDefault(times, 1)
	case rep.PeriodUnit == "d" && period == 1:
		if len(times) > 0 {
			kind = dailyKindFor(len(times))
		} else if k, ok := dailyKinds[freq]; ok {
			kind = k
			times = defaultSlots[freq]
		} else {
			verr.Add("timing.repeat.frequency", fmt.Sprintf("%d doses per day without timeOfDay is not supported", freq))
		}
	case rep.PeriodUnit == "d":
		n, ok := wholeDays(period)
		if !ok {
			verr.Add("timing.repeat.period", fmt.Sprintf("period %v is not a whole number of days", rep.Period))
			break
		}
		kind = schedule.FrequencyCustom
		rule = &schedule.CustomRule{Type: recurrence.RuleInterval, Expression: strconv.Itoa(n)}
		times = withDefault(times, freq)
	case rep.PeriodUnit == "wk":
		for i, raw := range rep.DayOfWeek {
			wd, ok := fhirWeekdays[strings.ToLower(raw)]
			if !ok {
				verr.Add(fmt.Sprintf("timing.repeat.dayOfWeek[%d]", i), fmt.Sprintf("unknown day %q", raw))
				continue
			}
			days = append(days, wd)
		}
		if len(days) == 0 {
			days = []time.Weekday{start.Weekday()}
		}
		times = withDefault(times, 1)
		n, ok := wholeDays(period)
		if !ok {
			verr.Add("timing.repeat.period", fmt.Sprintf("period %v is not a whole number of weeks", rep.Period))
			break
		}
		if n == 1 {
			kind = schedule.FrequencyWeekly
			break
		}
		kind = schedule.FrequencyCustom
		rule = &schedule.CustomRule{
			Type:       recurrence.RuleRRule,
			Expression: fmt.Sprintf("FREQ=WEEKLY;INTERVAL=%d;BYDAY=%s", n, rruleDays(days)),
		}
		days = nil
	case rep.PeriodUnit == "mo" && period == 1:
		kind = schedule.FrequencyMonthly
		times = withDefault(times, 1)
	case rep.PeriodUnit == "":
		verr.Add("timing.repeat.periodUnit", "required unless asNeeded")
	default:
		verr.Add("timing.repeat.periodUnit", fmt.Sprintf("unsupported period %v %s", rep.Period, rep.PeriodUnit))
	}

	if verr.HasErrors() {
		return schedule.Descriptor{}, verr
	}
	return schedule.New(kind, times, start, end, days, rule)
}

func dailyKindFor(n int) schedule.FrequencyKind {
	if k, ok := dailyKinds[n]; ok {
		return k
	}
	return schedule.FrequencyDaily
}

func withDefault(times []string, freq int) []string {
	if len(times) > 0 {
		return times
	}
	if slots, ok := defaultSlots[freq]; ok {
		return slots
	}
	return defaultSlots[1]
}

func wholeDays(v float64) (int, bool) {
	n := int(v)
	return n, float64(n) == v && n >= 1
}

func rruleDays(days []time.Weekday) string {
	codes := [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}
	out := make([]string, len(days))
	for i, wd := range days {
		out[i] = codes[wd]
	}
	return strings.Join(out, ",")
}

// parseFHIRDate accepts a FHIR date or dateTime and keeps the calendar date
// as written, ignoring any offset.
func parseFHIRDate(s string) (schedule.Date, error) {
	if len(s) >= 10 {
		if d, err := schedule.ParseDate(s[:10]); err == nil {
			return d, nil
		}
	}
	return schedule.Date{}, fmt.Errorf("invalid date %q", s)
}
