package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// FrequencyKind is how often a medication is taken.
type FrequencyKind string

const (
	FrequencyOnce            FrequencyKind = "ONCE"
	FrequencyDaily           FrequencyKind = "DAILY"
	FrequencyTwiceDaily      FrequencyKind = "TWICE_DAILY"
	FrequencyThreeTimesDaily FrequencyKind = "THREE_TIMES_DAILY"
	FrequencyFourTimesDaily  FrequencyKind = "FOUR_TIMES_DAILY"
	FrequencyWeekly          FrequencyKind = "WEEKLY"
	FrequencyMonthly         FrequencyKind = "MONTHLY"
	FrequencyAsNeeded        FrequencyKind = "AS_NEEDED"
	FrequencyCustom          FrequencyKind = "CUSTOM"
)

var timesPerDay = map[FrequencyKind]int{
	FrequencyTwiceDaily:      2,
	FrequencyThreeTimesDaily: 3,
	FrequencyFourTimesDaily:  4,
}

// Valid reports whether k is a known kind.
func (k FrequencyKind) Valid() bool {
	switch k {
	case FrequencyOnce, FrequencyDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily,
		FrequencyFourTimesDaily, FrequencyWeekly, FrequencyMonthly, FrequencyAsNeeded, FrequencyCustom:
		return true
	}
	return false
}

// IsDaily reports whether k fires every calendar day.
func (k FrequencyKind) IsDaily() bool {
	switch k {
	case FrequencyDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily, FrequencyFourTimesDaily:
		return true
	}
	return false
}

// ParseFrequencyKind is case-insensitive and accepts '-' or ' ' as separators.
func ParseFrequencyKind(s string) (FrequencyKind, error) {
	norm := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s)))
	k := FrequencyKind(norm)
	if !k.Valid() {
		return "", fmt.Errorf("unknown frequency kind %q", s)
	}
	return k, nil
}

// CustomRule is an opaque recurrence rule handed to a pluggable enumerator.
// Type selects the enumerator; Expression is interpreted only by it.
type CustomRule struct {
	Type       string `json:"type"`
	Expression string `json:"expression"`
}

// Descriptor describes when a medication is taken. It is replaced wholesale
// on every edit.
type Descriptor struct {
	Kind       FrequencyKind  `json:"frequency_kind"`
	TimesOfDay []TimeOfDay    `json:"times_of_day,omitempty"`
	StartDate  Date           `json:"start_date"`
	EndDate    *Date          `json:"end_date,omitempty"`
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	CustomRule *CustomRule    `json:"custom_rule,omitempty"`
}

// New builds and validates a descriptor from string inputs.
func New(kind FrequencyKind, times []string, start Date, end *Date, days []time.Weekday, rule *CustomRule) (Descriptor, error) {
	d := Descriptor{
		Kind:       kind,
		StartDate:  start,
		EndDate:    end,
		DaysOfWeek: days,
		CustomRule: rule,
	}
	verr := &ValidationError{}
	for i, raw := range times {
		t, err := ParseTimeOfDay(raw)
		if err != nil {
			verr.Add(fmt.Sprintf("times_of_day[%d]", i), err.Error())
			continue
		}
		d.TimesOfDay = append(d.TimesOfDay, t)
	}
	if verr.HasErrors() {
		return Descriptor{}, verr
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Validate checks the structural invariants of the descriptor. Custom rule
// expressions are checked by the recurrence engine that owns the enumerator.
func (d Descriptor) Validate() error {
	verr := &ValidationError{}

	if !d.Kind.Valid() {
		verr.Add("frequency_kind", fmt.Sprintf("unknown kind %q", d.Kind))
	}
	if d.StartDate.IsZero() {
		verr.Add("start_date", "required")
	}
	if d.EndDate != nil && d.EndDate.Before(d.StartDate) {
		verr.Add("end_date", "must not be before start_date")
	}

	if d.Kind != FrequencyAsNeeded && len(d.TimesOfDay) == 0 {
		verr.Add("times_of_day", "at least one time is required")
	}
	seen := make(map[TimeOfDay]struct{}, len(d.TimesOfDay))
	for _, t := range d.TimesOfDay {
		if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
			verr.Add("times_of_day", fmt.Sprintf("%s is not a valid time", t))
			continue
		}
		if _, dup := seen[t]; dup {
			verr.Add("times_of_day", fmt.Sprintf("duplicate time %s", t))
		}
		seen[t] = struct{}{}
	}
	if want, ok := timesPerDay[d.Kind]; ok && len(d.TimesOfDay) != want {
		verr.Add("times_of_day", fmt.Sprintf("%s requires exactly %d times, got %d", d.Kind, want, len(d.TimesOfDay)))
	}

	if d.Kind == FrequencyWeekly && len(d.DaysOfWeek) == 0 {
		verr.Add("days_of_week", "required for WEEKLY")
	}
	days := make(map[time.Weekday]struct{}, len(d.DaysOfWeek))
	for _, wd := range d.DaysOfWeek {
		if wd < time.Sunday || wd > time.Saturday {
			verr.Add("days_of_week", fmt.Sprintf("%d is outside 0-6", wd))
			continue
		}
		if _, dup := days[wd]; dup {
			verr.Add("days_of_week", fmt.Sprintf("duplicate day %d", wd))
		}
		days[wd] = struct{}{}
	}

	if d.Kind == FrequencyCustom {
		switch {
		case d.CustomRule == nil:
			verr.Add("custom_rule", "required for CUSTOM")
		case strings.TrimSpace(d.CustomRule.Type) == "":
			verr.Add("custom_rule.type", "required")
		}
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

// SortedTimes returns a copy of TimesOfDay in ascending order.
func (d Descriptor) SortedTimes() []TimeOfDay {
	out := append([]TimeOfDay(nil), d.TimesOfDay...)
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Bounds clips [from, to] to the descriptor's active range. ok is false when
// the result is empty.
func (d Descriptor) Bounds(from, to Date) (lower, upper Date, ok bool) {
	lower, upper = from, to
	if d.StartDate.After(lower) {
		lower = d.StartDate
	}
	if d.EndDate != nil && d.EndDate.Before(upper) {
		upper = *d.EndDate
	}
	if lower.After(upper) {
		return Date{}, Date{}, false
	}
	return lower, upper, true
}

// ErrInvalidDescriptor is matched by every descriptor validation failure.
var ErrInvalidDescriptor = errors.New("invalid schedule descriptor")

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every field violation found in one pass.
type ValidationError struct {
	FieldErrors []FieldError `json:"field_errors"`
}

func (e *ValidationError) Add(field, message string) {
	e.FieldErrors = append(e.FieldErrors, FieldError{Field: field, Message: message})
}

func (e *ValidationError) HasErrors() bool {
	return len(e.FieldErrors) > 0
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.FieldErrors))
	for _, fe := range e.FieldErrors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidDescriptor, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDescriptor
}
