package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

func date(s string) schedule.Date { return schedule.MustParseDate(s) }

func times(ss ...string) []schedule.TimeOfDay {
	out := make([]schedule.TimeOfDay, 0, len(ss))
	for _, s := range ss {
		out = append(out, schedule.MustParseTimeOfDay(s))
	}
	return out
}

func slotStrings(slots []schedule.Slot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.String())
	}
	return out
}

func TestExpandDailyRangeClipping(t *testing.T) {
	end := date("2024-01-03")
	d := schedule.Descriptor{
		Kind:       schedule.FrequencyDaily,
		TimesOfDay: times("08:00"),
		StartDate:  date("2024-01-01"),
		EndDate:    &end,
	}

	got, err := NewEngine().Expand(d, date("2024-01-01"), date("2024-01-31"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01 08:00", "2024-01-02 08:00", "2024-01-03 08:00"}, slotStrings(got))
}

func TestExpandDeterministic(t *testing.T) {
	d := schedule.Descriptor{
		Kind:       schedule.FrequencyThreeTimesDaily,
		TimesOfDay: times("20:00", "08:00", "14:00"),
		StartDate:  date("2024-03-01"),
	}
	e := NewEngine()

	first, err := e.Expand(d, date("2024-03-01"), date("2024-03-10"))
	require.NoError(t, err)
	second, err := e.Expand(d, date("2024-03-01"), date("2024-03-10"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 30)
	assert.Equal(t, "2024-03-01 08:00", first[0].String())
	assert.Equal(t, "2024-03-01 14:00", first[1].String())
}

func TestExpandWeekly(t *testing.T) {
	d := schedule.Descriptor{
		Kind:       schedule.FrequencyWeekly,
		TimesOfDay: times("09:00", "21:00"),
		StartDate:  date("2024-01-01"),
		DaysOfWeek: []time.Weekday{time.Monday, time.Wednesday},
	}

	got, err := NewEngine().Expand(d, date("2024-01-01"), date("2024-01-07"))
	require.NoError(t, err)
	require.Len(t, got, 4)
	for _, s := range got {
		wd := s.Date.Weekday()
		assert.True(t, wd == time.Monday || wd == time.Wednesday, "unexpected weekday %s", wd)
	}
}

func TestExpandMonthlySkipsShortMonths(t *testing.T) {
	d := schedule.Descriptor{
		Kind:       schedule.FrequencyMonthly,
		TimesOfDay: times("10:00"),
		StartDate:  date("2024-01-31"),
	}

	got, err := NewEngine().Expand(d, date("2024-01-01"), date("2024-03-31"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-31 10:00", "2024-03-31 10:00"}, slotStrings(got))
}

func TestExpandMonthlyAcrossYearBoundary(t *testing.T) {
	d := schedule.Descriptor{
		Kind:       schedule.FrequencyMonthly,
		TimesOfDay: times("07:30"),
		StartDate:  date("2024-11-15"),
	}

	got, err := NewEngine().Expand(d, date("2024-12-01"), date("2025-02-14"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-12-15 07:30", "2025-01-15 07:30"}, slotStrings(got))
}

func TestExpandOnce(t *testing.T) {
	d := schedule.Descriptor{
		Kind:       schedule.FrequencyOnce,
		TimesOfDay: times("12:00", "18:00"),
		StartDate:  date("2024-05-05"),
	}
	e := NewEngine()

	got, err := e.Expand(d, date("2024-05-01"), date("2024-05-31"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-05 12:00"}, slotStrings(got))

	got, err = e.Expand(d, date("2024-05-06"), date("2024-05-31"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpandAsNeededAndInvertedWindow(t *testing.T) {
	e := NewEngine()

	got, err := e.Expand(schedule.Descriptor{Kind: schedule.FrequencyAsNeeded, StartDate: date("2024-01-01")},
		date("2024-01-01"), date("2024-12-31"))
	require.NoError(t, err)
	assert.Empty(t, got)

	daily := schedule.Descriptor{Kind: schedule.FrequencyDaily, TimesOfDay: times("08:00"), StartDate: date("2024-01-01")}
	got, err = e.Expand(daily, date("2024-02-01"), date("2024-01-01"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpandIntervalRule(t *testing.T) {
	d := schedule.Descriptor{
		Kind:       schedule.FrequencyCustom,
		TimesOfDay: times("08:00"),
		StartDate:  date("2024-01-01"),
		CustomRule: &schedule.CustomRule{Type: RuleInterval, Expression: "3"},
	}

	got, err := NewEngine().Expand(d, date("2024-01-02"), date("2024-01-10"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-04 08:00", "2024-01-07 08:00", "2024-01-10 08:00"}, slotStrings(got))
}

func TestExpandCronRuleMasksTimes(t *testing.T) {
	d := schedule.Descriptor{
		Kind:       schedule.FrequencyCustom,
		TimesOfDay: times("08:00", "20:00"),
		StartDate:  date("2024-01-01"),
		CustomRule: &schedule.CustomRule{Type: RuleCron, Expression: "* 8 * * 1-5"},
	}

	// 2024-01-05 is a Friday, 2024-01-06 a Saturday.
	got, err := NewEngine().Expand(d, date("2024-01-05"), date("2024-01-08"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-05 08:00", "2024-01-08 08:00"}, slotStrings(got))
}

func TestExpandRRule(t *testing.T) {
	d := schedule.Descriptor{
		Kind:       schedule.FrequencyCustom,
		TimesOfDay: times("09:00"),
		StartDate:  date("2024-01-01"),
		CustomRule: &schedule.CustomRule{Type: RuleRRule, Expression: "RRULE:FREQ=WEEKLY;INTERVAL=2;BYDAY=MO"},
	}

	got, err := NewEngine().Expand(d, date("2024-01-01"), date("2024-01-31"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01 09:00", "2024-01-15 09:00", "2024-01-29 09:00"}, slotStrings(got))
}

type sloppyEnumerator struct{}

func (sloppyEnumerator) Validate(schedule.CustomRule) error { return nil }

func (sloppyEnumerator) Enumerate(d schedule.Descriptor, from, to schedule.Date) ([]schedule.Slot, error) {
	at := schedule.MustParseTimeOfDay("10:00")
	return []schedule.Slot{
		{Date: to, Time: at},
		{Date: from, Time: at},
		{Date: from, Time: at},
		{Date: from.AddDays(-1), Time: at},
		{Date: to.AddDays(1), Time: at},
	}, nil
}

func TestExpandCustomOutputIsClippedSortedAndDeduped(t *testing.T) {
	e := NewEngine()
	e.Register("sloppy", sloppyEnumerator{})

	d := schedule.Descriptor{
		Kind:       schedule.FrequencyCustom,
		TimesOfDay: times("10:00"),
		StartDate:  date("2024-01-01"),
		CustomRule: &schedule.CustomRule{Type: "sloppy"},
	}

	got, err := e.Expand(d, date("2024-01-03"), date("2024-01-05"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-03 10:00", "2024-01-05 10:00"}, slotStrings(got))
}

func TestValidateCustomRules(t *testing.T) {
	e := NewEngine()
	base := schedule.Descriptor{
		Kind:       schedule.FrequencyCustom,
		TimesOfDay: times("08:00"),
		StartDate:  date("2024-01-01"),
	}

	cases := []struct {
		rule schedule.CustomRule
		ok   bool
	}{
		{schedule.CustomRule{Type: RuleInterval, Expression: "2"}, true},
		{schedule.CustomRule{Type: RuleInterval, Expression: "0"}, false},
		{schedule.CustomRule{Type: RuleCron, Expression: "* * 1,15 * *"}, true},
		{schedule.CustomRule{Type: RuleCron, Expression: "every tuesday"}, false},
		{schedule.CustomRule{Type: RuleRRule, Expression: "FREQ=MONTHLY;BYMONTHDAY=1"}, true},
		{schedule.CustomRule{Type: RuleRRule, Expression: "FREQ=HOURLY"}, false},
		{schedule.CustomRule{Type: "lunar", Expression: "full moon"}, false},
	}

	for _, tc := range cases {
		d := base
		rule := tc.rule
		d.CustomRule = &rule
		err := e.Validate(d)
		if tc.ok {
			assert.NoError(t, err, "%s %q", tc.rule.Type, tc.rule.Expression)
			continue
		}
		assert.True(t, errors.Is(err, schedule.ErrInvalidDescriptor), "%s %q: %v", tc.rule.Type, tc.rule.Expression, err)
	}
}

func TestExpandUnknownCustomRule(t *testing.T) {
	d := schedule.Descriptor{
		Kind:       schedule.FrequencyCustom,
		TimesOfDay: times("08:00"),
		StartDate:  date("2024-01-01"),
		CustomRule: &schedule.CustomRule{Type: "lunar"},
	}
	_, err := NewEngine().Expand(d, date("2024-01-01"), date("2024-01-02"))
	assert.ErrorIs(t, err, ErrUnknownRule)
}
