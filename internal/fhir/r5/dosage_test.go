package r5

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/recurrence"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

var fallback = schedule.MustParseDate("2024-03-01")

func repeat(r TimingRepeat) *Dosage {
	return &Dosage{Timing: &Timing{Repeat: &r}}
}

func times(ts ...string) []schedule.TimeOfDay {
	out := make([]schedule.TimeOfDay, len(ts))
	for i, s := range ts {
		out[i] = schedule.MustParseTimeOfDay(s)
	}
	return out
}

func TestDescriptorFromDosageDaily(t *testing.T) {
	tests := []struct {
		name  string
		rep   TimingRepeat
		kind  schedule.FrequencyKind
		times []schedule.TimeOfDay
	}{
		{"once daily", TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "d"}, schedule.FrequencyDaily, times("08:00")},
		{"bid", TimingRepeat{Frequency: 2, Period: 1, PeriodUnit: "d"}, schedule.FrequencyTwiceDaily, times("08:00", "20:00")},
		{"tid", TimingRepeat{Frequency: 3, Period: 1, PeriodUnit: "d"}, schedule.FrequencyThreeTimesDaily, times("08:00", "14:00", "20:00")},
		{"qid", TimingRepeat{Frequency: 4, Period: 1, PeriodUnit: "d"}, schedule.FrequencyFourTimesDaily, times("08:00", "12:00", "16:00", "20:00")},
		{"explicit times win", TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "d", TimeOfDay: []string{"07:30:00", "21:00:00"}},
			schedule.FrequencyTwiceDaily, times("07:30", "21:00")},
		{"period defaults to one", TimingRepeat{PeriodUnit: "d", TimeOfDay: []string{"09:00"}}, schedule.FrequencyDaily, times("09:00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DescriptorFromDosage(repeat(tt.rep), fallback)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.times, d.TimesOfDay)
			assert.Equal(t, fallback, d.StartDate)
			assert.Nil(t, d.EndDate)
		})
	}
}

func TestDescriptorFromDosageOtherKinds(t *testing.T) {
	d, err := DescriptorFromDosage(&Dosage{AsNeeded: true}, fallback)
	require.NoError(t, err)
	assert.Equal(t, schedule.FrequencyAsNeeded, d.Kind)

	d, err = DescriptorFromDosage(repeat(TimingRepeat{Count: 1, TimeOfDay: []string{"10:00"}}), fallback)
	require.NoError(t, err)
	assert.Equal(t, schedule.FrequencyOnce, d.Kind)

	d, err = DescriptorFromDosage(repeat(TimingRepeat{Frequency: 1, Period: 3, PeriodUnit: "d"}), fallback)
	require.NoError(t, err)
	assert.Equal(t, schedule.FrequencyCustom, d.Kind)
	require.NotNil(t, d.CustomRule)
	assert.Equal(t, schedule.CustomRule{Type: recurrence.RuleInterval, Expression: "3"}, *d.CustomRule)

	d, err = DescriptorFromDosage(repeat(TimingRepeat{Period: 1, PeriodUnit: "wk", DayOfWeek: []string{"mon", "thu"}}), fallback)
	require.NoError(t, err)
	assert.Equal(t, schedule.FrequencyWeekly, d.Kind)
	assert.Equal(t, []time.Weekday{time.Monday, time.Thursday}, d.DaysOfWeek)
	assert.Equal(t, times("08:00"), d.TimesOfDay)

	d, err = DescriptorFromDosage(repeat(TimingRepeat{Period: 2, PeriodUnit: "wk", DayOfWeek: []string{"fri"}}), fallback)
	require.NoError(t, err)
	assert.Equal(t, schedule.FrequencyCustom, d.Kind)
	assert.Equal(t, "FREQ=WEEKLY;INTERVAL=2;BYDAY=FR", d.CustomRule.Expression)
	require.NoError(t, recurrence.NewEngine().Validate(d))

	d, err = DescriptorFromDosage(repeat(TimingRepeat{Period: 1, PeriodUnit: "mo", TimeOfDay: []string{"09:00"}}), fallback)
	require.NoError(t, err)
	assert.Equal(t, schedule.FrequencyMonthly, d.Kind)
}

func TestDescriptorFromDosageBounds(t *testing.T) {
	d, err := DescriptorFromDosage(repeat(TimingRepeat{
		Frequency:  2,
		Period:     1,
		PeriodUnit: "d",
		BoundsPeriod: &Period{
			Start: "2024-01-10T00:00:00-05:00",
			End:   "2024-01-20",
		},
	}), fallback)
	require.NoError(t, err)
	assert.Equal(t, schedule.MustParseDate("2024-01-10"), d.StartDate)
	require.NotNil(t, d.EndDate)
	assert.Equal(t, schedule.MustParseDate("2024-01-20"), *d.EndDate)
}

func TestDescriptorFromDosageRejects(t *testing.T) {
	tests := []struct {
		name  string
		in    *Dosage
		field string
	}{
		{"nil dosage", nil, "dosage"},
		{"no timing", &Dosage{}, "timing.repeat.periodUnit"},
		{"hourly", repeat(TimingRepeat{Frequency: 1, Period: 6, PeriodUnit: "h"}), "timing.repeat.periodUnit"},
		{"six a day", repeat(TimingRepeat{Frequency: 6, Period: 1, PeriodUnit: "d"}), "timing.repeat.frequency"},
		{"fractional days", repeat(TimingRepeat{Period: 1.5, PeriodUnit: "d"}), "timing.repeat.period"},
		{"bad weekday", repeat(TimingRepeat{Period: 1, PeriodUnit: "wk", DayOfWeek: []string{"funday"}}), "timing.repeat.dayOfWeek[0]"},
		{"bad bound", repeat(TimingRepeat{Period: 1, PeriodUnit: "d", BoundsPeriod: &Period{Start: "soon"}}), "timing.repeat.boundsPeriod.start"},
		{"end before start", repeat(TimingRepeat{Period: 1, PeriodUnit: "d", BoundsPeriod: &Period{Start: "2024-02-01", End: "2024-01-01"}}), "end_date"},
		{"bad time", repeat(TimingRepeat{Period: 1, PeriodUnit: "d", TimeOfDay: []string{"25:00"}}), "times_of_day[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DescriptorFromDosage(tt.in, fallback)
			require.ErrorIs(t, err, schedule.ErrInvalidDescriptor)
			var verr *schedule.ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, len(verr.FieldErrors))
			for i, fe := range verr.FieldErrors {
				fields[i] = fe.Field
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestMedicationRequestAccessors(t *testing.T) {
	raw := []byte(`{
		"resourceType": "MedicationRequest",
		"id": "mr-1",
		"status": "active",
		"intent": "order",
		"subject": {"reference": "Patient/p-42"},
		"medication": {"concept": {"text": "Lisinopril 10 MG Oral Tablet",
			"coding": [{"system": "http://www.nlm.nih.gov/research/umls/rxnorm", "code": "314076"}]}},
		"dosageInstruction": [
			{"sequence": 2, "text": "second"},
			{"sequence": 1, "text": "take one tablet daily",
			 "timing": {"repeat": {"frequency": 1, "period": 1, "periodUnit": "d"}}}
		]
	}`)
	var mr MedicationRequest
	require.NoError(t, mr.FromJSON(raw))
	assert.Equal(t, "p-42", mr.GetPatientID())
	assert.Equal(t, "314076", mr.GetRxNorm())
	assert.Equal(t, "Lisinopril 10 MG Oral Tablet", mr.GetMedicationDisplay())
	assert.Equal(t, "second", mr.GetSigText())

	dosage, err := mr.PrimaryDosage()
	require.NoError(t, err)
	assert.Equal(t, "take one tablet daily", dosage.Text)

	var wrong MedicationRequest
	assert.Error(t, wrong.FromJSON([]byte(`{"resourceType":"Patient"}`)))
	_, err = wrong.PrimaryDosage()
	assert.Error(t, err)
}
