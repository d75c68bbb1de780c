package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-01-15 is a Monday.
func on(day int, hour, minute int) time.Time {
	return time.Date(2024, 1, 15+day, hour, minute, 0, 0, time.Local)
}

func mustParse(t *testing.T, id, start, end, days string) Period {
	t.Helper()
	p, err := ParsePeriod(id, id, start, end, days)
	require.NoError(t, err)
	return p
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"00:00", At(0, 0), false},
		{"07:30", At(7, 30), false},
		{"23:59:30", At(23, 59) + TimeOfDay(30*time.Second), false},
		{"24:00", 0, true},
		{"7", 0, true},
		{"07:60", 0, true},
		{"ab:cd", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPeriod)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDays(t *testing.T) {
	tests := []struct {
		in      string
		want    DayMask
		wantErr bool
	}{
		{"MTWTFSS", EveryDay, false},
		{"MTWTF..", Weekdays, false},
		{".....SS", Weekend, false},
		{"1000000", Monday, false},
		{"weekdays", Weekdays, false},
		{"*", EveryDay, false},
		{".......", 0, true},
		{"MTW", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDays(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPeriod)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewPeriod_Validation(t *testing.T) {
	_, err := NewPeriod("p", "p", At(8, 0), At(8, 0), EveryDay)
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = NewPeriod("p", "p", At(8, 0), At(9, 0), 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = NewPeriod("p", "p", At(8, 0), At(9, 0), 0x80)
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = NewPeriod("p", "p", At(8, 0), At(9, 0), Weekdays)
	assert.NoError(t, err)
}

func TestPeriod_Includes(t *testing.T) {
	sameDay := mustParse(t, "day", "08:00", "17:00", "*")
	assert.False(t, sameDay.Includes(At(7, 59)))
	assert.True(t, sameDay.Includes(At(8, 0)))
	assert.True(t, sameDay.Includes(At(16, 59)))
	assert.False(t, sameDay.Includes(At(17, 0)), "end is exclusive")

	night := mustParse(t, "night", "22:00", "02:00", "*")
	assert.True(t, night.AcrossMidnight())
	assert.True(t, night.Includes(At(23, 0)))
	assert.True(t, night.Includes(At(1, 0)))
	assert.False(t, night.Includes(At(21, 0)))
	assert.False(t, night.Includes(At(3, 0)))
	assert.False(t, night.Includes(At(2, 0)))
}

func TestPeriod_IncludesDay(t *testing.T) {
	weekdays := mustParse(t, "work", "08:00", "17:00", "MTWTF..")
	for d := range 7 {
		want := d < 5
		assert.Equal(t, want, weekdays.IncludesDay(on(d, 9, 0)), "day offset %d (%s)", d, on(d, 9, 0).Weekday())
	}

	sunday := mustParse(t, "sun", "08:00", "17:00", "......S")
	assert.True(t, sunday.IncludesDay(on(6, 9, 0)))
	assert.False(t, sunday.IncludesDay(on(0, 9, 0)))
}

func TestPeriod_Less(t *testing.T) {
	early := mustParse(t, "a", "06:00", "08:00", "*")
	late := mustParse(t, "b", "07:00", "08:00", "*")
	assert.True(t, early.Less(late))
	assert.False(t, late.Less(early))

	broad := mustParse(t, "broad", "06:00", "22:00", "*")
	narrow := mustParse(t, "narrow", "06:00", "07:00", "*")
	assert.True(t, broad.Less(narrow), "on equal start the later end sorts first")
	assert.False(t, narrow.Less(broad))

	overnight := mustParse(t, "overnight", "06:00", "01:00", "*")
	assert.True(t, overnight.Less(broad), "an end past midnight is later than any same-day end")
}

func TestTimeOfDay_String(t *testing.T) {
	assert.Equal(t, "07:05", At(7, 5).String())
	assert.Equal(t, "00:00:30", TimeOfDay(30*time.Second).String())
	assert.Equal(t, "MTWTF..", Weekdays.String())
}
