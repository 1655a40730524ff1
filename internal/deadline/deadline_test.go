package deadline

import (
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func intPtr(v int) *int { return &v }

func TestParseDateAndTimeWithOffset(t *testing.T) {
	n := NewNormalizer(WithClock(fixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))))

	d, err := n.Parse("31.12.25 18:00", intPtr(180))
	require.NoError(t, err)
	assert.True(t, d.HasDate)
	assert.True(t, d.HasTime)
	assert.Equal(t, time.Date(2025, 12, 31, 15, 0, 0, 0, time.UTC), d.At)
	assert.Equal(t, "31.12.25 18:00", Display(d, intPtr(180)))
}

func TestParseDateOnly(t *testing.T) {
	n := NewNormalizer(WithClock(fixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))))

	d, err := n.Parse("31.12.25", intPtr(180))
	require.NoError(t, err)
	assert.True(t, d.HasDate)
	assert.False(t, d.HasTime)
	assert.Equal(t, "31.12.25 (no time)", Display(d, intPtr(180)))
	assert.Equal(t, time.Date(2025, 12, 31, 20, 59, 0, 0, time.UTC), Effective(d, intPtr(180)))
}

func TestParseAcceptsAlternateSeparators(t *testing.T) {
	n := NewNormalizer(WithClock(fixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))))

	for _, in := range []string{"31/12/25 18:00", "31-12-25 18:00", "  31.12.25   18:00 "} {
		d, err := n.Parse(in, nil)
		require.NoError(t, err, in)
		assert.Equal(t, time.Date(2025, 12, 31, 18, 0, 0, 0, time.UTC), d.At, in)
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	n := NewNormalizer(WithClock(fixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))))

	for _, in := range []string{"", "tomorrow", "2025-12-31", "31.02.26", "1.1.26", "31.12.25 25:00", "31.12.25 18:60", "31.12.2025"} {
		_, err := n.Parse(in, nil)
		assert.ErrorIs(t, err, models.ErrInvalidDeadline, in)
	}
}

func TestParseRejectsPast(t *testing.T) {
	offset := intPtr(180)
	tests := []struct {
		name    string
		now     time.Time
		input   string
		wantErr bool
	}{
		{"time earlier today", time.Date(2025, 12, 31, 15, 30, 0, 0, time.UTC), "31.12.25 18:00", true},
		{"time later today", time.Date(2025, 12, 31, 14, 30, 0, 0, time.UTC), "31.12.25 18:00", false},
		{"date only before end of local day", time.Date(2025, 12, 31, 20, 0, 0, 0, time.UTC), "31.12.25", false},
		{"date only after end of local day", time.Date(2025, 12, 31, 21, 0, 0, 0, time.UTC), "31.12.25", true},
		{"yesterday", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), "31.12.25", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNormalizer(WithClock(fixedClock(tt.now)))
			_, err := n.Parse(tt.input, offset)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrDeadlineInPast)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseDisplayRoundTrip(t *testing.T) {
	n := NewNormalizer(WithClock(fixedClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))))
	offsets := []*int{nil, intPtr(-720), intPtr(-330), intPtr(0), intPtr(180), intPtr(345), intPtr(840)}
	inputs := []string{"02.01.26 00:00", "15.03.26 07:45", "29.02.28 23:59", "31.12.26 12:00"}

	for _, off := range offsets {
		for _, in := range inputs {
			d, err := n.Parse(in, off)
			require.NoError(t, err)
			assert.Equal(t, in, Display(d, off), "offset %v", off)
		}
		d, err := n.Parse("10.10.26", off)
		require.NoError(t, err)
		assert.Equal(t, "10.10.26 (no time)", Display(d, off))
	}
}

func TestDateOnlyDeadlineIgnoresLaterOffset(t *testing.T) {
	n := NewNormalizer(WithClock(fixedClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))))

	d, err := n.Parse("15.01.27", nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC), d.At)
	assert.Equal(t, "15.01.27 (no time)", Display(d, nil))

	for _, off := range []*int{intPtr(-300), intPtr(-720), intPtr(840)} {
		assert.Equal(t, "15.01.27 (no time)", Display(d, off), "offset %d", *off)
		assert.Equal(t, "15.01.27 23:59", Effective(d, off).In(Zone(off)).Format(DateLayout+" "+ClockLayout), "offset %d", *off)
	}
	assert.Equal(t, time.Date(2027, 1, 16, 4, 59, 0, 0, time.UTC), Effective(d, intPtr(-300)))
}

func TestDisplayWithoutDate(t *testing.T) {
	assert.Equal(t, NoDateText, Display(Deadline{}, intPtr(60)))
	// A stale instant without the flag is never shown.
	assert.Equal(t, NoDateText, Display(Deadline{At: time.Now()}, nil))
}

func TestOffsetFromLocalClock(t *testing.T) {
	tests := []struct {
		ref   time.Time
		local string
		want  int
	}{
		{time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), "15:00", 180},
		{time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC), "02:00", 180},
		{time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC), "20:00", -300},
		{time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), "12:00", 0},
		{time.Date(2025, 1, 1, 0, 30, 0, 0, time.UTC), "14:30", 840},
		{time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), "0:00", -720},
		{time.Date(2025, 1, 1, 6, 15, 0, 0, time.UTC), "11:45", 330},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s@%s", tt.local, tt.ref.Format("15:04")), func(t *testing.T) {
			got, err := OffsetFromLocalClock(tt.local, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, MinOffsetMinutes)
			assert.LessOrEqual(t, got, MaxOffsetMinutes)
		})
	}

	_, err := OffsetFromLocalClock("25:00", time.Now())
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestLocalCalendarHelpers(t *testing.T) {
	at := time.Date(2025, 1, 10, 22, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-01-10", LocalDate(at, nil))
	assert.Equal(t, "2025-01-11", LocalDate(at, intPtr(180)))
	assert.Equal(t, "01:30", LocalClock(at, intPtr(180)))
	assert.Equal(t, time.Saturday, LocalWeekday(at, intPtr(180)))

	prev, err := PreviousDate("2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, "2025-02-28", prev)
}

func TestNormalizeClock(t *testing.T) {
	got, err := NormalizeClock("7:05")
	require.NoError(t, err)
	assert.Equal(t, "07:05", got)

	_, err = NormalizeClock("7.05")
	assert.Error(t, err)
}

func TestIsDateLike(t *testing.T) {
	for _, s := range []string{"31.12.25", "31.12.25 18:00", "2025-12-31", "2025-12-31 18:00:00", "31/12/25"} {
		assert.True(t, IsDateLike(s), s)
	}
	for _, s := range []string{"", "read before bed", "31.12", "at 18:00"} {
		assert.False(t, IsDateLike(s), s)
	}
}

func TestFormatOffset(t *testing.T) {
	assert.Equal(t, "UTC+03:00", FormatOffset(180))
	assert.Equal(t, "UTC-05:30", FormatOffset(-330))
	assert.Equal(t, "UTC+00:00", FormatOffset(0))
}
