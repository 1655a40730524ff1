// Package deadline converts user-local date/time text into stored instants and back.
//
// The accepted input format is exactly "dd.mm.yy" optionally followed by a
// space and "hh:mm". The separators "/" and "-" are accepted in place of ".".
// A deadline carries two presence flags. A date-only deadline stores UTC
// midnight of the entered calendar date, so the date does not move when the
// user's offset changes; the instant itself is never compared.
package deadline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/models"
)

// Layouts used for display and local calendar keys.
const (
	DateLayout      = "02.01.06"
	ClockLayout     = "15:04"
	LocalDateLayout = "2006-01-02"

	MinOffsetMinutes = -12 * 60
	MaxOffsetMinutes = 14 * 60
	minutesPerDay    = 24 * 60
)

// Display strings for the three presence cases.
const (
	NoDateText = "no date"
	NoTimeText = "(no time)"
)

var (
	deadlinePattern = regexp.MustCompile(`^(\d{2})\.(\d{2})\.(\d{2})(?:\s+(\d{1,2}):(\d{2}))?$`)
	clockPattern    = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
	dateLikePattern = regexp.MustCompile(`^(?:\d{4}-\d{2}-\d{2}(?: \d{2}:\d{2}(?::\d{2})?)?|\d{2}[./-]\d{2}[./-]\d{2}(?: \d{2}:\d{2})?)$`)
)

// Deadline is an absolute instant plus presence flags. At is meaningless unless HasDate.
type Deadline struct {
	At      time.Time
	HasDate bool
	HasTime bool
}

// FromQuest extracts the deadline fields of q.
func FromQuest(q *models.Quest) Deadline {
	return Deadline{At: q.Deadline, HasDate: q.HasDate, HasTime: q.HasDate && q.HasTime}
}

// Patch returns the QuestPatch that stores d.
func (d Deadline) Patch() models.QuestPatch {
	return models.QuestPatch{SetDeadline: true, Deadline: d.At, HasDate: d.HasDate, HasTime: d.HasTime}
}

// Normalizer parses and renders deadlines relative to a reference clock.
type Normalizer struct {
	now func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock replaces the reference clock (tests use a fixed instant).
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// NewNormalizer creates a Normalizer using the system clock unless overridden.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Now returns the reference clock reading.
func (n *Normalizer) Now() time.Time {
	return n.now()
}

// Zone returns the fixed zone for an offset in minutes. A nil offset means the
// user has not reported one yet and local time equals the reference clock (UTC).
func Zone(offset *int) *time.Location {
	if offset == nil || *offset == 0 {
		return time.UTC
	}
	return time.FixedZone(FormatOffset(*offset), *offset*60)
}

// FormatOffset renders an offset in minutes as "UTC+03:00".
func FormatOffset(minutes int) string {
	sign := "+"
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}
	return fmt.Sprintf("UTC%s%02d:%02d", sign, minutes/60, minutes%60)
}

// Parse converts "dd.mm.yy[ hh:mm]" in the user's zone into a Deadline.
// Past inputs are rejected; a date-only input is past once 23:59 of that day has passed.
func (n *Normalizer) Parse(text string, offset *int) (Deadline, error) {
	s := strings.TrimSpace(text)
	s = strings.NewReplacer("/", ".", "-", ".").Replace(s)
	m := deadlinePattern.FindStringSubmatch(s)
	if m == nil {
		return Deadline{}, fmt.Errorf("%w: expected dd.mm.yy or dd.mm.yy hh:mm, got %q", models.ErrInvalidDeadline, text)
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	year += 2000

	hasTime := m[4] != ""
	hour, minute := 0, 0
	if hasTime {
		hour, _ = strconv.Atoi(m[4])
		minute, _ = strconv.Atoi(m[5])
		if hour > 23 || minute > 59 {
			return Deadline{}, fmt.Errorf("%w: time %s:%s out of range", models.ErrInvalidDeadline, m[4], m[5])
		}
	}

	loc := Zone(offset)
	local := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	if local.Day() != day || int(local.Month()) != month {
		return Deadline{}, fmt.Errorf("%w: no such date %s", models.ErrInvalidDeadline, m[0])
	}

	d := Deadline{At: local.UTC(), HasDate: true, HasTime: hasTime}
	if !hasTime {
		d.At = time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	}
	if Effective(d, offset).Before(n.now()) {
		return Deadline{}, models.ErrDeadlineInPast
	}
	return d, nil
}

// Display renders d in the user's zone: "no date", "dd.mm.yy (no time)" or "dd.mm.yy hh:mm".
func Display(d Deadline, offset *int) string {
	if !d.HasDate {
		return NoDateText
	}
	if !d.HasTime {
		return d.At.UTC().Format(DateLayout) + " " + NoTimeText
	}
	return d.At.In(Zone(offset)).Format(DateLayout + " " + ClockLayout)
}

// Effective returns the instant used for reminder arithmetic: the stored
// instant when a time is present, otherwise 23:59 in the user's zone on the
// stored calendar date.
func Effective(d Deadline, offset *int) time.Time {
	if d.HasTime {
		return d.At
	}
	y, m, day := d.At.UTC().Date()
	return time.Date(y, m, day, 23, 59, 0, 0, Zone(offset)).UTC()
}

// ParseClock validates "hh:mm" and returns it zero padded.
func ParseClock(text string) (hour, minute int, err error) {
	m := clockPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return 0, 0, fmt.Errorf("%w: expected hh:mm, got %q", models.ErrInvalidInput, text)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: clock %q out of range", models.ErrInvalidInput, text)
	}
	return hour, minute, nil
}

// NormalizeClock returns "HH:MM" for a valid clock reading.
func NormalizeClock(text string) (string, error) {
	h, m, err := ParseClock(text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// OffsetFromLocalClock derives a UTC offset from the user's reported local
// clock and the reference instant. The result is normalized into [−12h, +14h].
func OffsetFromLocalClock(localText string, ref time.Time) (int, error) {
	h, m, err := ParseClock(localText)
	if err != nil {
		return 0, err
	}
	ref = ref.UTC()
	diff := (h*60 + m) - (ref.Hour()*60 + ref.Minute())
	for diff < MinOffsetMinutes {
		diff += minutesPerDay
	}
	for diff > MaxOffsetMinutes {
		diff -= minutesPerDay
	}
	return diff, nil
}

// LocalDate returns the user's calendar date at t as "2006-01-02".
func LocalDate(t time.Time, offset *int) string {
	return t.In(Zone(offset)).Format(LocalDateLayout)
}

// LocalClock returns the user's wall clock at t as "15:04".
func LocalClock(t time.Time, offset *int) string {
	return t.In(Zone(offset)).Format(ClockLayout)
}

// LocalWeekday returns the user's weekday at t.
func LocalWeekday(t time.Time, offset *int) time.Weekday {
	return t.In(Zone(offset)).Weekday()
}

// PreviousDate returns the calendar day before a "2006-01-02" date.
func PreviousDate(date string) (string, error) {
	d, err := time.Parse(LocalDateLayout, date)
	if err != nil {
		return "", fmt.Errorf("parse local date %q: %w", date, err)
	}
	return d.AddDate(0, 0, -1).Format(LocalDateLayout), nil
}

// IsDateLike reports whether text looks like a date or date-time, in either
// the dialog format or the ISO storage format. Such comments are not saved.
func IsDateLike(text string) bool {
	return dateLikePattern.MatchString(strings.TrimSpace(text))
}
