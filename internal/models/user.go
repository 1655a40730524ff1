package models

import "time"

// User is a chat user. TZOffsetMinutes is nil until the user reports a local clock reading.
type User struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	TZOffsetMinutes *int      `json:"tz_offset_minutes,omitempty"`
	TZAsked         bool      `json:"tz_asked"`
	CreatedAt       time.Time `json:"created_at"`
}

// OffsetOrZero returns the stored offset, or 0 when it is unknown.
func (u *User) OffsetOrZero() int {
	if u == nil || u.TZOffsetMinutes == nil {
		return 0
	}
	return *u.TZOffsetMinutes
}
