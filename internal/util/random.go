// Package util provides utility functions for the QuestPipe application.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateJobID generates a durable job ID with "job_" prefix.
func GenerateJobID() string {
	return GenerateRandomID("job_", 32)
}

// NewUUID returns a random (v4) UUID string. Used for dialog sessions and
// inbound message correlation in logs.
func NewUUID() string {
	return uuid.NewString()
}
