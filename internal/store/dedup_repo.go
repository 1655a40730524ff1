package store

import (
	"time"
)

// DedupRepo records inbound transport message IDs so redelivered messages
// are handled once.
type DedupRepo interface {
	// RecordInbound stores the message ID. It returns false when the ID was
	// already recorded (a duplicate).
	RecordInbound(messageID, userID string) (bool, error)

	// PurgeInboundBefore drops records received before the cutoff.
	PurgeInboundBefore(cutoff time.Time) (int, error)
}
