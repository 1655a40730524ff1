package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of the receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an event waits for a full channel.
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest accepted phone number.
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service is a chat transport: it sends text and emits inbound messages and receipts.
type Service interface {
	// ValidateAndCanonicalizeRecipient turns a phone number or transport
	// address into the bare digits used as the user ID.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	SendMessage(ctx context.Context, to string, body string) error

	Start(ctx context.Context) error
	Stop() error

	Receipts() <-chan models.Receipt
	Responses() <-chan models.Response
}

// CanonicalPhone strips everything but digits and checks the length.
func CanonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", models.ErrInvalidInput)
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in recipient %q", models.ErrInvalidInput, recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits required)", models.ErrInvalidInput, canonical, MinPhoneDigits)
	}
	return canonical, nil
}
