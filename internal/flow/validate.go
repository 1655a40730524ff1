package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/QuestPipe/internal/models"
)

// Text rejected anywhere in free-text fields.
var (
	controlPattern   = regexp.MustCompile(`(?i)(--|;|'|"|\\|/\*|\*/|xp_|sp_|exec|execute|select|insert|update|delete|drop|create|alter|union|script|javascript|<script)`)
	injectionPattern = regexp.MustCompile(`(?i)(\bor\b.*=|\band\b.*=|\bselect\b|\bunion\b|\binsert\b|\bupdate\b|\bdelete\b|\bdrop\b)`)
)

// ValidateText trims s and rejects empty, over-long or injection-like input.
func ValidateText(field, s string, maxLen int) (string, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return "", &models.ValidationError{Field: field, Reason: "must not be empty"}
	}
	if len([]rune(t)) > maxLen {
		return "", &models.ValidationError{Field: field, Reason: fmt.Sprintf("must be at most %d characters", maxLen)}
	}
	if controlPattern.MatchString(t) || injectionPattern.MatchString(t) {
		return "", &models.ValidationError{Field: field, Reason: "contains forbidden characters or words"}
	}
	return t, nil
}

// ParsePositiveInt accepts a base-10 integer greater than zero.
func ParsePositiveInt(field, s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &models.ValidationError{Field: field, Reason: "enter a whole number"}
	}
	if n <= 0 {
		return 0, &models.ValidationError{Field: field, Reason: "must be greater than zero"}
	}
	return n, nil
}

// ParseDelta accepts a progress increment. Zero is allowed, negative values are not.
func ParseDelta(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &models.ValidationError{Field: "progress", Reason: "enter a whole number"}
	}
	if n < 0 {
		return 0, &models.ValidationError{Field: "progress", Reason: "value cannot be negative"}
	}
	return n, nil
}

// ParseYesNo understands English and Russian answers.
func ParseYesNo(field, s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "да", "д", "1", "+":
		return true, nil
	case "no", "n", "нет", "н", "0", "-":
		return false, nil
	}
	return false, &models.ValidationError{Field: field, Reason: "answer yes or no"}
}

// isSkipWord reports whether s asks to leave an optional field empty.
func isSkipWord(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "skip", "no", "нет", "-", "/skip":
		return true
	}
	return false
}
