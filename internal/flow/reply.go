package flow

import (
	"fmt"
	"strings"
)

// Button is an action offered with a reply. Token is sent back verbatim when pressed.
type Button struct {
	Label string `json:"label"`
	Token string `json:"token"`
}

// Reply is the outbound message for one inbound event.
type Reply struct {
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Render flattens the reply for text-only transports: buttons become a trailing option list.
func (r Reply) Render() string {
	if len(r.Buttons) == 0 {
		return r.Text
	}
	var b strings.Builder
	b.WriteString(r.Text)
	b.WriteString("\n")
	for _, btn := range r.Buttons {
		fmt.Fprintf(&b, "\n• %s: %s", btn.Label, btn.Token)
	}
	return b.String()
}

func textReply(format string, args ...any) Reply {
	return Reply{Text: fmt.Sprintf(format, args...)}
}

// withError prefixes a re-prompt with the reason the last input was rejected.
func withError(err error, prompt Reply) Reply {
	prompt.Text = "❌ " + userMessage(err) + "\n" + prompt.Text
	return prompt
}

var cancelButton = Button{Label: "Cancel", Token: "/cancel"}
var skipButton = Button{Label: "Skip", Token: "/skip"}
