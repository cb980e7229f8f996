package adapters

import (
	"strings"

	"chat-session/format"
	"chat-session/models"
)

// NormalizeWebMessage turns text from the local input box into the outbound
// frame and the entry echoed into the log. uiLabel, when set, is shown in
// place of the text actually sent. ok is false for blank input.
func NormalizeWebMessage(f *format.Formatter, text, uiLabel string) (frame models.OutboundFrame, echo models.Message, ok bool) {
	if strings.TrimSpace(text) == "" {
		return models.OutboundFrame{}, models.Message{}, false
	}
	display := text
	if uiLabel != "" {
		display = uiLabel
	}
	frame = models.OutboundFrame{Message: text}
	echo = models.Message{
		Kind:    models.KindUser,
		Content: f.UserText(display),
	}
	return frame, echo, true
}
