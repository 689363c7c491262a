package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/taskmarket/order-chat/internal/chaterr"
)

const (
	MaxMessageBytes = 8192 // upper bound on the encoded text
	MaxTextChars    = 2000 // max character count after trimming
)

// ValidateContent trims text and checks it meets content requirements. It
// returns the trimmed text.
func ValidateContent(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", chaterr.New(chaterr.BadRequest, "message contains invalid UTF-8")
	}
	if len(text) > MaxMessageBytes {
		return "", chaterr.Newf(chaterr.BadRequest, "message exceeds %d byte limit", MaxMessageBytes)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", chaterr.New(chaterr.BadRequest, "message text is empty")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", chaterr.Newf(chaterr.BadRequest, "message exceeds %d character limit", MaxTextChars)
	}
	return text, nil
}
