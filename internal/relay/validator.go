package relay

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096    // 4KB max frame size
	MaxTextChars    = 2000    // max character count
	MaxImageBytes   = 2 << 20 // 2 MiB of encoded image data
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// ValidateImage checks an encoded image payload.
func ValidateImage(image string) error {
	if len(image) == 0 {
		return fmt.Errorf("image is empty")
	}
	if len(image) > MaxImageBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrImageTooLarge, len(image), MaxImageBytes)
	}
	return nil
}
