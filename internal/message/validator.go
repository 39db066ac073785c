package message

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	MaxTextBytes  = 4096 // hard cap on the encoded text
	MaxTextChars  = 2000 // max character count
	MaxImageBytes = 2048 // max length of an image URL
)

// ErrEmptyMessage is returned for a message with neither text nor image.
var ErrEmptyMessage = errors.New("message: text or image required")

// ErrFlood is returned for text that repeats one character or word at length.
var ErrFlood = errors.New("message: repeated content")

// Validate checks that a message meets content requirements. Text may be
// empty when an image is attached.
func Validate(text, image string) error {
	if strings.TrimSpace(text) == "" && image == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("message: text exceeds %d byte limit", MaxTextBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message: text contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message: text exceeds %d character limit", MaxTextChars)
	}
	if isFlood(text) {
		return ErrFlood
	}
	if image != "" {
		if len(image) > MaxImageBytes {
			return fmt.Errorf("message: image url exceeds %d byte limit", MaxImageBytes)
		}
		u, err := url.Parse(image)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("message: image must be an http(s) url")
		}
	}
	return nil
}
