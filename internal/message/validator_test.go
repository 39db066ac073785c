package message

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		image   string
		wantErr bool
	}{
		{"plain text", "hello", "", false},
		{"image only", "", "https://cdn.example.com/a.png", false},
		{"text and image", "look", "http://cdn.example.com/a.png", false},
		{"empty", "", "", true},
		{"whitespace only", "   \n", "", true},
		{"max chars", strings.Repeat("ab", MaxTextChars/2), "", false},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), "", true},
		{"too many bytes", strings.Repeat("€", 1400), "", true},
		{"invalid utf8", "bad \xff", "", true},
		{"image not a url", "hi", "not a url", true},
		{"image wrong scheme", "hi", "ftp://cdn.example.com/a.png", true},
		{"image too long", "", "https://cdn.example.com/" + strings.Repeat("a", MaxImageBytes), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.text, tt.image)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q, %q) error = %v, wantErr %v", tt.text, tt.image, err, tt.wantErr)
			}
		})
	}
}

func TestValidate_EmptyIsSentinel(t *testing.T) {
	if err := Validate("", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}
